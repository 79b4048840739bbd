package resilience

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vadcal/pkg/provider/stt"
	sttmock "github.com/MrWong99/vadcal/pkg/provider/stt/mock"
)

func testRequest() stt.Request {
	return stt.Request{Samples: make([]float32, 160), SampleRate: 16000, Language: "en"}
}

func breakerConfig(maxFailures int) FallbackConfig {
	return FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour}}
}

func TestTranscriberFallback_Routing(t *testing.T) {
	down := errors.New("connection refused")

	tests := []struct {
		name          string
		primary       sttmock.Response
		secondary     sttmock.Response
		wantText      string
		wantErr       error
		wantSecondary int
	}{
		{
			name:     "primary serves",
			primary:  sttmock.Response{Text: "hello"},
			wantText: "hello",
		},
		{
			name:          "failover",
			primary:       sttmock.Response{Err: down},
			secondary:     sttmock.Response{Text: "from openai"},
			wantText:      "from openai",
			wantSecondary: 1,
		},
		{
			name:          "all fail",
			primary:       sttmock.Response{Err: down},
			secondary:     sttmock.Response{Err: errors.New("quota exceeded")},
			wantErr:       ErrAllFailed,
			wantSecondary: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &sttmock.Transcriber{ProviderName: "whisper", Default: tt.primary}
			secondary := &sttmock.Transcriber{ProviderName: "openai", Default: tt.secondary}
			fb := NewTranscriberFallback(primary, breakerConfig(3), secondary)

			text, err := fb.Transcribe(context.Background(), testRequest())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if primary.CallCount() != 1 || secondary.CallCount() != tt.wantSecondary {
				t.Errorf("calls = %d/%d, want 1/%d", primary.CallCount(), secondary.CallCount(), tt.wantSecondary)
			}
			if got := secondary.Calls; len(got) > 0 && got[0].Req.Language != "en" {
				t.Errorf("fallback request language = %q, want en", got[0].Req.Language)
			}
		})
	}
}

func TestTranscriberFallback_AllFailNamesEveryProvider(t *testing.T) {
	primary := &sttmock.Transcriber{ProviderName: "whisper", Default: sttmock.Response{Err: errors.New("connection refused")}}
	secondary := &sttmock.Transcriber{ProviderName: "deepgram", Default: sttmock.Response{Err: errors.New("unauthorized")}}
	fb := NewTranscriberFallback(primary, breakerConfig(3), secondary)

	_, err := fb.Transcribe(context.Background(), testRequest())
	for _, want := range []string{"whisper: connection refused", "deepgram: unauthorized"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("err = %v, want it to mention %q", err, want)
		}
	}
}

func TestTranscriberFallback_Names(t *testing.T) {
	fb := NewTranscriberFallback(&sttmock.Transcriber{ProviderName: "whisper"}, FallbackConfig{})
	fb.AddFallback(&sttmock.Transcriber{ProviderName: "openai"})
	fb.AddFallback(&sttmock.Transcriber{ProviderName: "deepgram"})

	if fb.Name() != "whisper" {
		t.Errorf("Name = %q, want whisper", fb.Name())
	}
	if got, want := fb.Names(), []string{"whisper", "openai", "deepgram"}; !slices.Equal(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}

func TestTranscriberFallback_InvalidRequestDoesNotFailOver(t *testing.T) {
	primary := &sttmock.Transcriber{ProviderName: "whisper"}
	secondary := &sttmock.Transcriber{ProviderName: "openai"}
	fb := NewTranscriberFallback(primary, breakerConfig(1), secondary)

	_, err := fb.Transcribe(context.Background(), stt.Request{SampleRate: 16000})
	if !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
	if primary.CallCount()+secondary.CallCount() != 0 {
		t.Error("no provider should see an invalid request")
	}
}

func TestTranscriberFallback_CancelledDoesNotFailOver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &sttmock.Transcriber{ProviderName: "whisper", Func: func(ctx context.Context, _ stt.Request) (string, error) {
		cancel()
		return "", ctx.Err()
	}}
	secondary := &sttmock.Transcriber{ProviderName: "openai", Default: sttmock.Response{Text: "late"}}
	fb := NewTranscriberFallback(primary, breakerConfig(1), secondary)

	if _, err := fb.Transcribe(ctx, testRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Error("fallback must not be tried after cancellation")
	}

	// Cancellation does not count against the primary's breaker.
	primary.Func = nil
	primary.Default = sttmock.Response{Text: "ok"}
	if text, err := fb.Transcribe(context.Background(), testRequest()); err != nil || text != "ok" {
		t.Errorf("Transcribe = %q, %v; want primary to stay closed", text, err)
	}
}

func TestTranscriberFallback_SkipsOpenPrimary(t *testing.T) {
	primary := &sttmock.Transcriber{ProviderName: "whisper", Default: sttmock.Response{Err: errors.New("primary down")}}
	secondary := &sttmock.Transcriber{ProviderName: "openai", Default: sttmock.Response{Text: "ok"}}
	fb := NewTranscriberFallback(primary, breakerConfig(1), secondary)

	for range 3 {
		if _, err := fb.Transcribe(context.Background(), testRequest()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := primary.CallCount(); got != 1 {
		t.Errorf("primary called %d times, want 1 before the breaker opened", got)
	}
	if got := secondary.CallCount(); got != 3 {
		t.Errorf("secondary called %d times, want 3", got)
	}
}
