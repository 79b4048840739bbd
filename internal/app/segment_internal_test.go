package app

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vadcal/pkg/audio"
	vadmock "github.com/MrWong99/vadcal/pkg/provider/vad/mock"
	"github.com/MrWong99/vadcal/pkg/segmenter"
)

func TestParseSegmentParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		query   string
		want    segmentParams
		wantErr bool
	}{
		{
			name:  "defaults",
			query: "language=en",
			want:  segmentParams{language: "en", engine: "whisper", sampleRate: 16000},
		},
		{
			name:  "all set",
			query: "language=de&engine=deepgram&sample_rate=48000&transcribe=true&provisional=1",
			want:  segmentParams{language: "de", engine: "deepgram", sampleRate: 48000, transcribe: true, provisional: true},
		},
		{name: "missing language", query: "engine=whisper", wantErr: true},
		{name: "blank language", query: "language=%20", wantErr: true},
		{name: "zero rate", query: "language=en&sample_rate=0", wantErr: true},
		{name: "bad provisional", query: "language=en&provisional=often", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			got, err := parseSegmentParams(q, "whisper")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTruncateReason(t *testing.T) {
	t.Parallel()

	if got := truncateReason("short"); got != "short" {
		t.Errorf("truncateReason(short) = %q", got)
	}
	if got := truncateReason(strings.Repeat("x", 300)); len(got) != 120 {
		t.Errorf("len = %d, want 120", len(got))
	}
}

func TestSegmentStream_SmallMessagesKeepClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rate     int
		samples  int
		messages int
	}{
		{name: "44.1kHz 100-sample messages", rate: 44100, samples: 100, messages: 600},
		{name: "48kHz 2-sample messages", rate: 48000, samples: 2, messages: 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			proc, err := segmenter.NewProcessor(&vadmock.Engine{}, segmenter.DefaultConfig())
			if err != nil {
				t.Fatalf("NewProcessor: %v", err)
			}
			t.Cleanup(func() { _ = proc.Close() })
			s := &segmentStream{proc: proc, resampler: audio.NewResampler(tt.rate, proc.Config().SampleRate)}

			pcm := make([]byte, tt.samples*2)
			for range tt.messages {
				if _, err := s.processPCM(pcm); err != nil {
					t.Fatalf("processPCM: %v", err)
				}
			}
			sent := time.Duration(tt.samples*tt.messages) * time.Second / time.Duration(tt.rate)
			if d := proc.Position() - sent; d < -time.Millisecond || d > time.Millisecond {
				t.Errorf("Position = %s, want %s", proc.Position(), sent)
			}
			if _, err := s.command(cmdFlush); err != nil {
				t.Fatalf("flush: %v", err)
			}
		})
	}
}
