package energy

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/vadcal/pkg/provider/vad"
)

func sine(n, rate int, freq, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func newSession(t *testing.T, mode int) vad.SessionHandle {
	t.Helper()
	sess, err := New().NewSession(vad.SessionConfig{SampleRate: 16000, Params: map[string]any{"mode": mode}})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestFrameSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rate    int
		want    int
		wantErr bool
	}{
		{rate: 8000, want: 240},
		{rate: 16000, want: 480},
		{rate: 48000, want: 1440},
		{rate: 22050, wantErr: true},
	}
	for _, tt := range tests {
		got, err := New().FrameSize(tt.rate)
		if tt.wantErr {
			if !errors.Is(err, vad.ErrBackendUnavailable) {
				t.Errorf("FrameSize(%d): want ErrBackendUnavailable, got %v", tt.rate, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("FrameSize(%d) = %d, %v; want %d", tt.rate, got, err, tt.want)
		}
	}
}

func TestNewSession_InvalidMode(t *testing.T) {
	t.Parallel()
	for _, mode := range []any{-1, 4, 1.5, "loud"} {
		_, err := New().NewSession(vad.SessionConfig{SampleRate: 16000, Params: map[string]any{"mode": mode}})
		if err == nil {
			t.Errorf("mode %v: expected error", mode)
		}
	}
}

func TestScore_SilenceAndTone(t *testing.T) {
	t.Parallel()
	sess := newSession(t, 0)

	p, err := sess.Score(make([]float32, 480))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if p != 0 {
		t.Errorf("silence score = %f, want 0", p)
	}

	tone := sine(480, 16000, 220, 0.5)
	for range 5 {
		p, err = sess.Score(tone)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
	}
	if p < 0.9 {
		t.Errorf("tone score = %f, want >= 0.9", p)
	}
}

func TestScore_ModeSensitivity(t *testing.T) {
	t.Parallel()
	// About -40 dBFS: speech for mode 0, silence for mode 3.
	quiet := sine(480, 16000, 220, 0.014)

	lenient := newSession(t, 0)
	strict := newSession(t, 3)
	var pl, ps float64
	for range 5 {
		pl, _ = lenient.Score(quiet)
		ps, _ = strict.Score(quiet)
	}
	if pl < 0.5 {
		t.Errorf("mode 0 score = %f, want >= 0.5", pl)
	}
	if ps > 0.1 {
		t.Errorf("mode 3 score = %f, want <= 0.1", ps)
	}
}

func TestScore_NoiseAttenuated(t *testing.T) {
	t.Parallel()
	// Alternating samples have a zero-crossing rate of 1.
	noise := make([]float32, 480)
	for i := range noise {
		noise[i] = 0.5
		if i%2 == 1 {
			noise[i] = -0.5
		}
	}
	sess := newSession(t, 0)
	p, err := sess.Score(noise)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if p != 0 {
		t.Errorf("noise score = %f, want 0", p)
	}
}

func TestScore_WrongFrameSize(t *testing.T) {
	t.Parallel()
	sess := newSession(t, 0)
	if _, err := sess.Score(make([]float32, 100)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestReset_ClearsSmoothing(t *testing.T) {
	t.Parallel()
	sess := newSession(t, 0)
	tone := sine(480, 16000, 220, 0.5)
	silence := make([]float32, 480)

	_, _ = sess.Score(tone)
	withHistory, _ := sess.Score(silence)
	if withHistory == 0 {
		t.Fatal("expected smoothing to carry over previous score")
	}

	sess.Reset()
	p, _ := sess.Score(silence)
	if p != 0 {
		t.Errorf("score after reset = %f, want 0", p)
	}
}

func TestClose_ScoreFails(t *testing.T) {
	t.Parallel()
	sess := newSession(t, 0)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sess.Score(make([]float32, 480)); !errors.Is(err, vad.ErrBackendUnavailable) {
		t.Errorf("want ErrBackendUnavailable after Close, got %v", err)
	}
}
