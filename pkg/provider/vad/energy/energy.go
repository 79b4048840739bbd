// Package energy provides a pure-Go VAD backend driven by frame energy and
// zero-crossing rate.
//
// The detector has a discrete sensitivity "mode" (0–3) in the spirit of the
// WebRTC VAD aggressiveness setting: higher modes need louder frames before
// they report speech. The frame level in dBFS is mapped onto a continuous
// score with a logistic curve centred on the mode's floor, noise-like frames
// (high zero-crossing rate) are attenuated, and the result is smoothed with
// the previous frame's score.
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/vadcal/pkg/audio"
	"github.com/MrWong99/vadcal/pkg/provider/vad"
)

// Name is the backend identifier used in preset keys.
const Name = "energy"

// FrameDuration is the length of one scoring frame in milliseconds.
const FrameDuration = 30

const (
	// slopeDB is the logistic slope in dB around the mode floor.
	slopeDB = 3.0

	// zcrKnee is the zero-crossing rate above which frames are attenuated.
	zcrKnee = 0.35

	// smoothing is the weight given to the previous frame's score.
	smoothing = 0.2
)

// modeFloors maps each mode to the dBFS level that scores 0.5.
var modeFloors = [...]float64{-50, -44, -38, -32}

var supportedRates = map[int]bool{8000: true, 16000: true, 32000: true, 48000: true}

// Engine is the energy VAD backend. It holds no per-stream state and is safe
// for concurrent use.
type Engine struct{}

// New returns an energy Engine.
func New() *Engine { return &Engine{} }

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Name implements vad.Engine.
func (e *Engine) Name() string { return Name }

// FrameSize implements vad.Engine. Frames are 30 ms long.
func (e *Engine) FrameSize(sampleRate int) (int, error) {
	if !supportedRates[sampleRate] {
		return 0, fmt.Errorf("energy: sample rate %d: %w", sampleRate, vad.ErrBackendUnavailable)
	}
	return sampleRate * FrameDuration / 1000, nil
}

// NewSession implements vad.Engine. The "mode" parameter selects the
// sensitivity (default 0).
func (e *Engine) NewSession(cfg vad.SessionConfig) (vad.SessionHandle, error) {
	size, err := e.FrameSize(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	mode, err := vad.IntParam(cfg.Params, "mode", 0)
	if err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	if mode < 0 || mode >= len(modeFloors) {
		return nil, fmt.Errorf("energy: mode %d out of range [0, %d]", mode, len(modeFloors)-1)
	}
	return &Session{frameSize: size, floor: modeFloors[mode]}, nil
}

// Session scores frames for a single stream.
type Session struct {
	mu        sync.Mutex
	frameSize int
	floor     float64
	prev      float64
	closed    bool
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)

// Score implements vad.SessionHandle.
func (s *Session) Score(frame []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("energy: session closed: %w", vad.ErrBackendUnavailable)
	}
	if len(frame) != s.frameSize {
		return 0, fmt.Errorf("energy: frame has %d samples, want %d", len(frame), s.frameSize)
	}

	raw := levelScore(audio.RMS(frame), s.floor)
	if zcr := audio.ZeroCrossingRate(frame); zcr > zcrKnee {
		raw *= math.Max(0, 1-(zcr-zcrKnee)/zcrKnee)
	}
	p := vad.ClampScore((1-smoothing)*raw + smoothing*s.prev)
	s.prev = p
	return p, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev = 0
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// levelScore maps an RMS level onto (0, 1) around floor dBFS.
func levelScore(rms, floor float64) float64 {
	if rms <= 1e-10 {
		return 0
	}
	db := 20 * math.Log10(rms)
	return 1 / (1 + math.Exp(-(db-floor)/slopeDB))
}
