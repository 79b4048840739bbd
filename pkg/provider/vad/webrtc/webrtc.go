// Package webrtc provides a VAD backend on the WebRTC voice activity
// detector (github.com/maxhawkins/go-webrtcvad, cgo).
//
// The detector returns a binary decision per frame, reported as a score of 0
// or 1, so the segmentation thresholds only matter through their hysteresis
// timings. The "mode" backend parameter (0–3) sets the detector's
// aggressiveness: higher modes reject more non-speech at the cost of missing
// quiet speech.
package webrtc

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/vadcal/pkg/audio"
	"github.com/MrWong99/vadcal/pkg/provider/vad"
)

// Name is the backend identifier used in preset keys.
const Name = "webrtc"

// FrameDuration is the length of one scoring frame in milliseconds. The
// detector accepts 10, 20 or 30 ms.
const FrameDuration = 30

// MaxMode is the most aggressive detector mode.
const MaxMode = 3

var supportedRates = map[int]bool{8000: true, 16000: true, 32000: true, 48000: true}

// Engine is the WebRTC VAD backend. Every session owns its own detector
// instance, so the engine is safe for concurrent use.
type Engine struct{}

// New returns a WebRTC Engine.
func New() *Engine { return &Engine{} }

var _ vad.Engine = (*Engine)(nil)

// Name implements vad.Engine.
func (e *Engine) Name() string { return Name }

// FrameSize implements vad.Engine.
func (e *Engine) FrameSize(sampleRate int) (int, error) {
	if !supportedRates[sampleRate] {
		return 0, fmt.Errorf("webrtc: sample rate %d: %w", sampleRate, vad.ErrBackendUnavailable)
	}
	return sampleRate * FrameDuration / 1000, nil
}

// NewSession implements vad.Engine. The "mode" parameter selects the
// aggressiveness (default 0).
func (e *Engine) NewSession(cfg vad.SessionConfig) (vad.SessionHandle, error) {
	size, err := e.FrameSize(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	mode, err := vad.IntParam(cfg.Params, "mode", 0)
	if err != nil {
		return nil, fmt.Errorf("webrtc: %w", err)
	}
	if mode < 0 || mode > MaxMode {
		return nil, fmt.Errorf("webrtc: mode %d out of range [0, %d]", mode, MaxMode)
	}
	det, err := newDetector(mode)
	if err != nil {
		return nil, err
	}
	if !det.ValidRateAndFrameLength(cfg.SampleRate, size) {
		return nil, fmt.Errorf("webrtc: %d-sample frames at %d Hz: %w", size, cfg.SampleRate, vad.ErrBackendUnavailable)
	}
	return &Session{det: det, mode: mode, rate: cfg.SampleRate, frameSize: size}, nil
}

func newDetector(mode int) (*webrtcvad.VAD, error) {
	det, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc: create detector: %w: %w", vad.ErrBackendUnavailable, err)
	}
	if err := det.SetMode(mode); err != nil {
		return nil, fmt.Errorf("webrtc: set mode %d: %w", mode, err)
	}
	return det, nil
}

// Session scores frames for a single stream.
type Session struct {
	mu        sync.Mutex
	det       *webrtcvad.VAD
	mode      int
	rate      int
	frameSize int
}

var _ vad.SessionHandle = (*Session)(nil)

// Score implements vad.SessionHandle. It returns 1 for speech and 0
// otherwise.
func (s *Session) Score(frame []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.det == nil {
		return 0, fmt.Errorf("webrtc: session closed: %w", vad.ErrBackendUnavailable)
	}
	if len(frame) != s.frameSize {
		return 0, fmt.Errorf("webrtc: frame has %d samples, want %d", len(frame), s.frameSize)
	}
	active, err := s.det.Process(s.rate, audio.Float32ToPCM16(frame))
	if err != nil {
		return 0, fmt.Errorf("webrtc: process frame: %w: %w", vad.ErrBackendUnavailable, err)
	}
	if active {
		return 1, nil
	}
	return 0, nil
}

// Reset implements vad.SessionHandle. The detector keeps adaptive noise
// estimates, so it is replaced by a fresh instance.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.det == nil {
		return
	}
	if det, err := newDetector(s.mode); err == nil {
		s.det = det
	}
}

// Close implements vad.SessionHandle. The detector's C state is released by
// its finalizer once the session drops it.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.det = nil
	return nil
}
