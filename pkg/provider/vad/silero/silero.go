// Package silero provides a VAD backend backed by the Silero VAD ONNX model via
// github.com/streamer45/silero-vad-go.
//
// The underlying detector only reports speech start and end events. A session
// tracks whether the detector is currently triggered and reports a score of 1
// while it is and 0 otherwise, so the segmentation state machine sees a binary
// score stream. The detector's own threshold is set to the segmentation
// threshold and its silence and padding windows are disabled; the state
// machine applies those.
//
// Requires the ONNX runtime shared library at build and run time (CGO).
package silero

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/MrWong99/vadcal/pkg/provider/vad"
)

// Name is the backend identifier used in preset keys.
const Name = "silero"

// Engine is the Silero VAD backend. It is safe for concurrent use; every
// session owns its own detector.
type Engine struct {
	modelPath string
}

// Option configures an Engine.
type Option func(*Engine)

// New returns a Silero Engine that loads the model at modelPath for every
// session.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("silero: model path must not be empty: %w", vad.ErrBackendUnavailable)
	}
	e := &Engine{modelPath: modelPath}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Name implements vad.Engine.
func (e *Engine) Name() string { return Name }

// FrameSize implements vad.Engine. The model consumes 512-sample windows at
// 16 kHz and 256-sample windows at 8 kHz.
func (e *Engine) FrameSize(sampleRate int) (int, error) {
	switch sampleRate {
	case 16000:
		return 512, nil
	case 8000:
		return 256, nil
	default:
		return 0, fmt.Errorf("silero: sample rate %d: %w", sampleRate, vad.ErrBackendUnavailable)
	}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.SessionConfig) (vad.SessionHandle, error) {
	size, err := e.FrameSize(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	threshold := cfg.Threshold
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	d, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:  e.modelPath,
		SampleRate: cfg.SampleRate,
		Threshold:  float32(threshold),
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w: %w", vad.ErrBackendUnavailable, err)
	}
	return &Session{
		detector:  d,
		frameSize: size,
		// The detector iterates while i < len(pcm)-window, so one trailing
		// sample is needed to score exactly one window per call.
		buf: make([]float32, size+1),
	}, nil
}

// Session scores frames for a single stream.
type Session struct {
	mu        sync.Mutex
	detector  *speech.Detector
	frameSize int
	buf       []float32
	speaking  bool
	closed    bool
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)

// Score implements vad.SessionHandle.
func (s *Session) Score(frame []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("silero: session closed: %w", vad.ErrBackendUnavailable)
	}
	if len(frame) != s.frameSize {
		return 0, fmt.Errorf("silero: frame has %d samples, want %d", len(frame), s.frameSize)
	}
	copy(s.buf, frame)
	s.buf[s.frameSize] = 0

	segments, err := s.detector.Detect(s.buf)
	if err != nil {
		if s.speaking {
			// An end event with no start in the same call is reported as an
			// error by the detector. Treat it as the end of speech.
			slog.Debug("silero: speech end across calls, resetting detector", "err", err)
			s.speaking = false
			if rerr := s.detector.Reset(); rerr != nil {
				return 0, fmt.Errorf("silero: reset: %w: %w", vad.ErrBackendUnavailable, rerr)
			}
			return 0, nil
		}
		return 0, fmt.Errorf("silero: detect: %w: %w", vad.ErrBackendUnavailable, err)
	}
	for _, seg := range segments {
		s.speaking = seg.SpeechEndAt <= 0
	}
	if s.speaking {
		return 1, nil
	}
	return 0, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.speaking = false
	if err := s.detector.Reset(); err != nil {
		slog.Warn("silero: reset detector", "err", err)
	}
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.detector.Destroy(); err != nil {
		return fmt.Errorf("silero: destroy detector: %w", err)
	}
	return nil
}
