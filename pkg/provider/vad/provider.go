// Package vad defines the Engine interface for frame-level speech detectors.
//
// A VAD engine wraps a speech detector (Silero VAD, an energy detector, or a
// scripted mock) and surfaces it as a stateful, per-stream session that turns
// one fixed-size frame of float32 samples into a speech probability. Each
// session keeps its own internal state so that independent audio streams can
// be scored concurrently.
//
// Scoring is synchronous: Score returns as soon as the backend has classified
// the frame. The segmentation state machine in package segmenter decides what
// the scores mean.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import "errors"

// ErrBackendUnavailable is returned when a backend is unknown, cannot load its
// model, or fails while scoring a frame.
var ErrBackendUnavailable = errors.New("vad: backend unavailable")

// SessionHandle represents an active VAD session for a single audio stream.
// Reset clears the detection state without closing the session.
type SessionHandle interface {
	// Score classifies one frame and returns a speech probability in [0, 1].
	// The frame length must equal the engine's FrameSize for the session's
	// sample rate.
	Score(frame []float32) (float64, error)

	// Reset clears all accumulated detection state (recurrent model state,
	// smoothing history) without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// Name returns the backend identifier used as the first component of a
	// preset key (e.g. "silero", "energy").
	Name() string

	// FrameSize returns the number of samples per frame the backend expects at
	// sampleRate. Returns an error wrapping ErrBackendUnavailable if the rate is
	// not supported.
	FrameSize(sampleRate int) (int, error)

	// NewSession creates a new VAD session. The session is immediately ready to
	// accept frames.
	NewSession(cfg SessionConfig) (SessionHandle, error)
}
