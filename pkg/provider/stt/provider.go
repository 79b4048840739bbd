// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber is a batch oracle: it receives one span of mono audio and
// returns the recognised text. The calibration optimizer uses it to score
// segmentation configurations, and the serve mode uses it to transcribe
// emitted segments on request.
//
// Engine-specific knobs (language hints, server-side VAD switches) travel in
// Request.Options. Which options an engine receives is decided by the caller;
// implementations forward what they understand and ignore the rest.
//
// Implementations must be safe for concurrent use unless they document
// otherwise.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when a Request carries no samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Transcriber is the abstraction over any speech-to-text backend.
type Transcriber interface {
	// Name returns the provider name (e.g. "whisper", "openai").
	Name() string

	// Transcribe returns the text spoken in req. An empty string with a nil
	// error means the engine heard nothing.
	Transcribe(ctx context.Context, req Request) (string, error)
}
