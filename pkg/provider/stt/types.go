package stt

import (
	"fmt"
	"strconv"
)

// Request is one transcription call.
type Request struct {
	// Samples holds mono float32 audio normalised to [-1.0, 1.0].
	Samples []float32

	// SampleRate is the rate of Samples in Hz.
	SampleRate int

	// Language is the language of the audio, e.g. "en" or "ja". Empty leaves
	// the choice to the provider.
	Language string

	// Options carries engine-specific parameters. A "language" option
	// overrides Language.
	Options map[string]any
}

// LanguageHint returns the "language" option if set, otherwise Language.
func (r Request) LanguageHint() string {
	if s, _ := r.Options["language"].(string); s != "" {
		return s
	}
	return r.Language
}

// Validate checks that the request carries audio at a positive rate.
func (r Request) Validate() error {
	if len(r.Samples) == 0 {
		return ErrEmptyAudio
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("stt: sample rate %d must be positive", r.SampleRate)
	}
	return nil
}

// FormatOption renders an option value as a form or query string.
func FormatOption(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
