// Package preset stores calibrated segmentation configurations keyed by
// (backend, language, engine).
//
// Entries are written by the calibration optimizer and read at runtime by
// segmenter.FromLanguage. An entry whose engine is Wildcard applies to every
// transcription engine for which no exact entry exists.
package preset

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// Wildcard is the engine component of a fallback entry.
const Wildcard = "*"

var (
	// ErrNotFound is returned when neither an exact nor a wildcard entry
	// exists for a lookup.
	ErrNotFound = errors.New("preset: not found")

	// ErrInvalidEntry is returned when an entry has an incomplete key or an
	// invalid configuration.
	ErrInvalidEntry = errors.New("preset: invalid entry")
)

// Key identifies a preset entry.
type Key struct {
	Backend  string
	Language string
	Engine   string
}

// String returns "backend/language/engine".
func (k Key) String() string {
	return k.Backend + "/" + k.Language + "/" + k.Engine
}

// IsWildcard reports whether k is a fallback key.
func (k Key) IsWildcard() bool { return k.Engine == Wildcard }

// Entry is one calibrated configuration.
type Entry struct {
	Key    Key
	Config segmenter.Config

	// Metric is the error metric the score was measured with ("wer" or "cer").
	Metric string

	// Score is the mean per-utterance error rate on the calibration corpus.
	Score float64

	// CorpusSize is the number of utterances the score was measured on.
	CorpusSize int

	UpdatedAt time.Time
}

// Validate checks the entry key and configuration.
func (e Entry) Validate() error {
	var errs []error
	if e.Key.Backend == "" {
		errs = append(errs, errors.New("backend is empty"))
	}
	if e.Key.Language == "" {
		errs = append(errs, errors.New("language is empty"))
	}
	if e.Key.Engine == "" {
		errs = append(errs, fmt.Errorf("engine is empty; use %q for a fallback entry", Wildcard))
	}
	if err := e.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("preset: %s: %w: %w", e.Key, ErrInvalidEntry, errors.Join(errs...))
	}
	return nil
}
