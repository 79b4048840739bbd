package segmenter

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/vadcal/pkg/provider/vad"
)

// PresetSource resolves a calibrated configuration for a
// (backend, language, engine) triple. It returns an error when neither an
// exact nor a wildcard entry exists.
type PresetSource interface {
	LookupConfig(backend, language, engine string) (Config, error)
}

// FromLanguage builds a Processor using the preset for engine's backend,
// language and asrEngine. If no preset is found the default configuration is
// used, a warning is logged and Calibrated reports false.
func FromLanguage(src PresetSource, engine vad.Engine, language, asrEngine string, opts ...Option) (*Processor, error) {
	if engine == nil {
		return nil, fmt.Errorf("segmenter: nil engine: %w", vad.ErrBackendUnavailable)
	}

	cfg := DefaultConfig()
	calibrated := false
	if src != nil {
		c, err := src.LookupConfig(engine.Name(), language, asrEngine)
		if err == nil {
			cfg = c
			calibrated = true
		} else {
			slog.Warn("segmenter: no calibrated preset, using defaults",
				"backend", engine.Name(), "language", language, "engine", asrEngine, "err", err)
		}
	} else {
		slog.Warn("segmenter: no preset source, using defaults",
			"backend", engine.Name(), "language", language, "engine", asrEngine)
	}

	p, err := NewProcessor(engine, cfg, opts...)
	if err != nil {
		return nil, err
	}
	p.calibrated = calibrated
	return p, nil
}
