package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/vadcal/internal/config"
	"github.com/MrWong99/vadcal/internal/resilience"
	"github.com/MrWong99/vadcal/pkg/provider/stt"
	"github.com/MrWong99/vadcal/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/vadcal/pkg/provider/stt/openai"
	"github.com/MrWong99/vadcal/pkg/provider/stt/whisper"
	"github.com/MrWong99/vadcal/pkg/provider/vad"
	"github.com/MrWong99/vadcal/pkg/provider/vad/energy"
	"github.com/MrWong99/vadcal/pkg/provider/vad/silero"
	"github.com/MrWong99/vadcal/pkg/provider/vad/webrtc"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in factories into reg. Each factory
// receives its config entry and constructs the provider from the real
// implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD(silero.Name, func(c config.VADConfig) (vad.Engine, error) {
		modelPath := c.ModelPath
		if modelPath == "" {
			modelPath = optString(c.Options, "model_path")
		}
		return silero.New(modelPath)
	})

	reg.RegisterVAD(energy.Name, func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterVAD(webrtc.Name, func(config.VADConfig) (vad.Engine, error) {
		return webrtc.New(), nil
	})

	// ── Transcribers ──────────────────────────────────────────────────────────
	// The language is sent per request, so only a configured default is
	// applied here.

	reg.RegisterTranscriber("whisper", func(c config.OracleConfig) (stt.Transcriber, error) {
		var opts []whisper.Option
		if c.Model != "" {
			opts = append(opts, whisper.WithModel(c.Model))
		}
		if lang := optString(c.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(c.BaseURL, opts...)
	})

	reg.RegisterTranscriber("whisper-native", func(c config.OracleConfig) (stt.Transcriber, error) {
		modelPath := c.Model
		if modelPath == "" {
			modelPath = optString(c.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(c.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterTranscriber("openai", func(c config.OracleConfig) (stt.Transcriber, error) {
		var opts []oastt.Option
		if c.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(c.BaseURL))
		}
		if c.Model != "" {
			opts = append(opts, oastt.WithModel(c.Model))
		}
		return oastt.New(c.APIKey, opts...)
	})

	reg.RegisterTranscriber("deepgram", func(c config.OracleConfig) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if c.Model != "" {
			opts = append(opts, deepgram.WithModel(c.Model))
		}
		if lang := optString(c.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if c.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(c.BaseURL))
		}
		return deepgram.New(c.APIKey, opts...)
	})

	slog.Debug("registered providers", "vad", reg.VADNames(), "transcribers", reg.TranscriberNames())
}

// buildVAD instantiates the configured VAD backend.
func buildVAD(cfg *config.Config, reg *config.Registry) (vad.Engine, error) {
	if cfg.VAD.Name == "" {
		return nil, fmt.Errorf("vad.name is not configured: %w", vad.ErrBackendUnavailable)
	}
	e, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad backend %q: %w", cfg.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.VAD.Name)
	return e, nil
}

// oracle is a transcriber plus the resources to release when done.
type oracle struct {
	stt.Transcriber
	names   []string // providers in failover order
	closers []io.Closer
}

// Close releases native models held by the transcribers.
func (o *oracle) Close() error {
	var errs []error
	for _, c := range o.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// buildOracle instantiates the configured transcriber. With fallbacks, the
// configured fallback entries are tried in order when the primary fails. It
// returns nil when no oracle is configured.
func buildOracle(cfg *config.Config, reg *config.Registry, fallbacks bool) (*oracle, error) {
	if cfg.Oracle.Name == "" {
		return nil, nil
	}
	o := &oracle{}
	primary, err := createTranscriber(reg, cfg.Oracle, o)
	if err != nil {
		o.Close()
		return nil, err
	}
	o.Transcriber = primary
	o.names = []string{primary.Name()}
	if !fallbacks || len(cfg.Fallbacks) == 0 {
		return o, nil
	}

	fb := resilience.NewTranscriberFallback(primary, resilience.FallbackConfig{})
	for _, entry := range cfg.Fallbacks {
		t, err := createTranscriber(reg, entry, o)
		if err != nil {
			o.Close()
			return nil, err
		}
		fb.AddFallback(t)
	}
	o.Transcriber = fb
	o.names = fb.Names()
	return o, nil
}

func createTranscriber(reg *config.Registry, entry config.OracleConfig, o *oracle) (stt.Transcriber, error) {
	t, err := reg.CreateTranscriber(entry)
	if err != nil {
		return nil, fmt.Errorf("create transcriber %q: %w", entry.Name, err)
	}
	if c, ok := t.(io.Closer); ok {
		o.closers = append(o.closers, c)
	}
	slog.Info("provider created", "kind", "stt", "name", entry.Name, "engine", entry.Engine())
	return t, nil
}
