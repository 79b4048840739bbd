package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vadcal/internal/calibrate"
)

// Defaults applied by [LoadFromReader] to unset fields.
const (
	DefaultListenAddr  = ":8080"
	DefaultSampleRate  = 16000
	DefaultServiceName = "vadcal"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad": {"silero", "energy"},
	"stt": {"whisper", "whisper-native", "openai", "deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates the result and fills
// in defaults. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.VAD.SampleRate == 0 {
		cfg.VAD.SampleRate = DefaultSampleRate
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Calibration.Backend == "" {
		cfg.Calibration.Backend = cfg.VAD.Name
	}
	if cfg.Calibration.Engine == "" && cfg.Oracle.Name != "" {
		cfg.Calibration.Engine = cfg.Oracle.Engine()
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Server.MaxStreams < 0 {
		errs = append(errs, fmt.Errorf("server.max_streams %d must not be negative", cfg.Server.MaxStreams))
	}

	// Presets
	if cfg.Presets.WatchInterval < 0 {
		errs = append(errs, fmt.Errorf("presets.watch_interval %s must not be negative", cfg.Presets.WatchInterval))
	}
	if cfg.Presets.WatchInterval > 0 && cfg.Presets.Path == "" {
		errs = append(errs, errors.New("presets.watch_interval requires presets.path"))
	}

	// VAD
	validateProviderName("vad", cfg.VAD.Name)
	if cfg.VAD.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("vad.sample_rate %d must not be negative", cfg.VAD.SampleRate))
	}

	// Oracles
	validateProviderName("stt", cfg.Oracle.Name)
	if cfg.Oracle.Name == "" && len(cfg.Fallbacks) > 0 {
		slog.Warn("fallbacks are configured without a primary oracle; the first fallback is used as primary")
	}
	for i, fb := range cfg.Fallbacks {
		prefix := fmt.Sprintf("fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("stt", fb.Name)
	}

	// Calibration
	cal := cfg.Calibration
	for _, f := range []struct {
		name string
		v    int
	}{
		{"trials", cal.Trials},
		{"parallelism", cal.Parallelism},
		{"startup_trials", cal.StartupTrials},
		{"max_trial_retries", cal.MaxTrialRetries},
		{"max_consecutive_failures", cal.MaxConsecutiveFailures},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("calibration.%s %d must not be negative", f.name, f.v))
		}
	}
	if _, err := calibrate.ParseFailurePolicy(cal.FailurePolicy); err != nil {
		errs = append(errs, fmt.Errorf("calibration.failure_policy %q is invalid; valid values: penalty, retry", cal.FailurePolicy))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
