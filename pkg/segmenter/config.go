package segmenter

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"gopkg.in/yaml.v3"
)

// Default segmentation parameters used when no calibrated preset exists.
const (
	DefaultThreshold    = 0.5
	DefaultNegThreshold = 0.35
	DefaultMinSpeech    = 250 * time.Millisecond
	DefaultMinSilence   = 100 * time.Millisecond
	DefaultSpeechPad    = 100 * time.Millisecond
	DefaultSampleRate   = 16000
)

// Config holds the parameters of the segmentation state machine. It is a
// value type; use Clone before mutating BackendParams of a shared Config.
type Config struct {
	// Threshold is the score at or above which a frame opens a segment.
	// Range: [0, 1].
	Threshold float64

	// NegThreshold is the score at or above which a frame keeps an open
	// segment alive. Range: [0, Threshold].
	NegThreshold float64

	// MinSpeech is the shortest speech span that is emitted. Shorter spans
	// are discarded as false triggers.
	MinSpeech time.Duration

	// MinSilence is the trailing silence that closes an open segment.
	MinSilence time.Duration

	// SpeechPad is added before the first and after the last speech frame.
	SpeechPad time.Duration

	// MaxSpeech force-closes a segment whose speech span reaches it.
	// Zero means unlimited.
	MaxSpeech time.Duration

	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// BackendParams carries backend-specific parameters such as "mode".
	BackendParams map[string]any
}

// DefaultConfig returns the uncalibrated default configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:    DefaultThreshold,
		NegThreshold: DefaultNegThreshold,
		MinSpeech:    DefaultMinSpeech,
		MinSilence:   DefaultMinSilence,
		SpeechPad:    DefaultSpeechPad,
		SampleRate:   DefaultSampleRate,
	}
}

// Clone returns a copy of c that shares no mutable state with it.
func (c Config) Clone() Config {
	c.BackendParams = maps.Clone(c.BackendParams)
	return c
}

// Validate checks c and returns an error wrapping ErrConfigurationInvalid
// that joins every violation found.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold %v out of range [0, 1]", c.Threshold))
	}
	if c.NegThreshold < 0 || c.NegThreshold > 1 {
		errs = append(errs, fmt.Errorf("neg_threshold %v out of range [0, 1]", c.NegThreshold))
	}
	if c.NegThreshold > c.Threshold {
		errs = append(errs, fmt.Errorf("neg_threshold %v must not exceed threshold %v", c.NegThreshold, c.Threshold))
	}
	if c.MinSpeech < 0 {
		errs = append(errs, fmt.Errorf("min_speech %s must not be negative", c.MinSpeech))
	}
	if c.MinSilence < 0 {
		errs = append(errs, fmt.Errorf("min_silence %s must not be negative", c.MinSilence))
	}
	if c.SpeechPad < 0 {
		errs = append(errs, fmt.Errorf("speech_pad %s must not be negative", c.SpeechPad))
	}
	if c.MaxSpeech < 0 {
		errs = append(errs, fmt.Errorf("max_speech %s must not be negative", c.MaxSpeech))
	}
	if c.MaxSpeech > 0 && c.MaxSpeech < c.MinSpeech {
		errs = append(errs, fmt.Errorf("max_speech %s must not be shorter than min_speech %s", c.MaxSpeech, c.MinSpeech))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate %d must be positive", c.SampleRate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("segmenter: %w: %w", ErrConfigurationInvalid, errors.Join(errs...))
	}
	return nil
}

// ConfigDoc is the serialised form of Config with durations in milliseconds.
// It is used by the preset document, trial traces and the HTTP API.
type ConfigDoc struct {
	Threshold     float64        `yaml:"threshold"                json:"threshold"`
	NegThreshold  float64        `yaml:"neg_threshold"            json:"neg_threshold"`
	MinSpeechMs   int64          `yaml:"min_speech_ms"            json:"min_speech_ms"`
	MinSilenceMs  int64          `yaml:"min_silence_ms"           json:"min_silence_ms"`
	SpeechPadMs   int64          `yaml:"speech_pad_ms"            json:"speech_pad_ms"`
	MaxSpeechMs   int64          `yaml:"max_speech_ms,omitempty"  json:"max_speech_ms,omitempty"`
	SampleRate    int            `yaml:"sample_rate"              json:"sample_rate"`
	BackendParams map[string]any `yaml:"backend_params,omitempty" json:"backend_params,omitempty"`
}

// Doc returns the serialised form of c.
func (c Config) Doc() ConfigDoc {
	return ConfigDoc{
		Threshold:     c.Threshold,
		NegThreshold:  c.NegThreshold,
		MinSpeechMs:   c.MinSpeech.Milliseconds(),
		MinSilenceMs:  c.MinSilence.Milliseconds(),
		SpeechPadMs:   c.SpeechPad.Milliseconds(),
		MaxSpeechMs:   c.MaxSpeech.Milliseconds(),
		SampleRate:    c.SampleRate,
		BackendParams: maps.Clone(c.BackendParams),
	}
}

// Config converts d back into a Config. It does not validate.
func (d ConfigDoc) Config() Config {
	return Config{
		Threshold:     d.Threshold,
		NegThreshold:  d.NegThreshold,
		MinSpeech:     time.Duration(d.MinSpeechMs) * time.Millisecond,
		MinSilence:    time.Duration(d.MinSilenceMs) * time.Millisecond,
		SpeechPad:     time.Duration(d.SpeechPadMs) * time.Millisecond,
		MaxSpeech:     time.Duration(d.MaxSpeechMs) * time.Millisecond,
		SampleRate:    d.SampleRate,
		BackendParams: maps.Clone(d.BackendParams),
	}
}

// MarshalYAML implements yaml.Marshaler.
func (c Config) MarshalYAML() (any, error) {
	return c.Doc(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var d ConfigDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	*c = d.Config()
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Doc())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Config) UnmarshalJSON(data []byte) error {
	var d ConfigDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*c = d.Config()
	return nil
}
