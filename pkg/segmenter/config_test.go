package segmenter

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults valid", mutate: func(*Config) {}},
		{name: "threshold too high", mutate: func(c *Config) { c.Threshold = 1.5 }, wantErr: "threshold"},
		{name: "neg above threshold", mutate: func(c *Config) { c.NegThreshold = 0.6 }, wantErr: "must not exceed"},
		{name: "negative neg", mutate: func(c *Config) { c.NegThreshold = -0.1 }, wantErr: "neg_threshold"},
		{name: "negative min speech", mutate: func(c *Config) { c.MinSpeech = -time.Millisecond }, wantErr: "min_speech"},
		{name: "negative min silence", mutate: func(c *Config) { c.MinSilence = -time.Millisecond }, wantErr: "min_silence"},
		{name: "negative pad", mutate: func(c *Config) { c.SpeechPad = -time.Millisecond }, wantErr: "speech_pad"},
		{name: "max below min speech", mutate: func(c *Config) { c.MaxSpeech = 100 * time.Millisecond }, wantErr: "max_speech"},
		{name: "zero sample rate", mutate: func(c *Config) { c.SampleRate = 0 }, wantErr: "sample_rate"},
		{name: "equal thresholds", mutate: func(c *Config) { c.NegThreshold = c.Threshold }},
		{name: "zero durations", mutate: func(c *Config) { c.MinSpeech, c.MinSilence, c.SpeechPad = 0, 0, 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrConfigurationInvalid) {
				t.Fatalf("want ErrConfigurationInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	t.Parallel()
	cfg := Config{Threshold: 2, NegThreshold: 3, SampleRate: -1}
	err := cfg.Validate()
	for _, want := range []string{"threshold 2", "neg_threshold 3", "sample_rate -1"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfig_YAML(t *testing.T) {
	t.Parallel()
	const doc = `
threshold: 0.6
neg_threshold: 0.4
min_speech_ms: 200
min_silence_ms: 350
speech_pad_ms: 30
sample_rate: 16000
backend_params:
  mode: 2
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Threshold != 0.6 || cfg.NegThreshold != 0.4 {
		t.Errorf("thresholds = %v/%v", cfg.Threshold, cfg.NegThreshold)
	}
	if cfg.MinSpeech != 200*time.Millisecond || cfg.MinSilence != 350*time.Millisecond || cfg.SpeechPad != 30*time.Millisecond {
		t.Errorf("durations = %s/%s/%s", cfg.MinSpeech, cfg.MinSilence, cfg.SpeechPad)
	}
	if cfg.BackendParams["mode"] != 2 {
		t.Errorf("mode = %v, want 2", cfg.BackendParams["mode"])
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "min_silence_ms: 350") {
		t.Errorf("marshalled YAML missing millisecond field:\n%s", out)
	}
}

func TestConfig_JSON(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"min_speech_ms":250`) {
		t.Errorf("unexpected JSON %s", data)
	}
	var back Config
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.MinSpeech != cfg.MinSpeech || back.Threshold != cfg.Threshold {
		t.Errorf("round trip mismatch: %+v vs %+v", back, cfg)
	}
}

func TestConfig_CloneIsolatesParams(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.BackendParams = map[string]any{"mode": 1}
	clone := cfg.Clone()
	clone.BackendParams["mode"] = 3
	if cfg.BackendParams["mode"] != 1 {
		t.Error("Clone shares BackendParams with the original")
	}
}
