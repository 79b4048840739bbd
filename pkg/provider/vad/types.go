package vad

import (
	"fmt"
	"math"
)

// SessionConfig holds the parameters for a VAD session.
type SessionConfig struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to Score.
	SampleRate int

	// Threshold is the speech threshold of the segmentation configuration.
	// Backends that only produce a binary decision use it as their own
	// detection threshold.
	Threshold float64

	// Params carries backend-specific parameters such as "mode" for the energy
	// backend. Unknown keys are ignored.
	Params map[string]any
}

// IntParam reads an integer backend parameter, accepting the numeric types a
// YAML or JSON decoder may produce. Returns def when the key is absent.
func IntParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("vad: param %q: %v is not an integer", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("vad: param %q: unsupported type %T", key, v)
	}
}

// ClampScore restricts p to [0, 1].
func ClampScore(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
