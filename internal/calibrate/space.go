package calibrate

import (
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// Parameter names of the search space. They match the serialised
// segmenter.ConfigDoc field names.
const (
	ParamThreshold    = "threshold"
	ParamNegThreshold = "neg_threshold"
	ParamMinSpeech    = "min_speech_ms"
	ParamMinSilence   = "min_silence_ms"
	ParamSpeechPad    = "speech_pad_ms"
	ParamMode         = "mode"
)

// Kind is the domain type of a search dimension.
type Kind int

const (
	// KindFloat is a continuous dimension in [Low, High].
	KindFloat Kind = iota

	// KindInt is a discrete dimension on the grid Low, Low+Step, ..., High.
	KindInt

	// KindCategorical picks one of Choices. Categories are unordered.
	KindCategorical
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindCategorical:
		return "categorical"
	default:
		return "unknown"
	}
}

// Param is one dimension of a search space.
type Param struct {
	Name string
	Kind Kind

	// Low and High bound float and int dimensions, inclusive.
	Low, High float64

	// Step is the grid spacing of an int dimension.
	Step float64

	// Choices lists the values of a categorical dimension.
	Choices []float64
}

// Snap maps v onto the domain of p: clamped to the bounds, rounded to the grid
// for ints, and to the nearest choice for categoricals.
func (p Param) Snap(v float64) float64 {
	switch p.Kind {
	case KindCategorical:
		best, bestDist := p.Choices[0], math.Inf(1)
		for _, c := range p.Choices {
			if d := math.Abs(c - v); d < bestDist {
				best, bestDist = c, d
			}
		}
		return best
	case KindInt:
		v = min(max(v, p.Low), p.High)
		step := p.Step
		if step <= 0 {
			step = 1
		}
		return min(p.Low+math.Round((v-p.Low)/step)*step, p.High)
	default:
		return min(max(v, p.Low), p.High)
	}
}

// Point assigns a value to every dimension of a space.
type Point map[string]float64

// Space is the set of dimensions searched for one backend.
type Space struct {
	Backend string
	Params  []Param

	// PinNegThreshold sets the negative threshold equal to the threshold
	// instead of searching it.
	PinNegThreshold bool
}

func baseParams() []Param {
	return []Param{
		{Name: ParamThreshold, Kind: KindFloat, Low: 0.2, High: 0.8},
		{Name: ParamNegThreshold, Kind: KindFloat, Low: 0.05, High: 0.8},
		{Name: ParamMinSpeech, Kind: KindInt, Low: 50, High: 500, Step: 50},
		{Name: ParamMinSilence, Kind: KindInt, Low: 50, High: 1000, Step: 50},
		{Name: ParamSpeechPad, Kind: KindInt, Low: 0, High: 300, Step: 10},
	}
}

// SpaceFor returns the search space for backend. The silero backend produces
// binary decisions, so its negative threshold is pinned to the threshold. The
// energy backend adds its categorical sensitivity mode. The webrtc backend
// searches its aggressiveness mode instead of the thresholds. Any other backend
// gets the common space.
func SpaceFor(backend string) Space {
	s := Space{Backend: backend, Params: baseParams()}
	switch backend {
	case "silero":
		s.Params = without(s.Params, ParamNegThreshold)
		s.PinNegThreshold = true
	case "energy":
		s.Params = append(s.Params, modeParam())
	case "webrtc":
		// Scores are exactly 0 or 1; any threshold in (0, 1) behaves alike.
		s.Params = append(without(without(s.Params, ParamThreshold), ParamNegThreshold), modeParam())
	}
	return s
}

// modeParam is the aggressiveness mode shared by the energy and webrtc
// backends.
func modeParam() Param {
	return Param{Name: ParamMode, Kind: KindCategorical, Choices: []float64{0, 1, 2, 3}}
}

func without(params []Param, name string) []Param {
	out := params[:0]
	for _, p := range params {
		if p.Name != name {
			out = append(out, p)
		}
	}
	return out
}

// Param returns the dimension called name.
func (s Space) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Config applies pt to base. The negative threshold is clamped to the
// threshold. Dimensions missing from pt keep the value of base.
func (s Space) Config(pt Point, base segmenter.Config) (segmenter.Config, error) {
	cfg := base.Clone()
	for _, p := range s.Params {
		v, ok := pt[p.Name]
		if !ok {
			continue
		}
		v = p.Snap(v)
		switch p.Name {
		case ParamThreshold:
			cfg.Threshold = v
		case ParamNegThreshold:
			cfg.NegThreshold = v
		case ParamMinSpeech:
			cfg.MinSpeech = millis(v)
		case ParamMinSilence:
			cfg.MinSilence = millis(v)
		case ParamSpeechPad:
			cfg.SpeechPad = millis(v)
		case ParamMode:
			if cfg.BackendParams == nil {
				cfg.BackendParams = make(map[string]any, 1)
			}
			cfg.BackendParams[ParamMode] = int(v)
		default:
			return segmenter.Config{}, fmt.Errorf("calibrate: unknown parameter %q", p.Name)
		}
	}
	if s.PinNegThreshold || cfg.NegThreshold > cfg.Threshold {
		cfg.NegThreshold = cfg.Threshold
	}
	if cfg.MaxSpeech > 0 && cfg.MaxSpeech < cfg.MinSpeech {
		cfg.MaxSpeech = cfg.MinSpeech
	}
	if err := cfg.Validate(); err != nil {
		return segmenter.Config{}, fmt.Errorf("calibrate: %w", err)
	}
	return cfg, nil
}

func millis(v float64) time.Duration {
	return time.Duration(math.Round(v)) * time.Millisecond
}
