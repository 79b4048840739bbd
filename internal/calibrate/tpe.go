package calibrate

import (
	"fmt"
	"math"
	"strconv"

	"github.com/c-bata/goptuna"
	"github.com/c-bata/goptuna/tpe"
)

// TPE defaults.
const (
	DefaultStartupTrials = 10
	DefaultGamma         = 0.25
	DefaultCandidates    = 24
)

// Observation is a finished trial as seen by a sampler.
type Observation struct {
	Point Point
	Value float64
}

// Sampler proposes the next point to evaluate given the finished trials.
type Sampler interface {
	Sample(history []Observation) (Point, error)
}

// TPE proposes points with goptuna's Tree-structured Parzen Estimator.
//
// Every call replays the history into a fresh in-memory study, asks it for one
// trial and suggests each dimension of the space: floats as uniform
// distributions, int grids as integer indices into the grid, and categoricals
// by choice label. The first StartupTrials points are drawn at random.
//
// The sampler seed is derived from the configured seed and the number of
// previous calls, so the same seed and call sequence always yield the same
// proposals. A TPE is not safe for concurrent use.
type TPE struct {
	space      Space
	seed       uint64
	calls      uint64
	startup    int
	gamma      float64
	candidates int
}

// TPEOption configures a TPE.
type TPEOption func(*TPE)

// WithStartupTrials sets the number of randomly sampled trials before the
// model is used. Values below 2 are raised to 2.
func WithStartupTrials(n int) TPEOption {
	return func(t *TPE) { t.startup = n }
}

// WithGamma sets the fraction of trials the estimator treats as good.
func WithGamma(g float64) TPEOption {
	return func(t *TPE) { t.gamma = g }
}

// WithCandidates sets how many expected-improvement candidates are drawn per
// dimension.
func WithCandidates(n int) TPEOption {
	return func(t *TPE) { t.candidates = n }
}

// NewTPE returns a sampler over space.
func NewTPE(space Space, seed uint64, opts ...TPEOption) *TPE {
	t := &TPE{
		space:      space,
		seed:       seed,
		startup:    DefaultStartupTrials,
		gamma:      DefaultGamma,
		candidates: DefaultCandidates,
	}
	for _, o := range opts {
		o(t)
	}
	t.startup = max(t.startup, 2)
	if t.gamma <= 0 || t.gamma >= 1 {
		t.gamma = DefaultGamma
	}
	t.candidates = max(t.candidates, 1)
	return t
}

// Sample implements Sampler.
func (t *TPE) Sample(history []Observation) (Point, error) {
	gamma := t.gamma
	sampler := tpe.NewSampler(
		tpe.SamplerOptionSeed(t.nextSeed()),
		tpe.SamplerOptionNumberOfStartupTrials(t.startup),
		tpe.SamplerOptionNumberOfEICandidates(t.candidates),
		tpe.SamplerOptionGammaFunc(func(n int) int {
			return int(math.Ceil(gamma * float64(n)))
		}),
	)
	// Studies minimise by default.
	study, err := goptuna.CreateStudy("vadcal", goptuna.StudyOptionSampler(sampler))
	if err != nil {
		return nil, fmt.Errorf("calibrate: tpe: create study: %w", err)
	}

	for i, obs := range history {
		if err := t.replay(study, obs); err != nil {
			return nil, fmt.Errorf("calibrate: tpe: replay observation %d: %w", i, err)
		}
	}

	id, err := study.Storage.CreateNewTrial(study.ID)
	if err != nil {
		return nil, fmt.Errorf("calibrate: tpe: ask: %w", err)
	}
	trial := goptuna.Trial{Study: study, ID: id}
	pt := make(Point, len(t.space.Params))
	for _, p := range t.space.Params {
		v, err := suggest(&trial, p)
		if err != nil {
			return nil, fmt.Errorf("calibrate: tpe: suggest %s: %w", p.Name, err)
		}
		pt[p.Name] = v
	}
	return pt, nil
}

// nextSeed mixes the call count into the seed so repeated calls on the same
// history still explore.
func (t *TPE) nextSeed() int64 {
	t.calls++
	return int64((t.seed*0x9e3779b97f4a7c15 + t.calls) >> 1)
}

// replay stores obs as a completed trial of study.
func (t *TPE) replay(study *goptuna.Study, obs Observation) error {
	id, err := study.Storage.CreateNewTrial(study.ID)
	if err != nil {
		return err
	}
	for _, p := range t.space.Params {
		v, ok := obs.Point[p.Name]
		if !ok {
			continue
		}
		if err := study.Storage.SetTrialParam(id, p.Name, internalValue(p, v), distribution(p)); err != nil {
			return err
		}
	}
	if err := study.Storage.SetTrialValue(id, obs.Value); err != nil {
		return err
	}
	return study.Storage.SetTrialState(id, goptuna.TrialStateComplete)
}

// gridSize returns the highest grid index of an int dimension.
func gridSize(p Param) int {
	step := p.Step
	if step <= 0 {
		step = 1
	}
	return int(math.Round((p.High - p.Low) / step))
}

func gridValue(p Param, i int) float64 {
	step := p.Step
	if step <= 0 {
		step = 1
	}
	return p.Snap(p.Low + float64(i)*step)
}

func choiceLabels(p Param) []string {
	labels := make([]string, len(p.Choices))
	for i, c := range p.Choices {
		labels[i] = strconv.FormatFloat(c, 'g', -1, 64)
	}
	return labels
}

// distribution maps p onto the goptuna distribution it is suggested from.
func distribution(p Param) any {
	switch p.Kind {
	case KindInt:
		return goptuna.IntUniformDistribution{Low: 0, High: gridSize(p)}
	case KindCategorical:
		return goptuna.CategoricalDistribution{Choices: choiceLabels(p)}
	default:
		return goptuna.UniformDistribution{Low: p.Low, High: p.High}
	}
}

// internalValue is v in goptuna's internal representation of distribution(p):
// the value for floats, the grid index for ints and the choice index for
// categoricals.
func internalValue(p Param, v float64) float64 {
	v = p.Snap(v)
	switch p.Kind {
	case KindInt:
		step := p.Step
		if step <= 0 {
			step = 1
		}
		return math.Round((v - p.Low) / step)
	case KindCategorical:
		for i, c := range p.Choices {
			if c == v {
				return float64(i)
			}
		}
		return 0
	default:
		return v
	}
}

func suggest(trial *goptuna.Trial, p Param) (float64, error) {
	switch p.Kind {
	case KindInt:
		i, err := trial.SuggestInt(p.Name, 0, gridSize(p))
		if err != nil {
			return 0, err
		}
		return gridValue(p, i), nil
	case KindCategorical:
		label, err := trial.SuggestCategorical(p.Name, choiceLabels(p))
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(label, 64)
		if err != nil {
			return 0, err
		}
		return v, nil
	default:
		v, err := trial.SuggestUniform(p.Name, p.Low, p.High)
		if err != nil {
			return 0, err
		}
		return p.Snap(v), nil
	}
}
