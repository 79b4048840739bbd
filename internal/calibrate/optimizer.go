// Package calibrate searches segmentation configurations that minimise
// transcription error for a (backend, language, engine) triple.
//
// An [Optimizer] owns a sampler and the trial history on a single coordinator
// goroutine. Worker goroutines receive trial requests, segment every corpus
// utterance with a fresh processor, send the segments to the transcription
// oracle and reply with per-utterance error rates. The best configuration is
// published as a preset entry when the run ends, whether it completed, was
// cancelled or was aborted after repeated oracle failures.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/vadcal/internal/corpus"
	"github.com/MrWong99/vadcal/internal/observe"
	"github.com/MrWong99/vadcal/internal/resilience"
	"github.com/MrWong99/vadcal/internal/scoring"
	"github.com/MrWong99/vadcal/pkg/preset"
	"github.com/MrWong99/vadcal/pkg/provider/stt"
	"github.com/MrWong99/vadcal/pkg/provider/vad"
	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// Option defaults.
const (
	DefaultTrials                 = 50
	DefaultMaxTrialRetries        = 2
	DefaultMaxConsecutiveFailures = 5
)

// abortHold keeps the abort breaker open for the rest of any realistic run.
const abortHold = 365 * 24 * time.Hour

// Options configures a calibration run.
type Options struct {
	// Backend names the VAD backend in the preset key. Defaults to the
	// engine's Name.
	Backend string

	// Language is the corpus language. Required.
	Language string

	// Engine is the transcription engine id. Empty calibrates the wildcard
	// entry for (Backend, Language).
	Engine string

	Trials        int
	Parallelism   int
	StartupTrials int
	Seed          uint64

	FailurePolicy          FailurePolicy
	MaxTrialRetries        int
	MaxConsecutiveFailures int

	// Concatenate sends all segments of an utterance to the oracle as one
	// request instead of one request per segment.
	Concatenate bool

	// OracleReentrant allows concurrent oracle calls from parallel trials.
	OracleReentrant bool

	// Metric overrides the language default from scoring.MetricFor.
	Metric scoring.Metric

	// Base supplies the fields the search does not vary, such as SampleRate
	// and MaxSpeech. A zero Base selects segmenter.DefaultConfig at the
	// corpus sample rate.
	Base segmenter.Config
}

// Result is the outcome of a run.
type Result struct {
	RunID uuid.UUID
	State State

	// Best is the trial with the lowest value. Zero if no trial completed.
	Best Trial

	// Entry is the preset entry derived from Best. Zero if no trial
	// completed.
	Entry preset.Entry

	// Trace lists completed trials in completion order.
	Trace []Trial
}

// PresetWriter receives the calibrated entry at the end of a run.
// *preset.Registry implements it.
type PresetWriter interface {
	Publish(e preset.Entry) error
}

// PresetFile publishes entries into the preset document at its path.
type PresetFile string

// Publish merges e into the document, replacing any entry with the same key.
func (f PresetFile) Publish(e preset.Entry) error {
	_, err := preset.Merge(string(f), e)
	return err
}

// Optimizer runs one calibration search. It is single-use.
type Optimizer struct {
	engine vad.Engine
	oracle stt.Transcriber
	corpus []corpus.Utterance
	opts   Options
	space  Space

	sampler  Sampler
	sinks    []TraceSink
	presets  PresetWriter
	metrics  *observe.Metrics
	progress func(Trial)
	now      func() time.Time

	state atomic.Int32
	runID uuid.UUID
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithTraceSink adds a sink that receives every trial.
func WithTraceSink(s TraceSink) OptimizerOption {
	return func(o *Optimizer) { o.sinks = append(o.sinks, s) }
}

// WithPresetWriter sets where the calibrated entry is published.
func WithPresetWriter(w PresetWriter) OptimizerOption {
	return func(o *Optimizer) { o.presets = w }
}

// WithMetrics records oracle, trial and segmentation metrics on m.
func WithMetrics(m *observe.Metrics) OptimizerOption {
	return func(o *Optimizer) { o.metrics = m }
}

// WithSampler replaces the default TPE sampler.
func WithSampler(s Sampler) OptimizerOption {
	return func(o *Optimizer) { o.sampler = s }
}

// WithProgress registers fn to be called on every trial state change. fn runs
// on the coordinator goroutine and must not block.
func WithProgress(fn func(Trial)) OptimizerOption {
	return func(o *Optimizer) { o.progress = fn }
}

// New validates opts and prepares a run over utts.
func New(engine vad.Engine, oracle stt.Transcriber, utts []corpus.Utterance, opts Options, options ...OptimizerOption) (*Optimizer, error) {
	if engine == nil {
		return nil, fmt.Errorf("calibrate: nil engine: %w", vad.ErrBackendUnavailable)
	}
	if oracle == nil {
		return nil, errors.New("calibrate: nil oracle")
	}
	if len(utts) == 0 {
		return nil, fmt.Errorf("calibrate: %w", corpus.ErrEmpty)
	}
	opts, err := opts.withDefaults(engine, utts)
	if err != nil {
		return nil, err
	}

	o := &Optimizer{
		engine: engine,
		oracle: oracle,
		corpus: utts,
		opts:   opts,
		space:  SpaceFor(opts.Backend),
		now:    time.Now,
	}
	for _, fn := range options {
		fn(o)
	}
	if o.sampler == nil {
		o.sampler = NewTPE(o.space, opts.Seed, WithStartupTrials(opts.StartupTrials))
	}
	return o, nil
}

func (opts Options) withDefaults(engine vad.Engine, utts []corpus.Utterance) (Options, error) {
	var errs []error
	if opts.Backend == "" {
		opts.Backend = engine.Name()
	}
	if opts.Language == "" {
		errs = append(errs, errors.New("language is required"))
	}
	if opts.Engine == preset.Wildcard {
		opts.Engine = ""
	}
	if opts.Trials <= 0 {
		opts.Trials = DefaultTrials
	}
	opts.Parallelism = max(opts.Parallelism, 1)
	if opts.StartupTrials <= 0 {
		opts.StartupTrials = min(DefaultStartupTrials, max(opts.Trials/3, 2))
	}
	policy, err := ParseFailurePolicy(string(opts.FailurePolicy))
	if err != nil {
		errs = append(errs, err)
	}
	opts.FailurePolicy = policy
	if opts.MaxTrialRetries < 0 {
		errs = append(errs, fmt.Errorf("max_trial_retries %d must not be negative", opts.MaxTrialRetries))
	} else if opts.MaxTrialRetries == 0 && policy == PolicyRetry {
		opts.MaxTrialRetries = DefaultMaxTrialRetries
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opts.Metric == "" {
		opts.Metric = scoring.MetricFor(opts.Language)
	}

	if opts.Base.SampleRate == 0 {
		opts.Base = segmenter.DefaultConfig()
		opts.Base.SampleRate = utts[0].SampleRate
	}
	if err := opts.Base.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, u := range utts {
		if u.SampleRate != opts.Base.SampleRate {
			errs = append(errs, fmt.Errorf("utterance %q is %d Hz, want %d Hz", u.ID, u.SampleRate, opts.Base.SampleRate))
			break
		}
	}
	if len(errs) > 0 {
		return opts, fmt.Errorf("calibrate: invalid options: %w", errors.Join(errs...))
	}
	return opts, nil
}

// State returns the current run state.
func (o *Optimizer) State() State { return State(o.state.Load()) }

// RunID returns the id of the run, or uuid.Nil before Run is called.
func (o *Optimizer) RunID() uuid.UUID { return o.runID }

// Key returns the preset key the run calibrates.
func (o *Optimizer) Key() preset.Key {
	engine := o.opts.Engine
	if engine == "" {
		engine = preset.Wildcard
	}
	return preset.Key{Backend: o.opts.Backend, Language: o.opts.Language, Engine: engine}
}

type trialRequest struct {
	index  int
	params Point
	cfg    segmenter.Config
}

type trialResult struct {
	req     trialRequest
	scores  []UtteranceScore
	retries int
	elapsed time.Duration
	err     error
}

// Run executes the search. It returns when every trial has been evaluated, or
// after ctx is cancelled or the oracle failed too often, once the trials in
// flight have finished. In all three cases the best trial so far is
// published and the returned Result is populated.
//
// Cancellation returns an error wrapping the context's cause; an abort returns
// an error wrapping ErrOptimizerAborted.
func (o *Optimizer) Run(ctx context.Context) (res Result, err error) {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return Result{}, errors.New("calibrate: optimizer already started")
	}
	o.runID = uuid.New()
	key := o.Key()

	ctx, span := observe.StartRunSpan(ctx, o.runID.String(), key.String())
	defer func() {
		span.SetAttributes(
			attribute.String("vadcal.state", res.State.String()),
			attribute.Int("vadcal.trials_completed", len(res.Trace)),
		)
		observe.EndSpan(span, err)
	}()
	log := observe.Logger(ctx).With("run_id", o.runID.String(), "preset", key.String())

	if err := ctx.Err(); err != nil {
		o.state.Store(int32(StateCancelled))
		return Result{RunID: o.runID, State: StateCancelled}, fmt.Errorf("calibrate: cancelled: %w", context.Cause(ctx))
	}

	// In-flight trials and persistence outlive cancellation of ctx.
	detached := context.WithoutCancel(ctx)

	info := RunInfo{
		ID:         o.runID,
		Key:        key,
		Metric:     o.opts.Metric,
		Trials:     o.opts.Trials,
		CorpusSize: len(o.corpus),
		Seed:       o.opts.Seed,
		StartedAt:  o.now(),
	}
	for _, s := range o.sinks {
		if err := s.RecordRun(detached, info); err != nil {
			o.state.Store(int32(StateAborted))
			return Result{RunID: o.runID, State: StateAborted}, fmt.Errorf("calibrate: start run: %w", err)
		}
	}
	log.Info("calibration started",
		"trials", o.opts.Trials,
		"parallelism", o.opts.Parallelism,
		"utterances", len(o.corpus),
		"metric", o.opts.Metric,
	)

	ev := o.newEvaluator(detached)
	requests := make(chan trialRequest)
	results := make(chan trialResult)
	var wg sync.WaitGroup
	for range o.opts.Parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range requests {
				results <- o.runTrial(detached, ev, req)
			}
		}()
	}

	var (
		trace      []Trial
		history    []Observation
		best       *Trial
		worst      float64
		seenWorst  bool
		dispatched int
		inFlight   int
		pending    *trialRequest
		final      = StateCompleted
		runErr     error
		stopping   bool
		done       = ctx.Done()
	)
	stop := func(state State, err error) {
		if !stopping || (final == StateCancelled && state == StateAborted) {
			final = state
			runErr = err
		}
		stopping = true
	}

	for {
		if !stopping && ctx.Err() != nil {
			stop(StateCancelled, context.Cause(ctx))
			log.Info("calibration cancelled, waiting for trials in flight", "in_flight", inFlight)
		}

		var (
			send chan trialRequest
			next trialRequest
		)
		if !stopping && dispatched < o.opts.Trials && inFlight < o.opts.Parallelism {
			if pending == nil {
				req, err := o.sample(dispatched, history)
				if err != nil {
					stop(StateAborted, err)
					continue
				}
				pending = &req
			}
			send, next = requests, *pending
		}
		if send == nil && inFlight == 0 {
			break
		}

		select {
		case send <- next:
			pending = nil
			dispatched++
			inFlight++
			o.notify(Trial{Index: next.index, Params: next.params, Config: next.cfg, State: TrialEvaluating})

		case res := <-results:
			inFlight--
			if res.err != nil {
				o.recordMetrics(detached, TrialFailed, res.elapsed)
				o.notify(Trial{Index: res.req.index, Params: res.req.params, Config: res.req.cfg, State: TrialFailed})
				if errors.Is(res.err, ErrOptimizerAborted) {
					log.Warn("calibration aborted", "trial", res.req.index, "err", res.err)
				} else {
					log.Error("trial failed", "trial", res.req.index, "err", res.err)
				}
				stop(StateAborted, res.err)
				continue
			}

			t := o.score(res, &worst, &seenWorst)
			o.notify(t)
			if best == nil || t.Value < best.Value {
				bt := t
				best = &bt
			}
			t.BestValue = best.Value
			t.State = TrialComplete
			trace = append(trace, t)
			history = append(history, Observation{Point: t.Params, Value: t.Value})

			for _, s := range o.sinks {
				if err := s.RecordTrial(detached, o.runID, t); err != nil {
					log.Warn("failed to record trial", "trial", t.Index, "err", err)
				}
			}
			o.recordMetrics(detached, TrialComplete, t.Elapsed)
			o.notify(t)
			log.Info("trial complete",
				"trial", t.Index,
				"value", t.Value,
				"best", t.BestValue,
				"failures", t.Failures,
				"retries", t.Retries,
				"elapsed", t.Elapsed,
			)

		case <-done:
			done = nil
		}
	}
	close(requests)
	wg.Wait()

	res = Result{RunID: o.runID, State: final, Trace: trace}
	if best != nil {
		res.Best = *best
		res.Best.BestValue = best.Value
		res.Best.State = TrialComplete
		res.Entry = preset.Entry{
			Key:        key,
			Config:     best.Config.Clone(),
			Metric:     string(o.opts.Metric),
			Score:      best.Value,
			CorpusSize: len(o.corpus),
			UpdatedAt:  o.now().UTC(),
		}
		if o.presets != nil {
			if err := o.presets.Publish(res.Entry); err != nil {
				runErr = errors.Join(runErr, fmt.Errorf("calibrate: publish preset: %w", err))
			} else {
				log.Info("preset published", "score", best.Value, "trial", best.Index)
			}
		}
	} else if final == StateCompleted {
		runErr = errors.New("calibrate: no trial completed")
		final = StateAborted
		res.State = final
	}

	o.state.Store(int32(final))
	summary := Summary{State: final, Completed: len(trace), FinishedAt: o.now()}
	if best != nil {
		summary.Best = &res.Best
	}
	if runErr != nil {
		summary.Err = runErr.Error()
	}
	for _, s := range o.sinks {
		if err := s.FinishRun(detached, o.runID, summary); err != nil {
			log.Warn("failed to finish run", "err", err)
		}
	}
	log.Info("calibration finished", "state", final, "trials", len(trace))

	if final == StateCancelled && runErr != nil {
		return res, fmt.Errorf("calibrate: cancelled: %w", runErr)
	}
	return res, runErr
}

func (o *Optimizer) newEvaluator(ctx context.Context) *evaluator {
	ev := &evaluator{
		engine:      o.engine,
		oracle:      o.oracle,
		corpus:      o.corpus,
		language:    o.opts.Language,
		metric:      o.opts.Metric,
		options:     EngineOptions(o.opts.Engine, o.opts.Language),
		concatenate: o.opts.Concatenate,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "oracle:" + o.oracle.Name(),
			MaxFailures:  o.opts.MaxConsecutiveFailures,
			ResetTimeout: abortHold,
			HalfOpenMax:  1,
		}),
		metrics: o.metrics,
	}
	if !o.opts.OracleReentrant {
		ev.sem = semaphore.NewWeighted(1)
	}
	if o.metrics != nil {
		ev.obs = observe.NewSegmentObserver(ctx, o.metrics, o.opts.Backend)
	}
	return ev
}

func (o *Optimizer) sample(index int, history []Observation) (trialRequest, error) {
	params, err := o.sampler.Sample(history)
	if err != nil {
		return trialRequest{}, fmt.Errorf("calibrate: trial %d: %w", index, err)
	}
	cfg, err := o.space.Config(params, o.opts.Base)
	if err != nil {
		return trialRequest{}, fmt.Errorf("calibrate: trial %d: %w", index, err)
	}
	req := trialRequest{index: index, params: params, cfg: cfg}
	o.notify(Trial{Index: index, Params: params, Config: cfg, State: TrialSampling})
	return req, nil
}

// runTrial evaluates req on a worker goroutine, re-running it under
// PolicyRetry while utterances fail.
func (o *Optimizer) runTrial(ctx context.Context, ev *evaluator, req trialRequest) trialResult {
	ctx, span := observe.StartTrialSpan(ctx, req.index)
	start := time.Now()
	res := trialResult{req: req}
	defer func() {
		span.SetAttributes(
			attribute.Int("vadcal.retries", res.retries),
			attribute.Int("vadcal.failures", failures(res.scores)),
		)
		observe.EndSpan(span, res.err)
	}()
	for {
		res.scores, res.err = ev.evaluate(ctx, req.cfg)
		if res.err != nil || o.opts.FailurePolicy != PolicyRetry || res.retries >= o.opts.MaxTrialRetries || failures(res.scores) == 0 {
			break
		}
		res.retries++
		slog.Debug("retrying trial", "trial", req.index, "attempt", res.retries, "failures", failures(res.scores))
	}
	res.elapsed = time.Since(start)
	return res
}

// score turns a worker result into a trial, applying the failure penalty.
// worst tracks the highest per-utterance error of the whole search.
func (o *Optimizer) score(res trialResult, worst *float64, seen *bool) Trial {
	for _, s := range res.scores {
		if !s.Failed() {
			*worst = math.Max(*worst, s.Error)
			*seen = true
		}
	}
	penalty := 1.0
	if *seen {
		penalty = *worst
	}

	var sum float64
	fails := 0
	for _, s := range res.scores {
		if s.Failed() {
			sum += penalty
			fails++
			continue
		}
		sum += s.Error
	}
	return Trial{
		Index:      res.req.index,
		Params:     res.req.params,
		Config:     res.req.cfg,
		Value:      sum / float64(max(len(res.scores), 1)),
		Elapsed:    res.elapsed,
		Failures:   fails,
		Retries:    res.retries,
		State:      TrialRecording,
		Utterances: res.scores,
	}
}

func failures(scores []UtteranceScore) int {
	n := 0
	for _, s := range scores {
		if s.Failed() {
			n++
		}
	}
	return n
}

func (o *Optimizer) notify(t Trial) {
	if o.progress != nil {
		o.progress(t)
	}
}

func (o *Optimizer) recordMetrics(ctx context.Context, state TrialState, elapsed time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordTrial(ctx, state.String(), elapsed.Seconds())
	}
}
