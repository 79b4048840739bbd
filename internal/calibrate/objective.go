package calibrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/vadcal/internal/corpus"
	"github.com/MrWong99/vadcal/internal/observe"
	"github.com/MrWong99/vadcal/internal/resilience"
	"github.com/MrWong99/vadcal/internal/scoring"
	"github.com/MrWong99/vadcal/pkg/provider/stt"
	"github.com/MrWong99/vadcal/pkg/provider/vad"
	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// UtteranceScore is the outcome of one corpus utterance within a trial.
type UtteranceScore struct {
	ID         string
	Hypothesis string
	Segments   int

	// Error is the error rate of Hypothesis against the reference. It is only
	// meaningful when Err is nil.
	Error float64

	// Err wraps ErrOracleFailure when the oracle failed for this utterance.
	Err error
}

// Failed reports whether the oracle failed for this utterance.
func (u UtteranceScore) Failed() bool { return u.Err != nil }

// evaluator scores one configuration against the corpus.
type evaluator struct {
	engine      vad.Engine
	oracle      stt.Transcriber
	corpus      []corpus.Utterance
	language    string
	metric      scoring.Metric
	options     map[string]any
	concatenate bool

	// sem serialises oracle calls when the oracle is not reentrant.
	sem     *semaphore.Weighted
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	obs     segmenter.Observer
}

// evaluate runs every utterance through a fresh processor configured with cfg
// and the oracle. Oracle failures are reported per utterance; the returned
// error is non-nil only when the trial cannot continue.
func (e *evaluator) evaluate(ctx context.Context, cfg segmenter.Config) ([]UtteranceScore, error) {
	scores := make([]UtteranceScore, 0, len(e.corpus))
	for _, u := range e.corpus {
		s, err := e.utterance(ctx, u, cfg)
		if err != nil {
			return scores, err
		}
		scores = append(scores, s)
	}
	return scores, nil
}

func (e *evaluator) utterance(ctx context.Context, u corpus.Utterance, cfg segmenter.Config) (UtteranceScore, error) {
	score := UtteranceScore{ID: u.ID}

	segs, err := e.segment(u, cfg)
	if err != nil {
		return score, err
	}
	score.Segments = len(segs)

	spans := make([][]float32, 0, len(segs))
	if e.concatenate && len(segs) > 0 {
		var joined []float32
		for _, s := range segs {
			joined = append(joined, s.Audio...)
		}
		spans = append(spans, joined)
	} else {
		for _, s := range segs {
			spans = append(spans, s.Audio)
		}
	}

	texts := make([]string, 0, len(spans))
	for _, samples := range spans {
		text, err := e.transcribe(ctx, u.ID, samples, u.SampleRate)
		if err != nil {
			if errors.Is(err, ErrOptimizerAborted) || ctx.Err() != nil {
				return score, err
			}
			score.Err = fmt.Errorf("calibrate: utterance %q: %w: %w", u.ID, ErrOracleFailure, err)
			return score, nil
		}
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, text)
		}
	}
	score.Hypothesis = strings.Join(texts, " ")
	score.Error = scoring.ErrorRate(e.metric, u.Reference, score.Hypothesis, e.language)
	return score, nil
}

// segment streams u through a new processor in 100 ms chunks and returns the
// final segments.
func (e *evaluator) segment(u corpus.Utterance, cfg segmenter.Config) ([]segmenter.Segment, error) {
	var opts []segmenter.Option
	if e.obs != nil {
		opts = append(opts, segmenter.WithObserver(e.obs))
	}
	proc, err := segmenter.NewProcessor(e.engine, cfg, opts...)
	if err != nil {
		return nil, err
	}
	defer proc.Close()

	chunk := max(cfg.SampleRate/10, 1)
	var segs []segmenter.Segment
	for off := 0; off < len(u.Samples); off += chunk {
		out, err := proc.ProcessChunk(u.Samples[off:min(off+chunk, len(u.Samples))], u.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("calibrate: utterance %q: %w", u.ID, err)
		}
		segs = append(segs, out...)
	}
	out, err := proc.Flush()
	if err != nil {
		return nil, fmt.Errorf("calibrate: utterance %q: %w", u.ID, err)
	}
	return append(segs, out...), nil
}

// transcribe calls the oracle through the abort breaker. Once the breaker has
// seen too many consecutive failures every call returns ErrOptimizerAborted.
func (e *evaluator) transcribe(ctx context.Context, utteranceID string, samples []float32, sampleRate int) (text string, err error) {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer e.sem.Release(1)
	}

	ctx, span := observe.StartOracleSpan(ctx, e.oracle.Name(), utteranceID)
	defer func() { observe.EndSpan(span, err) }()

	req := stt.Request{Samples: samples, SampleRate: sampleRate, Language: e.language, Options: e.options}
	start := time.Now()
	err = e.breaker.Execute(func() error {
		var err error
		text, err = e.oracle.Transcribe(ctx, req)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "", e.aborted()
	}
	if e.metrics != nil {
		e.metrics.RecordOracleCall(ctx, e.oracle.Name(), time.Since(start).Seconds(), err)
	}
	if err != nil {
		if e.breaker.State() == resilience.StateOpen {
			return "", fmt.Errorf("%w: %w", e.aborted(), err)
		}
		return "", err
	}
	return text, nil
}

func (e *evaluator) aborted() error {
	return fmt.Errorf("calibrate: %d consecutive oracle failures: %w", e.breaker.ConsecutiveFailures(), ErrOptimizerAborted)
}
