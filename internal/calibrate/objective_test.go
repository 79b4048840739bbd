package calibrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/vadcal/internal/corpus"
	"github.com/MrWong99/vadcal/internal/resilience"
	"github.com/MrWong99/vadcal/internal/scoring"
	"github.com/MrWong99/vadcal/pkg/provider/stt"
	sttmock "github.com/MrWong99/vadcal/pkg/provider/stt/mock"
	"github.com/MrWong99/vadcal/pkg/provider/vad"
	vadmock "github.com/MrWong99/vadcal/pkg/provider/vad/mock"
	"github.com/MrWong99/vadcal/pkg/segmenter"
)

func twoBurstCorpus() []corpus.Utterance {
	return []corpus.Utterance{{
		ID:         "two",
		Samples:    burst(100, 400, 500, 400, 100),
		SampleRate: testRate,
		Reference:  "good morning",
	}}
}

func fixedConfig() segmenter.Config {
	cfg := segmenter.DefaultConfig()
	cfg.MinSilence = 200 * time.Millisecond
	cfg.SpeechPad = 50 * time.Millisecond
	return cfg
}

func newEvaluator(oracle stt.Transcriber, concatenate bool) *evaluator {
	return &evaluator{
		engine:      amplitudeEngine(),
		oracle:      oracle,
		corpus:      twoBurstCorpus(),
		language:    "en",
		metric:      scoring.MetricWER,
		concatenate: concatenate,
		breaker:     resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour}),
	}
}

func TestEvaluator_PerSegmentRequests(t *testing.T) {
	t.Parallel()

	oracle := &sttmock.Transcriber{Responses: []sttmock.Response{{Text: "Good"}, {Text: " morning. "}}}
	scores, err := newEvaluator(oracle, false).evaluate(context.Background(), fixedConfig())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if oracle.CallCount() != 2 {
		t.Fatalf("oracle calls = %d, want one per segment", oracle.CallCount())
	}
	s := scores[0]
	if s.Segments != 2 || s.Hypothesis != "Good morning." || s.Error != 0 {
		t.Errorf("score = %+v", s)
	}
}

func TestEvaluator_Concatenate(t *testing.T) {
	t.Parallel()

	oracle := &sttmock.Transcriber{Default: sttmock.Response{Text: "good morning"}}
	scores, err := newEvaluator(oracle, true).evaluate(context.Background(), fixedConfig())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if oracle.CallCount() != 1 {
		t.Fatalf("oracle calls = %d, want 1", oracle.CallCount())
	}
	// Two segments of 400 ms speech plus 50 ms padding on each side.
	if got, want := len(oracle.Calls[0].Req.Samples), 2*500*testRate/1000; got != want {
		t.Errorf("concatenated samples = %d, want %d", got, want)
	}
	if scores[0].Segments != 2 || scores[0].Error != 0 {
		t.Errorf("score = %+v", scores[0])
	}
}

func TestEvaluator_NoSpeechSkipsOracle(t *testing.T) {
	t.Parallel()

	oracle := &sttmock.Transcriber{}
	ev := newEvaluator(oracle, false)
	ev.corpus = []corpus.Utterance{{ID: "quiet", Samples: make([]float32, testRate), SampleRate: testRate, Reference: "something"}}

	scores, err := ev.evaluate(context.Background(), fixedConfig())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if oracle.CallCount() != 0 {
		t.Errorf("oracle called %d times for silence", oracle.CallCount())
	}
	if scores[0].Error != 1 {
		t.Errorf("error = %v, want 1 for an empty hypothesis", scores[0].Error)
	}
}

func TestEvaluator_OracleFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	oracle := &sttmock.Transcriber{Default: sttmock.Response{Err: boom}}
	scores, err := newEvaluator(oracle, false).evaluate(context.Background(), fixedConfig())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !errors.Is(scores[0].Err, ErrOracleFailure) || !errors.Is(scores[0].Err, boom) {
		t.Errorf("err = %v, want ErrOracleFailure wrapping the oracle error", scores[0].Err)
	}
	if oracle.CallCount() != 1 {
		t.Errorf("oracle calls = %d, want evaluation of the utterance to stop at the first failure", oracle.CallCount())
	}
}

func TestEvaluator_BackendUnavailableIsFatal(t *testing.T) {
	t.Parallel()

	ev := newEvaluator(&sttmock.Transcriber{}, false)
	ev.engine = &vadmock.Engine{NewSessionErr: errors.New("model missing")}
	_, err := ev.evaluate(context.Background(), fixedConfig())
	if !errors.Is(err, vad.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}
