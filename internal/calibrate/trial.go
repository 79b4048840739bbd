package calibrate

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/vadcal/pkg/segmenter"
)

var (
	// ErrOracleFailure wraps an error returned by the transcription oracle.
	ErrOracleFailure = errors.New("calibrate: oracle failure")

	// ErrOptimizerAborted is returned when the search stops because the
	// oracle failed too many times in a row.
	ErrOptimizerAborted = errors.New("calibrate: optimizer aborted")
)

// State is the lifecycle state of an optimizer run.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateAborted
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateCancelled
}

// TrialState is the lifecycle state of a single trial.
type TrialState int

const (
	TrialSampling TrialState = iota
	TrialEvaluating
	TrialRecording
	TrialComplete
	TrialFailed
)

// String returns the trial state name.
func (s TrialState) String() string {
	switch s {
	case TrialSampling:
		return "sampling"
	case TrialEvaluating:
		return "evaluating"
	case TrialRecording:
		return "recording"
	case TrialComplete:
		return "complete"
	case TrialFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailurePolicy decides how a trial with oracle failures is scored.
type FailurePolicy string

const (
	// PolicyPenalty scores every failed utterance with the worst
	// per-utterance error observed so far in the search, or 1 if none has
	// been observed yet.
	PolicyPenalty FailurePolicy = "penalty"

	// PolicyRetry re-runs the whole trial up to MaxTrialRetries times while
	// any utterance fails, then falls back to PolicyPenalty.
	PolicyRetry FailurePolicy = "retry"
)

// ParseFailurePolicy parses a policy name. The empty string selects
// PolicyPenalty.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyPenalty:
		return PolicyPenalty, nil
	case PolicyRetry:
		return PolicyRetry, nil
	default:
		return "", fmt.Errorf("calibrate: unknown failure policy %q", s)
	}
}

// Trial is one evaluated configuration.
type Trial struct {
	// Index is the order in which the trial was dispatched, starting at 0.
	Index int

	Params Point
	Config segmenter.Config

	// Value is the mean per-utterance error rate; lower is better.
	Value float64

	// BestValue is the lowest Value recorded up to and including this trial.
	BestValue float64

	Elapsed time.Duration

	// Failures counts utterances the oracle failed on in the scored attempt.
	Failures int

	// Retries counts re-runs under PolicyRetry.
	Retries int

	State TrialState

	Utterances []UtteranceScore
}
