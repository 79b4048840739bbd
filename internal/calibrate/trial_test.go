package calibrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vadcal/pkg/segmenter"
)

func TestParseFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", PolicyPenalty, false},
		{"penalty", PolicyPenalty, false},
		{"retry", PolicyRetry, false},
		{"ignore", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFailurePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s        State
		name     string
		terminal bool
	}{
		{StateIdle, "idle", false},
		{StateRunning, "running", false},
		{StateCompleted, "completed", true},
		{StateAborted, "aborted", true},
		{StateCancelled, "cancelled", true},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.name {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.name)
		}
		if got := tt.s.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.name, got, tt.terminal)
		}
	}
}

func TestNewTrialRecord(t *testing.T) {
	t.Parallel()

	runID := uuid.MustParse("1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	trial := Trial{
		Index:     4,
		Params:    Point{ParamThreshold: 0.6},
		Config:    segmenter.DefaultConfig(),
		Value:     0.2,
		BestValue: 0.15,
		Elapsed:   2500 * time.Millisecond,
		Failures:  1,
		State:     TrialComplete,
		Utterances: []UtteranceScore{
			{ID: "a", Hypothesis: "hello", Segments: 1, Error: 0},
			{ID: "b", Segments: 2, Error: 1, Err: fmt.Errorf("timeout: %w", ErrOracleFailure)},
		},
	}

	rec := NewTrialRecord(runID, trial)
	if rec.Type != "trial" || rec.RunID != runID.String() || rec.Index != 4 {
		t.Errorf("header fields = %+v", rec)
	}
	if rec.ElapsedMs != 2500 || rec.State != "complete" {
		t.Errorf("elapsed/state = %d/%s", rec.ElapsedMs, rec.State)
	}
	if len(rec.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(rec.Items))
	}
	if rec.Items[0].Failure != "" {
		t.Errorf("successful utterance has failure %q", rec.Items[0].Failure)
	}
	if rec.Items[1].Failure == "" {
		t.Error("failed utterance should carry its error")
	}
	if !errors.Is(trial.Utterances[1].Err, ErrOracleFailure) {
		t.Error("utterance error should wrap ErrOracleFailure")
	}
}

func TestReadJSONLTrials(t *testing.T) {
	t.Parallel()

	runA := uuid.MustParse("1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	runB := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	var buf bytes.Buffer
	sink := NewJSONLSink(&buf)
	ctx := context.Background()
	for _, id := range []uuid.UUID{runA, runB} {
		if err := sink.RecordRun(ctx, RunInfo{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	for i := range 3 {
		tr := Trial{Index: i, Config: segmenter.DefaultConfig(), Value: float64(i) / 10, State: TrialComplete}
		if err := sink.RecordTrial(ctx, runA, tr); err != nil {
			t.Fatal(err)
		}
		if err := sink.RecordTrial(ctx, runB, tr); err != nil {
			t.Fatal(err)
		}
	}
	if err := sink.FinishRun(ctx, runA, Summary{State: StateCompleted}); err != nil {
		t.Fatal(err)
	}

	recs, err := ReadJSONLTrials(&buf, runA)
	if err != nil {
		t.Fatalf("ReadJSONLTrials: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d trials, want 3", len(recs))
	}
	for i, r := range recs {
		if r.Index != i || r.RunID != runA.String() || r.Value != float64(i)/10 {
			t.Errorf("trial %d = %+v", i, r)
		}
	}

	recs, err = ReadJSONLTrials(strings.NewReader(""), runA)
	if err != nil || len(recs) != 0 {
		t.Errorf("empty trace = %v, %v; want no trials", recs, err)
	}

	if _, err := ReadJSONLTrials(strings.NewReader("{\"type\":\"run\"}\nnot json\n"), runA); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("err = %v, want line 2 decode error", err)
	}
}
