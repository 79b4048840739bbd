package calibrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vadcal/internal/scoring"
	"github.com/MrWong99/vadcal/pkg/preset"
	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// RunInfo describes a run when it starts.
type RunInfo struct {
	ID         uuid.UUID
	Key        preset.Key
	Metric     scoring.Metric
	Trials     int
	CorpusSize int
	Seed       uint64
	StartedAt  time.Time
}

// Summary describes a run when it ends.
type Summary struct {
	State      State
	Best       *Trial
	Completed  int
	FinishedAt time.Time
	Err        string
}

// TraceSink persists the trials of a run. Calls for one run are made from a
// single goroutine in order: RecordRun, RecordTrial for every completed trial,
// FinishRun.
type TraceSink interface {
	RecordRun(ctx context.Context, info RunInfo) error
	RecordTrial(ctx context.Context, runID uuid.UUID, t Trial) error
	FinishRun(ctx context.Context, runID uuid.UUID, s Summary) error
}

// JSONLSink writes one JSON object per line: a "run" record, one "trial"
// record per trial and a "summary" record.
type JSONLSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// Compile-time interface assertion.
var _ TraceSink = (*JSONLSink)(nil)

// NewJSONLSink writes records to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	s := &JSONLSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// CreateJSONLSink creates or truncates the file at path.
func CreateJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("calibrate: create trace: %w", err)
	}
	return NewJSONLSink(f), nil
}

// TrialRecord is the serialised form of a trial.
type TrialRecord struct {
	Type      string              `json:"type"`
	RunID     string              `json:"run_id"`
	Index     int                 `json:"index"`
	Params    Point               `json:"params"`
	Config    segmenter.ConfigDoc `json:"config"`
	Value     float64             `json:"value"`
	BestValue float64             `json:"best_value"`
	ElapsedMs int64               `json:"elapsed_ms"`
	Failures  int                 `json:"oracle_failures"`
	Retries   int                 `json:"retries"`
	State     string              `json:"state"`
	Items     []UtteranceRecord   `json:"utterances,omitempty"`
}

// UtteranceRecord is the serialised form of an utterance score.
type UtteranceRecord struct {
	ID         string  `json:"id"`
	Hypothesis string  `json:"hypothesis"`
	Segments   int     `json:"segments"`
	Error      float64 `json:"error"`
	Failure    string  `json:"failure,omitempty"`
}

// NewTrialRecord converts t for serialisation.
func NewTrialRecord(runID uuid.UUID, t Trial) TrialRecord {
	rec := TrialRecord{
		Type:      "trial",
		RunID:     runID.String(),
		Index:     t.Index,
		Params:    t.Params,
		Config:    t.Config.Doc(),
		Value:     t.Value,
		BestValue: t.BestValue,
		ElapsedMs: t.Elapsed.Milliseconds(),
		Failures:  t.Failures,
		Retries:   t.Retries,
		State:     t.State.String(),
	}
	for _, u := range t.Utterances {
		ur := UtteranceRecord{ID: u.ID, Hypothesis: u.Hypothesis, Segments: u.Segments, Error: u.Error}
		if u.Err != nil {
			ur.Failure = u.Err.Error()
		}
		rec.Items = append(rec.Items, ur)
	}
	return rec
}

type runRecord struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id"`
	Backend    string `json:"backend"`
	Language   string `json:"language"`
	Engine     string `json:"engine"`
	Metric     string `json:"metric"`
	Trials     int    `json:"trials"`
	CorpusSize int    `json:"corpus_size"`
	Seed       uint64 `json:"seed"`
	StartedAt  string `json:"started_at"`
}

type summaryRecord struct {
	Type       string   `json:"type"`
	RunID      string   `json:"run_id"`
	State      string   `json:"state"`
	Completed  int      `json:"completed"`
	BestIndex  *int     `json:"best_index,omitempty"`
	BestValue  *float64 `json:"best_value,omitempty"`
	FinishedAt string   `json:"finished_at"`
	Error      string   `json:"error,omitempty"`
}

// RecordRun implements TraceSink.
func (s *JSONLSink) RecordRun(_ context.Context, info RunInfo) error {
	return s.write(runRecord{
		Type:       "run",
		RunID:      info.ID.String(),
		Backend:    info.Key.Backend,
		Language:   info.Key.Language,
		Engine:     info.Key.Engine,
		Metric:     string(info.Metric),
		Trials:     info.Trials,
		CorpusSize: info.CorpusSize,
		Seed:       info.Seed,
		StartedAt:  info.StartedAt.UTC().Format(time.RFC3339Nano),
	})
}

// RecordTrial implements TraceSink.
func (s *JSONLSink) RecordTrial(_ context.Context, runID uuid.UUID, t Trial) error {
	return s.write(NewTrialRecord(runID, t))
}

// FinishRun implements TraceSink and flushes buffered records.
func (s *JSONLSink) FinishRun(_ context.Context, runID uuid.UUID, sum Summary) error {
	rec := summaryRecord{
		Type:       "summary",
		RunID:      runID.String(),
		State:      sum.State.String(),
		Completed:  sum.Completed,
		FinishedAt: sum.FinishedAt.UTC().Format(time.RFC3339Nano),
		Error:      sum.Err,
	}
	if sum.Best != nil {
		idx, val := sum.Best.Index, sum.Best.Value
		rec.BestIndex, rec.BestValue = &idx, &val
	}
	if err := s.write(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("calibrate: flush trace: %w", err)
	}
	return nil
}

// Close flushes buffered records and closes the underlying writer if it is
// an io.Closer.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("calibrate: flush trace: %w", err)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *JSONLSink) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("calibrate: encode trace record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("calibrate: write trace: %w", err)
	}
	return nil
}

// ReadJSONLTrials returns the trial records of runID from a JSON-lines trace
// in file order. Records of other runs and other types are skipped.
func ReadJSONLTrials(r io.Reader, runID uuid.UUID) ([]TrialRecord, error) {
	id := runID.String()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var out []TrialRecord
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var head struct {
			Type  string `json:"type"`
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &head); err != nil {
			return nil, fmt.Errorf("calibrate: trace line %d: %w", line, err)
		}
		if head.Type != "trial" || head.RunID != id {
			continue
		}
		var rec TrialRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("calibrate: trace line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("calibrate: read trace: %w", err)
	}
	return out, nil
}
