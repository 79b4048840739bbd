package tracestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/vadcal/internal/calibrate"
	"github.com/MrWong99/vadcal/internal/scoring"
	"github.com/MrWong99/vadcal/pkg/preset"
	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *float64:
			*d = v.(float64)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

var testRunID = uuid.MustParse("6f1c2a7e-33a4-4c1b-9e4d-0d7f5b1a2c3e")

func testTrial() calibrate.Trial {
	cfg := segmenter.DefaultConfig()
	cfg.Threshold = 0.6
	return calibrate.Trial{
		Index:     3,
		Params:    calibrate.Point{calibrate.ParamThreshold: 0.6},
		Config:    cfg,
		Value:     0.25,
		BestValue: 0.2,
		Elapsed:   1500 * time.Millisecond,
		Failures:  1,
		State:     calibrate.TrialComplete,
		Utterances: []calibrate.UtteranceScore{
			{ID: "a", Hypothesis: "hello world", Segments: 1, Error: 0},
			{ID: "b", Error: 0.5, Err: errors.New("oracle down")},
		},
	}
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
				for _, table := range []string{"calibration_runs", "calibration_trials"} {
					if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table) {
						t.Errorf("Migrate SQL missing table %s", table)
					}
				}
				return pgconn.CommandTag{}, nil
			},
		}
		if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate() unexpected error: %v", err)
		}
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("connection refused")
			},
		}
		err := NewPostgresStore(db).Migrate(context.Background())
		if err == nil {
			t.Fatal("Migrate() expected error, got nil")
		}
		if !strings.Contains(err.Error(), "tracestore: migrate:") {
			t.Errorf("error = %q, want prefix 'tracestore: migrate:'", err.Error())
		}
	})
}

func TestPostgresStore_RecordRun(t *testing.T) {
	t.Parallel()

	info := calibrate.RunInfo{
		ID:         testRunID,
		Key:        preset.Key{Backend: "silero", Language: "de", Engine: "whisper"},
		Metric:     scoring.MetricWER,
		Trials:     50,
		CorpusSize: 12,
		Seed:       42,
		StartedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		var gotArgs []any
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				if !strings.Contains(sql, "INSERT INTO calibration_runs") {
					t.Errorf("unexpected SQL: %s", sql)
				}
				gotArgs = args
				return pgconn.NewCommandTag("INSERT 0 1"), nil
			},
		}
		if err := NewPostgresStore(db).RecordRun(context.Background(), info); err != nil {
			t.Fatalf("RecordRun() unexpected error: %v", err)
		}
		if len(gotArgs) != 9 {
			t.Fatalf("got %d args, want 9", len(gotArgs))
		}
		if gotArgs[0] != testRunID.String() {
			t.Errorf("id = %v, want %s", gotArgs[0], testRunID)
		}
		if gotArgs[1] != "silero" || gotArgs[2] != "de" || gotArgs[3] != "whisper" {
			t.Errorf("key args = %v, want silero/de/whisper", gotArgs[1:4])
		}
		if gotArgs[4] != "wer" {
			t.Errorf("metric = %v, want wer", gotArgs[4])
		}
		if gotArgs[7] != int64(42) {
			t.Errorf("seed = %v, want 42", gotArgs[7])
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
			},
		}
		err := NewPostgresStore(db).RecordRun(context.Background(), info)
		if !errors.Is(err, ErrRunExists) {
			t.Errorf("RecordRun() error = %v, want ErrRunExists", err)
		}
	})

	t.Run("db error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("boom")
			},
		}
		err := NewPostgresStore(db).RecordRun(context.Background(), info)
		if err == nil || errors.Is(err, ErrRunExists) {
			t.Errorf("RecordRun() error = %v, want plain failure", err)
		}
	})
}

func TestPostgresStore_RecordTrial(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		var gotSQL string
		var gotArgs []any
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				gotSQL, gotArgs = sql, args
				return pgconn.NewCommandTag("INSERT 0 1"), nil
			},
		}
		if err := NewPostgresStore(db).RecordTrial(context.Background(), testRunID, testTrial()); err != nil {
			t.Fatalf("RecordTrial() unexpected error: %v", err)
		}
		if !strings.Contains(gotSQL, "ON CONFLICT (run_id, idx)") {
			t.Errorf("RecordTrial SQL should upsert, got: %s", gotSQL)
		}
		if len(gotArgs) != 11 {
			t.Fatalf("got %d args, want 11", len(gotArgs))
		}
		if gotArgs[1] != 3 {
			t.Errorf("idx = %v, want 3", gotArgs[1])
		}
		if gotArgs[6] != int64(1500) {
			t.Errorf("elapsed_ms = %v, want 1500", gotArgs[6])
		}
		if gotArgs[9] != "complete" {
			t.Errorf("state = %v, want complete", gotArgs[9])
		}

		var params calibrate.Point
		if err := json.Unmarshal(gotArgs[2].([]byte), &params); err != nil {
			t.Fatalf("params not JSON: %v", err)
		}
		if params[calibrate.ParamThreshold] != 0.6 {
			t.Errorf("params = %v", params)
		}

		var utts []calibrate.UtteranceRecord
		if err := json.Unmarshal(gotArgs[10].([]byte), &utts); err != nil {
			t.Fatalf("utterances not JSON: %v", err)
		}
		if len(utts) != 2 || utts[1].Failure != "oracle down" {
			t.Errorf("utterances = %+v", utts)
		}
	})

	t.Run("no utterances stores empty array", func(t *testing.T) {
		t.Parallel()
		var utts []byte
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
				utts = args[10].([]byte)
				return pgconn.NewCommandTag("INSERT 0 1"), nil
			},
		}
		tr := testTrial()
		tr.Utterances = nil
		if err := NewPostgresStore(db).RecordTrial(context.Background(), testRunID, tr); err != nil {
			t.Fatalf("RecordTrial() unexpected error: %v", err)
		}
		if string(utts) != "[]" {
			t.Errorf("utterances = %s, want []", utts)
		}
	})

	t.Run("db error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("boom")
			},
		}
		err := NewPostgresStore(db).RecordTrial(context.Background(), testRunID, testTrial())
		if err == nil || !strings.Contains(err.Error(), "tracestore: record trial 3") {
			t.Errorf("RecordTrial() error = %v", err)
		}
	})
}

func TestPostgresStore_FinishRun(t *testing.T) {
	t.Parallel()

	t.Run("with best trial", func(t *testing.T) {
		t.Parallel()
		var gotArgs []any
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				if !strings.Contains(sql, "UPDATE calibration_runs") {
					t.Errorf("unexpected SQL: %s", sql)
				}
				gotArgs = args
				return pgconn.NewCommandTag("UPDATE 1"), nil
			},
		}
		best := testTrial()
		sum := calibrate.Summary{
			State:      calibrate.StateCompleted,
			Best:       &best,
			Completed:  50,
			FinishedAt: time.Now(),
		}
		if err := NewPostgresStore(db).FinishRun(context.Background(), testRunID, sum); err != nil {
			t.Fatalf("FinishRun() unexpected error: %v", err)
		}
		if gotArgs[1] != "completed" {
			t.Errorf("state = %v, want completed", gotArgs[1])
		}
		if idx, ok := gotArgs[3].(*int); !ok || idx == nil || *idx != 3 {
			t.Errorf("best_index = %v, want 3", gotArgs[3])
		}
		if val, ok := gotArgs[4].(*float64); !ok || val == nil || *val != 0.25 {
			t.Errorf("best_value = %v, want 0.25", gotArgs[4])
		}
	})

	t.Run("without best trial", func(t *testing.T) {
		t.Parallel()
		var gotArgs []any
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
				gotArgs = args
				return pgconn.NewCommandTag("UPDATE 1"), nil
			},
		}
		sum := calibrate.Summary{State: calibrate.StateAborted, Err: "oracle unavailable"}
		if err := NewPostgresStore(db).FinishRun(context.Background(), testRunID, sum); err != nil {
			t.Fatalf("FinishRun() unexpected error: %v", err)
		}
		if idx := gotArgs[3].(*int); idx != nil {
			t.Errorf("best_index = %v, want nil", *idx)
		}
		if gotArgs[5] != "oracle unavailable" {
			t.Errorf("error = %v", gotArgs[5])
		}
		if ts := gotArgs[6].(time.Time); ts.IsZero() {
			t.Error("finished_at should default to now")
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag("UPDATE 0"), nil
			},
		}
		err := NewPostgresStore(db).FinishRun(context.Background(), testRunID, calibrate.Summary{})
		if !errors.Is(err, ErrRunNotFound) {
			t.Errorf("FinishRun() error = %v, want ErrRunNotFound", err)
		}
	})
}

func TestPostgresStore_ListTrials(t *testing.T) {
	t.Parallel()

	row := func(idx int, value float64, utts string) []any {
		return []any{
			idx,
			[]byte(`{"threshold":0.6}`),
			[]byte(`{"threshold":0.6,"neg_threshold":0.35,"min_speech_ms":250,"min_silence_ms":100,"speech_pad_ms":100,"sample_rate":16000}`),
			value, value, int64(1200), 0, 0, "complete",
			[]byte(utts),
		}
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		rows := &mockRows{data: [][]any{
			row(0, 0.4, `[{"id":"a","hypothesis":"hi","segments":1,"error":0.4}]`),
			row(1, 0.3, `[]`),
		}}
		db := &mockDB{
			queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
				if !strings.Contains(sql, "ORDER BY idx") {
					t.Errorf("ListTrials should order by idx, got: %s", sql)
				}
				if args[0] != testRunID.String() {
					t.Errorf("run_id = %v", args[0])
				}
				return rows, nil
			},
		}
		got, err := NewPostgresStore(db).ListTrials(context.Background(), testRunID)
		if err != nil {
			t.Fatalf("ListTrials() unexpected error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d trials, want 2", len(got))
		}
		if got[0].RunID != testRunID.String() || got[0].Type != "trial" {
			t.Errorf("trial 0 = %+v", got[0])
		}
		if got[0].Config.SampleRate != 16000 || got[0].Params[calibrate.ParamThreshold] != 0.6 {
			t.Errorf("decoded config/params = %+v / %v", got[0].Config, got[0].Params)
		}
		if len(got[0].Items) != 1 || got[0].Items[0].Hypothesis != "hi" {
			t.Errorf("items = %+v", got[0].Items)
		}
		if got[1].Items != nil {
			t.Errorf("empty utterances should decode to nil, got %+v", got[1].Items)
		}
		if !rows.closed {
			t.Error("rows were not closed")
		}
	})

	t.Run("query error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return nil, errors.New("boom")
			},
		}
		if _, err := NewPostgresStore(db).ListTrials(context.Background(), testRunID); err == nil {
			t.Fatal("ListTrials() expected error, got nil")
		}
	})

	t.Run("scan error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return &mockRows{data: [][]any{row(0, 0.1, `[]`)}, scanErr: errors.New("bad column")}, nil
			},
		}
		_, err := NewPostgresStore(db).ListTrials(context.Background(), testRunID)
		if err == nil || !strings.Contains(err.Error(), "tracestore: scan trial") {
			t.Errorf("ListTrials() error = %v", err)
		}
	})

	t.Run("corrupt json", func(t *testing.T) {
		t.Parallel()
		bad := row(0, 0.1, `not json`)
		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return &mockRows{data: [][]any{bad}}, nil
			},
		}
		_, err := NewPostgresStore(db).ListTrials(context.Background(), testRunID)
		if err == nil || !strings.Contains(err.Error(), "decode trial 0") {
			t.Errorf("ListTrials() error = %v", err)
		}
	})

	t.Run("rows error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return &mockRows{err: errors.New("stream broken")}, nil
			},
		}
		if _, err := NewPostgresStore(db).ListTrials(context.Background(), testRunID); err == nil {
			t.Fatal("ListTrials() expected error, got nil")
		}
	})
}

func TestPostgresStore_RecordsOptimizerRun(t *testing.T) {
	t.Parallel()

	var statements []string
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			statements = append(statements, strings.Fields(sql)[0])
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	store := NewPostgresStore(db)

	var sink calibrate.TraceSink = store
	ctx := context.Background()
	if err := sink.RecordRun(ctx, calibrate.RunInfo{ID: testRunID}); err != nil {
		t.Fatal(err)
	}
	if err := sink.RecordTrial(ctx, testRunID, testTrial()); err != nil {
		t.Fatal(err)
	}
	if err := sink.FinishRun(ctx, testRunID, calibrate.Summary{State: calibrate.StateCompleted}); err != nil {
		t.Fatal(err)
	}
	want := []string{"INSERT", "INSERT", "UPDATE"}
	if strings.Join(statements, ",") != strings.Join(want, ",") {
		t.Errorf("statements = %v, want %v", statements, want)
	}
}
