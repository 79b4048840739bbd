// Package tracestore persists calibration runs and their trials in
// PostgreSQL. [PostgresStore] implements [calibrate.TraceSink] so a run can be
// recorded directly by the optimizer and inspected later with
// [PostgresStore.ListTrials].
package tracestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vadcal/internal/calibrate"
)

// Schema is the SQL DDL for the calibration tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS calibration_runs (
    id           UUID PRIMARY KEY,
    backend      TEXT NOT NULL,
    language     TEXT NOT NULL,
    engine       TEXT NOT NULL DEFAULT '',
    metric       TEXT NOT NULL,
    trials       INTEGER NOT NULL,
    corpus_size  INTEGER NOT NULL,
    seed         BIGINT NOT NULL,
    state        TEXT NOT NULL DEFAULT 'running',
    completed    INTEGER NOT NULL DEFAULT 0,
    best_index   INTEGER,
    best_value   DOUBLE PRECISION,
    error        TEXT NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_calibration_runs_key ON calibration_runs(backend, language, engine);

CREATE TABLE IF NOT EXISTS calibration_trials (
    run_id          UUID NOT NULL REFERENCES calibration_runs(id) ON DELETE CASCADE,
    idx             INTEGER NOT NULL,
    params          JSONB NOT NULL DEFAULT '{}',
    config          JSONB NOT NULL DEFAULT '{}',
    value           DOUBLE PRECISION NOT NULL,
    best_value      DOUBLE PRECISION NOT NULL,
    elapsed_ms      BIGINT NOT NULL,
    oracle_failures INTEGER NOT NULL DEFAULT 0,
    retries         INTEGER NOT NULL DEFAULT 0,
    state           TEXT NOT NULL,
    utterances      JSONB NOT NULL DEFAULT '[]',
    recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (run_id, idx)
);
`

// Sentinel errors.
var (
	ErrRunExists   = errors.New("tracestore: run already exists")
	ErrRunNotFound = errors.New("tracestore: run not found")
)

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore records calibration runs in PostgreSQL. Parameter points,
// segmenter configurations and per-utterance scores are stored as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ calibrate.TraceSink = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on top of the given connection
// or pool. Call [PostgresStore.Migrate] before recording runs.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a connection pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("tracestore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tracestore: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("tracestore: migrate: %w", err)
	}
	return nil
}

// RecordRun inserts a new run row. Returns [ErrRunExists] if the ID is taken.
func (s *PostgresStore) RecordRun(ctx context.Context, info calibrate.RunInfo) error {
	const q = `INSERT INTO calibration_runs
		(id, backend, language, engine, metric, trials, corpus_size, seed, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.Exec(ctx, q,
		info.ID.String(),
		info.Key.Backend,
		info.Key.Language,
		info.Key.Engine,
		string(info.Metric),
		info.Trials,
		info.CorpusSize,
		int64(info.Seed),
		info.StartedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrRunExists, info.ID)
		}
		return fmt.Errorf("tracestore: record run %s: %w", info.ID, err)
	}
	return nil
}

// RecordTrial upserts one trial of runID.
func (s *PostgresStore) RecordTrial(ctx context.Context, runID uuid.UUID, t calibrate.Trial) error {
	rec := calibrate.NewTrialRecord(runID, t)

	params, config, utts, err := marshalTrial(rec)
	if err != nil {
		return fmt.Errorf("tracestore: record trial %d: %w", rec.Index, err)
	}

	const q = `INSERT INTO calibration_trials
		(run_id, idx, params, config, value, best_value, elapsed_ms, oracle_failures, retries, state, utterances)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, idx) DO UPDATE SET
			params = EXCLUDED.params,
			config = EXCLUDED.config,
			value = EXCLUDED.value,
			best_value = EXCLUDED.best_value,
			elapsed_ms = EXCLUDED.elapsed_ms,
			oracle_failures = EXCLUDED.oracle_failures,
			retries = EXCLUDED.retries,
			state = EXCLUDED.state,
			utterances = EXCLUDED.utterances,
			recorded_at = now()`

	_, err = s.db.Exec(ctx, q,
		runID.String(),
		rec.Index,
		params,
		config,
		rec.Value,
		rec.BestValue,
		rec.ElapsedMs,
		rec.Failures,
		rec.Retries,
		rec.State,
		utts,
	)
	if err != nil {
		return fmt.Errorf("tracestore: record trial %d: %w", rec.Index, err)
	}
	return nil
}

// FinishRun stores the terminal state of runID. Returns [ErrRunNotFound] if
// the run was never recorded.
func (s *PostgresStore) FinishRun(ctx context.Context, runID uuid.UUID, sum calibrate.Summary) error {
	var bestIndex *int
	var bestValue *float64
	if sum.Best != nil {
		idx, val := sum.Best.Index, sum.Best.Value
		bestIndex, bestValue = &idx, &val
	}

	finished := sum.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	const q = `UPDATE calibration_runs SET
		state = $2, completed = $3, best_index = $4, best_value = $5, error = $6, finished_at = $7
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, q,
		runID.String(),
		sum.State.String(),
		sum.Completed,
		bestIndex,
		bestValue,
		sum.Err,
		finished.UTC(),
	)
	if err != nil {
		return fmt.Errorf("tracestore: finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// ListTrials returns the trials of runID ordered by index. An unknown run
// yields an empty slice.
func (s *PostgresStore) ListTrials(ctx context.Context, runID uuid.UUID) ([]calibrate.TrialRecord, error) {
	const q = `SELECT idx, params, config, value, best_value, elapsed_ms,
		oracle_failures, retries, state, utterances
		FROM calibration_trials WHERE run_id = $1 ORDER BY idx`

	rows, err := s.db.Query(ctx, q, runID.String())
	if err != nil {
		return nil, fmt.Errorf("tracestore: list trials: %w", err)
	}
	defer rows.Close()

	var out []calibrate.TrialRecord
	for rows.Next() {
		var rec calibrate.TrialRecord
		var params, config, utts []byte
		if err := rows.Scan(
			&rec.Index, &params, &config, &rec.Value, &rec.BestValue, &rec.ElapsedMs,
			&rec.Failures, &rec.Retries, &rec.State, &utts,
		); err != nil {
			return nil, fmt.Errorf("tracestore: scan trial: %w", err)
		}
		if err := unmarshalTrial(&rec, params, config, utts); err != nil {
			return nil, fmt.Errorf("tracestore: decode trial %d: %w", rec.Index, err)
		}
		rec.Type = "trial"
		rec.RunID = runID.String()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracestore: list trials: %w", err)
	}
	return out, nil
}

func marshalTrial(rec calibrate.TrialRecord) (params, config, utts []byte, err error) {
	if params, err = json.Marshal(rec.Params); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal params: %w", err)
	}
	if config, err = json.Marshal(rec.Config); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal config: %w", err)
	}
	items := rec.Items
	if items == nil {
		items = []calibrate.UtteranceRecord{}
	}
	if utts, err = json.Marshal(items); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal utterances: %w", err)
	}
	return params, config, utts, nil
}

func unmarshalTrial(rec *calibrate.TrialRecord, params, config, utts []byte) error {
	if err := json.Unmarshal(params, &rec.Params); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}
	if err := json.Unmarshal(config, &rec.Config); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal(utts, &rec.Items); err != nil {
		return fmt.Errorf("unmarshal utterances: %w", err)
	}
	if len(rec.Items) == 0 {
		rec.Items = nil
	}
	return nil
}

// isDuplicateKeyError reports whether err is a unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
