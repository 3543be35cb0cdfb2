// Package postgres provides the Postgres-backed run ledger.
//
// It assumes the following schema:
//
//	CREATE TABLE harvest_runs (
//	    id UUID PRIMARY KEY,
//	    started_at TIMESTAMPTZ NOT NULL,
//	    finished_at TIMESTAMPTZ,
//	    status TEXT NOT NULL,
//	    error_message TEXT,
//	    targets_total BIGINT NOT NULL DEFAULT 0,
//	    targets_done BIGINT NOT NULL DEFAULT 0,
//	    records_saved BIGINT NOT NULL DEFAULT 0
//	);
//
//	CREATE TABLE run_targets (
//	    run_id UUID NOT NULL REFERENCES harvest_runs(id),
//	    target_id TEXT NOT NULL,
//	    finished_at TIMESTAMPTZ NOT NULL,
//	    records BIGINT NOT NULL DEFAULT 0,
//	    elapsed_ms BIGINT NOT NULL DEFAULT 0,
//	    PRIMARY KEY (run_id, target_id)
//	);
//
//	CREATE TABLE run_flushes (
//	    run_id UUID NOT NULL REFERENCES harvest_runs(id),
//	    artifact_uri TEXT NOT NULL,
//	    records BIGINT NOT NULL DEFAULT 0,
//	    bytes BIGINT NOT NULL DEFAULT 0,
//	    flushed_at TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ozank/scholarharvest/internal/store"
)

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool pgxPool
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool pgxPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StartRun inserts the run row as running. Repeated calls for the same run
// are ignored so resumed runs keep their original start time.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, targetsTotal int64) error {
	query := `
		INSERT INTO harvest_runs (id, started_at, status, targets_total, targets_done, records_saved)
		VALUES ($1, $2, $3, $4, 0, 0)
		ON CONFLICT (id) DO UPDATE
		SET targets_total = EXCLUDED.targets_total, status = EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning, targetsTotal); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// CompleteTarget appends the per-target row and bumps the run's done count.
func (s *RunStore) CompleteTarget(
	ctx context.Context,
	runID uuid.UUID,
	targetID string,
	finishedAt time.Time,
	records int64,
	elapsed time.Duration,
) error {
	insert := `
		INSERT INTO run_targets (run_id, target_id, finished_at, records, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, target_id) DO NOTHING;
	`
	tag, err := s.pool.Exec(ctx, insert, runID, targetID, finishedAt, records, elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert target result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	bump := `UPDATE harvest_runs SET targets_done = targets_done + 1 WHERE id = $1;`
	if _, err := s.pool.Exec(ctx, bump, runID); err != nil {
		return fmt.Errorf("bump targets done: %w", err)
	}
	return nil
}

// RecordFlush appends an artifact row and adds its records to the run total.
func (s *RunStore) RecordFlush(
	ctx context.Context,
	runID uuid.UUID,
	artifactURI string,
	records int64,
	bytes int64,
	flushedAt time.Time,
) error {
	insert := `
		INSERT INTO run_flushes (run_id, artifact_uri, records, bytes, flushed_at)
		VALUES ($1, $2, $3, $4, $5);
	`
	if _, err := s.pool.Exec(ctx, insert, runID, artifactURI, records, bytes, flushedAt); err != nil {
		return fmt.Errorf("insert flush: %w", err)
	}
	bump := `UPDATE harvest_runs SET records_saved = records_saved + $1 WHERE id = $2;`
	if _, err := s.pool.Exec(ctx, bump, records, runID); err != nil {
		return fmt.Errorf("bump records saved: %w", err)
	}
	return nil
}

// FinishRun marks the run finished with the provided status and error.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE harvest_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message, targets_total, targets_done, records_saved
		FROM harvest_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.TargetsTotal,
		&run.TargetsDone,
		&run.RecordsSaved,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message, targets_total, targets_done, records_saved
		FROM harvest_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
			&run.TargetsTotal,
			&run.TargetsDone,
			&run.RecordsSaved,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunTargets retrieves per-target results for a given run.
func (s *RunStore) ListRunTargets(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.TargetResult, error) {
	query := `
		SELECT run_id, target_id, finished_at, records, elapsed_ms
		FROM run_targets
		WHERE run_id = $1
		ORDER BY finished_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list run targets: %w", err)
	}
	defer rows.Close()

	var results []store.TargetResult
	for rows.Next() {
		var res store.TargetResult
		var elapsedMS int64
		err := rows.Scan(&res.RunID, &res.TargetID, &res.FinishedAt, &res.Records, &elapsedMS)
		if err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		res.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		results = append(results, res)
	}
	return results, rows.Err()
}
