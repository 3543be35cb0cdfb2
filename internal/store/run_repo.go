package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the harvest_runs status column.
type RunStatus string

// Run statuses persisted in harvest_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models the harvest_runs table for API responses.
type Run struct {
	// ID identifies the harvest run.
	ID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	// Status is running/success/error.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// TargetsTotal is the number of targets scheduled for the run.
	TargetsTotal int64
	// TargetsDone counts targets fully processed so far.
	TargetsDone int64
	// RecordsSaved accumulates records persisted across flushes.
	RecordsSaved int64
}

// TargetResult captures the per-target outcome row for a run.
type TargetResult struct {
	// RunID is the owning harvest run.
	RunID uuid.UUID
	// TargetID is the collection identifier (journal slug, query label).
	TargetID string
	// FinishedAt is when the target completed.
	FinishedAt time.Time
	// Records counts records accepted for the target.
	Records int64
	// Elapsed is the wall time spent on the target.
	Elapsed time.Duration
}

// RunRepository persists incremental harvest run history.
type RunRepository interface {
	// StartRun inserts (or idempotently updates) the run row as running.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, targetsTotal int64) error
	// CompleteTarget appends a per-target result and bumps the run's done count.
	CompleteTarget(
		ctx context.Context,
		runID uuid.UUID,
		targetID string,
		finishedAt time.Time,
		records int64,
		elapsed time.Duration,
	) error
	// RecordFlush appends an artifact row and adds its records to the run total.
	RecordFlush(
		ctx context.Context,
		runID uuid.UUID,
		artifactURI string,
		records int64,
		bytes int64,
		flushedAt time.Time,
	) error
	// FinishRun marks the run finished with the provided status and error.
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunTargets returns per-target results for one run.
	ListRunTargets(ctx context.Context, runID uuid.UUID, limit, offset int) ([]TargetResult, error)
}
