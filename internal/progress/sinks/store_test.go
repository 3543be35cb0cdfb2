package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ozank/scholarharvest/internal/progress"
	"github.com/ozank/scholarharvest/internal/store"
)

// TestStoreSinkPersistsLifecycle ensures lifecycle, target, and flush events reach the repository.
func TestStoreSinkPersistsLifecycle(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Records: 42},
		{
			RunID:    runID,
			Stage:    progress.StageTargetDone,
			TargetID: "annals-of-chemistry",
			Records:  137,
			Dur:      2 * time.Second,
			TS:       now.Add(1 * time.Second),
		},
		{
			RunID:   runID,
			Stage:   progress.StageFlushDone,
			Records: 250,
			Bytes:   40960,
			Note:    "file:///tmp/harvest/batch_000001.csv",
			TS:      now.Add(2 * time.Second),
		},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.starts, 1)
	require.Equal(t, int64(42), repo.starts[0].targets)
	require.Len(t, repo.targets, 1)
	require.Equal(t, "annals-of-chemistry", repo.targets[0].targetID)
	require.Equal(t, int64(137), repo.targets[0].records)
	require.Len(t, repo.flushes, 1)
	require.Equal(t, "file:///tmp/harvest/batch_000001.csv", repo.flushes[0].uri)
	require.Len(t, repo.finishes, 1)
	require.Equal(t, store.RunSuccess, repo.finishes[0].status)
}

// TestStoreSinkSkipsUnitEvents verifies unit completions do not reach the ledger.
func TestStoreSinkSkipsUnitEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageUnitDone, TargetID: "ajc", Outcome: progress.OutcomeFetched, TS: time.Now()},
	}))
	require.Empty(t, repo.starts)
	require.Empty(t, repo.targets)
	require.Empty(t, repo.flushes)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type startCall struct {
	runID   uuid.UUID
	targets int64
}

type targetCall struct {
	runID    uuid.UUID
	targetID string
	records  int64
	elapsed  time.Duration
}

type flushCall struct {
	runID   uuid.UUID
	uri     string
	records int64
	bytes   int64
}

type finishCall struct {
	runID  uuid.UUID
	status store.RunStatus
	errMsg *string
}

type fakeRunRepo struct {
	fail     bool
	starts   []startCall
	targets  []targetCall
	flushes  []flushCall
	finishes []finishCall
}

func (f *fakeRunRepo) StartRun(_ context.Context, runID uuid.UUID, _ time.Time, targetsTotal int64) error {
	if f.fail {
		return assertErr("start")
	}
	f.starts = append(f.starts, startCall{runID: runID, targets: targetsTotal})
	return nil
}

func (f *fakeRunRepo) CompleteTarget(
	_ context.Context,
	runID uuid.UUID,
	targetID string,
	_ time.Time,
	records int64,
	elapsed time.Duration,
) error {
	if f.fail {
		return assertErr("target")
	}
	f.targets = append(f.targets, targetCall{runID: runID, targetID: targetID, records: records, elapsed: elapsed})
	return nil
}

func (f *fakeRunRepo) RecordFlush(
	_ context.Context,
	runID uuid.UUID,
	artifactURI string,
	records int64,
	bytes int64,
	_ time.Time,
) error {
	if f.fail {
		return assertErr("flush")
	}
	f.flushes = append(f.flushes, flushCall{runID: runID, uri: artifactURI, records: records, bytes: bytes})
	return nil
}

func (f *fakeRunRepo) FinishRun(
	_ context.Context,
	runID uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if f.fail {
		return assertErr("finish")
	}
	f.finishes = append(f.finishes, finishCall{runID: runID, status: status, errMsg: errMsg})
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, assertErr("read")
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, assertErr("list")
}

func (f *fakeRunRepo) ListRunTargets(context.Context, uuid.UUID, int, int) ([]store.TargetResult, error) {
	return nil, assertErr("targets")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
