// Package scheduler coordinates the two-tier concurrent harvest run:
// runner goroutines fan out over weight-balanced target chunks, and each
// runner drives a bounded-concurrency unit loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ozank/scholarharvest/internal/governor"
	"github.com/ozank/scholarharvest/internal/harvest"
	"github.com/ozank/scholarharvest/internal/partition"
	"github.com/ozank/scholarharvest/internal/progress"
	"github.com/ozank/scholarharvest/internal/tracker"
)

// Config controls run concurrency.
type Config struct {
	// ProcessCount is the number of runner goroutines (default NumCPU).
	ProcessCount int
	// MaxConcurrent bounds in-flight units per runner (default 8).
	MaxConcurrent int64
	// SubBatchSize is how many shards of a sharded target run at once
	// (default 3). The next sub-batch starts only after the prior one
	// fully finishes and releases its browser contexts.
	SubBatchSize int
	// TargetFailureLimit is the number of failed units after which the
	// current target is abandoned (default 5). The run continues.
	TargetFailureLimit int
}

func (c *Config) applyDefaults() {
	if c.ProcessCount <= 0 {
		c.ProcessCount = runtime.NumCPU()
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = 3
	}
	if c.TargetFailureLimit <= 0 {
		c.TargetFailureLimit = 5
	}
}

// PromotionDetector flags fetched payloads that need a browser render.
type PromotionDetector interface {
	ShouldPromote(result harvest.FetchResult) bool
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Fetcher   harvest.Fetcher
	Headless  harvest.Fetcher   // optional; sharded targets fall back to Fetcher
	Detector  PromotionDetector // optional; promotes plain fetches to Headless
	Extractor harvest.Extractor
	Dedup     harvest.DedupIndex
	Sink      harvest.RecordSink
	Governor  *governor.Governor
	Tracker   *tracker.Tracker
	Emitter   progress.Emitter
	Clock     harvest.Clock
	Logger    *zap.Logger
}

// Orchestrator owns one harvest run.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates dependencies and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.applyDefaults()
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Dedup == nil:
		return nil, fmt.Errorf("dedup index is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("record sink is required")
	case deps.Governor == nil:
		return nil, fmt.Errorf("governor is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("tracker is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}, nil
}

// Run executes a full harvest over the discovered targets. Targets present
// in the prior checkpoint are skipped before partitioning. The only fatal
// conditions are an empty target list and context cancellation; individual
// target failures are absorbed into the counters.
func (o *Orchestrator) Run(
	ctx context.Context,
	runID uuid.UUID,
	targets []harvest.Target,
	prior tracker.Checkpoint,
) (harvest.RunCounters, error) {
	if len(targets) == 0 {
		return harvest.RunCounters{}, fmt.Errorf("discovery yielded no targets")
	}

	done := prior.DoneSet()
	pending := make([]harvest.Target, 0, len(targets))
	for _, t := range targets {
		if _, ok := done[t.ID]; !ok {
			pending = append(pending, t)
		}
	}

	o.deps.Tracker.Start(len(targets), prior)
	counters := harvest.RunCounters{TargetsSkipped: len(targets) - len(pending)}
	binID := progress.UUIDToBytes(runID)
	start := o.deps.Clock.Now()
	o.emit(progress.Event{
		RunID:   binID,
		TS:      start,
		Stage:   progress.StageRunStart,
		Records: int64(len(pending)),
	})
	o.logger.Info("run starting",
		zap.String("run_id", runID.String()),
		zap.Int("targets", len(targets)),
		zap.Int("skipped", counters.TargetsSkipped),
		zap.Int("runners", o.cfg.ProcessCount),
	)

	if len(pending) > 0 {
		o.fanOut(ctx, binID, pending, &counters)
	}

	runErr := ctx.Err()
	if err := o.deps.Sink.Flush(ctx); err != nil {
		if runErr == nil {
			runErr = fmt.Errorf("final flush: %w", err)
		}
	} else {
		o.deps.Tracker.MarkDurable()
	}
	// Targets whose records never reached durable storage stay out of the
	// checkpoint, so a resumed run refetches them.
	if err := o.deps.Tracker.WriteCheckpoint(); err != nil {
		o.logger.Warn("final checkpoint write failed", zap.Error(err))
	}

	elapsed := o.deps.Clock.Now().Sub(start)
	stage := progress.StageRunDone
	note := ""
	if runErr != nil {
		stage = progress.StageRunError
		note = runErr.Error()
	}
	o.emit(progress.Event{RunID: binID, TS: o.deps.Clock.Now(), Stage: stage, Dur: elapsed, Note: note})
	o.logger.Info("run finished",
		zap.String("run_id", runID.String()),
		zap.Int("targets_done", counters.TargetsDone),
		zap.Int("units_done", counters.UnitsDone),
		zap.Int("accepted", counters.Accepted),
		zap.Int("duplicates", counters.Duplicates),
		zap.Duration("elapsed", elapsed),
		zap.Error(runErr),
	)
	return counters, runErr
}

// fanOut partitions pending targets, starts one runner per chunk, and
// merges outcomes at the join point.
func (o *Orchestrator) fanOut(ctx context.Context, runID [16]byte, pending []harvest.Target, counters *harvest.RunCounters) {
	chunks := partition.Split(pending, o.cfg.ProcessCount)
	outcomes := make(chan harvest.TargetOutcome)
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go o.runner(ctx, runID, i, chunk.Targets, outcomes, &wg)
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for outcome := range outcomes {
		counters.Merge(outcome)
		if o.deps.Tracker.TargetDone(outcome) {
			o.checkpoint(ctx)
		}
		o.emit(progress.Event{
			RunID:    runID,
			TS:       o.deps.Clock.Now(),
			Stage:    progress.StageTargetDone,
			TargetID: outcome.TargetID,
			Records:  int64(outcome.Accepted),
			Dur:      outcome.Elapsed,
		})
	}
}

// checkpoint flushes pending records and, only if the flush succeeds,
// persists the completed targets. A failed flush leaves the records held
// in the sink and the targets out of the checkpoint: a truncated run
// refetches them instead of losing them.
func (o *Orchestrator) checkpoint(ctx context.Context) {
	if err := o.deps.Sink.Flush(ctx); err != nil {
		o.logger.Warn("checkpoint flush failed, progress not persisted", zap.Error(err))
		return
	}
	o.deps.Tracker.MarkDurable()
	if err := o.deps.Tracker.WriteCheckpoint(); err != nil {
		o.logger.Warn("checkpoint write failed", zap.Error(err))
	}
}

// runner processes its chunk's targets sequentially; units within a target
// run concurrently under the runner's semaphore.
func (o *Orchestrator) runner(
	ctx context.Context,
	runID [16]byte,
	idx int,
	targets []harvest.Target,
	outcomes chan<- harvest.TargetOutcome,
	wg *sync.WaitGroup,
) {
	defer wg.Done()
	logger := o.logger.With(zap.Int("runner", idx))
	sem := semaphore.NewWeighted(o.cfg.MaxConcurrent)
	for _, t := range targets {
		if ctx.Err() != nil {
			return
		}
		o.emit(progress.Event{
			RunID:    runID,
			TS:       o.deps.Clock.Now(),
			Stage:    progress.StageTargetStart,
			TargetID: t.ID,
		})
		logger.Info("target starting", zap.String("target", t.ID), zap.String("strategy", string(t.Strategy)))
		outcome := o.runTarget(ctx, runID, t, sem)
		if outcome.Abandoned {
			logger.Warn("target abandoned after repeated failures",
				zap.String("target", t.ID),
				zap.Int("failed_units", outcome.UnitsFailed),
			)
		}
		outcomes <- outcome
	}
}

func (o *Orchestrator) runTarget(
	ctx context.Context,
	runID [16]byte,
	t harvest.Target,
	sem *semaphore.Weighted,
) harvest.TargetOutcome {
	start := o.deps.Clock.Now()
	outcome := harvest.TargetOutcome{TargetID: t.ID}
	if t.Strategy == harvest.StrategySharded && len(t.Shards) > 0 {
		o.runSharded(ctx, runID, t, sem, &outcome)
	} else {
		o.processUnits(ctx, runID, o.deps.Fetcher, []harvest.WorkUnit{seedUnit(t)}, sem, &outcome)
	}
	outcome.Elapsed = o.deps.Clock.Now().Sub(start)
	return outcome
}

// runSharded walks the target's shards in fixed-size sub-batches. Units of
// one sub-batch run concurrently; the next sub-batch starts only after the
// prior one has fully drained.
func (o *Orchestrator) runSharded(
	ctx context.Context,
	runID [16]byte,
	t harvest.Target,
	sem *semaphore.Weighted,
	outcome *harvest.TargetOutcome,
) {
	fetcher := o.deps.Headless
	if fetcher == nil {
		fetcher = o.deps.Fetcher
	}
	size := o.cfg.SubBatchSize
	for from := 0; from < len(t.Shards); from += size {
		if ctx.Err() != nil || outcome.Abandoned {
			return
		}
		to := from + size
		if to > len(t.Shards) {
			to = len(t.Shards)
		}
		seeds := make([]harvest.WorkUnit, 0, to-from)
		for _, shard := range t.Shards[from:to] {
			seeds = append(seeds, harvest.WorkUnit{
				TargetID: t.ID,
				Locator:  shard.Locator,
				Kind:     harvest.UnitIndexPage,
				Shard:    shard.Label,
				Page:     1,
			})
		}
		o.processUnits(ctx, runID, fetcher, seeds, sem, outcome)
	}
}

type unitResult struct {
	unit    harvest.WorkUnit
	host    string
	elapsed time.Duration
	records []harvest.Record
	next    []harvest.WorkUnit
	err     error
}

// processUnits drives the cooperative unit loop: every unit runs in its own
// goroutine gated by the runner semaphore, results return in completion
// order, and follow-on units join the pool until it drains.
func (o *Orchestrator) processUnits(
	ctx context.Context,
	runID [16]byte,
	fetcher harvest.Fetcher,
	seeds []harvest.WorkUnit,
	sem *semaphore.Weighted,
	outcome *harvest.TargetOutcome,
) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan unitResult)
	inFlight := 0
	launch := func(u harvest.WorkUnit) {
		inFlight++
		go o.processUnit(tctx, fetcher, u, sem, results)
	}
	for _, u := range seeds {
		launch(u)
	}

	for inFlight > 0 {
		res := <-results
		inFlight--
		o.recordResult(ctx, runID, res, outcome)
		if !outcome.Abandoned {
			for _, nu := range res.next {
				launch(nu)
			}
			if outcome.UnitsFailed >= o.cfg.TargetFailureLimit {
				outcome.Abandoned = true
				cancel()
			}
		}
	}
}

// processUnit fetches one unit under the governor's pacing and retry budget
// and extracts its records.
func (o *Orchestrator) processUnit(
	ctx context.Context,
	fetcher harvest.Fetcher,
	unit harvest.WorkUnit,
	sem *semaphore.Weighted,
	results chan<- unitResult,
) {
	res := unitResult{unit: unit, host: harvest.Host(unit.Locator)}
	if err := sem.Acquire(ctx, 1); err != nil {
		res.err = err
		results <- res
		return
	}
	defer sem.Release(1)

	start := time.Now()
	var fetched harvest.FetchResult
	err := o.deps.Governor.Do(ctx, res.host, func(ctx context.Context) error {
		r, ferr := fetcher.Fetch(ctx, unit)
		if ferr == nil {
			fetched = r
		}
		return ferr
	})
	if err == nil && o.shouldPromote(fetcher, fetched) {
		err = o.deps.Governor.Do(ctx, res.host, func(ctx context.Context) error {
			r, ferr := o.deps.Headless.Fetch(ctx, unit)
			if ferr == nil {
				fetched = r
			}
			return ferr
		})
	}
	res.elapsed = time.Since(start)
	if err != nil {
		res.err = err
		results <- res
		return
	}

	records, next, err := o.deps.Extractor.Extract(fetched.Payload, unit)
	if err != nil {
		res.err = harvest.NewUnitError(harvest.KindPermanent, unit, fmt.Errorf("extract: %w", err))
		results <- res
		return
	}
	res.records = records
	res.next = next
	results <- res
}

// shouldPromote reports whether a plain fetch needs a headless re-fetch.
// Fetches already running on the headless fetcher never re-promote.
func (o *Orchestrator) shouldPromote(fetcher harvest.Fetcher, fetched harvest.FetchResult) bool {
	if o.deps.Detector == nil || o.deps.Headless == nil {
		return false
	}
	if fetcher == o.deps.Headless {
		return false
	}
	return o.deps.Detector.ShouldPromote(fetched)
}

// recordResult applies one unit's outcome: dedup, sink handoff, counters,
// and the UNIT_DONE event. Units canceled by target abandonment are not
// counted either way.
func (o *Orchestrator) recordResult(
	ctx context.Context,
	runID [16]byte,
	res unitResult,
	outcome *harvest.TargetOutcome,
) {
	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			return
		}
		outcome.UnitsFailed++
		o.emitUnit(runID, res, outcome.TargetID, progress.OutcomeFailed, res.err.Error())
		return
	}
	outcome.UnitsDone++

	if len(res.records) == 0 {
		if len(res.next) == 0 {
			outcome.UnitsEmpty++
			o.emitUnit(runID, res, outcome.TargetID, progress.OutcomeEmpty, "")
			return
		}
		o.emitUnit(runID, res, outcome.TargetID, progress.OutcomeFetched, "")
		return
	}

	fresh := make([]harvest.Record, 0, len(res.records))
	for _, rec := range res.records {
		if o.deps.Dedup.Accept(rec.Identity()) {
			fresh = append(fresh, rec)
		}
	}
	dups := len(res.records) - len(fresh)
	outcome.Accepted += len(fresh)
	outcome.Duplicates += dups

	if len(fresh) > 0 {
		if err := o.deps.Sink.Add(ctx, fresh); err != nil {
			o.logger.Warn("sink add failed", zap.String("target", outcome.TargetID), zap.Error(err))
		}
		o.emitUnit(runID, res, outcome.TargetID, progress.OutcomeFetched, "")
		return
	}
	o.emitUnit(runID, res, outcome.TargetID, progress.OutcomeDuplicate, "")
}

func (o *Orchestrator) emitUnit(runID [16]byte, res unitResult, targetID string, out progress.Outcome, note string) {
	o.emit(progress.Event{
		RunID:    runID,
		TS:       o.deps.Clock.Now(),
		Stage:    progress.StageUnitDone,
		TargetID: targetID,
		Host:     res.host,
		Outcome:  out,
		Dur:      res.elapsed,
		Note:     note,
	})
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Emitter == nil {
		return
	}
	o.deps.Emitter.Emit(evt)
}

func seedUnit(t harvest.Target) harvest.WorkUnit {
	return harvest.WorkUnit{
		TargetID: t.ID,
		Locator:  t.Seed,
		Kind:     harvest.UnitIndexPage,
		Page:     1,
	}
}
