package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ozank/scholarharvest/internal/progress"
	"github.com/ozank/scholarharvest/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Unit-level events
// are intentionally ignored; only lifecycle, target, and flush milestones are
// written to keep write amplification low.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards ledger-relevant events to the repository. It respects ctx
// deadlines and returns repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS, evt.Records); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageRunDone:
			if err := s.repo.FinishRun(ctx, runID, evt.TS, store.RunSuccess, nil); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		case progress.StageRunError:
			var note *string
			if evt.Note != "" {
				note = &evt.Note
			}
			if err := s.repo.FinishRun(ctx, runID, evt.TS, store.RunError, note); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		case progress.StageTargetDone:
			if err := s.repo.CompleteTarget(ctx, runID, evt.TargetID, evt.TS, evt.Records, evt.Dur); err != nil {
				return fmt.Errorf("complete target: %w", err)
			}
		case progress.StageFlushDone:
			if evt.Note == "" {
				s.logger.Debug("flush event missing artifact uri", zap.ByteString("run_id", evt.RunID[:]))
				continue
			}
			if err := s.repo.RecordFlush(ctx, runID, evt.Note, evt.Records, evt.Bytes, evt.TS); err != nil {
				return fmt.Errorf("record flush: %w", err)
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
