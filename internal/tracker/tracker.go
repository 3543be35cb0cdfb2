// Package tracker maintains run progress, ETA projection, and resumable
// checkpoints.
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// Checkpoint is the serialized progress snapshot written at target
// granularity. It is the resumable grain: on startup, discovery output is
// filtered to exclude the targets listed here.
type Checkpoint struct {
	TargetsDone    []string  `json:"targets_done"`
	UnitsDone      int       `json:"units_done"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	LastTargetID   string    `json:"last_target_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DoneSet returns the completed target IDs as a set.
func (c Checkpoint) DoneSet() map[string]struct{} {
	done := make(map[string]struct{}, len(c.TargetsDone))
	for _, id := range c.TargetsDone {
		done[id] = struct{}{}
	}
	return done
}

// Load reads a checkpoint file. A missing file is not an error; ok reports
// whether a checkpoint was found.
func Load(path string) (Checkpoint, bool, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// Config controls checkpoint cadence and placement.
type Config struct {
	// Path is the checkpoint file location. Empty disables checkpointing.
	Path string
	// Every writes a checkpoint after this many completed targets.
	Every int
	// Window is the number of recent target completions feeding the
	// moving-average rate.
	Window int
}

// Snapshot is the tracker state reported to operators.
type Snapshot struct {
	TargetsTotal   int     `json:"targets_total"`
	TargetsDone    int     `json:"targets_done"`
	TargetsSkipped int     `json:"targets_skipped"`
	UnitsDone      int     `json:"units_done"`
	UnitsFailed    int     `json:"units_failed"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	UnitsPerSecond float64 `json:"units_per_second"`
	ETASeconds     float64 `json:"eta_seconds"`
}

type rateSample struct {
	units   int
	elapsed time.Duration
}

// Tracker accumulates target completions and projects remaining time from
// a moving-average units/second rate. Safe for concurrent use.
type Tracker struct {
	cfg    Config
	clock  harvest.Clock
	logger *zap.Logger

	mu             sync.Mutex
	start          time.Time
	baseElapsed    time.Duration
	targetsTotal   int
	targetsSkipped int
	unitsDone      int
	unitsFailed    int
	// durableIDs are targets whose records have been flushed to durable
	// storage; only they enter the checkpoint. pendingIDs are completed
	// targets awaiting a successful flush.
	durableIDs      []string
	pendingIDs      []string
	window          []rateSample
	sinceCheckpoint int
}

// New builds a Tracker.
func New(cfg Config, clock harvest.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Every <= 0 {
		cfg.Every = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	return &Tracker{cfg: cfg, clock: clock, logger: logger}
}

// Start marks the beginning of a run. A resumed run carries forward the
// prior checkpoint's elapsed time, done targets, and unit count.
func (t *Tracker) Start(targetsTotal int, prior Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = t.clock.Now()
	t.targetsTotal = targetsTotal
	t.baseElapsed = time.Duration(prior.ElapsedSeconds * float64(time.Second))
	t.durableIDs = append([]string(nil), prior.TargetsDone...)
	t.pendingIDs = nil
	t.unitsDone = prior.UnitsDone
	t.targetsSkipped = len(prior.TargetsDone)
}

// TargetDone records a finished target and reports whether a checkpoint
// write is due. The caller flushes pending records before writing so the
// checkpoint never advances past data that is not durable. Abandoned
// targets count toward progress but stay out of the checkpoint, so a
// resumed run retries them. Failed units are excluded from the rate
// sample so they do not skew the ETA denominator.
func (t *Tracker) TargetDone(outcome harvest.TargetOutcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !outcome.Abandoned {
		t.pendingIDs = append(t.pendingIDs, outcome.TargetID)
	}
	t.unitsDone += outcome.UnitsDone
	t.unitsFailed += outcome.UnitsFailed
	t.window = append(t.window, rateSample{units: outcome.UnitsDone, elapsed: outcome.Elapsed})
	if len(t.window) > t.cfg.Window {
		t.window = t.window[len(t.window)-t.cfg.Window:]
	}
	t.sinceCheckpoint++
	return t.cfg.Path != "" && t.sinceCheckpoint >= t.cfg.Every
}

// MarkDurable promotes completed targets into the checkpointable set.
// Called after a successful sink flush: everything completed before the
// flush is now backed by an artifact.
func (t *Tracker) MarkDurable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.durableIDs = append(t.durableIDs, t.pendingIDs...)
	t.pendingIDs = nil
}

// WriteCheckpoint persists the current progress atomically: the snapshot is
// written to a temp file and renamed over the previous checkpoint, so a
// crash mid-write never corrupts the last good one.
func (t *Tracker) WriteCheckpoint() error {
	if t.cfg.Path == "" {
		return nil
	}
	t.mu.Lock()
	cp := Checkpoint{
		TargetsDone:    append([]string(nil), t.durableIDs...),
		UnitsDone:      t.unitsDone,
		ElapsedSeconds: t.elapsedLocked().Seconds(),
		Timestamp:      t.clock.Now(),
	}
	if len(cp.TargetsDone) > 0 {
		cp.LastTargetID = cp.TargetsDone[len(cp.TargetsDone)-1]
	}
	t.mu.Unlock()

	payload, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(t.cfg.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, t.cfg.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	t.mu.Lock()
	t.sinceCheckpoint = 0
	t.mu.Unlock()

	t.logger.Debug("checkpoint written",
		zap.String("path", t.cfg.Path),
		zap.Int("targets_done", len(cp.TargetsDone)),
	)
	return nil
}

// Snapshot reports current progress, rate, and projected remaining time.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := len(t.durableIDs) + len(t.pendingIDs)
	s := Snapshot{
		TargetsTotal:   t.targetsTotal,
		TargetsDone:    done,
		TargetsSkipped: t.targetsSkipped,
		UnitsDone:      t.unitsDone,
		UnitsFailed:    t.unitsFailed,
		ElapsedSeconds: t.elapsedLocked().Seconds(),
		UnitsPerSecond: t.rateLocked(),
	}

	completedThisRun := done - t.targetsSkipped
	remaining := t.targetsTotal - done
	if s.UnitsPerSecond > 0 && completedThisRun > 0 && remaining > 0 {
		unitsPerTarget := t.windowUnits() / float64(len(t.window))
		s.ETASeconds = float64(remaining) * unitsPerTarget / s.UnitsPerSecond
	}
	return s
}

func (t *Tracker) elapsedLocked() time.Duration {
	if t.start.IsZero() {
		return t.baseElapsed
	}
	return t.baseElapsed + t.clock.Now().Sub(t.start)
}

func (t *Tracker) rateLocked() float64 {
	var elapsed time.Duration
	for _, s := range t.window {
		elapsed += s.elapsed
	}
	if elapsed <= 0 {
		return 0
	}
	return t.windowUnits() / elapsed.Seconds()
}

func (t *Tracker) windowUnits() float64 {
	units := 0
	for _, s := range t.window {
		units += s.units
	}
	return float64(units)
}
