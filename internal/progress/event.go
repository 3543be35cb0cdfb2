// Package progress defines the event structures emitted by the harvest runners.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageTargetStart Stage = "TARGET_START"
	StageTargetDone  Stage = "TARGET_DONE"
	StageUnitDone    Stage = "UNIT_DONE"
	StageFlushDone   Stage = "FLUSH_DONE"
)

// Outcome is the coarse result label attached to a completed work unit.
type Outcome string

// Supported unit outcomes.
const (
	OutcomeFetched   Outcome = "fetched"
	OutcomeEmpty     Outcome = "empty"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

// Event captures a single component of harvest progress.
type Event struct {
	// RunID uniquely identifies a harvest run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or unit milestone occurred.
	Stage Stage
	// TargetID scopes target and unit events to a collection.
	TargetID string
	// Host optionally scopes unit events to a remote host label.
	Host string
	// Outcome labels unit completions.
	Outcome Outcome
	// Records counts newly accepted records for target and flush events. On
	// RUN_START it carries the number of scheduled targets instead.
	Records int64
	// Bytes carries the artifact size for flush events.
	Bytes int64
	// Dur captures execution latency for units and target completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageFlushDone:
	case StageTargetStart, StageTargetDone:
		if e.TargetID == "" {
			return fmt.Errorf("%s requires target id", e.Stage)
		}
	case StageUnitDone:
		if e.TargetID == "" {
			return errors.New("unit done requires target id")
		}
		if e.Outcome == "" {
			return errors.New("unit done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Records < 0 || e.Bytes < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
