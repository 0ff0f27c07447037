package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names a run milestone.
type Stage string

// Supported stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageSourceStart Stage = "SOURCE_START"
	StageSourceDone  Stage = "SOURCE_DONE"
	StageRunDone     Stage = "RUN_DONE"
)

// Event is one milestone of an acquisition run.
type Event struct {
	// RunID identifies the acquisition pass.
	RunID [16]byte
	// TS is the UTC time the milestone was recorded.
	TS    time.Time
	Stage Stage
	// Source is set for per-source stages.
	Source string
	// Quota is the per-source item target, or the run total on RUN_START.
	Quota int
	// Saved counts items persisted by the source or the whole run.
	Saved int
	// Status is the final state of a source, or "canceled"/"completed" for a run.
	Status string
	Dur    time.Duration
	Note   string
}

// Validate rejects malformed events before they reach sinks.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
	case StageRunDone:
		if e.Status == "" {
			return errors.New("run done requires status")
		}
	case StageSourceStart:
		if e.Source == "" {
			return errors.New("source start requires source")
		}
	case StageSourceDone:
		if e.Source == "" {
			return errors.New("source done requires source")
		}
		if e.Status == "" {
			return errors.New("source done requires status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Saved < 0 {
		return errors.New("saved must be >= 0")
	}
	return nil
}

// RunUUID returns the run id in uuid form.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}
