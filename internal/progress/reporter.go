package progress

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run outcome labels.
const (
	RunCompleted = "completed"
	RunCanceled  = "canceled"
)

// Reporter stamps milestones of a single run and hands them to an Emitter.
// A nil *Reporter discards everything.
type Reporter struct {
	emitter Emitter
	runID   [16]byte
	now     func() time.Time
}

// NewReporter binds emitter to runID.
func NewReporter(emitter Emitter, runID uuid.UUID) *Reporter {
	var id [16]byte
	copy(id[:], runID[:])
	return &Reporter{
		emitter: emitter,
		runID:   id,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunID returns the run identifier.
func (r *Reporter) RunID() uuid.UUID {
	if r == nil {
		return uuid.Nil
	}
	return uuid.UUID(r.runID)
}

// RunStarted records the plan.
func (r *Reporter) RunStarted(planned []string, perSourceQuota int) {
	r.emit(Event{
		Stage: StageRunStart,
		Quota: perSourceQuota,
		Note:  strings.Join(planned, ","),
	})
}

// SourceStarted records a source launch.
func (r *Reporter) SourceStarted(source string, quota int) {
	r.emit(Event{Stage: StageSourceStart, Source: source, Quota: quota})
}

// SourceFinished records a source's final state.
func (r *Reporter) SourceFinished(source string, saved int, status string, dur time.Duration) {
	r.emit(Event{
		Stage:  StageSourceDone,
		Source: source,
		Saved:  saved,
		Status: status,
		Dur:    max(dur, 0),
	})
}

// RunFinished records the run total.
func (r *Reporter) RunFinished(saved int, canceled bool, dur time.Duration) {
	status := RunCompleted
	if canceled {
		status = RunCanceled
	}
	r.emit(Event{Stage: StageRunDone, Saved: saved, Status: status, Dur: max(dur, 0)})
}

func (r *Reporter) emit(evt Event) {
	if r == nil || r.emitter == nil {
		return
	}
	evt.RunID = r.runID
	evt.TS = r.now()
	r.emitter.Emit(evt)
}
