package event

import "time"

// Type identifies an event category on the bus.
type Type string

const (
	// TaskReady fires when a task's dependencies have all resolved and it
	// is eligible for dispatch.
	TaskReady Type = "task.ready"
	// TaskQueued fires when a task is parked waiting on file locks.
	TaskQueued Type = "task.queued"
	// TaskFinished fires when a task reaches a terminal status.
	TaskFinished Type = "task.finished"
	// LockConflict fires when a lock acquisition is denied because
	// another task holds the path.
	LockConflict Type = "lock.conflict"
	// LockResumed fires when a queued task's blockers have cleared and it
	// has been resumed.
	LockResumed Type = "lock.resumed"
	// PhaseChanged fires when a feature task advances to a new phase.
	PhaseChanged Type = "phase.changed"
)

// Event is a single bus message. Payload fields are populated per type;
// unused fields are zero.
type Event struct {
	Type      Type
	TaskID    string
	Timestamp time.Time

	// Path and Owner are set for lock events.
	Path  string
	Owner string

	// Phase is set for PhaseChanged.
	Phase string

	// Status is set for TaskFinished.
	Status string

	// Detail carries a free-form human readable note.
	Detail string
}

// New constructs an event with the timestamp stamped.
func New(t Type, taskID string) Event {
	return Event{Type: t, TaskID: taskID, Timestamp: time.Now()}
}
