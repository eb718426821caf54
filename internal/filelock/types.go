package filelock

import "time"

// AcquireStatus describes the outcome of a lock acquisition attempt.
type AcquireStatus int

const (
	// StatusGranted means the lock was acquired (or re-stamped by its owner).
	StatusGranted AcquireStatus = iota
	// StatusNoLockNeeded means the path required no lock (invalid or empty);
	// the operation may proceed without registering ownership.
	StatusNoLockNeeded
	// StatusIgnored means the task opted out of lock enforcement.
	StatusIgnored
	// StatusConflict means another task owns the path.
	StatusConflict
	// StatusLimitExceeded means a global or per-task lock cap was hit.
	StatusLimitExceeded
	// StatusExclusiveOperation means an exclusive operation (commit) is in
	// progress and no new locks may be taken.
	StatusExclusiveOperation
)

// Granted returns true if the caller's file operation may proceed.
func (s AcquireStatus) Granted() bool {
	return s == StatusGranted || s == StatusNoLockNeeded || s == StatusIgnored
}

// String returns a short name for the status.
func (s AcquireStatus) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusNoLockNeeded:
		return "no_lock_needed"
	case StatusIgnored:
		return "ignored"
	case StatusConflict:
		return "conflict"
	case StatusLimitExceeded:
		return "limit_exceeded"
	case StatusExclusiveOperation:
		return "exclusive_operation"
	default:
		return "unknown"
	}
}

// AcquireResult is the full outcome of TryAcquire.
type AcquireResult struct {
	// Status is the acquisition outcome.
	Status AcquireStatus
	// Path is the normalized project-relative path, when one was derived.
	Path string
	// Owner is the task holding the path when Status is StatusConflict.
	Owner string
}

// Lock represents exclusive ownership of one normalized path by one task.
type Lock struct {
	// TaskID is the owning task.
	TaskID string
	// Path is the normalized project-relative file path.
	Path string
	// Tool is the tool name that acquired the lock (e.g. "Edit").
	Tool string
	// AcquiredAt is when the lock was first granted; re-stamped on repeat
	// access by the same owner.
	AcquiredAt time.Time
	// Waiting marks a display placeholder for a task queued behind Path
	// rather than a real ownership claim.
	Waiting bool
}

// QueuedTaskInfo pairs a blocked task with the path that blocked it and
// the set of owners it must wait on.
type QueuedTaskInfo struct {
	// TaskID is the blocked task.
	TaskID string
	// Path is the conflicting normalized path.
	Path string
	// Blockers are the task IDs this entry waits on.
	Blockers []string
	// QueuedAt is when the conflict deferred the task.
	QueuedAt time.Time
}

// Limits configures the Manager's global acquisition policy.
// Zero values disable the corresponding cap.
type Limits struct {
	// MaxTotalLocks caps the number of locks across all tasks.
	MaxTotalLocks int
	// MaxLocksPerTask caps the number of locks a single task may hold.
	MaxLocksPerTask int
}
