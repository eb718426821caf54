package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting on a dependency or lock.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusPlanning indicates the task is running in read-only plan mode.
	TaskStatusPlanning TaskStatus = "planning"
	// TaskStatusRunning indicates the task's agent process is active.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusPaused indicates the task's process tree is suspended.
	TaskStatusPaused TaskStatus = "paused"
	// TaskStatusVerifying indicates an automatic verification pass is running.
	TaskStatusVerifying TaskStatus = "verifying"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed terminally.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled by the operator or a parent.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusPlanning, TaskStatusRunning, TaskStatusPaused,
		TaskStatusVerifying, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive returns true if the task's agent process may still be doing work.
// Queued tasks are not active: their process (if any) is suspended.
func (s TaskStatus) IsActive() bool {
	switch s {
	case TaskStatusPlanning, TaskStatusRunning, TaskStatusPaused, TaskStatusVerifying:
		return true
	default:
		return false
	}
}

// TaskKind distinguishes the completion-handling variants of a task.
// Exactly one handler owns each kind's process-exit routing.
type TaskKind string

const (
	// KindPlain is a single-shot task with normal completion handling.
	KindPlain TaskKind = "plain"
	// KindFeature drives the multi-phase iterative workflow.
	KindFeature TaskKind = "feature"
	// KindDecompose splits its objective into child tasks before executing.
	KindDecompose TaskKind = "decompose"
	// KindTeamChild is a child spawned by a feature-mode phase.
	KindTeamChild TaskKind = "team_child"
)

// Valid returns true if the kind is a known value.
func (k TaskKind) Valid() bool {
	switch k {
	case KindPlain, KindFeature, KindDecompose, KindTeamChild:
		return true
	default:
		return false
	}
}

// Task represents one unit of delegated work executed by an agent process.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// DisplayNumber is a monotonic human-facing number (#1, #2, ...).
	DisplayNumber int `json:"display_number"`
	// Kind selects the completion handler for this task.
	Kind TaskKind `json:"kind"`
	// ParentID is the ID of the task that spawned this one, if any.
	ParentID string `json:"parent_id,omitempty"`
	// ChildIDs lists tasks spawned by this one, in spawn order.
	ChildIDs []string `json:"child_ids,omitempty"`
	// ProjectPath is the repository root this task operates on.
	ProjectPath string `json:"project_path"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description is the full prompt text delegated to the agent.
	Description string `json:"description,omitempty"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// QueuedReason is a human-readable explanation while Status is queued.
	QueuedReason string `json:"queued_reason,omitempty"`
	// DependsOn lists task IDs that must complete before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// BlockerNumbers caches the display numbers of DependsOn entries.
	BlockerNumbers []int `json:"blocker_numbers,omitempty"`
	// PriorityLevel is the coarse tier used as the primary sort key.
	PriorityLevel PriorityLevel `json:"priority_level"`
	// Priority orders tasks within the same level (higher runs first).
	Priority int `json:"priority"`

	// Phase is the current feature-mode workflow phase.
	Phase Phase `json:"phase,omitempty"`
	// CurrentIteration counts completed feature-mode cycles, starting
	// at 0; with MaxIterations set the workflow runs that many cycles.
	CurrentIteration int `json:"current_iteration,omitempty"`
	// MaxIterations bounds the feature-mode loop.
	MaxIterations int `json:"max_iterations,omitempty"`
	// PhaseChildIDs lists children spawned for the current phase only.
	// Cleared before every phase advance so stale results are never reused.
	PhaseChildIDs []string `json:"phase_child_ids,omitempty"`

	// ConsecutiveFailures counts non-rate-limit failing exits in a row.
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`
	// ConsecutiveRateLimitRetries counts back-to-back rate-limit retries.
	ConsecutiveRateLimitRetries int `json:"consecutive_rate_limit_retries,omitempty"`

	// IgnoreFileLocks exempts this task from lock enforcement.
	IgnoreFileLocks bool `json:"ignore_file_locks,omitempty"`
	// SessionID is the agent conversation identifier, used to resume.
	SessionID string `json:"session_id,omitempty"`
	// PlanStored indicates the task recorded an execution plan before running.
	PlanStored bool `json:"plan_stored,omitempty"`

	// StartedAt is when the task first began executing.
	StartedAt time.Time `json:"started_at,omitempty"`
	// EndedAt is when the task reached a terminal status.
	EndedAt time.Time `json:"ended_at,omitempty"`

	// CommitHash is the head hash recorded after an auto-commit.
	CommitHash string `json:"commit_hash,omitempty"`
	// CompletionSummary is the derived summary of what the task did.
	CompletionSummary string `json:"completion_summary,omitempty"`
	// Recommendations carries follow-up suggestions surfaced by the agent.
	Recommendations []string `json:"recommendations,omitempty"`
	// Error contains the failure reason if Status is failed.
	Error string `json:"error,omitempty"`
}

// HasDependency returns true if the task depends on the given task ID.
func (t *Task) HasDependency(id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// IsFeature returns true for tasks driven by the phase workflow.
func (t *Task) IsFeature() bool {
	return t.Kind == KindFeature
}
