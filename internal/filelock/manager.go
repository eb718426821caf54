package filelock

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/taskherd/taskherd/pkg/models"
)

// Manager is the per-file mutual-exclusion registry. It maps normalized
// project-relative paths to owning tasks and tracks tasks queued behind
// conflicting paths.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*Lock // normalized path -> owner lock
	queued []*QueuedTaskInfo
	limits Limits
	// exclusive fails all new acquisitions while a commit is in progress.
	exclusive bool
	// onResume is invoked (outside the mutex) for each task resumed by
	// CheckQueued.
	onResume func(taskID string)
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// NewManager creates a Manager with the given acquisition limits.
func NewManager(limits Limits) *Manager {
	return &Manager{
		locks:    make(map[string]*Lock),
		limits:   limits,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (m *Manager) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.debugLog = fn
	}
}

// SetOnResume registers the handler invoked for each task that CheckQueued
// transitions back to runnable. The handler runs outside the Manager's
// mutex and may call back into the Manager.
func (m *Manager) SetOnResume(fn func(taskID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResume = fn
}

// SetExclusiveOperation toggles the exclusive-operation flag. While set,
// every new acquisition fails with StatusExclusiveOperation so the working
// tree is not mutated mid-commit.
func (m *Manager) SetExclusiveOperation(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exclusive = active
}

// TryAcquire attempts to lock rawPath for taskID. The path is normalized
// relative to projectRoot. The returned result's Status.Granted() reports
// whether the caller's file operation may proceed; on StatusConflict the
// coordinator is expected to queue the task and call Enqueue.
//
// Invalid, empty, or literal "null" paths are treated as needing no lock:
// the operation proceeds without corrupting the table.
func (m *Manager) TryAcquire(taskID, projectRoot, rawPath, tool string, ignoreLocks bool) AcquireResult {
	path, ok := normalizePath(projectRoot, rawPath)
	if !ok {
		return AcquireResult{Status: StatusNoLockNeeded}
	}

	if ignoreLocks {
		// The task opted out of enforcement; nothing is registered.
		return AcquireResult{Status: StatusIgnored, Path: path}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, held := m.locks[path]; held {
		if existing.TaskID == taskID {
			// Repeat access by the owner re-stamps metadata, no duplicate entry.
			existing.Tool = tool
			existing.AcquiredAt = time.Now()
			return AcquireResult{Status: StatusGranted, Path: path}
		}
		m.debugLog("[filelock] conflict: task %s wants %s held by %s", taskID, path, existing.TaskID)
		return AcquireResult{Status: StatusConflict, Path: path, Owner: existing.TaskID}
	}

	if m.exclusive {
		return AcquireResult{Status: StatusExclusiveOperation, Path: path}
	}

	if m.limits.MaxTotalLocks > 0 && len(m.locks) >= m.limits.MaxTotalLocks {
		m.debugLog("[filelock] global lock cap (%d) reached, rejecting %s", m.limits.MaxTotalLocks, path)
		return AcquireResult{Status: StatusLimitExceeded, Path: path}
	}
	if m.limits.MaxLocksPerTask > 0 && m.countLocked(taskID) >= m.limits.MaxLocksPerTask {
		m.debugLog("[filelock] per-task lock cap (%d) reached for %s", m.limits.MaxLocksPerTask, taskID)
		return AcquireResult{Status: StatusLimitExceeded, Path: path}
	}

	m.locks[path] = &Lock{
		TaskID:     taskID,
		Path:       path,
		Tool:       tool,
		AcquiredAt: time.Now(),
	}
	return AcquireResult{Status: StatusGranted, Path: path}
}

// countLocked returns the number of locks held by taskID.
// Caller must hold m.mu.
func (m *Manager) countLocked(taskID string) int {
	n := 0
	for _, l := range m.locks {
		if l.TaskID == taskID {
			n++
		}
	}
	return n
}

// ReleaseTask removes every lock owned by taskID and returns the released
// paths. A task fails or finishes atomically, never holding a partial set.
func (m *Manager) ReleaseTask(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []string
	for path, l := range m.locks {
		if l.TaskID == taskID {
			delete(m.locks, path)
			released = append(released, path)
		}
	}
	if len(released) > 0 {
		m.debugLog("[filelock] released %d locks for task %s", len(released), taskID)
	}
	return released
}

// TaskLocks returns a snapshot of the locks held by taskID, used to scope
// commits to the task's own files before the locks are released.
func (m *Manager) TaskLocks(taskID string) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Lock
	for _, l := range m.locks {
		if l.TaskID == taskID {
			out = append(out, *l)
		}
	}
	return out
}

// Locks returns a snapshot of all entries: real ownership claims plus a
// waiting placeholder for each queued task.
func (m *Manager) Locks() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, 0, len(m.locks)+len(m.queued))
	for _, l := range m.locks {
		out = append(out, *l)
	}
	for _, q := range m.queued {
		out = append(out, Lock{
			TaskID:     q.TaskID,
			Path:       q.Path,
			AcquiredAt: q.QueuedAt,
			Waiting:    true,
		})
	}
	return out
}

// IsLocked reports whether any task owns the given normalized path.
func (m *Manager) IsLocked(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.locks[path]
	return held
}

// Enqueue records that taskID is deferred behind path, waiting on the
// given blocking tasks. Re-enqueueing a task replaces its previous entry.
func (m *Manager) Enqueue(taskID, path string, blockers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropQueuedLocked(taskID)
	m.queued = append(m.queued, &QueuedTaskInfo{
		TaskID:   taskID,
		Path:     path,
		Blockers: append([]string(nil), blockers...),
		QueuedAt: time.Now(),
	})
	m.debugLog("[filelock] queued task %s behind %s (blockers: %v)", taskID, path, blockers)
}

// Dequeue removes taskID's queued entry, if any. Used when a queued task
// is cancelled rather than resumed.
func (m *Manager) Dequeue(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropQueuedLocked(taskID)
}

// dropQueuedLocked removes taskID's entry from the queue.
// Caller must hold m.mu.
func (m *Manager) dropQueuedLocked(taskID string) {
	for i, q := range m.queued {
		if q.TaskID == taskID {
			m.queued = append(m.queued[:i], m.queued[i+1:]...)
			return
		}
	}
}

// QueuedInfo returns a snapshot of the queue table.
func (m *Manager) QueuedInfo() []QueuedTaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueuedTaskInfo, 0, len(m.queued))
	for _, q := range m.queued {
		out = append(out, *q)
	}
	return out
}

// CheckQueued re-examines every queued entry and resumes the tasks whose
// blockers have all stopped and whose conflicting path is free. statusOf
// reports the current status of any task id. An entry is consumed only
// after its task's status is confirmed still queued, so concurrent calls
// never resume the same task twice. Returns the resumed task ids.
//
// Resume handlers run after the queue table has been updated and outside
// the mutex.
func (m *Manager) CheckQueued(statusOf func(taskID string) models.TaskStatus) []string {
	m.mu.Lock()

	var resumed []string
	var remaining []*QueuedTaskInfo
	for _, q := range m.queued {
		if !m.clearedLocked(q, statusOf) {
			remaining = append(remaining, q)
			continue
		}
		// Removal happens only while the task is confirmed still queued;
		// a concurrent resume would have already changed its status.
		if statusOf(q.TaskID) != models.TaskStatusQueued {
			remaining = append(remaining, q)
			continue
		}
		resumed = append(resumed, q.TaskID)
	}
	m.queued = remaining
	onResume := m.onResume
	m.mu.Unlock()

	if onResume != nil {
		for _, id := range resumed {
			m.debugLog("[filelock] resuming queued task %s", id)
			onResume(id)
		}
	}
	return resumed
}

// clearedLocked reports whether a queued entry's blockers have stopped and
// its path is free. Caller must hold m.mu.
func (m *Manager) clearedLocked(q *QueuedTaskInfo, statusOf func(string) models.TaskStatus) bool {
	for _, blocker := range q.Blockers {
		switch statusOf(blocker) {
		case models.TaskStatusRunning, models.TaskStatusPlanning, models.TaskStatusPaused:
			return false
		}
	}
	if _, held := m.locks[q.Path]; held {
		return false
	}
	return true
}

// normalizePath converts rawPath into a cleaned project-relative path.
// Returns ok=false for paths that need no lock: empty strings, the literal
// "null" an agent sometimes emits for a missing argument, and absolute
// paths outside the project root.
func normalizePath(projectRoot, rawPath string) (string, bool) {
	p := strings.TrimSpace(rawPath)
	if p == "" || strings.EqualFold(p, "null") {
		return "", false
	}

	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(projectRoot, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", false
		}
		p = rel
	}

	p = filepath.ToSlash(filepath.Clean(p))
	if p == "." || p == "/" || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}
