package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/taskherd/taskherd/internal/agent"
	"github.com/taskherd/taskherd/internal/event"
	"github.com/taskherd/taskherd/internal/filelock"
	"github.com/taskherd/taskherd/pkg/models"
)

// mutatingTools are the agent tool names that write files and therefore
// must pass the lock table before they run.
var mutatingTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// consumeStream reads one process's event stream to completion, routing
// file edits through the lock table, then hands the exit to the router.
func (c *Coordinator) consumeStream(entry *taskEntry, proc agent.Process) {
	task := entry.task
	parked := false
	for ev := range proc.Events() {
		switch ev.Type {
		case agent.EventSessionInit:
			c.mu.Lock()
			task.SessionID = ev.SessionID
			if task.Status == models.TaskStatusPlanning && !entry.planningBeforeQueue {
				task.Status = models.TaskStatusRunning
			}
			c.mu.Unlock()

		case agent.EventToolUse:
			if !parked && ev.Path != "" && mutatingTools[ev.Tool] {
				// A true return means the process was killed over an
				// unsuspendable conflict; keep draining until close.
				parked = c.onFileTouch(entry, proc, ev.Tool, ev.Path)
			}
		}
	}

	res := proc.Wait()

	c.mu.RLock()
	stale := entry.process != proc
	queued := entry.suspended || task.Status == models.TaskStatusQueued
	c.mu.RUnlock()
	if stale {
		// Superseded by a relaunch; the new stream owns the lifecycle.
		return
	}
	if queued {
		// Killed at conflict time; the lock queue owns the relaunch.
		return
	}
	c.handleExit(entry, res)
}

// onFileTouch runs one file edit through the lock table. It returns true
// when the process was killed and the stream loop should stop.
func (c *Coordinator) onFileTouch(entry *taskEntry, proc agent.Process, tool, path string) bool {
	task := entry.task

	c.ensureBaseline(entry)

	res := c.locks.TryAcquire(task.ID, c.projectPath, path, tool, task.IgnoreFileLocks)
	if res.Status.Granted() {
		return false
	}

	switch res.Status {
	case filelock.StatusConflict:
		return c.handleConflict(entry, proc, res)
	case filelock.StatusLimitExceeded:
		debugLog("task %s hit lock limit on %s, proceeding unlocked", task.ID, res.Path)
		return false
	case filelock.StatusExclusiveOperation:
		// A commit is in flight. Suspend until the lock table re-checks
		// the queue after SetExclusiveOperation(false).
		debugLog("task %s paused for exclusive operation on %s", task.ID, res.Path)
		return c.parkTask(entry, proc, res.Path, nil,
			fmt.Sprintf("Waiting for commit in progress (%s)", filepath.Base(res.Path)))
	default:
		return false
	}
}

// handleConflict resolves a losing lock acquisition: suspend the process
// tree in place when possible, otherwise kill it and mark the task for a
// plan-only restart. Either way the task queues behind the owner.
func (c *Coordinator) handleConflict(entry *taskEntry, proc agent.Process, res filelock.AcquireResult) bool {
	task := entry.task

	ownerNum := 0
	c.mu.RLock()
	if owner, ok := c.tasks[res.Owner]; ok {
		ownerNum = owner.task.DisplayNumber
	}
	c.mu.RUnlock()
	reason := fmt.Sprintf("File locked: %s by #%d", filepath.Base(res.Path), ownerNum)

	debugLog("task #%d %s lost %s to %s, queueing", task.DisplayNumber, task.ID, res.Path, res.Owner)
	killed := c.parkTask(entry, proc, res.Path, []string{res.Owner}, reason)

	c.publish(event.Event{
		Type:      event.LockConflict,
		TaskID:    task.ID,
		Timestamp: timeNow(),
		Path:      res.Path,
		Owner:     res.Owner,
		Detail:    reason,
	})
	return killed
}

// parkTask moves a live task into the lock queue. Returns true when the
// process had to be killed rather than suspended.
func (c *Coordinator) parkTask(entry *taskEntry, proc agent.Process, path string, blockers []string, reason string) bool {
	task := entry.task
	killed := false

	if err := proc.SuspendTree(); err != nil {
		// Suspension is best effort; fall back to kill and restart.
		// Without a stored plan the restart runs plan-only so the work
		// is not attempted blind against the locked files.
		debugLog("task %s suspend failed (%v), killing", task.ID, err)
		proc.Kill()
		killed = true
	}

	c.mu.Lock()
	task.Status = models.TaskStatusQueued
	task.QueuedReason = reason
	entry.suspended = !killed
	if killed && !task.PlanStored {
		entry.restartPlanOnly = true
	}
	c.mu.Unlock()

	// The loser's partial claims go back to the pool so the owner's
	// dependents are not starved while it waits.
	c.locks.ReleaseTask(task.ID)
	c.locks.Enqueue(task.ID, path, blockers)

	c.publish(event.New(event.TaskQueued, task.ID))

	if killed {
		c.mu.Lock()
		planOnly := entry.restartPlanOnly
		entry.restartPlanOnly = false
		if planOnly {
			entry.planningBeforeQueue = true
		}
		c.mu.Unlock()
		if planOnly {
			// Use the wait to plan: a fresh read-only run stores a plan
			// while the lock holder finishes.
			c.launchProcess(entry, planOnlyPrompt(task), "")
		}
	}
	return killed
}

// ensureBaseline captures the git head before a task's first edit so the
// completion summary can diff against it.
func (c *Coordinator) ensureBaseline(entry *taskEntry) {
	c.mu.Lock()
	if entry.baseline != "" || c.git == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	head, err := c.git.CaptureHead(c.ctx)
	if err != nil {
		debugLog("task %s baseline capture failed: %v", entry.task.ID, err)
		return
	}
	c.mu.Lock()
	if entry.baseline == "" {
		entry.baseline = head
	}
	c.mu.Unlock()
}
