package orchestrator

import (
	"fmt"

	"github.com/taskherd/taskherd/internal/agent"
	"github.com/taskherd/taskherd/pkg/models"
)

// FollowUp delivers additional instructions to a task. A live process
// receives them on stdin; a finished conversation is resumed in a new
// process; a task with no stored session gets a fresh run carrying the
// instructions.
func (c *Coordinator) FollowUp(taskID, instructions string) error {
	if instructions == "" {
		return fmt.Errorf("follow-up needs instructions")
	}

	c.mu.RLock()
	entry, ok := c.tasks[taskID]
	var proc agent.Process
	var suspended bool
	var sessionID string
	if ok {
		proc = entry.process
		suspended = entry.suspended
		sessionID = entry.task.SessionID
	}
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %s is not live", taskID)
	}

	if proc != nil && !suspended {
		if err := proc.WriteLine(instructions); err == nil {
			debugLog("task %s follow-up delivered to live process", taskID)
			return nil
		}
		// stdin is gone; fall through to a relaunch.
	}

	if suspended {
		return fmt.Errorf("task %s is suspended behind a lock; follow-up queued tasks are not supported", taskID)
	}

	debugLog("task %s follow-up via relaunch (session %q)", taskID, sessionID)
	c.mu.Lock()
	// Claim the lifecycle back from any completion pass still in flight.
	entry.task.Status = models.TaskStatusRunning
	c.mu.Unlock()
	c.launchProcess(entry, instructions, sessionID)
	return nil
}

// CancelTask cancels a task outright: its process is killed (resumed
// first when suspended), its locks and queue slots are released, and its
// parent is notified like any other terminal child.
func (c *Coordinator) CancelTask(taskID string) {
	c.mu.Lock()
	entry, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	task := entry.task
	if task.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	entry.cancelling = true
	proc := entry.process
	handler := entry.handler
	children := append([]string(nil), task.ChildIDs...)
	c.mu.Unlock()

	debugLog("task #%d %s cancelling", task.DisplayNumber, taskID)

	if handler != nil {
		handler.Stop()
	}
	for _, childID := range children {
		c.CancelTask(childID)
	}
	if proc != nil {
		// Kill handles a suspended tree by continuing it first.
		proc.Kill()
	}
	if c.msgBus != nil {
		if err := c.msgBus.Leave(taskID); err != nil {
			debugLog("task %s mailbox remove failed: %v", taskID, err)
		}
	}

	c.finalize(entry, models.TaskStatusCancelled, "cancelled", "")
}

// PauseTask suspends a running task's process tree in place.
func (c *Coordinator) PauseTask(taskID string) error {
	c.mu.Lock()
	entry, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("task %s is not live", taskID)
	}
	task := entry.task
	if task.Status != models.TaskStatusRunning && task.Status != models.TaskStatusPlanning {
		c.mu.Unlock()
		return fmt.Errorf("task %s is %s, not pausable", taskID, task.Status)
	}
	proc := entry.process
	c.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("task %s has no process", taskID)
	}

	if err := proc.SuspendTree(); err != nil {
		return fmt.Errorf("suspend task %s: %w", taskID, err)
	}
	c.mu.Lock()
	task.Status = models.TaskStatusPaused
	entry.suspended = true
	c.mu.Unlock()
	return nil
}

// ResumeTask continues a paused task's process tree.
func (c *Coordinator) ResumeTask(taskID string) error {
	c.mu.Lock()
	entry, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("task %s is not live", taskID)
	}
	task := entry.task
	if task.Status != models.TaskStatusPaused {
		c.mu.Unlock()
		return fmt.Errorf("task %s is %s, not paused", taskID, task.Status)
	}
	proc := entry.process
	c.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("task %s has no process", taskID)
	}

	if err := proc.ResumeTree(); err != nil {
		return fmt.Errorf("resume task %s: %w", taskID, err)
	}
	c.mu.Lock()
	task.Status = models.TaskStatusRunning
	entry.suspended = false
	c.mu.Unlock()
	return nil
}
