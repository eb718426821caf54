package orchestrator

import (
	"fmt"

	"github.com/taskherd/taskherd/internal/agent"
	"github.com/taskherd/taskherd/internal/phase"
	"github.com/taskherd/taskherd/pkg/models"
)

// The coordinator is the phase handlers' runtime: handlers decide WHAT
// happens next in a feature workflow, the coordinator does it. These
// methods are invoked outside the handler's lock.

// StartProcess launches a feature task's agent process for its current
// phase.
func (c *Coordinator) StartProcess(task *models.Task, prompt string) error {
	c.mu.RLock()
	entry, ok := c.tasks[task.ID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %s is not live", task.ID)
	}
	c.launchProcess(entry, prompt, task.SessionID)
	return nil
}

// KillProcess terminates a task's running process. The kill surfaces as
// a normal exit through the stream consumer.
func (c *Coordinator) KillProcess(taskID string) {
	c.mu.RLock()
	var proc agent.Process
	if entry, ok := c.tasks[taskID]; ok {
		proc = entry.process
	}
	c.mu.RUnlock()
	if proc != nil {
		proc.Kill()
	}
}

// SpawnChild creates and schedules one child of a feature task.
func (c *Coordinator) SpawnChild(parentID string, spec phase.ChildSpec) (*models.Task, error) {
	child, err := c.SubmitTask(TaskRequest{
		Title:          spec.Title,
		Description:    childPrompt(spec),
		Kind:           models.KindTeamChild,
		ParentID:       parentID,
		DependsOn:      spec.DependsOnIDs,
		BlockerNumbers: spec.BlockerNumbers,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if parent, ok := c.tasks[parentID]; ok {
		parent.task.ChildIDs = append(parent.task.ChildIDs, child.ID)
	}
	c.mu.Unlock()

	if c.msgBus != nil {
		if err := c.msgBus.Join(child.ID); err != nil {
			debugLog("task %s mailbox create failed: %v", child.ID, err)
		}
	}
	return child, nil
}

// ChildInfo reports a child task's status and results for aggregation.
// Finished children are found in history.
func (c *Coordinator) ChildInfo(childID string) (phase.ChildInfo, bool) {
	task, ok := c.Task(childID)
	if !ok {
		return phase.ChildInfo{}, false
	}
	return phase.ChildInfo{
		ID:              task.ID,
		Title:           task.Title,
		Status:          task.Status,
		Summary:         task.CompletionSummary,
		Recommendations: task.Recommendations,
	}, true
}

// FinishTask retires a feature task with a terminal status decided by
// its phase handler.
func (c *Coordinator) FinishTask(taskID string, status models.TaskStatus, note string) {
	c.mu.RLock()
	entry, ok := c.tasks[taskID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	c.KillProcess(taskID)
	if status == models.TaskStatusCompleted {
		// A completed feature workflow still goes through the commit
		// and summary pipeline for whatever its phases edited.
		c.completeFeature(entry, note)
		return
	}
	c.finalize(entry, status, note, "")
}

// completeFeature runs the completion pipeline for a finished feature
// workflow, reusing the scoped-commit path.
func (c *Coordinator) completeFeature(entry *taskEntry, note string) {
	task := entry.task

	c.mu.Lock()
	if task.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	task.Status = models.TaskStatusVerifying
	c.mu.Unlock()

	held := c.locks.TaskLocks(task.ID)
	changed := make([]string, 0, len(held))
	for _, l := range held {
		if !l.Waiting {
			changed = append(changed, l.Path)
		}
	}
	c.mu.Lock()
	entry.changed = changed
	c.mu.Unlock()

	if c.cfg.Git.AutoCommit && c.git != nil && len(changed) > 0 && c.git.IsRepo(c.ctx) {
		if hash, err := c.commitScoped(task, changed); err != nil {
			debugLog("task %s commit failed: %v", task.ID, err)
		} else if hash != "" {
			c.mu.Lock()
			task.CommitHash = hash
			c.mu.Unlock()
		}
	}

	c.finalize(entry, models.TaskStatusCompleted, "", note)
}

// childPrompt renders a team child's working prompt.
func childPrompt(spec phase.ChildSpec) string {
	if spec.Role == "" {
		return spec.Description
	}
	return fmt.Sprintf("You are acting as: %s\n\n%s", spec.Role, spec.Description)
}
