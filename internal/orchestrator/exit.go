package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskherd/taskherd/internal/agent"
	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/event"
	"github.com/taskherd/taskherd/internal/git"
	"github.com/taskherd/taskherd/internal/phase"
	"github.com/taskherd/taskherd/pkg/models"
)

// handleExit routes a finished agent process. The routing order matters:
// plan-only runs re-check the lock queue, feature tasks defer to their
// phase handler, and only regular exits enter the completion pipeline.
func (c *Coordinator) handleExit(entry *taskEntry, res agent.ExitResult) {
	task := entry.task

	c.mu.Lock()
	if task.Status.IsTerminal() || entry.cancelling {
		c.mu.Unlock()
		return
	}
	if entry.planningBeforeQueue {
		entry.planningBeforeQueue = false
		c.mu.Unlock()
		c.finishPlanningRun(entry, res)
		return
	}
	handler := entry.handler
	c.mu.Unlock()

	if task.Kind == models.KindFeature && handler != nil {
		handler.OnProcessExit(res.ExitCode, res.Output)
		return
	}

	if agent.IsRateLimited(res.Output) || agent.IsRateLimited(res.Stderr) {
		c.retryAfterRateLimit(entry)
		return
	}

	if res.ExitCode != 0 || res.Err != nil {
		c.retryAfterFailure(entry, res)
		return
	}

	c.mu.Lock()
	task.ConsecutiveFailures = 0
	task.ConsecutiveRateLimitRetries = 0
	c.mu.Unlock()

	if task.Kind == models.KindDecompose {
		c.finishDecompose(entry, res)
		return
	}
	c.completeTask(entry, res)
}

// finishPlanningRun handles the exit of a plan-only run started after an
// unsuspendable lock conflict. The plan is stored; if the contested file
// has freed up in the meantime the real run starts immediately, otherwise
// the task stays queued and the lock table relaunches it later.
func (c *Coordinator) finishPlanningRun(entry *taskEntry, res agent.ExitResult) {
	task := entry.task

	c.mu.Lock()
	if res.ExitCode == 0 && res.Err == nil {
		task.PlanStored = true
	}
	task.Status = models.TaskStatusQueued
	c.mu.Unlock()

	debugLog("task %s plan-only run finished (stored=%v), re-checking queue", task.ID, task.PlanStored)
	c.locks.CheckQueued(c.statusOf)
}

// retryAfterRateLimit handles a provider rate-limit exit. Rate limits are
// not failures: the failure streak resets, and the task retries with
// exponential backoff up to its retry cap.
func (c *Coordinator) retryAfterRateLimit(entry *taskEntry) {
	task := entry.task

	c.mu.Lock()
	task.ConsecutiveFailures = 0
	task.ConsecutiveRateLimitRetries++
	retries := task.ConsecutiveRateLimitRetries
	if entry.retry == nil {
		entry.retry = backoff.NewExponentialBackOff()
		entry.retry.InitialInterval = c.cfg.Execution.RateLimitBackoff
		entry.retry.MaxElapsedTime = 0
	}
	limit := c.cfg.Execution.RateLimitRetries
	var delay time.Duration
	exhausted := retries > limit
	if !exhausted {
		delay = entry.retry.NextBackOff()
	}
	sessionID := task.SessionID
	c.mu.Unlock()

	if exhausted {
		c.finalize(entry, models.TaskStatusFailed,
			fmt.Sprintf("rate limited %d consecutive times", retries), "")
		return
	}

	debugLog("task %s rate limited (retry %d/%d), backing off %s", task.ID, retries, limit, delay)
	time.AfterFunc(delay, func() {
		c.mu.RLock()
		stop := task.Status.IsTerminal() || entry.cancelling
		c.mu.RUnlock()
		if stop {
			return
		}
		c.launchProcess(entry, taskPrompt(task), sessionID)
	})
}

// retryAfterFailure handles a nonzero exit. The task restarts until its
// consecutive-failure budget is spent.
func (c *Coordinator) retryAfterFailure(entry *taskEntry, res agent.ExitResult) {
	task := entry.task

	c.mu.Lock()
	task.ConsecutiveFailures++
	failures := task.ConsecutiveFailures
	budget := c.cfg.Execution.FailureBudget
	sessionID := task.SessionID
	c.mu.Unlock()

	if failures >= budget {
		note := fmt.Sprintf("%d consecutive failures", failures)
		if res.Err != nil {
			note += ": " + res.Err.Error()
		}
		c.finalize(entry, models.TaskStatusFailed, note, lastLines(res.Stderr, 10))
		return
	}

	debugLog("task %s exited %d (failure %d/%d), restarting", task.ID, res.ExitCode, failures, budget)
	c.launchProcess(entry, taskPrompt(task), sessionID)
}

// finishDecompose parses the step breakdown a decomposition run produced
// and submits one plain task per step, wiring the declared dependencies.
func (c *Coordinator) finishDecompose(entry *taskEntry, res agent.ExitResult) {
	task := entry.task

	steps, ok := phase.ParseSteps(res.Output)
	if !ok {
		c.finalize(entry, models.TaskStatusFailed,
			"decomposition produced no parseable steps", "")
		return
	}

	spawned := make([]*models.Task, 0, len(steps))
	titles := make([]string, 0, len(steps))
	for i, step := range steps {
		req := TaskRequest{
			Title:       stepTitle(step.Description),
			Description: step.Description,
			Kind:        models.KindPlain,
			ParentID:    task.ID,
		}
		for _, dep := range step.DependsOn {
			if dep >= 0 && dep < i {
				req.DependsOn = append(req.DependsOn, spawned[dep].ID)
				req.BlockerNumbers = append(req.BlockerNumbers, spawned[dep].DisplayNumber)
			}
		}
		child, err := c.SubmitTask(req)
		if err != nil {
			c.finalize(entry, models.TaskStatusFailed,
				fmt.Sprintf("spawning step %d failed: %v", i+1, err), "")
			return
		}
		spawned = append(spawned, child)
		titles = append(titles, fmt.Sprintf("#%d %s", child.DisplayNumber, child.Title))
	}

	c.mu.Lock()
	for _, child := range spawned {
		task.ChildIDs = append(task.ChildIDs, child.ID)
	}
	c.mu.Unlock()

	c.finalize(entry, models.TaskStatusCompleted, "",
		fmt.Sprintf("Decomposed into %d tasks:\n%s", len(spawned), strings.Join(titles, "\n")))
}

// completeTask runs the completion pipeline for a successful exit:
// verify, commit the task's own files under the exclusive-operation
// guard, release its locks, and build the summary.
func (c *Coordinator) completeTask(entry *taskEntry, res agent.ExitResult) {
	task := entry.task

	c.mu.Lock()
	if task.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	task.Status = models.TaskStatusVerifying
	baseline := entry.baseline
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

	if c.verify != nil && c.cfg.Git.Verification {
		if err := c.verify(c.ctx, task, changed); err != nil {
			if !c.stillVerifying(task) {
				return
			}
			c.locks.ReleaseTask(task.ID)
			c.locks.CheckQueued(c.statusOf)
			c.finalize(entry, models.TaskStatusFailed,
				fmt.Sprintf("verification failed: %v", err), lastLines(res.Output, 20))
			return
		}
	}

	// A follow-up may have relaunched the task while verification ran;
	// its new run owns the lifecycle now.
	if !c.stillVerifying(task) {
		return
	}

	if c.cfg.Git.AutoCommit && c.git != nil && len(changed) > 0 && c.git.IsRepo(c.ctx) {
		hash, err := c.commitScoped(task, changed)
		switch {
		case err != nil:
			debugLog("task %s commit failed: %v", task.ID, err)
		case hash != "":
			c.mu.Lock()
			task.CommitHash = hash
			c.mu.Unlock()
		}
	}

	c.locks.ReleaseTask(task.ID)
	c.locks.CheckQueued(c.statusOf)

	summary := lastLines(res.Output, 20)
	if baseline != "" && c.git != nil {
		if diff, err := c.git.DiffSummary(c.ctx, baseline); err == nil && diff != "" {
			summary += "\n\nFiles changed:\n" + diff
		}
	}

	c.finalize(entry, models.TaskStatusCompleted, "", summary)
}

// commitScoped commits exactly the task's files. The exclusive-operation
// flag stops other tasks from taking new locks while the index is staged,
// and commitMu serializes commits across tasks.
func (c *Coordinator) commitScoped(task *models.Task, paths []string) (string, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.locks.SetExclusiveOperation(true)
	defer c.locks.SetExclusiveOperation(false)

	message := fmt.Sprintf("Task #%d: %s", task.DisplayNumber, task.Title)
	hash, err := c.git.Commit(c.ctx, message, paths)
	if errors.Is(err, git.ErrNothingToCommit) {
		return "", nil
	}
	return hash, err
}

// finalize retires a task with its final status, notifies its parent and
// the dependency graph, archives it, and frees its concurrency slot.
// A task already terminal (cancelled mid-pipeline) is left untouched.
func (c *Coordinator) finalize(entry *taskEntry, status models.TaskStatus, note, summary string) {
	task := entry.task

	c.mu.Lock()
	if task.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	task.Status = status
	task.EndedAt = timeNow()
	if note != "" {
		task.Error = note
	}
	if summary != "" {
		task.CompletionSummary = summary
	}
	parentID := task.ParentID
	changed := entry.changed
	entry.process = nil
	entry.handler = nil
	delete(c.tasks, task.ID)
	c.history = append(c.history, task)
	if c.running > 0 {
		c.running--
	}
	var parentHandler *phase.Handler
	if parentID != "" {
		if p, ok := c.tasks[parentID]; ok {
			parentHandler = p.handler
		}
	}
	c.mu.Unlock()

	debugLog("task #%d %s finalized: %s %s", task.DisplayNumber, task.ID, status, note)

	c.locks.ReleaseTask(task.ID)
	c.locks.Dequeue(task.ID)
	c.locks.CheckQueued(c.statusOf)

	if parentID != "" && c.msgBus != nil {
		err := c.msgBus.PostResult(task.ID, parentID, bus.ChildResult{
			ChildTaskID:     task.ID,
			Status:          string(status),
			Summary:         task.CompletionSummary,
			Recommendations: task.Recommendations,
			FileChanges:     changed,
		})
		if err != nil {
			debugLog("task %s result post failed: %v", task.ID, err)
		}
	}

	if c.archive != nil {
		if err := c.archive.ArchiveTask(task); err != nil {
			debugLog("task %s archive failed: %v", task.ID, err)
		}
	}

	c.publish(event.Event{
		Type:      event.TaskFinished,
		TaskID:    task.ID,
		Timestamp: timeNow(),
		Status:    string(status),
		Detail:    note,
	})

	c.graph.OnTaskCompleted(task.ID)

	if parentHandler != nil {
		parentHandler.OnChildFinished(task.ID)
	}

	c.schedule()
}

// stillVerifying reports whether the task has not been relaunched or
// cancelled since it entered the completion pipeline.
func (c *Coordinator) stillVerifying(task *models.Task) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.tasks[task.ID]
	return ok && !entry.cancelling && task.Status == models.TaskStatusVerifying
}

// lastLines returns the last n non-empty lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		kept = append(kept, lines[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}

// stepTitle derives a short title from a step description.
func stepTitle(desc string) string {
	desc = strings.TrimSpace(desc)
	if i := strings.IndexAny(desc, ".\n"); i > 0 {
		desc = desc[:i]
	}
	if len(desc) > 80 {
		desc = desc[:77] + "..."
	}
	return desc
}
