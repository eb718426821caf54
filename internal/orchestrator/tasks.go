package orchestrator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/taskherd/taskherd/internal/event"
	"github.com/taskherd/taskherd/internal/phase"
	"github.com/taskherd/taskherd/pkg/models"
)

// TaskRequest describes a task submitted to the coordinator.
type TaskRequest struct {
	Title       string
	Description string
	Kind        models.TaskKind
	ParentID    string
	DependsOn   []string
	// BlockerNumbers are display numbers matching DependsOn, used in the
	// queued reason shown while waiting.
	BlockerNumbers  []int
	PriorityLevel   models.PriorityLevel
	Priority        int
	MaxIterations   int
	IgnoreFileLocks bool
}

// SubmitTask registers a new task. Tasks with unresolved dependencies
// wait in the graph; runnable tasks start immediately, subject to the
// concurrency limit. A dependency edge that would close a cycle is
// rejected with graph.ErrCycleDetected.
func (c *Coordinator) SubmitTask(req TaskRequest) (*models.Task, error) {
	if req.Title == "" && req.Description == "" {
		return nil, fmt.Errorf("task needs a title or description")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator is shut down")
	}
	c.nextDisplay++
	task := &models.Task{
		ID:              uuid.NewString()[:8],
		DisplayNumber:   c.nextDisplay,
		Kind:            req.Kind,
		ParentID:        req.ParentID,
		ProjectPath:     c.projectPath,
		Title:           req.Title,
		Description:     req.Description,
		Status:          models.TaskStatusQueued,
		DependsOn:       append([]string(nil), req.DependsOn...),
		BlockerNumbers:  append([]int(nil), req.BlockerNumbers...),
		PriorityLevel:   req.PriorityLevel,
		Priority:        req.Priority,
		MaxIterations:   req.MaxIterations,
		IgnoreFileLocks: req.IgnoreFileLocks,
	}
	if task.Kind == "" {
		task.Kind = models.KindPlain
	}
	if task.PriorityLevel == "" {
		task.PriorityLevel = models.PriorityNormal
	}
	if task.Kind == models.KindFeature && task.MaxIterations == 0 {
		task.MaxIterations = c.cfg.Execution.MaxIterations
	}
	if len(req.BlockerNumbers) > 0 {
		task.QueuedReason = blockedReason(req.BlockerNumbers)
	}

	if err := c.graph.AddTask(task, req.DependsOn); err != nil {
		c.graph.RemoveTask(task.ID)
		c.nextDisplay--
		c.mu.Unlock()
		return nil, fmt.Errorf("register task %q: %w", task.Title, err)
	}
	c.tasks[task.ID] = &taskEntry{task: task}
	c.mu.Unlock()

	debugLog("task #%d %s submitted (%s, deps %v)", task.DisplayNumber, task.ID, task.Kind, req.DependsOn)
	c.schedule()
	return task, nil
}

// schedule starts as many runnable tasks as the concurrency limit
// allows.
func (c *Coordinator) schedule() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	slots := c.cfg.Execution.MaxConcurrent - c.running
	if slots <= 0 {
		c.mu.Unlock()
		return
	}
	ready := c.graph.NextRunnable(slots)
	var starting []*taskEntry
	for _, task := range ready {
		entry, ok := c.tasks[task.ID]
		if !ok || entry.task.Status != models.TaskStatusQueued {
			continue
		}
		c.running++
		starting = append(starting, entry)
	}
	c.mu.Unlock()

	for _, entry := range starting {
		c.startEntry(entry)
	}
}

// startEntry begins executing one admitted task.
func (c *Coordinator) startEntry(entry *taskEntry) {
	task := entry.task
	if task.Kind == models.KindFeature {
		c.mu.Lock()
		task.Status = models.TaskStatusRunning
		handler := phase.NewHandler(task, c, phase.Config{
			PhaseTimeout:      c.cfg.Phases.PhaseTimeout,
			TotalTimeout:      c.cfg.Phases.TotalTimeout,
			FailureBudget:     c.cfg.Execution.FailureBudget,
			RateLimitRetries:  c.cfg.Execution.RateLimitRetries,
			RateLimitBackoff:  c.cfg.Execution.RateLimitBackoff,
			MaxIterations:     task.MaxIterations,
			OutputTailBytes:   c.cfg.Output.TailBytes,
			ChildSummaryBytes: c.cfg.Output.ChildSummaryBytes,
			AggregateBytes:    c.cfg.Output.AggregateBytes,
		}, phase.WithEventBus(c.events), phase.WithDebugLog(debugLog))
		entry.handler = handler
		c.mu.Unlock()

		if err := handler.Begin(); err != nil {
			debugLog("task %s feature workflow failed to begin: %v", task.ID, err)
			c.FinishTask(task.ID, models.TaskStatusFailed, err.Error())
		}
		return
	}

	c.launchProcess(entry, taskPrompt(task), "")
}

// launchProcess starts an agent process for a task and consumes its
// stream until exit.
func (c *Coordinator) launchProcess(entry *taskEntry, prompt, resumeSessionID string) {
	task := entry.task
	proc := c.newProcess(task, c.projectPath, resumeSessionID)

	c.mu.Lock()
	entry.process = proc
	entry.suspended = false
	if task.Status != models.TaskStatusRunning && task.Status != models.TaskStatusVerifying {
		task.Status = models.TaskStatusPlanning
	}
	if task.StartedAt.IsZero() {
		task.StartedAt = timeNow()
	}
	c.mu.Unlock()

	if err := proc.Start(c.ctx, prompt); err != nil {
		debugLog("task %s process start failed: %v", task.ID, err)
		c.finalize(entry, models.TaskStatusFailed, fmt.Sprintf("agent process failed to start: %v", err), "")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeStream(entry, proc)
	}()
}

// blockedReason renders a human-readable dependency wait reason.
func blockedReason(numbers []int) string {
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return "Waiting on " + strings.Join(parts, ", ")
}

// taskPrompt builds the initial prompt for a non-feature task.
func taskPrompt(task *models.Task) string {
	if task.Description != "" {
		return task.Description
	}
	return task.Title
}

// planOnlyPrompt wraps a prompt for a read-only planning run used after
// an unsuspendable lock conflict.
func planOnlyPrompt(task *models.Task) string {
	return "Plan the following work in detail but do NOT modify any files yet; " +
		"another task currently holds the files you need.\n\n" + taskPrompt(task)
}

// onTasksReady fires when the graph unblocks dependents. Dispatched by
// the graph outside its own lock.
func (c *Coordinator) onTasksReady(tasks []*models.Task) {
	for _, task := range tasks {
		debugLog("task #%d %s ready (dependencies resolved)", task.DisplayNumber, task.ID)
		c.publish(event.New(event.TaskReady, task.ID))
	}
	c.schedule()
}

// onLockResumed fires when the lock table clears a queued task.
// Dispatched by the lock table outside its own mutex.
func (c *Coordinator) onLockResumed(taskID string) {
	c.mu.Lock()
	entry, ok := c.tasks[taskID]
	if !ok || entry.task.Status != models.TaskStatusQueued {
		c.mu.Unlock()
		return
	}
	entry.task.Status = models.TaskStatusRunning
	entry.task.QueuedReason = ""
	suspended := entry.suspended
	entry.suspended = false
	proc := entry.process
	sessionID := entry.task.SessionID
	c.mu.Unlock()

	c.publish(event.New(event.LockResumed, taskID))

	if suspended && proc != nil {
		if err := proc.ResumeTree(); err != nil {
			debugLog("task %s resume failed: %v", taskID, err)
		}
		return
	}
	// The process was killed at conflict time; relaunch, resuming the
	// stored conversation when one exists.
	c.launchProcess(entry, taskPrompt(entry.task), sessionID)
}
