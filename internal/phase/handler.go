// Package phase drives a feature task through the iterative autonomous
// workflow: plan, consolidate, execute, evaluate, looping until the
// evaluation declares the work complete or a safety limit trips.
package phase

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskherd/taskherd/internal/agent"
	"github.com/taskherd/taskherd/internal/event"
	"github.com/taskherd/taskherd/pkg/models"
)

// ChildSpec describes one child task a phase fans out to.
type ChildSpec struct {
	Title       string
	Description string
	Role        string
	// DependsOnIDs are ids of earlier-spawned siblings in this batch.
	DependsOnIDs []string
	// BlockerNumbers are the display numbers matching DependsOnIDs, used
	// in the child's queued reason.
	BlockerNumbers []int

	// rawDeps are the dependency indices from the parsed block, resolved
	// to ids during spawning.
	rawDeps []int
}

// Runtime is the slice of the coordinator the handler drives. All
// methods are called outside the handler's internal lock, so a Runtime
// implementation may call back into the handler.
type Runtime interface {
	// StartProcess launches the task's agent process for the current
	// phase with the given prompt.
	StartProcess(task *models.Task, prompt string) error

	// KillProcess terminates a task's running process, if any. The
	// resulting exit is reported back through OnProcessExit.
	KillProcess(taskID string)

	// SpawnChild creates and schedules one child task.
	SpawnChild(parentID string, spec ChildSpec) (*models.Task, error)

	// CancelTask cancels a task outright: kill, release locks, leave bus.
	CancelTask(taskID string)

	// ChildInfo reports a child's current status and results.
	ChildInfo(childID string) (ChildInfo, bool)

	// FinishTask retires the feature task with a terminal status.
	FinishTask(taskID string, status models.TaskStatus, note string)
}

// Config holds the handler's safety limits.
type Config struct {
	// PhaseTimeout kills a phase's process or children when exceeded.
	PhaseTimeout time.Duration
	// TotalTimeout force-completes the whole workflow when exceeded.
	TotalTimeout time.Duration
	// FailureBudget is the consecutive non-rate-limit failure cap.
	FailureBudget int
	// RateLimitRetries caps consecutive rate-limited retries.
	RateLimitRetries int
	// RateLimitBackoff is the initial delay before a rate-limit retry.
	RateLimitBackoff time.Duration
	// MaxIterations bounds full plan/execute/evaluate cycles.
	MaxIterations int
	// OutputTailBytes bounds retained output between iterations.
	OutputTailBytes int
	// ChildSummaryBytes and AggregateBytes cap result aggregation.
	ChildSummaryBytes int
	AggregateBytes    int
}

// Handler runs the phase state machine for one feature task. Entry
// points are Begin, OnProcessExit, and OnChildFinished; everything else
// is internal. Transitions only move forward except Evaluation looping
// back to None for the next iteration.
type Handler struct {
	mu      sync.Mutex
	task    *models.Task
	runtime Runtime
	cfg     Config
	events  *event.Bus

	startedAt time.Time
	output    *agent.TailBuffer
	aggregate string
	retry     *backoff.ExponentialBackOff
	finished  bool

	// timerGen invalidates outstanding timers: a fired timer whose
	// generation no longer matches is stale and must not act.
	timerGen   int
	phaseTimer *time.Timer
	retryTimer *time.Timer
	totalTimer *time.Timer

	debugLog func(format string, args ...any)
}

// Option configures a Handler.
type Option func(*Handler)

// WithEventBus publishes PhaseChanged and TaskFinished events.
func WithEventBus(bus *event.Bus) Option {
	return func(h *Handler) { h.events = bus }
}

// WithDebugLog routes internal diagnostics to fn.
func WithDebugLog(fn func(format string, args ...any)) Option {
	return func(h *Handler) { h.debugLog = fn }
}

// NewHandler creates a Handler for one feature task.
func NewHandler(task *models.Task, runtime Runtime, cfg Config, opts ...Option) *Handler {
	retry := backoff.NewExponentialBackOff()
	if cfg.RateLimitBackoff > 0 {
		retry.InitialInterval = cfg.RateLimitBackoff
	}
	retry.MaxElapsedTime = 0

	h := &Handler{
		task:     task,
		runtime:  runtime,
		cfg:      cfg,
		output:   agent.NewTailBuffer(cfg.OutputTailBytes),
		retry:    retry,
		debugLog: func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Task returns the handler's task.
func (h *Handler) Task() *models.Task {
	return h.task
}

// Begin starts the workflow at the initial planning phase.
func (h *Handler) Begin() error {
	h.mu.Lock()
	h.startedAt = time.Now()
	h.task.StartedAt = h.startedAt
	h.task.Phase = models.PhaseNone
	if h.cfg.TotalTimeout > 0 {
		gen := h.timerGen
		h.totalTimer = time.AfterFunc(h.cfg.TotalTimeout, func() { h.onTotalTimeout(gen) })
	}
	actions := h.startProcessPhaseLocked()
	h.mu.Unlock()

	return h.run(actions)
}

// Stop halts the workflow without retiring the task. Timers are
// disarmed and later entry points become no-ops; the caller owns the
// task's terminal status.
func (h *Handler) Stop() {
	h.mu.Lock()
	h.finished = true
	h.timerGen++
	h.stopTimer(&h.phaseTimer)
	h.stopTimer(&h.retryTimer)
	h.stopTimer(&h.totalTimer)
	h.mu.Unlock()
}

// OnProcessExit handles the exit of the task's own phase process.
func (h *Handler) OnProcessExit(exitCode int, output string) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.stopTimer(&h.phaseTimer)
	h.output.WriteString(output)

	var actions []func() error
	switch {
	case h.overTotalCapLocked():
		actions = h.finishLocked(models.TaskStatusCompleted, "total runtime cap reached")

	case agent.IsRateLimited(output):
		// Rate limits are not failures. The failure counter resets and a
		// separate bounded retry counter governs how long we keep waiting.
		h.task.ConsecutiveFailures = 0
		h.task.ConsecutiveRateLimitRetries++
		if h.task.ConsecutiveRateLimitRetries > h.cfg.RateLimitRetries {
			actions = h.finishLocked(models.TaskStatusFailed,
				fmt.Sprintf("rate limited %d consecutive times", h.task.ConsecutiveRateLimitRetries))
			break
		}
		delay := h.retry.NextBackOff()
		h.debugLog("task %s rate limited, retrying phase %s in %s", h.task.ID, h.task.Phase, delay)
		gen := h.timerGen
		h.retryTimer = time.AfterFunc(delay, func() { h.onRetryTimer(gen) })

	case exitCode != 0:
		h.task.ConsecutiveFailures++
		if h.task.ConsecutiveFailures >= h.cfg.FailureBudget {
			actions = h.finishLocked(models.TaskStatusFailed,
				fmt.Sprintf("%d consecutive failures in phase %s", h.task.ConsecutiveFailures, h.task.Phase))
			break
		}
		h.debugLog("task %s phase %s failed (exit %d), retry %d/%d",
			h.task.ID, h.task.Phase, exitCode, h.task.ConsecutiveFailures, h.cfg.FailureBudget)
		actions = h.startProcessPhaseLocked()

	default:
		h.task.ConsecutiveFailures = 0
		h.task.ConsecutiveRateLimitRetries = 0
		h.retry.Reset()
		actions = h.routeSuccessLocked(output)
	}
	h.mu.Unlock()

	h.runOrFail(actions)
}

// OnChildFinished handles one child of the current fan-out phase
// reaching a terminal status.
func (h *Handler) OnChildFinished(childID string) {
	h.mu.Lock()
	if h.finished || !h.isChildPhaseLocked() {
		h.mu.Unlock()
		return
	}

	children := make([]ChildInfo, 0, len(h.task.PhaseChildIDs))
	allDone := true
	allCancelled := len(h.task.PhaseChildIDs) > 0
	for _, id := range h.task.PhaseChildIDs {
		info, ok := h.runtimeChildLocked(id)
		if !ok || !info.Status.IsTerminal() {
			allDone = false
			break
		}
		if info.Status != models.TaskStatusCancelled {
			allCancelled = false
		}
		children = append(children, info)
	}

	var actions []func() error
	if allDone {
		h.stopTimer(&h.phaseTimer)
		if allCancelled {
			actions = h.finishLocked(models.TaskStatusCancelled, "all phase children were cancelled")
		} else {
			actions = h.advanceAfterChildrenLocked(children)
		}
	}
	h.mu.Unlock()

	h.runOrFail(actions)
}

// routeSuccessLocked advances the machine after a clean process exit.
func (h *Handler) routeSuccessLocked(output string) []func() error {
	switch h.task.Phase {
	case models.PhaseNone:
		if team, ok := ParseTeam(output); ok {
			return h.spawnBatchLocked(models.PhaseTeamPlanning, teamSpecs(team))
		}
		// No team block: the plan needs no fan-out, consolidate directly.
		h.aggregate = ""
		return h.transitionLocked(models.PhasePlanConsolidation)

	case models.PhasePlanConsolidation:
		steps, ok := ParseSteps(output)
		if !ok {
			return h.finishLocked(models.TaskStatusFailed, "consolidation produced no execution steps")
		}
		return h.spawnBatchLocked(models.PhaseExecution, stepSpecs(steps))

	case models.PhaseEvaluation:
		if containsMarker(output) {
			return h.finishLocked(models.TaskStatusCompleted, "evaluation declared work complete")
		}
		if h.task.CurrentIteration+1 >= h.cfg.MaxIterations {
			return h.finishLocked(models.TaskStatusCompleted,
				fmt.Sprintf("max iterations (%d) reached", h.cfg.MaxIterations))
		}
		h.task.CurrentIteration++
		h.aggregate = ""
		h.task.PhaseChildIDs = nil
		return h.transitionLocked(models.PhaseNone)

	default:
		// TeamPlanning and Execution complete via OnChildFinished, not a
		// process exit.
		h.debugLog("task %s unexpected process exit in phase %s", h.task.ID, h.task.Phase)
		return nil
	}
}

// advanceAfterChildrenLocked aggregates results and moves to the phase
// that follows the completed fan-out.
func (h *Handler) advanceAfterChildrenLocked(children []ChildInfo) []func() error {
	h.aggregate = AggregateResults(children, h.cfg.ChildSummaryBytes, h.cfg.AggregateBytes)
	// Stale child ids must never leak into the next phase.
	h.task.PhaseChildIDs = nil

	if h.overTotalCapLocked() {
		return h.finishLocked(models.TaskStatusCompleted, "total runtime cap reached")
	}

	switch h.task.Phase {
	case models.PhaseTeamPlanning:
		return h.transitionLocked(models.PhasePlanConsolidation)
	case models.PhaseExecution:
		return h.transitionLocked(models.PhaseEvaluation)
	default:
		return nil
	}
}

// transitionLocked sets the new phase and starts its process.
func (h *Handler) transitionLocked(next models.Phase) []func() error {
	prev := h.task.Phase
	h.task.Phase = next
	h.debugLog("task %s phase %s -> %s (iteration %d)", h.task.ID, prev, next, h.task.CurrentIteration)

	actions := h.publishPhaseChangeLocked(next)
	return append(actions, h.startProcessPhaseLocked()...)
}

// startProcessPhaseLocked builds the current phase's prompt and returns
// the action that launches its process under a fresh phase timer.
func (h *Handler) startProcessPhaseLocked() []func() error {
	if h.overTotalCapLocked() {
		return h.finishLocked(models.TaskStatusCompleted, "total runtime cap reached")
	}

	var prompt string
	switch h.task.Phase {
	case models.PhaseNone:
		prompt = planningPrompt(h.task.Description, h.task.CurrentIteration)
	case models.PhasePlanConsolidation:
		prompt = consolidationPrompt(h.task.Description, h.aggregate)
	case models.PhaseEvaluation:
		prompt = evaluationPrompt(h.task.Description, h.aggregate)
	default:
		return nil
	}

	h.armPhaseTimerLocked()
	task := h.task
	return []func() error{func() error {
		if err := h.runtime.StartProcess(task, prompt); err != nil {
			return fmt.Errorf("start phase %s process: %w", task.Phase, err)
		}
		return nil
	}}
}

// spawnBatchLocked advances into a fan-out phase and returns the action
// that spawns its children one at a time, cancelling the whole batch on
// a spawn error.
func (h *Handler) spawnBatchLocked(next models.Phase, specs []ChildSpec) []func() error {
	h.task.Phase = next
	h.armPhaseTimerLocked()
	actions := h.publishPhaseChangeLocked(next)

	parentID := h.task.ID
	return append(actions, func() error {
		var spawned []*models.Task
		ids := make(map[int]string)
		numbers := make(map[int]int)

		for i, spec := range specs {
			for _, dep := range validDeps(spec.rawDeps, i) {
				spec.DependsOnIDs = append(spec.DependsOnIDs, ids[dep])
				spec.BlockerNumbers = append(spec.BlockerNumbers, numbers[dep])
			}
			child, err := h.runtime.SpawnChild(parentID, spec)
			if err != nil {
				// A partial batch must not leave orphans behind.
				for _, sibling := range spawned {
					h.runtime.CancelTask(sibling.ID)
				}
				h.clearChildren()
				return fmt.Errorf("spawn child %d of phase %s: %w", i, next, err)
			}
			spawned = append(spawned, child)
			ids[i] = child.ID
			numbers[i] = child.DisplayNumber

			// The runtime records the child in ChildIDs under its own
			// lock; only the per-phase list is tracked here.
			h.mu.Lock()
			h.task.PhaseChildIDs = append(h.task.PhaseChildIDs, child.ID)
			h.mu.Unlock()
		}
		return nil
	})
}

// clearChildren drops the current phase child list after a failed batch.
func (h *Handler) clearChildren() {
	h.mu.Lock()
	h.task.PhaseChildIDs = nil
	h.mu.Unlock()
}

// finishLocked retires the workflow with a terminal status. Returned
// actions run outside the lock.
func (h *Handler) finishLocked(status models.TaskStatus, note string) []func() error {
	if h.finished {
		return nil
	}
	h.finished = true
	h.timerGen++
	h.stopTimer(&h.phaseTimer)
	h.stopTimer(&h.retryTimer)
	h.stopTimer(&h.totalTimer)

	task := h.task
	events := h.events
	return []func() error{func() error {
		if events != nil {
			ev := event.New(event.TaskFinished, task.ID)
			ev.Status = string(status)
			ev.Detail = note
			events.Publish(ev)
		}
		h.runtime.FinishTask(task.ID, status, note)
		return nil
	}}
}

// publishPhaseChangeLocked returns the action publishing a PhaseChanged
// event, or nothing when no bus is attached.
func (h *Handler) publishPhaseChangeLocked(next models.Phase) []func() error {
	if h.events == nil {
		return nil
	}
	events := h.events
	taskID := h.task.ID
	return []func() error{func() error {
		ev := event.New(event.PhaseChanged, taskID)
		ev.Phase = string(next)
		events.Publish(ev)
		return nil
	}}
}

// armPhaseTimerLocked schedules the per-phase timeout.
func (h *Handler) armPhaseTimerLocked() {
	h.stopTimer(&h.phaseTimer)
	if h.cfg.PhaseTimeout <= 0 {
		return
	}
	gen := h.timerGen
	h.phaseTimer = time.AfterFunc(h.cfg.PhaseTimeout, func() { h.onPhaseTimeout(gen) })
}

// onPhaseTimeout kills whatever the timed-out phase is running. A
// killed process exits non-zero and feeds the failure budget; killed
// children finish as cancelled and feed the child-completion check.
func (h *Handler) onPhaseTimeout(gen int) {
	h.mu.Lock()
	if h.finished || gen != h.timerGen {
		h.mu.Unlock()
		return
	}
	h.debugLog("task %s phase %s timed out", h.task.ID, h.task.Phase)
	childPhase := h.isChildPhaseLocked()
	children := append([]string(nil), h.task.PhaseChildIDs...)
	taskID := h.task.ID
	h.mu.Unlock()

	if childPhase {
		for _, id := range children {
			if info, ok := h.runtime.ChildInfo(id); ok && !info.Status.IsTerminal() {
				h.runtime.CancelTask(id)
			}
		}
		return
	}
	h.runtime.KillProcess(taskID)
}

// onRetryTimer restarts the current phase after a rate-limit backoff.
func (h *Handler) onRetryTimer(gen int) {
	h.mu.Lock()
	if h.finished || gen != h.timerGen {
		h.mu.Unlock()
		return
	}
	h.retryTimer = nil
	actions := h.startProcessPhaseLocked()
	h.mu.Unlock()

	h.runOrFail(actions)
}

// onTotalTimeout force-completes the workflow at the runtime cap.
func (h *Handler) onTotalTimeout(gen int) {
	h.mu.Lock()
	if h.finished || gen != h.timerGen {
		h.mu.Unlock()
		return
	}
	children := append([]string(nil), h.task.PhaseChildIDs...)
	actions := h.finishLocked(models.TaskStatusCompleted, "total runtime cap reached")
	taskID := h.task.ID
	h.mu.Unlock()

	h.runtime.KillProcess(taskID)
	for _, id := range children {
		if info, ok := h.runtime.ChildInfo(id); ok && !info.Status.IsTerminal() {
			h.runtime.CancelTask(id)
		}
	}
	h.runOrFail(actions)
}

func (h *Handler) overTotalCapLocked() bool {
	return h.cfg.TotalTimeout > 0 && time.Since(h.startedAt) > h.cfg.TotalTimeout
}

func (h *Handler) isChildPhaseLocked() bool {
	return h.task.Phase == models.PhaseTeamPlanning || h.task.Phase == models.PhaseExecution
}

// runtimeChildLocked queries the runtime for a child while holding the
// handler lock. Runtime implementations must not call back into the
// handler from ChildInfo.
func (h *Handler) runtimeChildLocked(id string) (ChildInfo, bool) {
	return h.runtime.ChildInfo(id)
}

func (h *Handler) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// run executes deferred actions, returning the first error.
func (h *Handler) run(actions []func() error) error {
	for _, fn := range actions {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// runOrFail executes deferred actions; an error fails the workflow.
func (h *Handler) runOrFail(actions []func() error) {
	if err := h.run(actions); err != nil {
		h.debugLog("task %s phase action failed: %v", h.task.ID, err)
		h.mu.Lock()
		failActions := h.finishLocked(models.TaskStatusFailed, err.Error())
		h.mu.Unlock()
		_ = h.run(failActions)
	}
}

// teamSpecs turns parsed team members into child specs.
func teamSpecs(team []TeamMember) []ChildSpec {
	specs := make([]ChildSpec, len(team))
	for i, m := range team {
		specs[i] = ChildSpec{
			Title:       m.Role,
			Role:        m.Role,
			Description: m.Description,
			rawDeps:     m.DependsOn,
		}
	}
	return specs
}

// stepSpecs turns parsed execution steps into child specs.
func stepSpecs(steps []Step) []ChildSpec {
	specs := make([]ChildSpec, len(steps))
	for i, s := range steps {
		specs[i] = ChildSpec{
			Title:       shortTitle(s.Description),
			Description: s.Description,
			rawDeps:     s.DependsOn,
		}
	}
	return specs
}

// shortTitle derives a display title from a step description.
func shortTitle(description string) string {
	const max = 60
	if len(description) <= max {
		return description
	}
	return description[:max] + "..."
}

func containsMarker(output string) bool {
	return strings.Contains(output, CompletionMarker)
}
