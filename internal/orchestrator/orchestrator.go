package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskherd/taskherd/internal/agent"
	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/config"
	"github.com/taskherd/taskherd/internal/event"
	"github.com/taskherd/taskherd/internal/filelock"
	"github.com/taskherd/taskherd/internal/git"
	"github.com/taskherd/taskherd/internal/graph"
	"github.com/taskherd/taskherd/internal/phase"
	"github.com/taskherd/taskherd/internal/state"
	"github.com/taskherd/taskherd/pkg/models"
)

// ProcessFactory builds an agent process for a task. resumeSessionID is
// non-empty when relaunching a stored conversation.
type ProcessFactory func(task *models.Task, workDir, resumeSessionID string) agent.Process

// VerifyFunc runs an automatic verification pass over a task's changes.
// A non-nil error fails the task.
type VerifyFunc func(ctx context.Context, task *models.Task, changedFiles []string) error

// taskEntry is the coordinator's bookkeeping for one live task.
type taskEntry struct {
	task    *models.Task
	process agent.Process
	handler *phase.Handler

	// suspended marks a process tree stopped in place after a lock
	// conflict, awaiting resume.
	suspended bool
	// restartPlanOnly forces the next launch into read-only planning.
	// Set when a conflicting process could not be suspended and had no
	// stored plan yet.
	restartPlanOnly bool
	// planningBeforeQueue marks the current process as a plan-only run
	// whose exit must re-check locks before real execution.
	planningBeforeQueue bool
	// baseline is the git head captured before the task's first edit.
	baseline string
	// changed is the snapshot of locked paths taken at completion time,
	// before the locks are released.
	changed []string
	// cancelling stops the exit router from restarting a task whose kill
	// was ordered by CancelTask but has not finalized yet.
	cancelling bool
	// retry paces rate-limit relaunches.
	retry *backoff.ExponentialBackOff
}

// Coordinator owns the authoritative task lifecycle. It admits tasks
// through the dependency graph, routes their agent processes' file
// edits through the lock table, decides retry versus completion on
// every exit, and drives the git and summary collaborators. All status
// transitions happen inside the coordinator; callbacks from the lock
// table, graph, and phase handlers re-enter it through its public and
// runtime methods.
type Coordinator struct {
	mu  sync.RWMutex
	cfg *config.Config

	projectPath string
	locks       *filelock.Manager
	graph       *graph.Scheduler
	events      *event.Bus
	msgBus      *bus.Bus
	git         git.Collaborator
	archive     *state.DB
	logger      *DebugLogger
	newProcess  ProcessFactory
	verify      VerifyFunc

	// commitMu serializes git commits across all tasks so the index is
	// never raced. Owned by this coordinator, one per instance.
	commitMu sync.Mutex

	tasks       map[string]*taskEntry
	history     []*models.Task
	nextDisplay int
	running     int
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// timeNow is swappable for tests.
var timeNow = time.Now

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithProcessFactory overrides how agent processes are created.
func WithProcessFactory(f ProcessFactory) Option {
	return func(c *Coordinator) { c.newProcess = f }
}

// WithGit attaches the git collaborator used for baselines and commits.
func WithGit(g git.Collaborator) Option {
	return func(c *Coordinator) { c.git = g }
}

// WithMessageBus attaches the file-backed bus used to relay child
// results to parents.
func WithMessageBus(b *bus.Bus) Option {
	return func(c *Coordinator) { c.msgBus = b }
}

// WithEventBus attaches the in-process event bus.
func WithEventBus(b *event.Bus) Option {
	return func(c *Coordinator) { c.events = b }
}

// WithArchive attaches the sqlite archive finished tasks are written to.
func WithArchive(db *state.DB) Option {
	return func(c *Coordinator) { c.archive = db }
}

// WithLogger attaches the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithVerifier attaches the automatic verification pass.
func WithVerifier(v VerifyFunc) Option {
	return func(c *Coordinator) { c.verify = v }
}

// New creates a Coordinator for one project.
func New(cfg *config.Config, projectPath string, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:         cfg,
		projectPath: projectPath,
		graph:       graph.New(),
		tasks:       make(map[string]*taskEntry),
		logger:      NopLogger(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	setPackageLogger(c.logger)

	c.locks = filelock.NewManager(filelock.Limits{
		MaxTotalLocks:   cfg.Locks.MaxTotal,
		MaxLocksPerTask: cfg.Locks.MaxPerTask,
	})
	c.locks.SetOnResume(c.onLockResumed)
	c.locks.SetDebugLog(debugLog)
	c.graph.SetDebugLog(debugLog)
	c.graph.SetOnReady(c.onTasksReady)

	if c.newProcess == nil {
		c.newProcess = c.defaultProcessFactory
	}
	return c
}

// defaultProcessFactory launches the configured agent CLI.
func (c *Coordinator) defaultProcessFactory(task *models.Task, workDir, resumeSessionID string) agent.Process {
	args := append([]string{}, c.cfg.Agent.Args...)
	if resumeSessionID != "" {
		args = append([]string{"--resume", resumeSessionID}, args...)
	}
	return agent.NewCLIProcess(c.cfg.Agent.Command, args, workDir, c.cfg.Output.TailBytes)
}

// Shutdown cancels all live tasks and waits for their goroutines.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var live []string
	for id, entry := range c.tasks {
		if !entry.task.Status.IsTerminal() {
			live = append(live, id)
		}
	}
	c.mu.Unlock()

	for _, id := range live {
		c.CancelTask(id)
	}
	c.cancel()
	c.wg.Wait()
}

// Task returns a copy of a task by id, searching live and retired tasks.
func (c *Coordinator) Task(id string) (models.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.tasks[id]; ok {
		return *entry.task, true
	}
	for _, t := range c.history {
		if t.ID == id {
			return *t, true
		}
	}
	return models.Task{}, false
}

// Tasks returns copies of all live tasks.
func (c *Coordinator) Tasks() []models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Task, 0, len(c.tasks))
	for _, entry := range c.tasks {
		out = append(out, *entry.task)
	}
	return out
}

// History returns copies of retired tasks in retirement order.
func (c *Coordinator) History() []models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Task, 0, len(c.history))
	for _, t := range c.history {
		out = append(out, *t)
	}
	return out
}

// Locks exposes the lock table for inspection.
func (c *Coordinator) Locks() []filelock.Lock {
	return c.locks.Locks()
}

// statusOf reports a task's current status for the lock table's queue
// re-check.
func (c *Coordinator) statusOf(id string) models.TaskStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.tasks[id]; ok {
		return entry.task.Status
	}
	for _, t := range c.history {
		if t.ID == id {
			return t.Status
		}
	}
	return ""
}

// publish emits an event when a bus is attached. Never called while
// holding c.mu.
func (c *Coordinator) publish(ev event.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}
