package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/config"
	"github.com/taskherd/taskherd/internal/event"
	"github.com/taskherd/taskherd/internal/exec"
	"github.com/taskherd/taskherd/internal/git"
	"github.com/taskherd/taskherd/internal/orchestrator"
	"github.com/taskherd/taskherd/internal/state"
	"github.com/taskherd/taskherd/internal/verify"
	"github.com/taskherd/taskherd/pkg/models"
)

var (
	runFeature       bool
	runDecompose     bool
	runChain         bool
	runIgnoreLocks   bool
	runNoCommit      bool
	runMaxConcurrent int
	runPriority      string
)

var runCmd = &cobra.Command{
	Use:   "run <task> [task...]",
	Short: "Run one or more tasks with concurrent agents",
	Long: `Run tasks using concurrent coding agents against the current
repository.

Each argument is one task. Independent tasks run in parallel up to the
concurrency limit; --chain makes each task depend on the previous one.

Task kinds:
  (default)    A single agent works the task to completion
  --feature    Full multi-phase workflow: a planning agent proposes a
               team, the team plans in parallel, the plans consolidate
               into ordered steps, steps execute, and an evaluation
               pass decides whether to iterate
  --decompose  A planning agent splits the task into parallel subtasks

File edits are serialized through the lock table: an agent reaching for
a file another agent owns is suspended and resumed when the file frees
up. Every finished task commits exactly the files it locked.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTasks,
}

func init() {
	runCmd.Flags().BoolVar(&runFeature, "feature", false, "Run each task as a multi-phase feature workflow")
	runCmd.Flags().BoolVar(&runDecompose, "decompose", false, "Split each task into parallel subtasks first")
	runCmd.Flags().BoolVar(&runChain, "chain", false, "Make each task depend on the previous one")
	runCmd.Flags().BoolVar(&runIgnoreLocks, "ignore-locks", false, "Opt these tasks out of file lock enforcement")
	runCmd.Flags().BoolVar(&runNoCommit, "no-commit", false, "Skip the per-task scoped commit")
	runCmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "Override the concurrent task limit")
	runCmd.Flags().StringVar(&runPriority, "priority", "", "Priority level: low, normal, high, critical")
}

func runTasks(cmd *cobra.Command, args []string) error {
	if runFeature && runDecompose {
		return fmt.Errorf("--feature and --decompose are mutually exclusive")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runMaxConcurrent > 0 {
		cfg.Execution.MaxConcurrent = runMaxConcurrent
	}
	if runNoCommit {
		cfg.Git.AutoCommit = false
	}

	priority := models.PriorityNormal
	if runPriority != "" {
		priority = models.PriorityLevel(runPriority)
		if !priority.Valid() {
			return fmt.Errorf("unknown priority %q", runPriority)
		}
	}

	if err := CheckAgentCLI(cfg.Agent.Command); err != nil {
		return err
	}

	db, err := state.OpenProject(cwd)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	events := event.NewBus()
	done := make(chan string, len(args)*8)
	events.Subscribe(event.Wildcard, func(ev event.Event) {
		printEvent(ev)
		if ev.Type == event.TaskFinished && ev.Status != "" {
			done <- ev.TaskID
		}
	})

	msgBus := bus.New(filepath.Join(cwd, ".taskherd"))
	logger := orchestrator.NewDebugLoggerForProject(cwd)
	defer logger.Close()

	opts := []orchestrator.Option{
		orchestrator.WithEventBus(events),
		orchestrator.WithMessageBus(msgBus),
		orchestrator.WithArchive(db),
		orchestrator.WithLogger(logger),
	}
	if cfg.Git.Verification {
		checker := verify.NewAuto(exec.NewRunner(), cwd, cfg.Phases.PhaseTimeout)
		opts = append(opts, orchestrator.WithVerifier(checker.Check))
	}
	gitRunner := git.NewRunner(exec.NewRunner(), cwd)
	if gitRunner.IsRepo(cmd.Context()) {
		opts = append(opts, orchestrator.WithGit(gitRunner))
	} else if cfg.Git.AutoCommit {
		color.Yellow("Not a git repository; auto-commit disabled.")
		cfg.Git.AutoCommit = false
	}

	coord := orchestrator.New(cfg, cwd, opts...)
	defer coord.Shutdown()

	kind := models.KindPlain
	switch {
	case runFeature:
		kind = models.KindFeature
	case runDecompose:
		kind = models.KindDecompose
	}

	var prev *models.Task
	for _, desc := range args {
		req := orchestrator.TaskRequest{
			Description:     desc,
			Title:           desc,
			Kind:            kind,
			PriorityLevel:   priority,
			IgnoreFileLocks: runIgnoreLocks,
		}
		if runChain && prev != nil {
			req.DependsOn = []string{prev.ID}
			req.BlockerNumbers = []int{prev.DisplayNumber}
		}
		task, err := coord.SubmitTask(req)
		if err != nil {
			return fmt.Errorf("submit task: %w", err)
		}
		color.Cyan("#%d queued: %s", task.DisplayNumber, task.Title)
		prev = task
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return waitForTasks(ctx, coord, done)
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			color.Yellow("\nInterrupted; cancelling live tasks.")
			coord.Shutdown()
			return nil
		}
		return err
	}

	printSummary(coord)
	return nil
}

// waitForTasks blocks until every submitted task, and every child those
// tasks spawned, reaches a terminal status.
func waitForTasks(ctx context.Context, coord *orchestrator.Coordinator, done <-chan string) error {
	for {
		if allSettled(coord) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		case <-time.After(time.Second):
			// Safety net in case a finish event was dropped.
		}
	}
}

// allSettled reports whether every task has retired. Live tasks include
// children spawned mid-run by decomposition or feature phases.
func allSettled(coord *orchestrator.Coordinator) bool {
	return len(coord.Tasks()) == 0
}

// printEvent renders one coordinator event to the terminal.
func printEvent(ev event.Event) {
	switch ev.Type {
	case event.TaskQueued:
		color.Yellow("  task %s queued: %s", ev.TaskID, ev.Detail)
	case event.LockConflict:
		color.Yellow("  lock conflict on %s (held by %s)", ev.Path, ev.Owner)
	case event.LockResumed:
		color.Green("  task %s resumed", ev.TaskID)
	case event.PhaseChanged:
		color.Blue("  task %s entered phase %s", ev.TaskID, ev.Phase)
	case event.TaskFinished:
		switch models.TaskStatus(ev.Status) {
		case models.TaskStatusCompleted:
			color.Green("  task %s completed", ev.TaskID)
		case models.TaskStatusFailed:
			color.Red("  task %s failed: %s", ev.TaskID, ev.Detail)
		case models.TaskStatusCancelled:
			color.Yellow("  task %s cancelled", ev.TaskID)
		}
	}
}

// printSummary prints the final state of every task this run touched.
func printSummary(coord *orchestrator.Coordinator) {
	fmt.Println()
	for _, t := range coord.History() {
		line := fmt.Sprintf("#%d %s", t.DisplayNumber, t.Title)
		switch t.Status {
		case models.TaskStatusCompleted:
			if t.CommitHash != "" {
				color.Green("%s  done (%.8s)", line, t.CommitHash)
			} else {
				color.Green("%s  done", line)
			}
		case models.TaskStatusFailed:
			color.Red("%s  failed: %s", line, t.Error)
		case models.TaskStatusCancelled:
			color.Yellow("%s  cancelled", line)
		}
	}
}
