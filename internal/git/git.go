// Package git wraps the repository operations the engine performs on
// behalf of tasks: capturing baselines, summarizing changes, and
// committing task work.
package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskherd/taskherd/internal/exec"
)

// Collaborator performs git operations in a project checkout. All
// methods run git with an argv vector; task-supplied paths and messages
// never pass through a shell.
type Collaborator interface {
	// CaptureHead returns the current HEAD commit hash.
	CaptureHead(ctx context.Context) (string, error)

	// DiffSummary returns a name-status summary of changes between
	// fromHash and the working tree, including untracked files.
	DiffSummary(ctx context.Context, fromHash string) (string, error)

	// Add stages the given paths. An empty slice stages nothing and
	// returns nil.
	Add(ctx context.Context, paths []string) error

	// Commit stages paths (all changes when paths is empty) and creates
	// a commit, returning the new commit hash. Returns ErrNothingToCommit
	// when the staged set is empty.
	Commit(ctx context.Context, message string, paths []string) (string, error)

	// IsRepo reports whether the project directory is a git work tree.
	IsRepo(ctx context.Context) bool
}

// ErrNothingToCommit is returned by Commit when no staged changes exist.
var ErrNothingToCommit = fmt.Errorf("nothing to commit")

// Runner implements Collaborator over a CommandRunner.
type Runner struct {
	runner  exec.CommandRunner
	workDir string
}

// NewRunner creates a Collaborator operating in workDir.
func NewRunner(runner exec.CommandRunner, workDir string) *Runner {
	return &Runner{runner: runner, workDir: workDir}
}

// CaptureHead returns the current HEAD commit hash.
func (g *Runner) CaptureHead(ctx context.Context) (string, error) {
	stdout, stderr, err := g.runner.RunSplit(ctx, g.workDir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	return strings.TrimSpace(string(stdout)), nil
}

// DiffSummary returns a name-status summary against fromHash plus any
// untracked files, one path per line.
func (g *Runner) DiffSummary(ctx context.Context, fromHash string) (string, error) {
	stdout, stderr, err := g.runner.RunSplit(ctx, g.workDir, "git", "diff", "--name-status", fromHash)
	if err != nil {
		return "", fmt.Errorf("git diff --name-status %s: %w: %s", fromHash, err, strings.TrimSpace(string(stderr)))
	}
	summary := strings.TrimSpace(string(stdout))

	untracked, _, err := g.runner.RunSplit(ctx, g.workDir, "git", "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return summary, nil
	}
	for _, path := range strings.Split(strings.TrimSpace(string(untracked)), "\n") {
		if path == "" {
			continue
		}
		if summary != "" {
			summary += "\n"
		}
		summary += "A\t" + path
	}
	return summary, nil
}

// Add stages the given paths.
func (g *Runner) Add(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	if out, err := g.runner.Run(ctx, g.workDir, "git", args...); err != nil {
		return fmt.Errorf("git add: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Commit stages paths and commits them. When paths is empty all changes
// are staged with -A. Returns the resulting commit hash.
func (g *Runner) Commit(ctx context.Context, message string, paths []string) (string, error) {
	if len(paths) == 0 {
		if out, err := g.runner.Run(ctx, g.workDir, "git", "add", "-A"); err != nil {
			return "", fmt.Errorf("git add -A: %w: %s", err, strings.TrimSpace(string(out)))
		}
	} else if err := g.Add(ctx, paths); err != nil {
		return "", err
	}

	// --cached limits the check to the staged set.
	if _, _, err := g.runner.RunSplit(ctx, g.workDir, "git", "diff", "--cached", "--quiet"); err == nil {
		return "", ErrNothingToCommit
	}

	if out, err := g.runner.Run(ctx, g.workDir, "git", "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return g.CaptureHead(ctx)
}

// IsRepo reports whether workDir is inside a git work tree.
func (g *Runner) IsRepo(ctx context.Context) bool {
	stdout, _, err := g.runner.RunSplit(ctx, g.workDir, "git", "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(stdout)) == "true"
}

var _ Collaborator = (*Runner)(nil)
