// Package verify runs the automatic verification pass a completed task
// must survive before it is marked done: the project's build and test
// commands, auto-detected from its layout.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/taskherd/taskherd/internal/exec"
	"github.com/taskherd/taskherd/pkg/models"
)

// Checker runs build and test commands against a project.
type Checker struct {
	runner   exec.CommandRunner
	workDir  string
	buildCmd []string
	testCmd  []string
	timeout  time.Duration
}

// New creates a Checker with explicit build and test commands. Either
// command may be empty to skip that stage.
func New(runner exec.CommandRunner, workDir string, buildCmd, testCmd []string, timeout time.Duration) *Checker {
	return &Checker{
		runner:   runner,
		workDir:  workDir,
		buildCmd: buildCmd,
		testCmd:  testCmd,
		timeout:  timeout,
	}
}

// NewAuto creates a Checker whose commands are detected from the
// project layout. Unknown layouts get a no-op checker.
func NewAuto(runner exec.CommandRunner, workDir string, timeout time.Duration) *Checker {
	var buildCmd, testCmd []string
	switch detectProject(runner, workDir) {
	case "go":
		buildCmd = []string{"go", "build", "./..."}
		testCmd = []string{"go", "test", "./..."}
	case "node":
		buildCmd = []string{"npm", "run", "build", "--if-present"}
		testCmd = []string{"npm", "test"}
	case "rust":
		buildCmd = []string{"cargo", "build"}
		testCmd = []string{"cargo", "test"}
	case "python":
		testCmd = []string{"pytest"}
	}
	return New(runner, workDir, buildCmd, testCmd, timeout)
}

// Check runs the build then the tests. The first failing stage fails
// the task with the command's trailing output attached.
func (c *Checker) Check(ctx context.Context, task *models.Task, changedFiles []string) error {
	if len(changedFiles) == 0 {
		return nil
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.runStage(ctx, "build", c.buildCmd); err != nil {
		return err
	}
	return c.runStage(ctx, "test", c.testCmd)
}

func (c *Checker) runStage(ctx context.Context, stage string, cmd []string) error {
	if len(cmd) == 0 {
		return nil
	}
	out, err := c.runner.Run(ctx, c.workDir, cmd[0], cmd[1:]...)
	if err != nil {
		return fmt.Errorf("%s failed: %w\n%s", stage, err, tail(string(out), 2048))
	}
	return nil
}

// detectProject identifies the project toolchain from marker files.
func detectProject(runner exec.CommandRunner, workDir string) string {
	markers := []struct {
		file string
		kind string
	}{
		{"go.mod", "go"},
		{"package.json", "node"},
		{"Cargo.toml", "rust"},
		{"pyproject.toml", "python"},
		{"setup.py", "python"},
	}
	for _, m := range markers {
		if runner.Exists(workDir, m.file) {
			return m.kind
		}
	}
	return ""
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
