// Package exec abstracts external command execution so that git and
// agent process plumbing can be mocked in tests.
package exec

import (
	"bytes"
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
)

// CommandRunner runs external commands. Implementations must pass args
// as an argv vector, never through a shell, so task-supplied strings
// cannot be interpreted as shell syntax.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error)

	// RunSplit executes a command and returns stdout and stderr
	// separately. Callers that parse command output should use this so
	// diagnostics on stderr cannot corrupt the parse.
	RunSplit(ctx context.Context, workDir string, name string, args ...string) (stdout, stderr []byte, err error)

	// Exists reports whether a file or directory exists at path,
	// resolved against workDir when path is relative.
	Exists(workDir string, path string) bool
}

// Runner implements CommandRunner using os/exec.
type Runner struct{}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *Runner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	return cmd.CombinedOutput()
}

// RunSplit executes a command with stdout and stderr captured separately.
func (r *Runner) RunSplit(ctx context.Context, workDir string, name string, args ...string) ([]byte, []byte, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Exists reports whether path exists, resolved against workDir when relative.
func (r *Runner) Exists(workDir string, path string) bool {
	if !filepath.IsAbs(path) && workDir != "" {
		path = filepath.Join(workDir, path)
	}
	_, err := os.Stat(path)
	return err == nil
}

var _ CommandRunner = (*Runner)(nil)
