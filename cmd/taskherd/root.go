package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// CheckAgentCLI verifies that the configured agent CLI is available in
// PATH. Returns an error with installation guidance if not found.
func CheckAgentCLI(command string) error {
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("agent CLI %q not found in PATH\n\n"+
			"Taskherd drives an external coding agent CLI and cannot run without one.\n"+
			"Set the executable via the agent.command config key or the\n"+
			"TASKHERD_AGENT_COMMAND environment variable.", command)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "taskherd",
	Short: "Concurrent coding-agent task orchestration",
	Long: `Taskherd runs many autonomous coding-agent processes against one
shared repository without them trampling each other.

Tasks are scheduled through a dependency graph and every file edit an
agent makes passes through a file-level lock table. When two agents
reach for the same file, the loser is suspended in place and resumes
the moment the winner finishes. Each task's changes are committed in
an isolated, file-scoped commit.

Core capabilities:
- Dependency-ordered parallel task execution
- File-level locking with suspend-and-resume conflict handling
- Multi-phase feature workflows (plan, consolidate, execute, evaluate)
- Per-task scoped git commits
- Task decomposition into parallel subtasks`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
