package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskherd/taskherd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `Display the effective configuration.

Without arguments, displays all values. With a key argument, displays
that value only.

Configuration is read from ~/.config/taskherd/config.yaml, overridden
by .taskherd/config.yaml in the project (searched upward from the
current directory), overridden by TASKHERD_* environment variables.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		entries := configEntries(cfg)
		if len(args) == 0 {
			for _, e := range entries {
				fmt.Printf("%s = %s\n", e.key, e.value)
			}
			return
		}
		for _, e := range entries {
			if e.key == args[0] {
				fmt.Println(e.value)
				return
			}
		}
		fmt.Fprintf(os.Stderr, "Unknown config key: %s\n", args[0])
		os.Exit(1)
	},
}

type configEntry struct {
	key   string
	value string
}

func configEntries(cfg *config.Config) []configEntry {
	return []configEntry{
		{"agent.command", cfg.Agent.Command},
		{"agent.args", fmt.Sprintf("%v", cfg.Agent.Args)},
		{"locks.max_total", fmt.Sprintf("%d", cfg.Locks.MaxTotal)},
		{"locks.max_per_task", fmt.Sprintf("%d", cfg.Locks.MaxPerTask)},
		{"execution.max_concurrent", fmt.Sprintf("%d", cfg.Execution.MaxConcurrent)},
		{"execution.failure_budget", fmt.Sprintf("%d", cfg.Execution.FailureBudget)},
		{"execution.rate_limit_retries", fmt.Sprintf("%d", cfg.Execution.RateLimitRetries)},
		{"execution.rate_limit_backoff", cfg.Execution.RateLimitBackoff.String()},
		{"execution.max_iterations", fmt.Sprintf("%d", cfg.Execution.MaxIterations)},
		{"phases.phase_timeout", cfg.Phases.PhaseTimeout.String()},
		{"phases.total_timeout", cfg.Phases.TotalTimeout.String()},
		{"git.auto_commit", fmt.Sprintf("%t", cfg.Git.AutoCommit)},
		{"git.verification", fmt.Sprintf("%t", cfg.Git.Verification)},
		{"output.tail_bytes", fmt.Sprintf("%d", cfg.Output.TailBytes)},
		{"output.child_summary_bytes", fmt.Sprintf("%d", cfg.Output.ChildSummaryBytes)},
		{"output.aggregate_bytes", fmt.Sprintf("%d", cfg.Output.AggregateBytes)},
	}
}
