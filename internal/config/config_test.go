package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Execution.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Execution.MaxConcurrent)
	}
	if cfg.Execution.FailureBudget != 3 {
		t.Errorf("FailureBudget = %d, want 3", cfg.Execution.FailureBudget)
	}
	if cfg.Execution.RateLimitRetries != 5 {
		t.Errorf("RateLimitRetries = %d, want 5", cfg.Execution.RateLimitRetries)
	}
	if cfg.Phases.TotalTimeout != 4*time.Hour {
		t.Errorf("TotalTimeout = %v, want 4h", cfg.Phases.TotalTimeout)
	}
	if !cfg.Git.AutoCommit {
		t.Error("AutoCommit should default to true")
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
agent:
  command: my-agent
execution:
  max_concurrent: 8
  failure_budget: 5
phases:
  phase_timeout: 10m
git:
  auto_commit: false
locks:
  max_per_task: 7
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Agent.Command != "my-agent" {
		t.Errorf("Command = %q", cfg.Agent.Command)
	}
	if cfg.Execution.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.Execution.MaxConcurrent)
	}
	if cfg.Execution.FailureBudget != 5 {
		t.Errorf("FailureBudget = %d, want 5", cfg.Execution.FailureBudget)
	}
	if cfg.Phases.PhaseTimeout != 10*time.Minute {
		t.Errorf("PhaseTimeout = %v", cfg.Phases.PhaseTimeout)
	}
	if cfg.Git.AutoCommit {
		t.Error("AutoCommit should be false")
	}
	if cfg.Locks.MaxPerTask != 7 {
		t.Errorf("MaxPerTask = %d", cfg.Locks.MaxPerTask)
	}

	// Unset keys keep their defaults.
	if cfg.Execution.RateLimitRetries != 5 {
		t.Errorf("RateLimitRetries = %d, want default 5", cfg.Execution.RateLimitRetries)
	}
	if cfg.Phases.TotalTimeout != 4*time.Hour {
		t.Errorf("TotalTimeout = %v, want default 4h", cfg.Phases.TotalTimeout)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TASKHERD_AGENT_COMMAND", "env-agent")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Command != "env-agent" {
		t.Errorf("Command = %q, want env-agent", cfg.Agent.Command)
	}
}

func TestUserConfigPathRespectsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	want := filepath.Join(dir, "taskherd", "config.yaml")
	if got := GetUserConfigPath(); got != want {
		t.Errorf("GetUserConfigPath = %q, want %q", got, want)
	}
}
