// Package config handles configuration loading for taskherd.
// It supports XDG config paths, project-level overrides, and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Phases    PhasesConfig    `mapstructure:"phases"`
	Git       GitConfig       `mapstructure:"git"`
	Output    OutputConfig    `mapstructure:"output"`
}

// AgentConfig holds the external agent CLI settings.
type AgentConfig struct {
	// Command is the agent CLI executable.
	Command string `mapstructure:"command"`
	// Args are passed before the prompt on every invocation.
	Args []string `mapstructure:"args"`
}

// LocksConfig holds file lock table limits.
type LocksConfig struct {
	MaxTotal   int `mapstructure:"max_total"`
	MaxPerTask int `mapstructure:"max_per_task"`
}

// ExecutionConfig holds task execution limits.
type ExecutionConfig struct {
	// MaxConcurrent is the maximum number of simultaneously running tasks.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// FailureBudget is the consecutive-failure count that fails a task.
	FailureBudget int `mapstructure:"failure_budget"`
	// RateLimitRetries caps retries after rate-limited exits.
	RateLimitRetries int `mapstructure:"rate_limit_retries"`
	// RateLimitBackoff is the initial backoff before a rate-limit retry.
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	// MaxIterations bounds a task's work iterations.
	MaxIterations int `mapstructure:"max_iterations"`
}

// PhasesConfig holds feature-mode timing limits.
type PhasesConfig struct {
	// PhaseTimeout is the per-phase process timeout.
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`
	// TotalTimeout caps a feature task's total runtime.
	TotalTimeout time.Duration `mapstructure:"total_timeout"`
}

// GitConfig holds repository integration toggles.
type GitConfig struct {
	// AutoCommit commits each task's changes when it completes.
	AutoCommit bool `mapstructure:"auto_commit"`
	// Verification runs a verification pass before completion.
	Verification bool `mapstructure:"verification"`
}

// OutputConfig holds output retention limits.
type OutputConfig struct {
	// TailBytes bounds the retained tail of each process's output.
	TailBytes int `mapstructure:"tail_bytes"`
	// ChildSummaryBytes caps one child summary in an aggregate.
	ChildSummaryBytes int `mapstructure:"child_summary_bytes"`
	// AggregateBytes caps a whole aggregated child report.
	AggregateBytes int `mapstructure:"aggregate_bytes"`
}

// Load loads configuration with the following precedence, highest first:
//  1. Environment variables (TASKHERD_ prefix)
//  2. Project config (.taskherd/config.yaml in the current directory or a parent)
//  3. User config (~/.config/taskherd/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("TASKHERD")
	v.AutomaticEnv()
	v.BindEnv("agent.command", "TASKHERD_AGENT_COMMAND")
	v.BindEnv("execution.max_concurrent", "TASKHERD_MAX_CONCURRENT")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the project config file path if one exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"--output-format", "stream-json", "--verbose", "-p"})

	v.SetDefault("locks.max_total", 256)
	v.SetDefault("locks.max_per_task", 32)

	v.SetDefault("execution.max_concurrent", 4)
	v.SetDefault("execution.failure_budget", 3)
	v.SetDefault("execution.rate_limit_retries", 5)
	v.SetDefault("execution.rate_limit_backoff", "30s")
	v.SetDefault("execution.max_iterations", 10)

	v.SetDefault("phases.phase_timeout", "30m")
	v.SetDefault("phases.total_timeout", "4h")

	v.SetDefault("git.auto_commit", true)
	v.SetDefault("git.verification", true)

	v.SetDefault("output.tail_bytes", 65536)
	v.SetDefault("output.child_summary_bytes", 4096)
	v.SetDefault("output.aggregate_bytes", 32768)
}

// getUserConfigDir returns the XDG config directory for taskherd.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskherd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskherd")
	}
	return filepath.Join(home, ".config", "taskherd")
}

// findProjectConfig searches for .taskherd/config.yaml from the current
// directory upward.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".taskherd", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"--output-format", "stream-json", "--verbose", "-p"},
		},
		Locks: LocksConfig{
			MaxTotal:   256,
			MaxPerTask: 32,
		},
		Execution: ExecutionConfig{
			MaxConcurrent:    4,
			FailureBudget:    3,
			RateLimitRetries: 5,
			RateLimitBackoff: 30 * time.Second,
			MaxIterations:    10,
		},
		Phases: PhasesConfig{
			PhaseTimeout: 30 * time.Minute,
			TotalTimeout: 4 * time.Hour,
		},
		Git: GitConfig{
			AutoCommit:   true,
			Verification: true,
		},
		Output: OutputConfig{
			TailBytes:         65536,
			ChildSummaryBytes: 4096,
			AggregateBytes:    32768,
		},
	}
}
