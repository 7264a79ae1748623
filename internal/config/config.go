// Package config loads and validates armada configuration from a YAML file
// and ARMADA_-prefixed environment variables via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete armada configuration.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Phase     PhaseConfig     `mapstructure:"phase"`
	Story     StoryConfig     `mapstructure:"story"`
	Run       RunConfig       `mapstructure:"run"`
	Git       GitConfig       `mapstructure:"git"`
	Branch    BranchConfig    `mapstructure:"branch"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// AgentConfig controls how external coding agents are invoked.
type AgentConfig struct {
	// Command is the agent binary (default: "claude").
	Command string `mapstructure:"command"`
	// Args are fixed arguments placed before the prompt.
	Args []string `mapstructure:"args"`
	// Timeout bounds a single agent invocation; zero means no limit
	// (default: 30m).
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig controls team batching and the circuit breaker.
type SchedulerConfig struct {
	// FailureThreshold is the cumulative failure rate (0..1] that trips the
	// circuit breaker once more than one unit has run (default: 0.5).
	FailureThreshold float64 `mapstructure:"failure_threshold"`
}

// PhaseConfig controls the phase execution framework.
type PhaseConfig struct {
	// MaxAttempts bounds the rule-violation retry loop per phase (default: 3).
	MaxAttempts int `mapstructure:"max_attempts"`
}

// StoryConfig controls the per-story pipeline.
type StoryConfig struct {
	// MaxRetries bounds transient-failure retries per story (default: 3).
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffBase is the initial exponential backoff delay (default: 2s).
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffMax caps the exponential backoff delay (default: 60s).
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

// RunConfig controls run-level behavior.
type RunConfig struct {
	// CancelPollInterval is how often the cooperative cancellation flag is
	// polled during phase execution (default: 5s).
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval"`
}

// GitConfig controls git command execution.
type GitConfig struct {
	// NetworkTimeout bounds fetch/push/clone/ls-remote operations (default: 120s).
	NetworkTimeout time.Duration `mapstructure:"network_timeout"`
	// BaseBranch is the integration branch epics are cut from (default: "main").
	BaseBranch string `mapstructure:"base_branch"`
}

// BranchConfig controls branch naming conventions.
type BranchConfig struct {
	// Prefix is the branch name prefix for generated branches (default: "armada").
	Prefix string `mapstructure:"prefix"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (default: INFO).
	Level string `mapstructure:"level"`
}

// PathsConfig controls where armada keeps its state.
type PathsConfig struct {
	// DataDir holds the event database, checkpoints, and logs
	// (default: ~/.armada).
	DataDir string `mapstructure:"data_dir"`
	// WorkspaceRoot holds the isolated repository clones for teams and
	// stories (default: {data_dir}/workspaces).
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

// SetDefaults registers default values with viper. Call before reading the
// config file so defaults apply even when no file exists.
func SetDefaults() {
	viper.SetDefault("scheduler.failure_threshold", 0.5)
	viper.SetDefault("phase.max_attempts", 3)
	viper.SetDefault("story.max_retries", 3)
	viper.SetDefault("story.backoff_base", "2s")
	viper.SetDefault("story.backoff_max", "60s")
	viper.SetDefault("run.cancel_poll_interval", "5s")
	viper.SetDefault("git.network_timeout", "120s")
	viper.SetDefault("git.base_branch", "main")
	viper.SetDefault("branch.prefix", "armada")
	viper.SetDefault("agent.command", "claude")
	viper.SetDefault("agent.args", []string{"--print", "--output-format", "json"})
	viper.SetDefault("agent.timeout", "30m")
	viper.SetDefault("logging.level", "INFO")
	viper.SetDefault("paths.data_dir", defaultDataDir())
	viper.SetDefault("paths.workspace_root", "")
}

// Load unmarshals the current viper state into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Paths.WorkspaceRoot == "" {
		cfg.Paths.WorkspaceRoot = filepath.Join(cfg.Paths.DataDir, "workspaces")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that would misbehave at
// runtime. Invalid tunables fail loudly here instead of deep inside a run.
func (c *Config) Validate() error {
	if c.Scheduler.FailureThreshold <= 0 || c.Scheduler.FailureThreshold > 1 {
		return fmt.Errorf("scheduler.failure_threshold must be in (0, 1], got %v", c.Scheduler.FailureThreshold)
	}
	if c.Phase.MaxAttempts < 1 {
		return fmt.Errorf("phase.max_attempts must be at least 1, got %d", c.Phase.MaxAttempts)
	}
	if c.Story.MaxRetries < 0 {
		return fmt.Errorf("story.max_retries must not be negative, got %d", c.Story.MaxRetries)
	}
	if c.Story.BackoffBase <= 0 {
		return fmt.Errorf("story.backoff_base must be positive, got %v", c.Story.BackoffBase)
	}
	if c.Story.BackoffMax < c.Story.BackoffBase {
		return fmt.Errorf("story.backoff_max (%v) must not be below story.backoff_base (%v)",
			c.Story.BackoffMax, c.Story.BackoffBase)
	}
	if c.Run.CancelPollInterval <= 0 {
		return fmt.Errorf("run.cancel_poll_interval must be positive, got %v", c.Run.CancelPollInterval)
	}
	if c.Git.NetworkTimeout <= 0 {
		return fmt.Errorf("git.network_timeout must be positive, got %v", c.Git.NetworkTimeout)
	}
	if c.Git.BaseBranch == "" {
		return fmt.Errorf("git.base_branch must not be empty")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	if c.Agent.Timeout < 0 {
		return fmt.Errorf("agent.timeout must not be negative, got %v", c.Agent.Timeout)
	}
	return nil
}

// defaultDataDir returns ~/.armada, falling back to a relative directory
// when the home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".armada"
	}
	return filepath.Join(home, ".armada")
}
