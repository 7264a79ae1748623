package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() with defaults: %v", err)
	}
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := loadDefaults(t)

	if cfg.Scheduler.FailureThreshold != 0.5 {
		t.Errorf("failure threshold = %v, want 0.5", cfg.Scheduler.FailureThreshold)
	}
	if cfg.Phase.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Phase.MaxAttempts)
	}
	if cfg.Run.CancelPollInterval != 5*time.Second {
		t.Errorf("cancel poll interval = %v, want 5s", cfg.Run.CancelPollInterval)
	}
	if cfg.Paths.WorkspaceRoot == "" {
		t.Error("workspace root should default under the data dir")
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("agent command = %q, want claude", cfg.Agent.Command)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threshold", func(c *Config) { c.Scheduler.FailureThreshold = 0 }},
		{"threshold above one", func(c *Config) { c.Scheduler.FailureThreshold = 1.5 }},
		{"zero attempts", func(c *Config) { c.Phase.MaxAttempts = 0 }},
		{"negative retries", func(c *Config) { c.Story.MaxRetries = -1 }},
		{"backoff max below base", func(c *Config) { c.Story.BackoffMax = c.Story.BackoffBase / 2 }},
		{"zero poll interval", func(c *Config) { c.Run.CancelPollInterval = 0 }},
		{"zero git timeout", func(c *Config) { c.Git.NetworkTimeout = 0 }},
		{"empty base branch", func(c *Config) { c.Git.BaseBranch = "" }},
		{"empty agent command", func(c *Config) { c.Agent.Command = "" }},
		{"negative agent timeout", func(c *Config) { c.Agent.Timeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadDefaults(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestOverridesApply(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("scheduler.failure_threshold", 0.75)
	viper.Set("story.backoff_base", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Scheduler.FailureThreshold != 0.75 {
		t.Errorf("failure threshold = %v, want 0.75", cfg.Scheduler.FailureThreshold)
	}
	if cfg.Story.BackoffBase != 500*time.Millisecond {
		t.Errorf("backoff base = %v, want 500ms", cfg.Story.BackoffBase)
	}
}
