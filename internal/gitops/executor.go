// Package gitops wraps the git CLI for the delivery pipeline: branch
// management, commits, pushes with retry, no-fast-forward merges with
// conflict detection, and clone-based story workspaces.
//
// All operations go through the CommandExecutor interface so tests can
// script git behavior without a real repository. Network operations
// (fetch, push, clone, ls-remote) honor a configurable timeout via
// context deadlines.
package gitops

import (
	"context"
	"os/exec"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output. The
	// command is killed when ctx is done.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
