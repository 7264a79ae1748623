package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestGitErrorFormatting(t *testing.T) {
	err := NewGitError("failed to push", ErrBranchNotFound).
		WithRepository("github.com/acme/api").
		WithBranch("epic/auth").
		WithGitOutput("error: src refspec epic/auth does not match any\n")

	msg := err.Error()
	for _, want := range []string{"repo=github.com/acme/api", "branch=epic/auth", "failed to push", "src refspec"} {
		if !strings.Contains(msg, want) {
			t.Errorf("GitError message %q missing %q", msg, want)
		}
	}
	if !Is(err, ErrBranchNotFound) {
		t.Error("GitError should match its sentinel cause via errors.Is")
	}
}

func TestPhaseErrorIs(t *testing.T) {
	err := NewPhaseError("no architecture output", ErrHumanInterventionRequired).
		WithPhase("implementation").
		WithEpic("epic-2")

	if !Is(err, ErrHumanInterventionRequired) {
		t.Error("PhaseError should unwrap to ErrHumanInterventionRequired")
	}
	if !IsFatalPrecondition(err) {
		t.Error("missing-precondition phase errors must classify as fatal")
	}
	if !strings.Contains(err.Error(), "epic=epic-2") {
		t.Errorf("PhaseError message missing epic context: %s", err)
	}
}

func TestAgentErrorTransience(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
	}{
		{429, true},
		{529, true},
		{503, true},
		{400, false},
		{401, false},
		{500, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.code), func(t *testing.T) {
			err := NewAgentError("invoke failed", nil).WithStatusCode(tt.code)
			if got := IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient(status=%d) = %v, want %v", tt.code, got, tt.transient)
			}
		})
	}
}

func TestAgentErrorWrappedTransience(t *testing.T) {
	inner := NewAgentError("rate limited", nil).WithStatusCode(429)
	wrapped := fmt.Errorf("story story-1 attempt 2: %w", inner)

	if !IsTransient(wrapped) {
		t.Error("transience must survive fmt.Errorf wrapping")
	}
}

func TestRuleViolation(t *testing.T) {
	v := NewRuleViolation("one-developer-one-story", "developer dev-3 assigned to stories s1 and s2")
	wrapped := fmt.Errorf("implementation rejected: %w", v)

	if !IsRetryableViolation(wrapped) {
		t.Error("wrapped rule violation should classify as retryable")
	}
	if got := ViolationFeedback(wrapped); got != "developer dev-3 assigned to stories s1 and s2" {
		t.Errorf("ViolationFeedback = %q", got)
	}
	if IsRetryableViolation(ErrTimeout) {
		t.Error("plain timeout must not classify as a rule violation")
	}
}

func TestValidationErrorProblems(t *testing.T) {
	err := NewValidationError("task-9").
		AddProblem("story %s references missing epic %s", "s1", "e9").
		AddProblem("epic %s has no target repository", "e2")

	msg := err.Error()
	if !strings.Contains(msg, "missing epic e9") || !strings.Contains(msg, "no target repository") {
		t.Errorf("ValidationError should list all problems, got %q", msg)
	}
	if !Is(err, ErrInvalidInput) {
		t.Error("ValidationError should match ErrInvalidInput")
	}
}
