// Package errors provides centralized error definitions and error handling
// utilities for the armada orchestrator. It defines domain-specific errors,
// semantic sentinels, error constructors with context wrapping, and
// classification helpers used by the retry and escalation machinery.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - PhaseError: errors raised while running a pipeline phase
//   - GitError: errors from git operations (branches, merges, pushes)
//   - AgentError: errors from external agent invocations
//   - ValidationError: invalid input or derived state
//
// # Classification
//
// The scheduler and story pipeline decide what to do with an error based on
// classification, not type switches:
//
//	if errors.IsTransient(err) { backoff and retry }
//	if errors.IsRetryableViolation(err) { re-run the phase with feedback }
//	if errors.Is(err, errors.ErrCircuitBreaker) { abort the run }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience so callers can import
// only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Run-level sentinel errors
var (
	// ErrRunCancelled indicates the run was cancelled cooperatively.
	// Distinct from business failures so callers can skip failure handling.
	ErrRunCancelled = New("run cancelled")
	// ErrCircuitBreaker indicates the cumulative failure rate tripped the breaker.
	ErrCircuitBreaker = New("circuit breaker tripped")
	// ErrHumanInterventionRequired indicates a missing precondition that must
	// never be silently defaulted (e.g. an epic with no target repository).
	ErrHumanInterventionRequired = New("human intervention required")
	// ErrRetriesExhausted indicates a bounded retry loop ran out of attempts.
	ErrRetriesExhausted = New("retries exhausted")
)

// Planning sentinel errors
var (
	// ErrDependencyCycle indicates a circular dependency between epics or stories.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrEpicNotFound indicates that an epic could not be found.
	ErrEpicNotFound = New("epic not found")
	// ErrStoryNotFound indicates that a story could not be found.
	ErrStoryNotFound = New("story not found")
	// ErrMissingRepository indicates an epic or story with no target repository.
	ErrMissingRepository = New("missing target repository")
)

// Git sentinel errors
var (
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrBranchExists indicates that a branch already exists.
	ErrBranchExists = New("branch already exists")
	// ErrMergeConflict indicates that a merge conflict occurred.
	ErrMergeConflict = New("merge conflict")
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all domain error types.
type baseError struct {
	message   string
	cause     error
	transient bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// PhaseError represents a failure inside a pipeline phase.
//
// Example:
//
//	err := errors.NewPhaseError("architecture output missing", errors.ErrHumanInterventionRequired).
//		WithPhase("architecture").WithEpic("epic-1")
type PhaseError struct {
	baseError
	Phase string
	Epic  string
}

// NewPhaseError creates a new PhaseError.
func NewPhaseError(message string, cause error) *PhaseError {
	return &PhaseError{baseError: baseError{message: message, cause: cause}}
}

// WithPhase adds the phase name to the error context.
func (e *PhaseError) WithPhase(phase string) *PhaseError {
	e.Phase = phase
	return e
}

// WithEpic adds the epic ID to the error context.
func (e *PhaseError) WithEpic(epicID string) *PhaseError {
	e.Epic = epicID
	return e
}

// Error returns the formatted error message.
func (e *PhaseError) Error() string {
	var parts []string
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.Epic != "" {
		parts = append(parts, fmt.Sprintf("epic=%s", e.Epic))
	}

	prefix := "phase error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("phase error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *PhaseError) Is(target error) bool {
	if _, ok := target.(*PhaseError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors from git operations. It carries the repository,
// branch, and raw git output so failures can be diagnosed from logs alone.
//
// Example:
//
//	err := errors.NewGitError("failed to push", cause).
//		WithRepository("github.com/acme/api").
//		WithBranch("epic/auth").
//		WithGitOutput(string(out))
type GitError struct {
	baseError
	Repository string
	Branch     string
	GitOutput  string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{baseError: baseError{message: message, cause: cause}}
}

// WithRepository adds the repository to the error context.
func (e *GitError) WithRepository(repo string) *GitError {
	e.Repository = repo
	return e
}

// WithBranch adds the branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithGitOutput attaches the raw combined output of the git command.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := prefix + ": " + e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AgentError represents a failure of an external agent invocation.
// Transient agent failures (rate limits, timeouts, overloaded backends)
// are retried with backoff by the story pipeline.
type AgentError struct {
	baseError
	AgentType  string
	StatusCode int
}

// NewAgentError creates a new AgentError.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{baseError: baseError{message: message, cause: cause}}
}

// WithAgentType adds the agent type to the error context.
func (e *AgentError) WithAgentType(agentType string) *AgentError {
	e.AgentType = agentType
	return e
}

// WithStatusCode records an HTTP-style status code reported by the agent
// backend. Codes 408, 429, 502, 503, 504 and 529 mark the error transient.
func (e *AgentError) WithStatusCode(code int) *AgentError {
	e.StatusCode = code
	switch code {
	case 408, 429, 502, 503, 504, 529:
		e.transient = true
	}
	return e
}

// WithTransient marks the error as transient regardless of status code.
func (e *AgentError) WithTransient() *AgentError {
	e.transient = true
	return e
}

// Transient reports whether the invocation may succeed on retry.
func (e *AgentError) Transient() bool {
	return e.transient
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.AgentType != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.AgentType))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}

	prefix := "agent error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("agent error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *AgentError) Is(target error) bool {
	if _, ok := target.(*AgentError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents an input or derived-state validation failure.
// Problems holds every individual violation so callers can report them all
// instead of fixing one at a time.
type ValidationError struct {
	baseError
	Subject  string
	Problems []string
}

// NewValidationError creates a new ValidationError for the named subject.
func NewValidationError(subject string, problems ...string) *ValidationError {
	return &ValidationError{
		baseError: baseError{message: "validation failed", cause: ErrInvalidInput},
		Subject:   subject,
		Problems:  problems,
	}
}

// AddProblem appends a violation to the error.
func (e *ValidationError) AddProblem(format string, args ...any) *ValidationError {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("validation error [%s]: %s", e.Subject, e.message)
	}
	return fmt.Sprintf("validation error [%s]: %s", e.Subject, strings.Join(e.Problems, "; "))
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Retryable Rule Violations
// -----------------------------------------------------------------------------

// RuleViolation is a retryable failure produced when a phase's own output is
// rejected by downstream validation (reviewer rejection, one-developer-one-story
// broken, file overlap between stories). The feedback is threaded into the next
// attempt's input so the unit of work can self-correct.
type RuleViolation struct {
	Rule     string
	Feedback string
}

// NewRuleViolation creates a RuleViolation for the named rule.
func NewRuleViolation(rule, feedback string) *RuleViolation {
	return &RuleViolation{Rule: rule, Feedback: feedback}
}

// Error returns the formatted violation message.
func (e *RuleViolation) Error() string {
	return fmt.Sprintf("rule violation [%s]: %s", e.Rule, e.Feedback)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsTransient returns true if the error is a transient infrastructure fault
// that may succeed after exponential backoff.
func IsTransient(err error) bool {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Transient()
	}
	return errors.Is(err, ErrTimeout)
}

// IsRetryableViolation returns true if the error is a rule violation that the
// phase framework should feed back into another attempt.
func IsRetryableViolation(err error) bool {
	var v *RuleViolation
	return errors.As(err, &v)
}

// ViolationFeedback extracts the feedback from a rule violation, or returns
// the plain error text when the error is not a violation.
func ViolationFeedback(err error) string {
	var v *RuleViolation
	if errors.As(err, &v) {
		return v.Feedback
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsFatalPrecondition returns true if the error requires human intervention
// and must never be retried or defaulted around.
func IsFatalPrecondition(err error) bool {
	return errors.Is(err, ErrHumanInterventionRequired) || errors.Is(err, ErrMissingRepository)
}
