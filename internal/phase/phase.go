// Package phase provides the lifecycle wrapper around each pipeline stage:
// skip/recovery detection, a bounded retry-with-feedback loop, cooperative
// cancellation polling, and result recording. Phases implement the Phase
// interface; the Runner drives them.
package phase

import (
	"context"

	"github.com/devwspito/armada/internal/orchestration"
)

// Status is the lifecycle state of one phase invocation.
type Status string

// Phase statuses. A phase moves PENDING -> (SKIPPED) -> RUNNING ->
// SUCCEEDED | FAILED | CANCELLED.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Tokens is the token usage of one phase.
type Tokens struct {
	Input  int64
	Output int64
}

// Result is the outcome of one phase invocation. It is created once per
// invocation and immutable after the runner records it.
type Result struct {
	Phase    string
	Status   Status
	Err      error
	Warnings []string
	// Data holds the phase's typed output (each phase documents its own
	// concrete type), available to later phases via the run context.
	Data any
	// Output is the phase's durable text output. It lands in the
	// persisted phase record and the completion event, so a resumed run
	// can recover it by event replay alone.
	Output  string
	CostUSD float64
	Tokens  Tokens
}

// Succeeded reports whether the phase completed successfully (skips count
// as success: the work was already done).
func (r *Result) Succeeded() bool {
	return r.Status == StatusSucceeded || r.Status == StatusSkipped
}

// Outcome converts the result into the run context's persisted form.
func (r *Result) Outcome() orchestration.PhaseOutcome {
	outcome := orchestration.PhaseOutcome{
		Phase:        r.Phase,
		Success:      r.Succeeded(),
		Skipped:      r.Status == StatusSkipped,
		Warnings:     r.Warnings,
		Output:       r.Output,
		CostUSD:      r.CostUSD,
		InputTokens:  r.Tokens.Input,
		OutputTokens: r.Tokens.Output,
	}
	if r.Err != nil {
		outcome.Error = r.Err.Error()
	}
	return outcome
}

// Phase is one stage of the delivery pipeline.
//
// Execute should respect ctx cancellation and return promptly when
// ctx.Done() is signalled. A Phase reporting a retryable rule violation
// (errors.RuleViolation) is re-executed by the runner with the violation's
// feedback available via FeedbackFrom(ctx).
type Phase interface {
	// Name identifies the phase. For multi-team runs the name must be
	// scoped to the unit of work (e.g. "implementation:epic-2"), because a
	// globally-named phase would falsely skip sibling epics on recovery.
	Name() string

	// ShouldSkip returns true if recovery evidence shows this exact phase
	// already completed for this unit of work.
	ShouldSkip(ctx context.Context, run *orchestration.Context) (bool, error)

	// Execute runs the phase's substantive logic.
	Execute(ctx context.Context, run *orchestration.Context) (*Result, error)
}

// feedbackKey carries retry feedback through a context.Context.
type feedbackKey struct{}

// attemptKey carries the current attempt number through a context.Context.
type attemptKey struct{}

// WithFeedback returns a context carrying rejection feedback for the next
// attempt of a retried phase.
func WithFeedback(ctx context.Context, feedback string) context.Context {
	return context.WithValue(ctx, feedbackKey{}, feedback)
}

// FeedbackFrom returns the rejection feedback from a prior failed attempt,
// or "" on the first attempt. Phases inject this into their agent prompt so
// the unit of work can self-correct.
func FeedbackFrom(ctx context.Context) string {
	if v, ok := ctx.Value(feedbackKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAttempt returns a context carrying the 1-based attempt number.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFrom returns the 1-based attempt number, defaulting to 1.
func AttemptFrom(ctx context.Context) int {
	if v, ok := ctx.Value(attemptKey{}).(int); ok {
		return v
	}
	return 1
}
