// Package agent defines the boundary between the pipeline and external
// coding agents. The pipeline never inspects agent internals: it hands an
// opaque prompt across the Invoker interface and parses structured markers
// out of the returned output.
package agent

import (
	"context"
)

// ResumeOptions continues a previous agent session instead of starting
// fresh. Used when re-running a phase with feedback.
type ResumeOptions struct {
	SessionID string
}

// Request contains everything an agent invocation needs.
type Request struct {
	// AgentType selects the agent persona ("architect", "developer",
	// "reviewer", "merge-resolver").
	AgentType string

	// Prompt is the full prompt, already assembled by the caller.
	Prompt string

	// WorkspacePath is the directory the agent works in.
	WorkspacePath string

	// TaskID ties the invocation to a run for accounting.
	TaskID string

	// DisplayName labels the invocation in logs and notifications.
	DisplayName string

	// Resume, when set, continues an existing session.
	Resume *ResumeOptions

	// Attachments are extra file paths handed to the agent verbatim.
	Attachments []string
}

// Usage is the token accounting reported by the agent.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the result of one agent invocation.
type Response struct {
	// Output is the agent's raw text output, marker parsing included.
	Output string

	// CostUSD is the dollar cost the agent reported for this invocation.
	CostUSD float64

	// Usage holds reported token counts.
	Usage Usage

	// SessionID identifies the agent session for later resumption.
	SessionID string
}

// Invoker runs an external agent. Implementations must respect ctx
// cancellation; errors should be classified via errors.AgentError so the
// retry machinery can distinguish transient from terminal failures.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}
