package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/logging"
)

// CLIInvoker spawns an external agent CLI process, passing the prompt as
// the final argument. Cost, usage and session accounting are read from a
// trailing JSON result object when the agent emits one; plain-text agents
// still work, they just report zero cost.
type CLIInvoker struct {
	// Command is the agent binary, e.g. "claude".
	Command string

	// Args are fixed arguments placed before the prompt.
	Args []string

	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration

	Logger *logging.Logger
}

// cliResult is the trailing JSON object structured agent CLIs emit.
type cliResult struct {
	Result    string  `json:"result"`
	CostUSD   float64 `json:"total_cost_usd"`
	SessionID string  `json:"session_id"`
	Usage     Usage   `json:"usage"`
}

// Invoke runs the agent process in the request's workspace.
func (c *CLIInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if c.Command == "" {
		return nil, errors.NewAgentError("no agent command configured", errors.ErrInvalidInput)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(c.Args)+3)
	args = append(args, c.Args...)
	if req.Resume != nil && req.Resume.SessionID != "" {
		args = append(args, "--resume", req.Resume.SessionID)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = req.WorkspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if c.Logger != nil {
		c.Logger.Debug("agent invocation finished",
			"agent_type", req.AgentType, "display_name", req.DisplayName,
			"duration", elapsed.String(), "error", err)
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewAgentError("agent invocation timed out", errors.ErrTimeout).
				WithAgentType(req.AgentType).
				WithTransient()
		}
		if ctx.Err() == context.Canceled {
			return nil, errors.ErrRunCancelled
		}
		agentErr := errors.NewAgentError(strings.TrimSpace(stderr.String()), err).
			WithAgentType(req.AgentType)
		if exitErr, ok := err.(*exec.ExitError); ok {
			agentErr = agentErr.WithStatusCode(exitErr.ExitCode())
		}
		return nil, agentErr
	}

	return parseResponse(stdout.String()), nil
}

// parseResponse extracts structured accounting from the output. Agents
// that emit a trailing JSON result object get cost/usage/session parsed
// out; everything else is returned verbatim.
func parseResponse(output string) *Response {
	resp := &Response{Output: output}

	trimmed := strings.TrimSpace(output)
	idx := strings.LastIndex(trimmed, "\n")
	lastLine := trimmed
	if idx >= 0 {
		lastLine = trimmed[idx+1:]
	}
	if !strings.HasPrefix(lastLine, "{") {
		return resp
	}

	var result cliResult
	if err := json.Unmarshal([]byte(lastLine), &result); err != nil {
		return resp
	}
	if result.Result != "" {
		resp.Output = result.Result
	}
	resp.CostUSD = result.CostUSD
	resp.SessionID = result.SessionID
	resp.Usage = result.Usage
	return resp
}
