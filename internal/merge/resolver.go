package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devwspito/armada/internal/agent"
	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/gitops"
	"github.com/devwspito/armada/internal/logging"
)

// Tier identifies which resolution tier settled the conflict.
type Tier string

const (
	TierMechanical Tier = "mechanical"
	TierAssisted   Tier = "assisted"
	TierEscalated  Tier = "escalated"
)

// Resolution reports how an in-progress merge was settled.
type Resolution struct {
	Tier Tier

	// MechanicallyResolved lists files settled by the union merge.
	MechanicallyResolved []string

	// AgentResolved lists files settled by the external agent.
	AgentResolved []string

	// CostUSD is the agent cost, zero for purely mechanical resolutions.
	CostUSD float64
}

// Resolver settles merge conflicts left in progress by gitops.Client.Merge.
type Resolver struct {
	Git     *gitops.Client
	Invoker agent.Invoker
	Logger  *logging.Logger

	// TaskID labels agent invocations for accounting.
	TaskID string
}

// Resolve works through the tiers on the in-progress merge at path.
//
// Tier 1 union-merges each conflicted file and stages the ones that come
// out marker-free. Tier 2 hands the remaining files to the agent, then
// re-scans: an agent claiming success while markers remain is a failure.
// Tier 3 aborts the merge so the epic branch is left clean; the story
// branch is untouched and the returned error wraps
// errors.ErrMergeConflict for the caller to mark the story conflicted.
func (r *Resolver) Resolve(ctx context.Context, path, storyBranch, message string) (*Resolution, error) {
	logger := r.logger().With("repository", path, "branch", storyBranch)

	files, err := r.Git.ConflictedFiles(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.NewGitError("no conflicted files in merge", errors.ErrInvalidInput).
			WithRepository(path)
	}

	resolution := &Resolution{Tier: TierMechanical}
	var remaining []string
	for _, file := range files {
		resolved, err := r.unionMergeFile(ctx, path, file)
		if err != nil {
			return nil, err
		}
		if resolved {
			resolution.MechanicallyResolved = append(resolution.MechanicallyResolved, file)
		} else {
			remaining = append(remaining, file)
		}
	}

	if len(remaining) > 0 {
		logger.Info("union merge left conflicts, invoking agent", "files", strings.Join(remaining, ","))
		cost, err := r.assistedResolve(ctx, path, storyBranch, remaining)
		resolution.CostUSD = cost
		if err != nil {
			return r.escalate(ctx, path, storyBranch, resolution, err)
		}
		for _, file := range remaining {
			if err := r.Git.StageFile(ctx, path, file); err != nil {
				return r.escalate(ctx, path, storyBranch, resolution, err)
			}
		}
		resolution.Tier = TierAssisted
		resolution.AgentResolved = remaining
	}

	if err := r.Git.CommitMerge(ctx, path, message); err != nil {
		return r.escalate(ctx, path, storyBranch, resolution, err)
	}

	logger.Info("merge conflicts resolved",
		"tier", string(resolution.Tier),
		"mechanical", len(resolution.MechanicallyResolved),
		"assisted", len(resolution.AgentResolved))
	return resolution, nil
}

// unionMergeFile applies the union merge to one conflicted file and
// stages it when fully resolved.
func (r *Resolver) unionMergeFile(ctx context.Context, path, file string) (bool, error) {
	full := filepath.Join(path, file)
	content, err := os.ReadFile(full)
	if err != nil {
		return false, fmt.Errorf("failed to read conflicted file %s: %w", file, err)
	}

	merged, ok := UnionMerge(string(content))
	if !ok || HasConflictMarkers(merged) {
		return false, nil
	}

	if err := os.WriteFile(full, []byte(merged), 0o644); err != nil {
		return false, fmt.Errorf("failed to write resolved file %s: %w", file, err)
	}
	if err := r.Git.StageFile(ctx, path, file); err != nil {
		return false, err
	}
	return true, nil
}

// assistedResolve hands the conflicted files to the agent and verifies
// that every marker is gone afterwards.
func (r *Resolver) assistedResolve(ctx context.Context, path, storyBranch string, files []string) (float64, error) {
	if r.Invoker == nil {
		return 0, errors.NewAgentError("no agent available for conflict resolution", errors.ErrMergeConflict)
	}

	prompt, err := r.buildPrompt(path, storyBranch, files)
	if err != nil {
		return 0, err
	}

	resp, err := r.Invoker.Invoke(ctx, agent.Request{
		AgentType:     "merge-resolver",
		Prompt:        prompt,
		WorkspacePath: path,
		TaskID:        r.TaskID,
		DisplayName:   "conflict resolution: " + storyBranch,
	})
	if err != nil {
		return 0, err
	}

	// Trust the file system, not the agent's claim.
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(path, file))
		if err != nil {
			return resp.CostUSD, fmt.Errorf("failed to re-scan %s: %w", file, err)
		}
		if HasConflictMarkers(string(content)) {
			return resp.CostUSD, errors.NewGitError(
				"agent left conflict markers in "+file, errors.ErrMergeConflict).
				WithRepository(path).
				WithBranch(storyBranch)
		}
	}
	return resp.CostUSD, nil
}

func (r *Resolver) buildPrompt(path, storyBranch string, files []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve the merge conflicts from merging branch %s.\n", storyBranch)
	b.WriteString("Preserve the functionality of BOTH sides. Remove every conflict marker.\n")
	b.WriteString("Edit the files in place; do not commit.\n\n")
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(path, file))
		if err != nil {
			return "", fmt.Errorf("failed to read %s for prompt: %w", file, err)
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", file, string(content))
	}
	return b.String(), nil
}

// escalate aborts the merge, leaving the epic branch clean and the story
// branch preserved for manual resolution.
func (r *Resolver) escalate(ctx context.Context, path, storyBranch string, resolution *Resolution, cause error) (*Resolution, error) {
	r.logger().Warn("escalating merge conflict", "repository", path, "branch", storyBranch, "error", cause)
	if abortErr := r.Git.AbortMerge(ctx, path); abortErr != nil {
		r.logger().Error("failed to abort merge during escalation", "error", abortErr)
	}
	resolution.Tier = TierEscalated
	return resolution, errors.NewGitError("merge conflict requires manual resolution", errors.ErrMergeConflict).
		WithRepository(path).
		WithBranch(storyBranch).
		WithGitOutput(cause.Error())
}

func (r *Resolver) logger() *logging.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.NopLogger()
}
