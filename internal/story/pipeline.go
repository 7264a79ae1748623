// Package story drives a single story from workspace provisioning through
// agent invocation, completion validation, and the merge back into its
// epic branch.
//
// Completion is decided git-truth-first: new commits on the story branch
// are ground truth, textual completion markers are only a fallback for
// when no commits are found, and an explicit failure marker always wins.
package story

import (
	"context"
	"fmt"
	"time"

	"github.com/devwspito/armada/internal/agent"
	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/event"
	"github.com/devwspito/armada/internal/gitops"
	"github.com/devwspito/armada/internal/logging"
	"github.com/devwspito/armada/internal/merge"
	"github.com/devwspito/armada/internal/orchestration"
	"github.com/devwspito/armada/internal/watch"
)

// Recorder is the slice of the event store the pipeline appends to.
type Recorder interface {
	Append(ctx context.Context, ev event.Event) (event.Event, error)
}

// Outcome is the result of developing or merging one story.
type Outcome struct {
	StoryID  string
	Status   event.StoryStatus
	Branch   string
	CostUSD  float64
	Usage    agent.Usage
	Attempts int

	// FailureReason is set for failed and conflicted outcomes.
	FailureReason string
}

// Pipeline executes stories inside a team's workspace. One Pipeline is
// created per team; stories may run through it concurrently because every
// story gets its own cloned workspace.
type Pipeline struct {
	Git        *gitops.Client
	Workspaces *gitops.WorkspaceManager
	Invoker    agent.Invoker
	Recorder   Recorder
	Logger     *logging.Logger

	// MaxRetries bounds transient-failure retries of the agent invocation.
	MaxRetries int

	// BackoffBase and BackoffMax shape the exponential backoff between
	// transient retries.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Watch, when set, observes each story workspace for the duration of
	// the agent invocation so concurrent stories writing the same file
	// are caught while both are still running.
	Watch *watch.Watcher

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Develop provisions the story's workspace, invokes the developer agent,
// validates completion, and pushes the story branch. The workspace is
// removed only on success; failed stories keep theirs for investigation.
func (p *Pipeline) Develop(ctx context.Context, run *orchestration.Context, story *event.Story, epic *event.Epic, teamWorkspace, prompt string) (*Outcome, error) {
	if story.BranchName == "" {
		return nil, errors.NewValidationError("story "+story.ID, "branch name is required")
	}
	logger := p.logger().WithTask(run.TaskID).WithEpic(epic.ID).WithStory(story.ID)
	outcome := &Outcome{StoryID: story.ID, Branch: story.BranchName}

	p.record(ctx, run.TaskID, event.StoryStarted, map[string]any{
		"story_id": story.ID, "branch_name": story.BranchName,
	})

	ws, err := p.Workspaces.Provision(ctx, teamWorkspace, story.ID, story.BranchName, epic.BranchName)
	if err != nil {
		return p.fail(ctx, run, outcome, "failed to provision workspace: "+err.Error()), err
	}

	if p.Watch != nil {
		if err := p.Watch.AddWorkspace(story.ID, ws.Path); err != nil {
			logger.Warn("failed to watch story workspace", "error", err)
		} else {
			defer p.Watch.RemoveWorkspace(story.ID)
		}
	}

	resp, attempts, err := p.invokeWithBackoff(ctx, agent.Request{
		AgentType:     "developer",
		Prompt:        prompt,
		WorkspacePath: ws.Path,
		TaskID:        run.TaskID,
		DisplayName:   story.Title,
	})
	outcome.Attempts = attempts
	if err != nil {
		return p.fail(ctx, run, outcome, "agent invocation failed: "+err.Error()), err
	}
	outcome.CostUSD = resp.CostUSD
	outcome.Usage = resp.Usage

	complete, reason, err := p.validateCompletion(ctx, ws.Path, epic.BranchName, resp.Output, story)
	if err != nil {
		return p.fail(ctx, run, outcome, reason), err
	}
	if !complete {
		failErr := errors.NewPhaseError(reason, errors.ErrInvalidInput).WithEpic(epic.ID)
		return p.fail(ctx, run, outcome, reason), failErr
	}

	if err := p.Git.Push(ctx, ws.Path); err != nil {
		return p.fail(ctx, run, outcome, "failed to push story branch: "+err.Error()), err
	}

	_ = run.RegisterBranch(orchestration.BranchInfo{
		Name:       story.BranchName,
		Type:       orchestration.BranchTypeStory,
		Repository: epic.TargetRepository,
		BaseBranch: epic.BranchName,
		EpicID:     epic.ID,
		StoryID:    story.ID,
	})
	_ = run.MarkBranchPushed(story.BranchName)
	p.record(ctx, run.TaskID, event.BranchRegistered, map[string]any{
		"branch": story.BranchName, "type": "story", "repository": epic.TargetRepository,
		"base_branch": epic.BranchName, "epic_id": epic.ID, "story_id": story.ID,
	})
	p.record(ctx, run.TaskID, event.BranchPushed, map[string]any{"branch": story.BranchName})
	p.record(ctx, run.TaskID, event.StoryCompleted, map[string]any{"story_id": story.ID})

	if err := p.Workspaces.Remove(ws); err != nil {
		logger.Warn("failed to remove story workspace", "error", err)
	}

	outcome.Status = event.StoryComplete
	logger.Info("story completed", "attempts", attempts, "cost_usd", outcome.CostUSD)
	return outcome, nil
}

// invokeWithBackoff retries transient agent failures with exponential
// backoff. Non-transient failures propagate immediately.
func (p *Pipeline) invokeWithBackoff(ctx context.Context, req agent.Request) (*agent.Response, int, error) {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		resp, err := p.Invoker.Invoke(ctx, req)
		if err == nil {
			return resp, attempts, nil
		}
		lastErr = err

		if !errors.IsTransient(err) || errors.Is(err, errors.ErrRunCancelled) {
			return nil, attempts, err
		}
		if attempt == maxRetries {
			break
		}

		delay := p.backoff(attempt)
		p.logger().Warn("transient agent failure, backing off",
			"attempt", attempts, "delay", delay.String(), "error", err)
		if err := p.doSleep(ctx, delay); err != nil {
			return nil, attempts, errors.ErrRunCancelled
		}
	}
	return nil, attempts, fmt.Errorf("%w: %v", errors.ErrRetriesExhausted, lastErr)
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	max := p.BackoffMax
	if max <= 0 {
		max = time.Minute
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

func (p *Pipeline) doSleep(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// validateCompletion decides whether the agent actually did the work.
// Order matters: an explicit failure marker short-circuits regardless of
// git state; otherwise commits on the story branch beyond the epic branch
// are ground truth; the completion marker is consulted only when no
// commits exist.
func (p *Pipeline) validateCompletion(ctx context.Context, wsPath, base, output string, story *event.Story) (bool, string, error) {
	markers := agent.ParseMarkers(output)
	if markers.Failed {
		reason := markers.FailureReason
		if reason == "" {
			reason = "agent reported failure"
		}
		return false, reason, nil
	}

	// Commit any work the agent left unstaged so it counts as git truth.
	if dirty, err := p.Git.HasUncommittedChanges(ctx, wsPath); err == nil && dirty {
		if err := p.Git.CommitAll(ctx, wsPath, story.Title); err != nil {
			return false, "failed to commit agent changes", err
		}
	}

	// The base ref is as old as the clone; a sibling story merged since
	// then would make epic commits look like story work. Refresh it
	// before comparing, but do not fail validation on a network hiccup.
	if err := p.Git.Fetch(ctx, wsPath, base); err != nil {
		p.logger().Warn("failed to refresh base branch before validation", "branch", base, "error", err)
	}

	hasCommits, err := p.Git.HasCommitsBeyond(ctx, wsPath, base)
	if err != nil {
		return false, "failed to inspect story branch commits", err
	}
	if hasCommits {
		return true, "", nil
	}
	if markers.Completed {
		// Output said complete and nothing contradicts it; trust the
		// marker as the documented fallback.
		return true, "", nil
	}
	return false, "no commits on story branch and no completion marker", nil
}

// MergeToEpic merges a completed story's branch into the epic branch
// inside the team workspace, resolving conflicts through the tiered
// resolver. A conflicted story is preserved (branch kept, merge aborted)
// and reported without an error so siblings keep going.
func (p *Pipeline) MergeToEpic(ctx context.Context, run *orchestration.Context, story *event.Story, epic *event.Epic, teamWorkspace string) (*Outcome, error) {
	logger := p.logger().WithTask(run.TaskID).WithEpic(epic.ID).WithStory(story.ID)
	outcome := &Outcome{StoryID: story.ID, Branch: story.BranchName}

	if current, err := p.Git.CurrentBranch(ctx, teamWorkspace); err != nil || current != epic.BranchName {
		if err := p.Git.Checkout(ctx, teamWorkspace, epic.BranchName); err != nil {
			return nil, err
		}
	}

	message := fmt.Sprintf("Merge story %s into %s", story.ID, epic.BranchName)
	err := p.Git.Merge(ctx, teamWorkspace, story.BranchName, message)
	if err != nil {
		if !errors.Is(err, errors.ErrMergeConflict) {
			return nil, err
		}

		resolver := &merge.Resolver{Git: p.Git, Invoker: p.Invoker, Logger: p.Logger, TaskID: run.TaskID}
		resolution, resolveErr := resolver.Resolve(ctx, teamWorkspace, story.BranchName, message)
		if resolution != nil {
			outcome.CostUSD += resolution.CostUSD
		}
		if resolveErr != nil {
			// Conflicted but preserved: the branch stays for a human.
			outcome.Status = event.StoryConflictedStatus
			outcome.FailureReason = resolveErr.Error()
			p.record(ctx, run.TaskID, event.StoryConflicted, map[string]any{
				"story_id": story.ID,
				"conflict": map[string]any{
					"branch": story.BranchName,
					"error":  resolveErr.Error(),
				},
			})
			logger.Warn("story conflicted, branch preserved", "branch", story.BranchName)
			return outcome, nil
		}
		logger.Info("merge conflicts resolved", "tier", string(resolution.Tier))
	}

	_ = run.MarkBranchMerged(story.BranchName)
	p.record(ctx, run.TaskID, event.BranchMerged, map[string]any{"branch": story.BranchName})
	p.record(ctx, run.TaskID, event.StoryMerged, map[string]any{"story_id": story.ID})

	// Cleanup is strictly best-effort and only for merged stories. Story
	// branches land in the team clone, not the team clone's origin, so
	// the remote side is deleted only when origin actually has one.
	remote, err := p.Git.RemoteBranchExists(ctx, teamWorkspace, story.BranchName)
	if err != nil {
		logger.Warn("failed to query origin for merged story branch", "branch", story.BranchName, "error", err)
		remote = false
	}
	if err := p.Git.DeleteBranch(ctx, teamWorkspace, story.BranchName, remote); err != nil {
		logger.Warn("failed to clean up merged story branch", "branch", story.BranchName, "error", err)
	}

	outcome.Status = event.StoryComplete
	return outcome, nil
}

// fail records a story failure and returns the outcome with the reason.
func (p *Pipeline) fail(ctx context.Context, run *orchestration.Context, outcome *Outcome, reason string) *Outcome {
	outcome.Status = event.StoryFailedStatus
	outcome.FailureReason = reason
	p.record(ctx, run.TaskID, event.StoryFailed, map[string]any{
		"story_id": outcome.StoryID, "reason": reason,
	})
	return outcome
}

func (p *Pipeline) record(ctx context.Context, taskID string, evType event.Type, payload map[string]any) {
	if p.Recorder == nil {
		return
	}
	if _, err := p.Recorder.Append(ctx, event.Event{TaskID: taskID, Type: evType, Payload: payload}); err != nil {
		p.logger().Warn("failed to append event", "type", string(evType), "error", err)
	}
}

func (p *Pipeline) logger() *logging.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return logging.NopLogger()
}
