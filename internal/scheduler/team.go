package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devwspito/armada/internal/agent"
	"github.com/devwspito/armada/internal/event"
	"github.com/devwspito/armada/internal/gitops"
	"github.com/devwspito/armada/internal/logging"
	"github.com/devwspito/armada/internal/orchestration"
	"github.com/devwspito/armada/internal/phase"
	"github.com/devwspito/armada/internal/story"
)

// StateStore is the slice of the event store a team needs.
type StateStore interface {
	Append(ctx context.Context, ev event.Event) (event.Event, error)
	Events(ctx context.Context, taskID string) ([]event.Event, error)
	CurrentState(ctx context.Context, taskID string) (*event.State, error)
	RecordPhaseStart(ctx context.Context, taskID, phase string) error
	RecordPhaseCompletion(ctx context.Context, taskID string, rec event.PhaseRecord) error
	PhaseStatus(ctx context.Context, taskID, phase string) (*event.PhaseRecord, error)
	CancelRequested(ctx context.Context, taskID string) (bool, error)
}

// Team drives one epic through architecture → implementation → review →
// testing in an isolated workspace clone of the epic's target repository.
type Team struct {
	Store   StateStore
	Git     *gitops.Client
	Invoker agent.Invoker
	Bus     *event.Bus
	Logger  *logging.Logger

	// WorkspaceRoot hosts the per-epic and per-story clones.
	WorkspaceRoot string

	// BaseBranch is the branch epics fork from (default "main").
	BaseBranch string

	// BranchPrefix namespaces all branches this run creates.
	BranchPrefix string

	// MaxAttempts bounds each phase's rule-violation retries.
	MaxAttempts int

	// StoryRetries, StoryBackoffBase and StoryBackoffMax configure the
	// story pipeline's transient-failure handling.
	StoryRetries     int
	StoryBackoffBase time.Duration
	StoryBackoffMax  time.Duration

	// CancelPollInterval is how often the cancellation flag is polled.
	CancelPollInterval time.Duration
}

// RunEpic implements TeamRunner.
func (t *Team) RunEpic(ctx context.Context, run *orchestration.Context, epic *event.Epic) (*EpicOutcome, error) {
	logger := t.logger().WithTask(run.TaskID).WithEpic(epic.ID)
	outcome := &EpicOutcome{
		EpicID:        epic.ID,
		CostByPhase:   make(map[string]float64),
		TokensByPhase: make(map[string]phase.Tokens),
	}

	state, err := t.Store.CurrentState(ctx, run.TaskID)
	if err != nil {
		return outcome, err
	}
	stories := state.EpicStories(epic.ID)

	if epic.BranchName == "" {
		epic.BranchName = t.branchName("epic", epic.ID, epic.Name)
	}
	for _, st := range stories {
		if st.BranchName == "" {
			st.BranchName = t.branchName("story", st.ID, st.Title)
		}
	}

	workspace, err := t.provisionWorkspace(ctx, run, epic)
	if err != nil {
		return outcome, err
	}

	pipeline := &story.Pipeline{
		Git:         t.Git,
		Workspaces:  gitops.NewWorkspaceManager(filepath.Join(t.WorkspaceRoot, run.TaskID, "stories"), t.Git, t.Logger),
		Invoker:     t.Invoker,
		Recorder:    t.Store,
		Logger:      t.Logger,
		MaxRetries:  t.StoryRetries,
		BackoffBase: t.StoryBackoffBase,
		BackoffMax:  t.StoryBackoffMax,
	}

	runner := &phase.Runner{
		Recorder:      t.Store,
		Bus:           t.Bus,
		Logger:        t.Logger,
		Monitor:       phase.NewCancelMonitor(t.Store, run.TaskID, t.CancelPollInterval),
		MaxAttempts:   t.MaxAttempts,
		CheckpointDir: filepath.Join(t.WorkspaceRoot, run.TaskID, "checkpoints"),
	}

	team := &teamState{
		team:      t,
		epic:      epic,
		stories:   stories,
		workspace: workspace,
		pipeline:  pipeline,
		outcome:   outcome,
		developed: make(map[string]*story.Outcome),
	}

	phases := []phase.Phase{
		&architecturePhase{team},
		&implementationPhase{team},
		&reviewPhase{team},
		&testingPhase{team},
	}

	for _, p := range phases {
		result, err := runner.Run(ctx, run, p)
		if result != nil {
			name := subPhaseName(p.Name())
			outcome.CostByPhase[name] += result.CostUSD
			tokens := outcome.TokensByPhase[name]
			tokens.Input += result.Tokens.Input
			tokens.Output += result.Tokens.Output
			outcome.TokensByPhase[name] = tokens
		}
		if err != nil {
			outcome.Status = event.EpicFailedStatus
			return outcome, err
		}
	}

	outcome.Status = epicStatus(outcome)
	logger.Info("epic finished",
		"status", string(outcome.Status),
		"merged", outcome.StoriesMerged,
		"conflicted", outcome.StoriesConflicted,
		"failed", outcome.StoriesFailed)
	return outcome, nil
}

// provisionWorkspace clones the target repository, creates the epic
// branch, and registers it.
func (t *Team) provisionWorkspace(ctx context.Context, run *orchestration.Context, epic *event.Epic) (string, error) {
	manager := gitops.NewWorkspaceManager(filepath.Join(t.WorkspaceRoot, run.TaskID, "teams"), t.Git, t.Logger)
	base := t.BaseBranch
	if base == "" {
		base = "main"
	}

	ws, err := manager.Provision(ctx, epic.TargetRepository, epic.ID, epic.BranchName, base)
	if err != nil {
		return "", err
	}

	_ = run.RegisterBranch(orchestration.BranchInfo{
		Name:       epic.BranchName,
		Type:       orchestration.BranchTypeEpic,
		Repository: epic.TargetRepository,
		BaseBranch: base,
		EpicID:     epic.ID,
	})
	if _, err := t.Store.Append(ctx, event.Event{
		TaskID: run.TaskID,
		Type:   event.BranchRegistered,
		Payload: map[string]any{
			"branch": epic.BranchName, "type": "epic",
			"repository": epic.TargetRepository, "base_branch": base, "epic_id": epic.ID,
		},
	}); err != nil {
		t.logger().Warn("failed to record epic branch", "error", err)
	}
	return ws.Path, nil
}

func (t *Team) branchName(kind, id, title string) string {
	prefix := t.BranchPrefix
	if prefix == "" {
		prefix = "armada"
	}
	slug := slugify(title)
	if slug == "" {
		return fmt.Sprintf("%s/%s/%s", prefix, kind, id)
	}
	return fmt.Sprintf("%s/%s/%s-%s", prefix, kind, id, slug)
}

func (t *Team) logger() *logging.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return logging.NopLogger()
}

// teamState is the shared state the four sub-phases operate on.
type teamState struct {
	team      *Team
	epic      *event.Epic
	stories   []*event.Story
	workspace string
	pipeline  *story.Pipeline
	outcome   *EpicOutcome

	// mu guards developed and the outcome's story counters while a level
	// of stories runs concurrently.
	mu        sync.Mutex
	developed map[string]*story.Outcome
}

// shouldSkip consults the persisted phase record. Phase names are scoped
// to the epic, so recovery never falsely skips a sibling's phase.
func (s *teamState) shouldSkip(ctx context.Context, taskID, name string) (bool, error) {
	rec, err := s.team.Store.PhaseStatus(ctx, taskID, name)
	if err != nil {
		return false, err
	}
	return rec != nil && (rec.Status == string(phase.StatusSucceeded) || rec.Status == string(phase.StatusSkipped)), nil
}

func subPhaseName(scoped string) string {
	if idx := strings.Index(scoped, ":"); idx > 0 {
		return scoped[:idx]
	}
	return scoped
}

func epicStatus(outcome *EpicOutcome) event.EpicStatus {
	switch {
	case outcome.StoriesMerged > 0 && outcome.StoriesConflicted == 0 && outcome.StoriesFailed == 0:
		return event.EpicComplete
	case outcome.StoriesMerged > 0:
		return event.EpicPartial
	case outcome.StoriesConflicted > 0 || outcome.StoriesFailed > 0:
		return event.EpicFailedStatus
	default:
		// An epic without stories still completes its phases.
		return event.EpicComplete
	}
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 40 {
		out = strings.Trim(out[:40], "-")
	}
	return out
}
