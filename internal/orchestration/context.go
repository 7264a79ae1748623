// Package orchestration holds the run-scoped mutable state shared across
// pipeline phases: a key-value store for cross-phase data passing, the
// branch registry, and recorded phase results. The context is checkpointed
// after every phase; the event log stays authoritative and a lost
// checkpoint degrades to full event replay.
package orchestration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devwspito/armada/internal/event"
)

// BranchType distinguishes epic branches from story branches.
type BranchType string

// Branch types.
const (
	BranchTypeEpic  BranchType = "epic"
	BranchTypeStory BranchType = "story"
)

// BranchInfo is the registry's record of one branch. The registry is the
// single source of truth for which branches exist and their push/merge
// state; phases consult it instead of re-deriving branch names, which
// prevents name drift across a restarted run.
type BranchInfo struct {
	Name       string     `json:"name"`
	Type       BranchType `json:"type"`
	Repository string     `json:"repository"`
	BaseBranch string     `json:"base_branch"`
	EpicID     string     `json:"epic_id"`
	StoryID    string     `json:"story_id,omitempty"`
	Pushed     bool       `json:"pushed"`
	Merged     bool       `json:"merged"`
}

// PhaseOutcome is the recorded result of one phase, kept in the context so
// later phases (and checkpoints) can consult it.
type PhaseOutcome struct {
	Phase        string   `json:"phase"`
	Success      bool     `json:"success"`
	Skipped      bool     `json:"skipped,omitempty"`
	Error        string   `json:"error,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Output       string   `json:"output,omitempty"`
	CostUSD      float64  `json:"cost_usd"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
}

// Context is the run-scoped mutable aggregate. It is owned by the active
// run; scheduling discipline keeps a single phase writing at a time, but a
// mutex still guards the maps because stories inside a parallel batch
// record branches concurrently.
type Context struct {
	TaskID string

	mu           sync.RWMutex
	sharedData   map[string]any
	branches     map[string]*BranchInfo
	phaseResults map[string]PhaseOutcome
}

// NewContext creates an empty run context for the given task.
func NewContext(taskID string) *Context {
	return &Context{
		TaskID:       taskID,
		sharedData:   make(map[string]any),
		branches:     make(map[string]*BranchInfo),
		phaseResults: make(map[string]PhaseOutcome),
	}
}

// SetData stores an opaque value for cross-phase data passing.
func (c *Context) SetData(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharedData[key] = value
}

// GetData returns the value for a key and whether it was present.
func (c *Context) GetData(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.sharedData[key]
	return v, ok
}

// GetString returns the value for a key as a string. Missing or non-string
// values return "".
func (c *Context) GetString(key string) string {
	v, ok := c.GetData(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// DeleteData removes a key from the shared store.
func (c *Context) DeleteData(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sharedData, key)
}

// RegisterBranch records a branch in the registry, overwriting any prior
// record with the same name.
func (c *Context) RegisterBranch(info BranchInfo) error {
	if info.Name == "" {
		return fmt.Errorf("register branch: name is required")
	}
	if info.Repository == "" {
		return fmt.Errorf("register branch %s: repository is required", info.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := info
	c.branches[info.Name] = &clone
	return nil
}

// Branch returns a copy of the registry record for a branch name, or nil.
func (c *Context) Branch(name string) *BranchInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.branches[name]; ok {
		clone := *info
		return &clone
	}
	return nil
}

// EpicBranch returns the epic branch for an epic ID, or nil.
func (c *Context) EpicBranch(epicID string) *BranchInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, info := range c.branches {
		if info.Type == BranchTypeEpic && info.EpicID == epicID {
			clone := *info
			return &clone
		}
	}
	return nil
}

// StoryBranches returns the story branches for an epic, sorted by branch
// name for deterministic iteration.
func (c *Context) StoryBranches(epicID string) []*BranchInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*BranchInfo
	for _, info := range c.branches {
		if info.Type == BranchTypeStory && info.EpicID == epicID {
			clone := *info
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarkBranchPushed flips the pushed flag for a branch.
func (c *Context) MarkBranchPushed(name string) error {
	return c.updateBranch(name, func(info *BranchInfo) { info.Pushed = true })
}

// MarkBranchMerged flips the merged flag for a branch.
func (c *Context) MarkBranchMerged(name string) error {
	return c.updateBranch(name, func(info *BranchInfo) { info.Merged = true })
}

func (c *Context) updateBranch(name string, apply func(*BranchInfo)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.branches[name]
	if !ok {
		return fmt.Errorf("branch %s not registered", name)
	}
	apply(info)
	return nil
}

// RecordPhaseResult stores a phase outcome. Outcomes are immutable once
// recorded; recording the same phase again overwrites (a retried phase
// reports its final outcome).
func (c *Context) RecordPhaseResult(outcome PhaseOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phaseResults[outcome.Phase] = outcome
}

// PhaseResult returns the recorded outcome for a phase name.
func (c *Context) PhaseResult(phase string) (PhaseOutcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	outcome, ok := c.phaseResults[phase]
	return outcome, ok
}

// PhaseResults returns all recorded outcomes keyed by phase name.
func (c *Context) PhaseResults() map[string]PhaseOutcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]PhaseOutcome, len(c.phaseResults))
	for k, v := range c.phaseResults {
		out[k] = v
	}
	return out
}

// RehydrateFromEvents rebuilds the branch registry and the phase outcomes
// from a replayed event log. Used at run start and after a skip when no
// checkpoint is available; a lost checkpoint degrades to replay, not to
// data loss. The event log is authoritative, so replayed records overwrite
// in-memory ones.
func (c *Context) RehydrateFromEvents(events []event.Event) {
	for _, ev := range events {
		switch ev.Type {
		case event.BranchRegistered:
			info := branchFromPayload(ev.Payload)
			if info.Name == "" || info.Repository == "" {
				continue
			}
			_ = c.RegisterBranch(info)
		case event.BranchPushed:
			if name, ok := ev.Payload["branch"].(string); ok {
				_ = c.MarkBranchPushed(name)
			}
		case event.BranchMerged:
			if name, ok := ev.Payload["branch"].(string); ok {
				_ = c.MarkBranchMerged(name)
			}
		case event.PhaseCompleted, event.PhaseSkipped, event.PhaseFailed:
			outcome := phaseOutcomeFromPayload(ev.Payload)
			if outcome.Phase == "" {
				continue
			}
			c.RecordPhaseResult(outcome)
		}
	}
}

func phaseOutcomeFromPayload(payload map[string]any) PhaseOutcome {
	get := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}
	status := get("status")
	return PhaseOutcome{
		Phase:   get("phase"),
		Success: status == "succeeded" || status == "skipped",
		Skipped: status == "skipped",
		Error:   get("error"),
		Output:  get("output"),
	}
}

func branchFromPayload(payload map[string]any) BranchInfo {
	get := func(key string) string {
		if v, ok := payload[key].(string); ok {
			return v
		}
		return ""
	}
	return BranchInfo{
		Name:       get("branch"),
		Type:       BranchType(get("type")),
		Repository: get("repository"),
		BaseBranch: get("base_branch"),
		EpicID:     get("epic_id"),
		StoryID:    get("story_id"),
	}
}
