// Package event implements the append-only event log that is the single
// source of truth for epic and story state. Epics and stories are never
// written directly: they are derived by folding the task's events in
// sequence order, which makes crash recovery a replay rather than a repair.
package event

import "time"

// Type identifies a kind of event in the log.
// Convention: "category.action" (e.g. "epic.created", "story.merged").
type Type string

// Event types recorded by the orchestrator.
const (
	TaskCreated Type = "task.created"

	EpicCreated   Type = "epic.created"
	EpicStarted   Type = "epic.started"
	EpicCompleted Type = "epic.completed"
	EpicFailed    Type = "epic.failed"

	StoryCreated    Type = "story.created"
	StoryStarted    Type = "story.started"
	StoryCompleted  Type = "story.completed"
	StoryFailed     Type = "story.failed"
	StoryMerged     Type = "story.merged"
	StoryConflicted Type = "story.conflicted"

	PhaseStarted   Type = "phase.started"
	PhaseCompleted Type = "phase.completed"
	PhaseFailed    Type = "phase.failed"
	PhaseSkipped   Type = "phase.skipped"

	BranchRegistered Type = "branch.registered"
	BranchPushed     Type = "branch.pushed"
	BranchMerged     Type = "branch.merged"

	CheckpointSaved       Type = "checkpoint.saved"
	CircuitBreakerTripped Type = "circuit_breaker.tripped"
	RunCancelled          Type = "run.cancelled"
)

// Event is an immutable fact appended to a task's log. SequenceID is
// assigned by the store on append and defines the authoritative ordering
// within a task.
type Event struct {
	TaskID     string         `json:"task_id"`
	SequenceID int64          `json:"sequence_id"`
	Type       Type           `json:"type"`
	AgentName  string         `json:"agent_name,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// EpicStatus is the derived lifecycle state of an epic.
type EpicStatus string

// Epic statuses. EpicPartial marks an epic whose stories were a mix of
// merged and failed or conflicted.
const (
	EpicPending      EpicStatus = "pending"
	EpicInProgress   EpicStatus = "in_progress"
	EpicComplete     EpicStatus = "completed"
	EpicFailedStatus EpicStatus = "failed"
	EpicPartial      EpicStatus = "partial"
)

// StoryStatus is the derived lifecycle state of a story.
type StoryStatus string

// Story statuses.
const (
	StoryPending          StoryStatus = "pending"
	StoryInProgress       StoryStatus = "in_progress"
	StoryComplete         StoryStatus = "completed"
	StoryFailedStatus     StoryStatus = "failed"
	StoryConflictedStatus StoryStatus = "conflicted"
)

// Epic is a derived entity: a coarse unit of work targeting exactly one
// repository, decomposed into stories. Fields reflect the latest values
// seen in the event log.
type Epic struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	TargetRepository string     `json:"target_repository"`
	BranchName       string     `json:"branch_name"`
	ExecutionOrder   int        `json:"execution_order"`
	DependsOn        []string   `json:"depends_on,omitempty"`
	StoryIDs         []string   `json:"story_ids,omitempty"`
	Status           EpicStatus `json:"status"`
}

// Story is a derived entity: the smallest assignable unit of work. A story
// belongs to exactly one epic, inherits that epic's target repository, and
// is assigned to exactly one developer.
type Story struct {
	ID                string         `json:"id"`
	EpicID            string         `json:"epic_id"`
	Title             string         `json:"title"`
	AssignedDeveloper string         `json:"assigned_developer"`
	FilesToRead       []string       `json:"files_to_read,omitempty"`
	FilesToModify     []string       `json:"files_to_modify,omitempty"`
	FilesToCreate     []string       `json:"files_to_create,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	BranchName        string         `json:"branch_name"`
	Status            StoryStatus    `json:"status"`
	MergedToEpic      bool           `json:"merged_to_epic"`
	ConflictMetadata  map[string]any `json:"conflict_metadata,omitempty"`
}

// State is the current derived state of a task: every epic and story that
// has ever been created, in first-seen order.
type State struct {
	TaskID  string
	Epics   []*Epic
	Stories []*Story
}

// Epic returns the epic with the given ID, or nil.
func (s *State) Epic(id string) *Epic {
	for _, e := range s.Epics {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Story returns the story with the given ID, or nil.
func (s *State) Story(id string) *Story {
	for _, st := range s.Stories {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// EpicStories returns the stories belonging to the given epic, in
// first-seen order.
func (s *State) EpicStories(epicID string) []*Story {
	var out []*Story
	for _, st := range s.Stories {
		if st.EpicID == epicID {
			out = append(out, st)
		}
	}
	return out
}

// Validation is the result of checking a task's derived state against the
// store's invariants. Errors is empty when Valid is true.
type Validation struct {
	Valid  bool
	Errors []string
}
