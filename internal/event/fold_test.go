package event

import (
	"reflect"
	"testing"
)

func epicCreated(id, repo string, order int, deps ...string) Event {
	payload := map[string]any{
		"id":                id,
		"name":              "Epic " + id,
		"target_repository": repo,
		"branch_name":       "epic/" + id,
		"execution_order":   order,
	}
	if len(deps) > 0 {
		payload["depends_on"] = deps
	}
	return Event{TaskID: "task-1", Type: EpicCreated, Payload: payload}
}

func storyCreated(id, epicID, developer string) Event {
	return Event{TaskID: "task-1", Type: StoryCreated, Payload: map[string]any{
		"id":                 id,
		"epic_id":            epicID,
		"title":              "Story " + id,
		"assigned_developer": developer,
		"branch_name":        "story/" + id,
	}}
}

func TestFoldCreatesEntities(t *testing.T) {
	state := Fold("task-1", []Event{
		epicCreated("e1", "acme/api", 1),
		storyCreated("s1", "e1", "dev-1"),
		storyCreated("s2", "e1", "dev-2"),
	})

	if len(state.Epics) != 1 || len(state.Stories) != 2 {
		t.Fatalf("got %d epics, %d stories; want 1, 2", len(state.Epics), len(state.Stories))
	}

	epic := state.Epic("e1")
	if epic.Status != EpicPending {
		t.Errorf("new epic status = %s, want pending", epic.Status)
	}
	if epic.TargetRepository != "acme/api" {
		t.Errorf("target repository = %s", epic.TargetRepository)
	}
	if !reflect.DeepEqual(epic.StoryIDs, []string{"s1", "s2"}) {
		t.Errorf("epic story ids = %v", epic.StoryIDs)
	}
}

func TestFoldOverwritesButNeverDrops(t *testing.T) {
	first := storyCreated("s1", "e1", "dev-1")
	// A second story.created for the same id updates fields in place.
	second := Event{TaskID: "task-1", Type: StoryCreated, Payload: map[string]any{
		"id":    "s1",
		"title": "Renamed story",
	}}

	state := Fold("task-1", []Event{epicCreated("e1", "acme/api", 1), first, second})

	if len(state.Stories) != 1 {
		t.Fatalf("duplicate story.created must not create a second story, got %d", len(state.Stories))
	}
	story := state.Story("s1")
	if story.Title != "Renamed story" {
		t.Errorf("title = %q, want overwrite", story.Title)
	}
	if story.AssignedDeveloper != "dev-1" {
		t.Errorf("empty payload field must not clear developer, got %q", story.AssignedDeveloper)
	}
}

func TestFoldStatusTransitions(t *testing.T) {
	events := []Event{
		epicCreated("e1", "acme/api", 1),
		storyCreated("s1", "e1", "dev-1"),
		{TaskID: "task-1", Type: EpicStarted, Payload: map[string]any{"epic_id": "e1"}},
		{TaskID: "task-1", Type: StoryStarted, Payload: map[string]any{"story_id": "s1"}},
		{TaskID: "task-1", Type: StoryMerged, Payload: map[string]any{"story_id": "s1"}},
		{TaskID: "task-1", Type: EpicCompleted, Payload: map[string]any{"epic_id": "e1"}},
	}

	state := Fold("task-1", events)

	if got := state.Epic("e1").Status; got != EpicComplete {
		t.Errorf("epic status = %s, want completed", got)
	}
	story := state.Story("s1")
	if story.Status != StoryComplete || !story.MergedToEpic {
		t.Errorf("story = %s merged=%v, want completed+merged", story.Status, story.MergedToEpic)
	}
}

func TestFoldPartialEpic(t *testing.T) {
	events := []Event{
		epicCreated("e1", "acme/api", 1),
		{TaskID: "task-1", Type: EpicCompleted, Payload: map[string]any{"epic_id": "e1", "status": "partial"}},
	}

	if got := Fold("task-1", events).Epic("e1").Status; got != EpicPartial {
		t.Errorf("epic status = %s, want partial", got)
	}
}

func TestFoldConflictedStoryKeepsMetadata(t *testing.T) {
	events := []Event{
		epicCreated("e1", "acme/api", 1),
		storyCreated("s1", "e1", "dev-1"),
		{TaskID: "task-1", Type: StoryConflicted, Payload: map[string]any{
			"story_id": "s1",
			"conflict": map[string]any{"files": []any{"main.go"}, "tier": "escalated"},
		}},
	}

	story := Fold("task-1", events).Story("s1")
	if story.Status != StoryConflictedStatus {
		t.Errorf("story status = %s, want conflicted", story.Status)
	}
	if story.ConflictMetadata["tier"] != "escalated" {
		t.Errorf("conflict metadata not preserved: %v", story.ConflictMetadata)
	}
}

func TestFoldIsDeterministic(t *testing.T) {
	events := []Event{
		epicCreated("e1", "acme/api", 1),
		epicCreated("e2", "acme/web", 2, "e1"),
		storyCreated("s1", "e1", "dev-1"),
		storyCreated("s2", "e2", "dev-2"),
		{TaskID: "task-1", Type: StoryFailed, Payload: map[string]any{"story_id": "s2"}},
	}

	first := Fold("task-1", events)
	second := Fold("task-1", events)

	if !reflect.DeepEqual(first, second) {
		t.Error("Fold must be deterministic for identical event logs")
	}
}

func TestFoldJSONNumericExecutionOrder(t *testing.T) {
	// Events round-tripped through JSON carry numbers as float64.
	ev := Event{TaskID: "task-1", Type: EpicCreated, Payload: map[string]any{
		"id":                "e1",
		"target_repository": "acme/api",
		"execution_order":   float64(3),
	}}

	if got := Fold("task-1", []Event{ev}).Epic("e1").ExecutionOrder; got != 3 {
		t.Errorf("execution order = %d, want 3", got)
	}
}
