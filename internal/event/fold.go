package event

// Fold left-folds an ordered event sequence into derived state. Later
// events for the same entity overwrite fields (empty payload values leave
// existing values alone), but entities never vanish: a second epic.created
// for an existing ID updates it in place.
//
// Fold is pure: it has no hidden state, so the same log always produces
// the same result.
func Fold(taskID string, events []Event) *State {
	state := &State{TaskID: taskID}

	for _, ev := range events {
		switch ev.Type {
		case EpicCreated:
			foldEpicCreated(state, ev)
		case EpicStarted:
			if epic := state.Epic(payloadString(ev.Payload, "epic_id")); epic != nil {
				epic.Status = EpicInProgress
			}
		case EpicCompleted:
			if epic := state.Epic(payloadString(ev.Payload, "epic_id")); epic != nil {
				if payloadString(ev.Payload, "status") == string(EpicPartial) {
					epic.Status = EpicPartial
				} else {
					epic.Status = EpicComplete
				}
			}
		case EpicFailed:
			if epic := state.Epic(payloadString(ev.Payload, "epic_id")); epic != nil {
				epic.Status = EpicFailedStatus
			}
		case StoryCreated:
			foldStoryCreated(state, ev)
		case StoryStarted:
			if story := state.Story(payloadString(ev.Payload, "story_id")); story != nil {
				story.Status = StoryInProgress
			}
		case StoryCompleted:
			if story := state.Story(payloadString(ev.Payload, "story_id")); story != nil {
				story.Status = StoryComplete
			}
		case StoryFailed:
			if story := state.Story(payloadString(ev.Payload, "story_id")); story != nil {
				story.Status = StoryFailedStatus
			}
		case StoryMerged:
			if story := state.Story(payloadString(ev.Payload, "story_id")); story != nil {
				story.MergedToEpic = true
				story.Status = StoryComplete
			}
		case StoryConflicted:
			if story := state.Story(payloadString(ev.Payload, "story_id")); story != nil {
				story.Status = StoryConflictedStatus
				if meta := payloadMap(ev.Payload, "conflict"); meta != nil {
					story.ConflictMetadata = meta
				}
			}
		}
	}

	return state
}

func foldEpicCreated(state *State, ev Event) {
	id := payloadString(ev.Payload, "id")
	if id == "" {
		return
	}

	epic := state.Epic(id)
	if epic == nil {
		epic = &Epic{ID: id, Status: EpicPending}
		state.Epics = append(state.Epics, epic)
	}

	if v := payloadString(ev.Payload, "name"); v != "" {
		epic.Name = v
	}
	if v := payloadString(ev.Payload, "target_repository"); v != "" {
		epic.TargetRepository = v
	}
	if v := payloadString(ev.Payload, "branch_name"); v != "" {
		epic.BranchName = v
	}
	if v, ok := payloadInt(ev.Payload, "execution_order"); ok {
		epic.ExecutionOrder = v
	}
	if v := payloadStrings(ev.Payload, "depends_on"); v != nil {
		epic.DependsOn = v
	}
	if v := payloadStrings(ev.Payload, "story_ids"); v != nil {
		epic.StoryIDs = v
	}
}

func foldStoryCreated(state *State, ev Event) {
	id := payloadString(ev.Payload, "id")
	if id == "" {
		return
	}

	story := state.Story(id)
	if story == nil {
		story = &Story{ID: id, Status: StoryPending}
		state.Stories = append(state.Stories, story)
	}

	if v := payloadString(ev.Payload, "epic_id"); v != "" {
		if story.EpicID != v {
			story.EpicID = v
		}
		if epic := state.Epic(v); epic != nil && !containsString(epic.StoryIDs, id) {
			epic.StoryIDs = append(epic.StoryIDs, id)
		}
	}
	if v := payloadString(ev.Payload, "title"); v != "" {
		story.Title = v
	}
	if v := payloadString(ev.Payload, "assigned_developer"); v != "" {
		story.AssignedDeveloper = v
	}
	if v := payloadString(ev.Payload, "branch_name"); v != "" {
		story.BranchName = v
	}
	if v := payloadStrings(ev.Payload, "files_to_read"); v != nil {
		story.FilesToRead = v
	}
	if v := payloadStrings(ev.Payload, "files_to_modify"); v != nil {
		story.FilesToModify = v
	}
	if v := payloadStrings(ev.Payload, "files_to_create"); v != nil {
		story.FilesToCreate = v
	}
	if v := payloadStrings(ev.Payload, "depends_on"); v != nil {
		story.DependsOn = v
	}
}

// payloadString extracts a string value from a payload map.
func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// payloadInt extracts an integer from a payload map. JSON round-trips
// numbers as float64, so both forms are accepted.
func payloadInt(payload map[string]any, key string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// payloadStrings extracts a string slice from a payload map. Returns nil
// when the key is absent, an empty slice when present but empty.
func payloadStrings(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	switch v := payload[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// payloadMap extracts a nested map from a payload map.
func payloadMap(payload map[string]any, key string) map[string]any {
	if payload == nil {
		return nil
	}
	if v, ok := payload[key].(map[string]any); ok {
		return v
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
