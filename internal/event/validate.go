package event

import "fmt"

// ValidateState checks derived state against the store's invariants:
//
//   - every story references an epic that exists
//   - every epic has a non-empty target repository
//   - every story resolves a target repository through its epic
//   - no developer is assigned to more than one story (1:1 rule)
//
// A failed validation is non-fatal to the store itself; callers treat it as
// a blocking condition for the current phase.
func ValidateState(state *State) *Validation {
	var errs []string

	for _, epic := range state.Epics {
		if epic.TargetRepository == "" {
			errs = append(errs, fmt.Sprintf("epic %s has no target repository", epic.ID))
		}
	}

	developerStories := make(map[string]string)
	for _, story := range state.Stories {
		epic := state.Epic(story.EpicID)
		if epic == nil {
			errs = append(errs, fmt.Sprintf("story %s references missing epic %s", story.ID, story.EpicID))
		} else if epic.TargetRepository == "" {
			errs = append(errs, fmt.Sprintf("story %s has no target repository via epic %s", story.ID, epic.ID))
		}

		if story.AssignedDeveloper != "" {
			if prior, ok := developerStories[story.AssignedDeveloper]; ok {
				errs = append(errs, fmt.Sprintf("developer %s assigned to stories %s and %s",
					story.AssignedDeveloper, prior, story.ID))
			} else {
				developerStories[story.AssignedDeveloper] = story.ID
			}
		}
	}

	return &Validation{Valid: len(errs) == 0, Errors: errs}
}
