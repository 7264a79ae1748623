package cmd

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/devwspito/armada/internal/event"
)

// Plan is the declarative delivery plan the run and validate commands
// consume. It is the only write path into a task's event log besides the
// orchestrator itself.
type Plan struct {
	Task  string     `mapstructure:"task"`
	Epics []PlanEpic `mapstructure:"epics"`
}

// PlanEpic describes one epic and its stories.
type PlanEpic struct {
	ID             string      `mapstructure:"id"`
	Name           string      `mapstructure:"name"`
	Repository     string      `mapstructure:"repository"`
	BranchName     string      `mapstructure:"branch_name"`
	ExecutionOrder int         `mapstructure:"execution_order"`
	DependsOn      []string    `mapstructure:"depends_on"`
	Stories        []PlanStory `mapstructure:"stories"`
}

// PlanStory describes one story within an epic.
type PlanStory struct {
	ID            string   `mapstructure:"id"`
	Title         string   `mapstructure:"title"`
	Developer     string   `mapstructure:"developer"`
	BranchName    string   `mapstructure:"branch_name"`
	FilesToRead   []string `mapstructure:"files_to_read"`
	FilesToModify []string `mapstructure:"files_to_modify"`
	FilesToCreate []string `mapstructure:"files_to_create"`
	DependsOn     []string `mapstructure:"depends_on"`
}

// LoadPlan reads a plan file. The format follows the config file (YAML,
// JSON, or TOML by extension).
func LoadPlan(path string) (*Plan, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	var plan Plan
	if err := v.Unmarshal(&plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if plan.Task == "" {
		return nil, fmt.Errorf("plan %s: task id must not be empty", path)
	}
	if len(plan.Epics) == 0 {
		return nil, fmt.Errorf("plan %s: at least one epic is required", path)
	}
	return &plan, nil
}

// Events converts the plan into its creation events, in the order the
// state fold expects: task, then each epic, then that epic's stories.
func (p *Plan) Events() []event.Event {
	events := []event.Event{{
		TaskID:  p.Task,
		Type:    event.TaskCreated,
		Payload: map[string]any{"task_id": p.Task},
	}}
	for _, epic := range p.Epics {
		payload := map[string]any{
			"id":                epic.ID,
			"name":              epic.Name,
			"target_repository": epic.Repository,
			"execution_order":   epic.ExecutionOrder,
		}
		if epic.BranchName != "" {
			payload["branch_name"] = epic.BranchName
		}
		if len(epic.DependsOn) > 0 {
			payload["depends_on"] = epic.DependsOn
		}
		events = append(events, event.Event{TaskID: p.Task, Type: event.EpicCreated, Payload: payload})

		for _, story := range epic.Stories {
			payload := map[string]any{
				"id":      story.ID,
				"epic_id": epic.ID,
				"title":   story.Title,
			}
			if story.Developer != "" {
				payload["assigned_developer"] = story.Developer
			}
			if story.BranchName != "" {
				payload["branch_name"] = story.BranchName
			}
			if len(story.FilesToRead) > 0 {
				payload["files_to_read"] = story.FilesToRead
			}
			if len(story.FilesToModify) > 0 {
				payload["files_to_modify"] = story.FilesToModify
			}
			if len(story.FilesToCreate) > 0 {
				payload["files_to_create"] = story.FilesToCreate
			}
			if len(story.DependsOn) > 0 {
				payload["depends_on"] = story.DependsOn
			}
			events = append(events, event.Event{TaskID: p.Task, Type: event.StoryCreated, Payload: payload})
		}
	}
	return events
}

// State folds the plan's creation events without touching a store, for
// offline validation.
func (p *Plan) State() *event.State {
	return event.Fold(p.Task, p.Events())
}
