package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devwspito/armada/internal/config"
	"github.com/devwspito/armada/internal/event"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the derived state of a task",
	Long:  `Status folds the task's event log and prints every epic and story with its current lifecycle state.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := event.Open(filepath.Join(cfg.Paths.DataDir, "events.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	taskID := args[0]

	state, err := store.CurrentState(ctx, taskID)
	if err != nil {
		return err
	}
	if len(state.Epics) == 0 {
		fmt.Printf("task %s has no recorded epics\n", taskID)
		return nil
	}

	cancelled, err := store.CancelRequested(ctx, taskID)
	if err == nil && cancelled {
		fmt.Println("cancellation requested")
	}

	fmt.Printf("Task: %s\n\n", taskID)
	for _, epic := range state.Epics {
		fmt.Printf("%s  %s (%s) [%s]\n", epic.ID, epic.Name, epic.TargetRepository, epic.Status)
		if epic.BranchName != "" {
			fmt.Printf("    branch: %s\n", epic.BranchName)
		}
		for _, story := range state.EpicStories(epic.ID) {
			extra := ""
			if story.MergedToEpic {
				extra = ", merged"
			}
			fmt.Printf("    %s  %s [%s%s]\n", story.ID, story.Title, story.Status, extra)
		}
	}
	return nil
}
