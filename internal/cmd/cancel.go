package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devwspito/armada/internal/config"
	"github.com/devwspito/armada/internal/event"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cooperative cancellation of a running task",
	Long: `Cancel sets the task's cancellation flag. The running orchestrator polls
the flag between operations and stops at the next safe point; in-flight
side effects are not rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
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
	if err := store.RequestCancel(ctx, taskID); err != nil {
		return err
	}
	if _, err := store.Append(ctx, event.Event{
		TaskID: taskID,
		Type:   event.RunCancelled,
		Payload: map[string]any{
			"reason": "operator request",
		},
	}); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for task %s\n", taskID)
	return nil
}
