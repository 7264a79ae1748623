package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devwspito/armada/internal/config"
	"github.com/devwspito/armada/internal/event"
)

var eventsJSON bool

var eventsCmd = &cobra.Command{
	Use:   "events <task-id>",
	Short: "Print a task's event log",
	Long:  `Events lists every recorded event for the task in sequence order, the full audit trail of the run.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "emit one JSON object per line")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := event.Open(filepath.Join(cfg.Paths.DataDir, "events.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Events(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, ev := range events {
		if eventsJSON {
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			continue
		}
		fmt.Printf("%6d  %s  %-25s %s\n",
			ev.SequenceID, ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, payloadSummary(ev.Payload))
	}
	return nil
}

func payloadSummary(payload map[string]any) string {
	for _, key := range []string{"story_id", "epic_id", "phase", "branch", "reason"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return key + "=" + v
		}
	}
	return ""
}
