package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devwspito/armada/internal/depgraph"
	"github.com/devwspito/armada/internal/event"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Check a plan without running it",
	Long: `Validate parses the plan, checks its referential integrity, and resolves
epic dependencies, reporting cycles and any ordering the cross-repository
policy would inject. Nothing is written.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	plan, err := LoadPlan(args[0])
	if err != nil {
		return err
	}

	state := plan.State()
	validation := event.ValidateState(state)
	if !validation.Valid {
		for _, problem := range validation.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", problem)
		}
		return fmt.Errorf("plan is invalid: %d problem(s)", len(validation.Errors))
	}

	policy := depgraph.NewConservativePolicy().Apply(state.Epics)
	for _, edge := range policy.AddedDependencies {
		fmt.Printf("cross-repository ordering: %s\n", edge)
	}
	resolution, err := depgraph.NewResolver().Resolve(policy.Epics)
	if err != nil {
		return err
	}

	fmt.Printf("plan ok: %d epic(s), %d story(ies) across %d dependency level(s)\n",
		len(state.Epics), len(state.Stories), len(resolution.Levels))
	for i, level := range resolution.Levels {
		fmt.Printf("  level %d:", i)
		for _, epic := range level {
			fmt.Printf(" %s", epic.ID)
		}
		fmt.Println()
	}
	return nil
}
