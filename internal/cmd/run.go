package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devwspito/armada/internal/agent"
	"github.com/devwspito/armada/internal/config"
	"github.com/devwspito/armada/internal/depgraph"
	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/event"
	"github.com/devwspito/armada/internal/gitops"
	"github.com/devwspito/armada/internal/logging"
	"github.com/devwspito/armada/internal/notify"
	"github.com/devwspito/armada/internal/orchestration"
	"github.com/devwspito/armada/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Execute a delivery plan",
	Long: `Run seeds the plan's epics and stories into the event log, orders the
epics, and drives one team per epic through its phases. Re-running with the
same task id resumes from the last checkpoint: completed phases are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	plan, err := LoadPlan(args[0])
	if err != nil {
		return err
	}

	logger, err := logging.New(filepath.Join(cfg.Paths.DataDir, "logs", plan.Task), cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Close()

	store, err := event.Open(filepath.Join(cfg.Paths.DataDir, "events.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	// Ctrl-C requests cooperative cancellation; a second signal kills.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureRun(ctx, plan.Task); err != nil {
		return err
	}
	if err := seedPlan(ctx, store, plan); err != nil {
		return err
	}

	validation, err := store.ValidateState(ctx, plan.Task)
	if err != nil {
		return err
	}
	if !validation.Valid {
		for _, problem := range validation.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", problem)
		}
		return fmt.Errorf("plan validation failed with %d problem(s)", len(validation.Errors))
	}

	state, err := store.CurrentState(ctx, plan.Task)
	if err != nil {
		return err
	}

	policy := depgraph.NewConservativePolicy().Apply(state.Epics)
	for _, edge := range policy.AddedDependencies {
		logger.Info("cross-repository ordering applied", "edge", edge.String())
	}
	resolution, err := depgraph.NewResolver().Resolve(policy.Epics)
	if err != nil {
		return err
	}
	refineExecutionOrder(resolution)

	bus := event.NewBus()
	notify.NewConsole(nil).Subscribe(bus)

	invoker := &agent.CLIInvoker{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Timeout: cfg.Agent.Timeout,
		Logger:  logger,
	}
	git := gitops.NewClient(
		gitops.WithLogger(logger),
		gitops.WithNetworkTimeout(cfg.Git.NetworkTimeout),
	)
	team := &scheduler.Team{
		Store:              store,
		Git:                git,
		Invoker:            invoker,
		Bus:                bus,
		Logger:             logger,
		WorkspaceRoot:      cfg.Paths.WorkspaceRoot,
		BaseBranch:         cfg.Git.BaseBranch,
		BranchPrefix:       cfg.Branch.Prefix,
		MaxAttempts:        cfg.Phase.MaxAttempts,
		StoryRetries:       cfg.Story.MaxRetries,
		StoryBackoffBase:   cfg.Story.BackoffBase,
		StoryBackoffMax:    cfg.Story.BackoffMax,
		CancelPollInterval: cfg.Run.CancelPollInterval,
	}
	sched := &scheduler.Scheduler{
		Runner:           team,
		Recorder:         store,
		Bus:              bus,
		Logger:           logger,
		FailureThreshold: cfg.Scheduler.FailureThreshold,
	}

	run := orchestration.NewContext(plan.Task)
	restoreRun(ctx, run, store, cfg.Paths.WorkspaceRoot, logger)

	summary, err := sched.Run(ctx, run, resolution.Order)
	if summary != nil {
		printSummary(summary)
	}
	if errors.Is(err, errors.ErrRunCancelled) {
		fmt.Fprintln(os.Stderr, "run cancelled; re-run to resume from the last checkpoint")
	}
	return err
}

// seedPlan appends the plan's creation events. A task that already has
// epics in its log is being resumed; its plan is already recorded and
// re-seeding would duplicate creation events.
func seedPlan(ctx context.Context, store *event.Store, plan *Plan) error {
	state, err := store.CurrentState(ctx, plan.Task)
	if err != nil {
		return err
	}
	if len(state.Epics) > 0 {
		return nil
	}
	for _, ev := range plan.Events() {
		if _, err := store.Append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// refineExecutionOrder folds the resolver's dependency levels into the
// epics' declared execution order: the declared order stays the coarse
// grouping, and within it epics separated by a (declared or
// policy-injected) dependency land in different batches.
func refineExecutionOrder(resolution *depgraph.Resolution) {
	stride := len(resolution.Levels) + 1
	for i, level := range resolution.Levels {
		for _, epic := range level {
			epic.ExecutionOrder = epic.ExecutionOrder*stride + i
		}
	}
}

// restoreRun rebuilds the run context for a resumed task: from the last
// checkpoint when one exists, otherwise by replaying the event log.
func restoreRun(ctx context.Context, run *orchestration.Context, store *event.Store, workspaceRoot string, logger *logging.Logger) {
	dir := filepath.Join(workspaceRoot, run.TaskID, "checkpoints")
	if ckpt, err := orchestration.LoadCheckpoint(dir); err == nil && ckpt != nil {
		run.RestoreFromCheckpoint(ckpt)
		return
	}
	events, err := store.Events(ctx, run.TaskID)
	if err != nil {
		logger.Warn("could not replay events for run context", "error", err)
		return
	}
	run.RehydrateFromEvents(events)
}

func printSummary(summary *scheduler.Summary) {
	fmt.Printf("\nEpics: %d succeeded, %d failed\n", summary.EpicsSucceeded, summary.EpicsFailed)
	for _, outcome := range summary.Outcomes {
		fmt.Printf("  %s: %s (merged %d, conflicted %d, failed %d)\n",
			outcome.EpicID, outcome.Status,
			outcome.StoriesMerged, outcome.StoriesConflicted, outcome.StoriesFailed)
	}
	if summary.TotalCostUSD > 0 {
		fmt.Printf("Cost: $%.2f\n", summary.TotalCostUSD)
		for phaseName, cost := range summary.CostByPhase {
			tokens := summary.TokensByPhase[phaseName]
			fmt.Printf("  %-15s $%.2f (%d in / %d out tokens)\n", phaseName, cost, tokens.Input, tokens.Output)
		}
	}
}
