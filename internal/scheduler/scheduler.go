// Package scheduler executes epics in batches ordered by executionOrder.
// Within a batch, epics run concurrently only when every epic targets a
// distinct repository; otherwise the batch collapses to sequential
// execution, because concurrent git operations against one repository
// corrupt working-tree state. A cumulative failure-rate circuit breaker
// aborts runs that are systematically failing.
package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/event"
	"github.com/devwspito/armada/internal/logging"
	"github.com/devwspito/armada/internal/orchestration"
	"github.com/devwspito/armada/internal/phase"
)

// DefaultFailureThreshold aborts a run once more than half of the epics
// processed so far have failed.
const DefaultFailureThreshold = 0.5

// TeamRunner drives one epic through its sub-pipeline (architecture,
// implementation, review, testing) in an isolated workspace.
type TeamRunner interface {
	RunEpic(ctx context.Context, run *orchestration.Context, epic *event.Epic) (*EpicOutcome, error)
}

// EpicOutcome is one team's result.
type EpicOutcome struct {
	EpicID string
	Status event.EpicStatus

	// CostByPhase and TokensByPhase are keyed by sub-phase name
	// ("architecture", "implementation", "review", "testing").
	CostByPhase   map[string]float64
	TokensByPhase map[string]phase.Tokens

	StoriesMerged     int
	StoriesConflicted int
	StoriesFailed     int

	Err error
}

// Failed reports whether the epic counts against the circuit breaker.
func (o *EpicOutcome) Failed() bool {
	return o.Err != nil || o.Status == event.EpicFailedStatus
}

// Summary aggregates every team's outcome into run-level totals.
type Summary struct {
	Outcomes []*EpicOutcome

	TotalCostUSD  float64
	CostByPhase   map[string]float64
	TokensByPhase map[string]phase.Tokens

	EpicsSucceeded int
	EpicsFailed    int
}

// Recorder is the slice of the event store the scheduler appends to.
type Recorder interface {
	Append(ctx context.Context, ev event.Event) (event.Event, error)
}

// Scheduler batches epics and runs teams.
type Scheduler struct {
	Runner   TeamRunner
	Recorder Recorder
	Bus      *event.Bus
	Logger   *logging.Logger

	// FailureThreshold trips the circuit breaker when the cumulative
	// failure rate exceeds it and more than one epic has run. Zero or
	// negative means the default.
	FailureThreshold float64
}

// Run executes all epics. The returned Summary covers every epic that
// ran, including failures; the error is non-nil only for run-level aborts
// (cancellation, circuit breaker, invalid input).
func (s *Scheduler) Run(ctx context.Context, run *orchestration.Context, epics []*event.Epic) (*Summary, error) {
	logger := s.logger().WithTask(run.TaskID)

	// Strict validation up front: a missing target repository is never
	// silently defaulted.
	for _, epic := range epics {
		if epic.TargetRepository == "" {
			return nil, errors.NewPhaseError("epic "+epic.ID+" has no target repository",
				errors.ErrHumanInterventionRequired).WithEpic(epic.ID)
		}
	}

	summary := &Summary{
		CostByPhase:   make(map[string]float64),
		TokensByPhase: make(map[string]phase.Tokens),
	}

	threshold := s.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}

	ran, failed := 0, 0
	for _, batch := range batchByOrder(epics) {
		if err := ctx.Err(); err != nil {
			return summary, errors.ErrRunCancelled
		}

		var outcomes []*EpicOutcome
		if repositoriesDistinct(batch.epics) {
			logger.Info("running batch concurrently",
				"execution_order", batch.order, "epics", len(batch.epics))
			outcomes = s.runConcurrent(ctx, run, batch.epics)
		} else {
			logger.Info("repositories shared, running batch sequentially",
				"execution_order", batch.order, "epics", len(batch.epics))
			outcomes = s.runSequential(ctx, run, batch.epics)
		}

		for _, outcome := range outcomes {
			summary.aggregate(outcome)
			ran++
			if outcome.Failed() {
				failed++
			}
		}

		// Cumulative across all batches so far, not per batch.
		rate := float64(failed) / float64(ran)
		if rate > threshold && ran > 1 {
			logger.Error("circuit breaker tripped",
				"failed", failed, "ran", ran, "rate", rate, "threshold", threshold)
			s.record(ctx, run.TaskID, event.CircuitBreakerTripped, map[string]any{
				"failed": failed, "ran": ran, "failure_rate": rate,
			})
			return summary, errors.ErrCircuitBreaker
		}
	}

	return summary, nil
}

// runConcurrent launches every epic in its own goroutine and waits for
// all of them. One team's failure never cancels siblings.
func (s *Scheduler) runConcurrent(ctx context.Context, run *orchestration.Context, epics []*event.Epic) []*EpicOutcome {
	outcomes := make([]*EpicOutcome, len(epics))
	var wg sync.WaitGroup
	for i, epic := range epics {
		wg.Add(1)
		go func(i int, epic *event.Epic) {
			defer wg.Done()
			outcomes[i] = s.runOne(ctx, run, epic)
		}(i, epic)
	}
	wg.Wait()
	return outcomes
}

func (s *Scheduler) runSequential(ctx context.Context, run *orchestration.Context, epics []*event.Epic) []*EpicOutcome {
	outcomes := make([]*EpicOutcome, 0, len(epics))
	for _, epic := range epics {
		outcomes = append(outcomes, s.runOne(ctx, run, epic))
	}
	return outcomes
}

// runOne runs a single team, converting panics and errors into a failed
// outcome so the batch's other teams keep their results.
func (s *Scheduler) runOne(ctx context.Context, run *orchestration.Context, epic *event.Epic) *EpicOutcome {
	s.record(ctx, run.TaskID, event.EpicStarted, map[string]any{"epic_id": epic.ID})

	outcome, err := s.Runner.RunEpic(ctx, run, epic)
	if outcome == nil {
		outcome = &EpicOutcome{EpicID: epic.ID}
	}
	if err != nil {
		outcome.Err = err
		if outcome.Status == "" || outcome.Status == event.EpicPending {
			outcome.Status = event.EpicFailedStatus
		}
	} else if outcome.Status == "" {
		outcome.Status = event.EpicComplete
	}

	switch outcome.Status {
	case event.EpicFailedStatus:
		s.record(ctx, run.TaskID, event.EpicFailed, map[string]any{
			"epic_id": epic.ID, "error": errString(outcome.Err),
		})
	default:
		s.record(ctx, run.TaskID, event.EpicCompleted, map[string]any{
			"epic_id": epic.ID, "status": string(outcome.Status),
		})
	}
	return outcome
}

func (summary *Summary) aggregate(outcome *EpicOutcome) {
	summary.Outcomes = append(summary.Outcomes, outcome)
	if outcome.Failed() {
		summary.EpicsFailed++
	} else {
		summary.EpicsSucceeded++
	}
	for phaseName, cost := range outcome.CostByPhase {
		summary.CostByPhase[phaseName] += cost
		summary.TotalCostUSD += cost
	}
	for phaseName, tokens := range outcome.TokensByPhase {
		agg := summary.TokensByPhase[phaseName]
		agg.Input += tokens.Input
		agg.Output += tokens.Output
		summary.TokensByPhase[phaseName] = agg
	}
}

type batch struct {
	order int
	epics []*event.Epic
}

// batchByOrder groups epics by executionOrder, ascending. Input order is
// preserved within a batch.
func batchByOrder(epics []*event.Epic) []batch {
	grouped := make(map[int][]*event.Epic)
	var orders []int
	for _, epic := range epics {
		if _, seen := grouped[epic.ExecutionOrder]; !seen {
			orders = append(orders, epic.ExecutionOrder)
		}
		grouped[epic.ExecutionOrder] = append(grouped[epic.ExecutionOrder], epic)
	}
	sort.Ints(orders)

	batches := make([]batch, 0, len(orders))
	for _, order := range orders {
		batches = append(batches, batch{order: order, epics: grouped[order]})
	}
	return batches
}

// repositoriesDistinct reports whether no two epics in the batch share a
// target repository.
func repositoriesDistinct(epics []*event.Epic) bool {
	seen := make(map[string]struct{}, len(epics))
	for _, epic := range epics {
		if _, dup := seen[epic.TargetRepository]; dup {
			return false
		}
		seen[epic.TargetRepository] = struct{}{}
	}
	return true
}

func (s *Scheduler) record(ctx context.Context, taskID string, evType event.Type, payload map[string]any) {
	if s.Recorder == nil {
		return
	}
	committed, err := s.Recorder.Append(ctx, event.Event{TaskID: taskID, Type: evType, Payload: payload})
	if err != nil {
		s.logger().Warn("failed to append event", "type", string(evType), "error", err)
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(committed)
	}
}

func (s *Scheduler) logger() *logging.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logging.NopLogger()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
