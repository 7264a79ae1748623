package phase

import (
	"context"
	"fmt"

	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/event"
	"github.com/devwspito/armada/internal/logging"
	"github.com/devwspito/armada/internal/orchestration"
)

// EventRecorder is the slice of the event store the runner needs. It is an
// interface so tests can run phases against an in-memory fake.
type EventRecorder interface {
	Append(ctx context.Context, ev event.Event) (event.Event, error)
	Events(ctx context.Context, taskID string) ([]event.Event, error)
	RecordPhaseStart(ctx context.Context, taskID, phase string) error
	RecordPhaseCompletion(ctx context.Context, taskID string, rec event.PhaseRecord) error
}

// Runner drives a Phase through its lifecycle: cancellation check, skip
// detection, the bounded retry-with-feedback loop, and result recording.
type Runner struct {
	Recorder EventRecorder
	Bus      *event.Bus
	Logger   *logging.Logger
	Monitor  *CancelMonitor

	// MaxAttempts bounds the rule-violation retry loop. Values below 1 are
	// treated as 1.
	MaxAttempts int

	// CheckpointDir, when set, receives a checkpoint after every phase
	// completion (success, failure, or skip).
	CheckpointDir string
}

// Run executes the phase and returns its result. The returned error is nil
// for success and skip; otherwise it is the phase's terminal error
// (errors.ErrRunCancelled for cancellation, errors.ErrRetriesExhausted
// when the retry budget ran out).
func (r *Runner) Run(ctx context.Context, run *orchestration.Context, p Phase) (*Result, error) {
	name := p.Name()
	logger := r.logger().WithTask(run.TaskID).WithPhase(name)

	if r.Monitor.Requested(ctx) {
		logger.Info("cancellation requested before phase start")
		result := &Result{Phase: name, Status: StatusCancelled, Err: errors.ErrRunCancelled}
		r.finalize(ctx, run, result)
		return result, errors.ErrRunCancelled
	}

	skip, err := p.ShouldSkip(ctx, run)
	if err != nil {
		// A broken skip check must not skip work; run the phase.
		logger.Warn("skip check failed, executing phase", "error", err)
	}
	if skip {
		return r.skip(ctx, run, name, logger)
	}

	logger.Info("phase starting")
	if err := r.Recorder.RecordPhaseStart(ctx, run.TaskID, name); err != nil {
		logger.Warn("failed to record phase start", "error", err)
	}
	r.append(ctx, run.TaskID, event.PhaseStarted, map[string]any{"phase": name})

	result := r.executeWithRetries(ctx, run, p, logger)
	r.finalize(ctx, run, result)

	switch result.Status {
	case StatusSucceeded:
		logger.Info("phase succeeded", "cost_usd", result.CostUSD)
		return result, nil
	case StatusCancelled:
		logger.Info("phase cancelled")
		return result, errors.ErrRunCancelled
	default:
		logger.Error("phase failed", "error", result.Err)
		return result, result.Err
	}
}

// executeWithRetries runs the phase's Execute up to MaxAttempts times,
// threading rule-violation feedback into each subsequent attempt.
func (r *Runner) executeWithRetries(ctx context.Context, run *orchestration.Context, p Phase, logger *logging.Logger) *Result {
	name := p.Name()
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	feedback := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx := WithAttempt(ctx, attempt)
		if feedback != "" {
			attemptCtx = WithFeedback(attemptCtx, feedback)
		}

		watched, stop := r.Monitor.Watch(attemptCtx)
		result, err := p.Execute(watched, run)
		cancelled := watched.Err() != nil
		stop()

		if result == nil {
			result = &Result{}
		}
		result.Phase = name

		if cancelled || errors.Is(err, errors.ErrRunCancelled) || errors.Is(err, context.Canceled) {
			result.Status = StatusCancelled
			result.Err = errors.ErrRunCancelled
			return result
		}
		if err == nil {
			result.Status = StatusSucceeded
			return result
		}

		if errors.IsRetryableViolation(err) && attempt < maxAttempts {
			feedback = errors.ViolationFeedback(err)
			logger.Warn("retryable rule violation, re-running with feedback",
				"attempt", attempt, "max_attempts", maxAttempts, "feedback", feedback)
			continue
		}

		if errors.IsRetryableViolation(err) {
			err = fmt.Errorf("%w after %d attempts: %v", errors.ErrRetriesExhausted, maxAttempts, err)
		}
		result.Status = StatusFailed
		result.Err = err
		return result
	}

	// Unreachable: the loop always returns.
	return &Result{Phase: name, Status: StatusFailed, Err: errors.New("phase loop exited without result")}
}

// skip records a skipped phase. The skipped status still reaches the
// persisted phase record, and the branch registry is rehydrated from the
// event log so downstream phases see branches created before the restart.
func (r *Runner) skip(ctx context.Context, run *orchestration.Context, name string, logger *logging.Logger) (*Result, error) {
	logger.Info("phase already completed, skipping")

	if events, err := r.Recorder.Events(ctx, run.TaskID); err != nil {
		logger.Warn("failed to rehydrate branch registry", "error", err)
	} else {
		run.RehydrateFromEvents(events)
	}

	result := &Result{Phase: name, Status: StatusSkipped}
	r.finalize(ctx, run, result)
	return result, nil
}

// finalize records the result everywhere it must land: the run context,
// the persisted phase record, the event log, the checkpoint, and the bus.
// A completion event is emitted even on failure so recovery never
// re-triggers a phase that already failed terminally.
func (r *Runner) finalize(ctx context.Context, run *orchestration.Context, result *Result) {
	run.RecordPhaseResult(result.Outcome())

	rec := event.PhaseRecord{
		Phase:        result.Phase,
		Status:       string(result.Status),
		Output:       result.Output,
		CostUSD:      result.CostUSD,
		InputTokens:  result.Tokens.Input,
		OutputTokens: result.Tokens.Output,
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	if err := r.Recorder.RecordPhaseCompletion(ctx, run.TaskID, rec); err != nil {
		r.logger().Warn("failed to record phase completion", "phase", result.Phase, "error", err)
	}

	payload := map[string]any{"phase": result.Phase, "status": string(result.Status)}
	if result.Output != "" {
		payload["output"] = result.Output
	}
	if result.Err != nil {
		payload["error"] = result.Err.Error()
	}
	switch result.Status {
	case StatusSucceeded:
		r.append(ctx, run.TaskID, event.PhaseCompleted, payload)
	case StatusSkipped:
		r.append(ctx, run.TaskID, event.PhaseSkipped, payload)
	default:
		r.append(ctx, run.TaskID, event.PhaseFailed, payload)
	}

	if r.CheckpointDir != "" {
		if err := run.SaveCheckpoint(r.CheckpointDir); err != nil {
			r.logger().Warn("failed to save checkpoint", "phase", result.Phase, "error", err)
		}
	}
}

// append writes an event to the log and republishes it on the bus.
func (r *Runner) append(ctx context.Context, taskID string, evType event.Type, payload map[string]any) {
	committed, err := r.Recorder.Append(ctx, event.Event{TaskID: taskID, Type: evType, Payload: payload})
	if err != nil {
		r.logger().Warn("failed to append event", "type", string(evType), "error", err)
		return
	}
	if r.Bus != nil {
		r.Bus.Publish(committed)
	}
}

func (r *Runner) logger() *logging.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.NopLogger()
}
