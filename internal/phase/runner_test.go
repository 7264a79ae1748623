package phase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/event"
	"github.com/devwspito/armada/internal/orchestration"
)

// fakeRecorder is an in-memory EventRecorder.
type fakeRecorder struct {
	mu      sync.Mutex
	events  []event.Event
	records map[string]event.PhaseRecord
	nextSeq int64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{records: make(map[string]event.PhaseRecord)}
}

func (f *fakeRecorder) Append(ctx context.Context, ev event.Event) (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	ev.SequenceID = f.nextSeq
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakeRecorder) Events(ctx context.Context, taskID string) ([]event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.Event
	for _, ev := range f.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeRecorder) RecordPhaseStart(ctx context.Context, taskID, phase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[phase] = event.PhaseRecord{Phase: phase, Status: "running"}
	return nil
}

func (f *fakeRecorder) RecordPhaseCompletion(ctx context.Context, taskID string, rec event.PhaseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Phase] = rec
	return nil
}

func (f *fakeRecorder) eventTypes() []event.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []event.Type
	for _, ev := range f.events {
		types = append(types, ev.Type)
	}
	return types
}

// fakeChecker is a CancelChecker backed by a flag.
type fakeChecker struct {
	mu        sync.Mutex
	cancelled bool
}

func (f *fakeChecker) set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}

func (f *fakeChecker) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled, nil
}

// stubPhase implements Phase with configurable behavior.
type stubPhase struct {
	name     string
	skip     bool
	skipErr  error
	execute  func(ctx context.Context, run *orchestration.Context) (*Result, error)
	attempts int
}

func (s *stubPhase) Name() string { return s.name }

func (s *stubPhase) ShouldSkip(ctx context.Context, run *orchestration.Context) (bool, error) {
	return s.skip, s.skipErr
}

func (s *stubPhase) Execute(ctx context.Context, run *orchestration.Context) (*Result, error) {
	s.attempts++
	return s.execute(ctx, run)
}

func newRunner(rec *fakeRecorder, checker CancelChecker) *Runner {
	return &Runner{
		Recorder:    rec,
		MaxAttempts: 3,
		Monitor:     NewCancelMonitor(checker, "task-1", 10*time.Millisecond),
	}
}

func TestRunSuccess(t *testing.T) {
	rec := newFakeRecorder()
	runner := newRunner(rec, &fakeChecker{})
	run := orchestration.NewContext("task-1")

	p := &stubPhase{name: "architecture", execute: func(ctx context.Context, run *orchestration.Context) (*Result, error) {
		return &Result{Output: "split into two services", CostUSD: 0.3, Tokens: Tokens{Input: 100, Output: 50}}, nil
	}}

	result, err := runner.Run(context.Background(), run, p)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", result.Status)
	}

	outcome, ok := run.PhaseResult("architecture")
	if !ok || !outcome.Success || outcome.CostUSD != 0.3 {
		t.Errorf("recorded outcome = %+v", outcome)
	}
	if outcome.Output != "split into two services" {
		t.Errorf("outcome output = %q, want the phase output", outcome.Output)
	}
	if got := rec.records["architecture"]; got.Status != "succeeded" || got.Output != "split into two services" {
		t.Errorf("persisted record = %+v, want succeeded with output", got)
	}

	types := rec.eventTypes()
	if len(types) != 2 || types[0] != event.PhaseStarted || types[1] != event.PhaseCompleted {
		t.Errorf("event types = %v", types)
	}
	// The completion event carries the output so replay can restore it.
	if got, _ := rec.events[1].Payload["output"].(string); got != "split into two services" {
		t.Errorf("completion payload output = %q", got)
	}
}

func TestRunRetryBoundWithFeedback(t *testing.T) {
	rec := newFakeRecorder()
	runner := newRunner(rec, &fakeChecker{})
	run := orchestration.NewContext("task-1")

	var feedbacks []string
	p := &stubPhase{name: "implementation", execute: func(ctx context.Context, run *orchestration.Context) (*Result, error) {
		feedbacks = append(feedbacks, FeedbackFrom(ctx))
		return nil, errors.NewRuleViolation("file-overlap", "stories s1 and s2 both modify main.go")
	}}

	result, err := runner.Run(context.Background(), run, p)
	if err == nil {
		t.Fatal("Run() should fail after exhausting attempts")
	}
	if !errors.Is(err, errors.ErrRetriesExhausted) {
		t.Errorf("error = %v, want ErrRetriesExhausted", err)
	}
	if p.attempts != 3 {
		t.Errorf("attempts = %d, want exactly 3", p.attempts)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}

	// First attempt has no feedback; later attempts carry the violation's.
	if feedbacks[0] != "" {
		t.Errorf("first attempt feedback = %q, want empty", feedbacks[0])
	}
	for i, fb := range feedbacks[1:] {
		if fb != "stories s1 and s2 both modify main.go" {
			t.Errorf("attempt %d feedback = %q", i+2, fb)
		}
	}
}

func TestRunViolationThenSuccess(t *testing.T) {
	rec := newFakeRecorder()
	runner := newRunner(rec, &fakeChecker{})
	run := orchestration.NewContext("task-1")

	p := &stubPhase{name: "review"}
	p.execute = func(ctx context.Context, run *orchestration.Context) (*Result, error) {
		if AttemptFrom(ctx) < 2 {
			return nil, errors.NewRuleViolation("review-rejected", "missing tests")
		}
		return &Result{}, nil
	}

	result, err := runner.Run(context.Background(), run, p)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != StatusSucceeded || p.attempts != 2 {
		t.Errorf("status = %s after %d attempts", result.Status, p.attempts)
	}
}

func TestRunNonRetryableFailsImmediately(t *testing.T) {
	rec := newFakeRecorder()
	runner := newRunner(rec, &fakeChecker{})
	run := orchestration.NewContext("task-1")

	p := &stubPhase{name: "implementation", execute: func(ctx context.Context, run *orchestration.Context) (*Result, error) {
		return nil, errors.NewPhaseError("no target repository", errors.ErrMissingRepository)
	}}

	_, err := runner.Run(context.Background(), run, p)
	if err == nil || !errors.Is(err, errors.ErrMissingRepository) {
		t.Fatalf("error = %v, want ErrMissingRepository", err)
	}
	if p.attempts != 1 {
		t.Errorf("non-retryable error made %d attempts, want 1", p.attempts)
	}

	types := rec.eventTypes()
	if types[len(types)-1] != event.PhaseFailed {
		t.Error("failure must still emit a completion event")
	}
}

func TestRunSkipRehydratesRegistry(t *testing.T) {
	rec := newFakeRecorder()
	_, _ = rec.Append(context.Background(), event.Event{
		TaskID: "task-1",
		Type:   event.BranchRegistered,
		Payload: map[string]any{
			"branch": "epic/e1", "type": "epic", "repository": "acme/api", "epic_id": "e1",
		},
	})

	runner := newRunner(rec, &fakeChecker{})
	run := orchestration.NewContext("task-1")

	p := &stubPhase{name: "architecture:e1", skip: true, execute: func(ctx context.Context, run *orchestration.Context) (*Result, error) {
		t.Fatal("Execute must not run for a skipped phase")
		return nil, nil
	}}

	result, err := runner.Run(context.Background(), run, p)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != StatusSkipped || !result.Succeeded() {
		t.Errorf("result = %+v", result)
	}
	if run.EpicBranch("e1") == nil {
		t.Error("skip must rehydrate the branch registry from the event log")
	}
	if rec.records["architecture:e1"].Status != "skipped" {
		t.Error("skipped status must reach the persisted phase record")
	}
}

func TestRunSkipCheckErrorExecutesAnyway(t *testing.T) {
	rec := newFakeRecorder()
	runner := newRunner(rec, &fakeChecker{})
	run := orchestration.NewContext("task-1")

	p := &stubPhase{name: "testing", skipErr: errors.New("store unavailable"), execute: func(ctx context.Context, run *orchestration.Context) (*Result, error) {
		return &Result{}, nil
	}}

	result, err := runner.Run(context.Background(), run, p)
	if err != nil || result.Status != StatusSucceeded {
		t.Errorf("broken skip check should fall through to execution, got %v / %v", result.Status, err)
	}
	if p.attempts != 1 {
		t.Errorf("attempts = %d, want 1", p.attempts)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	checker := &fakeChecker{}
	checker.set()
	rec := newFakeRecorder()
	runner := newRunner(rec, checker)
	run := orchestration.NewContext("task-1")

	p := &stubPhase{name: "implementation", execute: func(ctx context.Context, run *orchestration.Context) (*Result, error) {
		t.Fatal("Execute must not run when already cancelled")
		return nil, nil
	}}

	result, err := runner.Run(context.Background(), run, p)
	if !errors.Is(err, errors.ErrRunCancelled) {
		t.Fatalf("error = %v, want ErrRunCancelled", err)
	}
	if result.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", result.Status)
	}
}

func TestRunCancelledMidExecution(t *testing.T) {
	checker := &fakeChecker{}
	rec := newFakeRecorder()
	runner := newRunner(rec, checker)
	run := orchestration.NewContext("task-1")

	p := &stubPhase{name: "implementation", execute: func(ctx context.Context, run *orchestration.Context) (*Result, error) {
		checker.set()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("poll never fired")
		}
	}}

	result, err := runner.Run(context.Background(), run, p)
	if !errors.Is(err, errors.ErrRunCancelled) {
		t.Fatalf("error = %v, want ErrRunCancelled", err)
	}
	if result.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", result.Status)
	}
}
