package story

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devwspito/armada/internal/agent"
	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/event"
	"github.com/devwspito/armada/internal/gitops"
	"github.com/devwspito/armada/internal/orchestration"
)

// mapExecutor answers git invocations by subcommand.
type mapExecutor struct {
	mu        sync.Mutex
	responses map[string]mapResponse
	calls     [][]string
}

type mapResponse struct {
	output string
	err    error
}

func newMapExecutor() *mapExecutor {
	return &mapExecutor{responses: map[string]mapResponse{
		// show-ref exits non-zero for a missing branch so CreateBranch
		// proceeds.
		"show-ref": {err: errors.New("exit status 1")},
	}}
}

func (m *mapExecutor) set(subcommand, output string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[subcommand] = mapResponse{output: output, err: err}
}

func (m *mapExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]string{name}, args...))
	if len(args) == 0 {
		return nil, nil
	}
	resp := m.responses[args[0]]
	return []byte(resp.output), resp.err
}

func (m *mapExecutor) saw(subcommand string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.calls {
		if len(call) > 1 && call[1] == subcommand {
			return true
		}
	}
	return false
}

// scriptedInvoker returns canned responses and errors in order.
type scriptedInvoker struct {
	responses []*agent.Response
	errs      []error
	calls     int
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Response, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return &agent.Response{Output: "WORK_COMPLETE"}, nil
}

// memRecorder collects appended events.
type memRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (m *memRecorder) Append(ctx context.Context, ev event.Event) (event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memRecorder) types() []event.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Type
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

func hasType(types []event.Type, want event.Type) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func testPipeline(t *testing.T, exec gitops.CommandExecutor, invoker agent.Invoker, rec Recorder) *Pipeline {
	t.Helper()
	client := gitops.NewClient(gitops.WithExecutor(exec))
	return &Pipeline{
		Git:         client,
		Workspaces:  gitops.NewWorkspaceManager(t.TempDir(), client, nil),
		Invoker:     invoker,
		Recorder:    rec,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
		sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func testStoryAndEpic() (*event.Story, *event.Epic) {
	story := &event.Story{
		ID:         "s1",
		EpicID:     "e1",
		Title:      "Add login endpoint",
		BranchName: "story/s1-add-login",
		Status:     event.StoryPending,
	}
	epic := &event.Epic{
		ID:               "e1",
		Name:             "Auth",
		TargetRepository: "acme/api",
		BranchName:       "epic/e1-auth",
	}
	return story, epic
}

func TestDevelopSuccessViaCommits(t *testing.T) {
	exec := newMapExecutor()
	exec.set("status", "", nil)      // clean tree
	exec.set("rev-list", "2\n", nil) // two commits beyond the epic branch
	rec := &memRecorder{}
	// No completion marker at all: commits alone must carry it.
	invoker := &scriptedInvoker{responses: []*agent.Response{{Output: "did the work", CostUSD: 1.25}}}

	p := testPipeline(t, exec, invoker, rec)
	run := orchestration.NewContext("task-1")
	story, epic := testStoryAndEpic()

	outcome, err := p.Develop(context.Background(), run, story, epic, t.TempDir(), "build the login endpoint")
	if err != nil {
		t.Fatalf("Develop() error: %v", err)
	}
	if outcome.Status != event.StoryComplete {
		t.Errorf("Status = %s, want completed", outcome.Status)
	}
	if outcome.CostUSD != 1.25 || outcome.Attempts != 1 {
		t.Errorf("outcome = %+v", outcome)
	}
	if !exec.saw("push") {
		t.Error("story branch must be pushed")
	}
	if !exec.saw("fetch") {
		t.Error("base branch must be refreshed before the commit comparison")
	}

	branches := run.StoryBranches("e1")
	if len(branches) != 1 || branches[0].Name != "story/s1-add-login" || !branches[0].Pushed {
		t.Errorf("registry = %+v", branches)
	}

	types := rec.types()
	for _, want := range []event.Type{event.StoryStarted, event.BranchRegistered, event.BranchPushed, event.StoryCompleted} {
		if !hasType(types, want) {
			t.Errorf("missing event %s in %v", want, types)
		}
	}
}

func TestDevelopFailureMarkerShortCircuits(t *testing.T) {
	exec := newMapExecutor()
	exec.set("status", "", nil)
	exec.set("rev-list", "5\n", nil) // commits exist, but the marker wins
	rec := &memRecorder{}
	invoker := &scriptedInvoker{responses: []*agent.Response{
		{Output: "WORK_FAILED: schema change out of scope"},
	}}

	p := testPipeline(t, exec, invoker, rec)
	run := orchestration.NewContext("task-1")
	story, epic := testStoryAndEpic()

	outcome, err := p.Develop(context.Background(), run, story, epic, t.TempDir(), "prompt")
	if err == nil {
		t.Fatal("explicit failure marker must fail the story")
	}
	if outcome.Status != event.StoryFailedStatus {
		t.Errorf("Status = %s", outcome.Status)
	}
	if !strings.Contains(outcome.FailureReason, "schema change") {
		t.Errorf("FailureReason = %q", outcome.FailureReason)
	}
	if exec.saw("push") {
		t.Error("failed story must not be pushed")
	}
	if !hasType(rec.types(), event.StoryFailed) {
		t.Error("missing story.failed event")
	}
}

func TestDevelopMarkerFallbackWithoutCommits(t *testing.T) {
	exec := newMapExecutor()
	exec.set("status", "", nil)
	exec.set("rev-list", "0\n", nil)
	invoker := &scriptedInvoker{responses: []*agent.Response{{Output: "WORK_COMPLETE"}}}

	p := testPipeline(t, exec, invoker, &memRecorder{})
	run := orchestration.NewContext("task-1")
	story, epic := testStoryAndEpic()

	outcome, err := p.Develop(context.Background(), run, story, epic, t.TempDir(), "prompt")
	if err != nil {
		t.Fatalf("Develop() error: %v", err)
	}
	if outcome.Status != event.StoryComplete {
		t.Errorf("Status = %s, want completed via marker fallback", outcome.Status)
	}
}

func TestDevelopNoEvidenceFails(t *testing.T) {
	exec := newMapExecutor()
	exec.set("status", "", nil)
	exec.set("rev-list", "0\n", nil)
	invoker := &scriptedInvoker{responses: []*agent.Response{{Output: "all done (probably)"}}}

	p := testPipeline(t, exec, invoker, &memRecorder{})
	run := orchestration.NewContext("task-1")
	story, epic := testStoryAndEpic()

	outcome, err := p.Develop(context.Background(), run, story, epic, t.TempDir(), "prompt")
	if err == nil {
		t.Fatal("no commits and no marker must fail")
	}
	if outcome.Status != event.StoryFailedStatus {
		t.Errorf("Status = %s", outcome.Status)
	}
}

func TestDevelopCommitsStragglers(t *testing.T) {
	exec := newMapExecutor()
	exec.set("status", " M api/server.go\n", nil) // dirty tree
	exec.set("rev-list", "1\n", nil)
	invoker := &scriptedInvoker{responses: []*agent.Response{{Output: "done"}}}

	p := testPipeline(t, exec, invoker, &memRecorder{})
	run := orchestration.NewContext("task-1")
	story, epic := testStoryAndEpic()

	if _, err := p.Develop(context.Background(), run, story, epic, t.TempDir(), "prompt"); err != nil {
		t.Fatalf("Develop() error: %v", err)
	}
	if !exec.saw("commit") {
		t.Error("uncommitted agent work must be committed before validation")
	}
}

func TestInvokeWithBackoff(t *testing.T) {
	transient := func() error {
		return errors.NewAgentError("rate limited", nil).WithStatusCode(429)
	}

	t.Run("transient errors retry then succeed", func(t *testing.T) {
		invoker := &scriptedInvoker{
			errs:      []error{transient(), transient(), nil},
			responses: []*agent.Response{nil, nil, {Output: "ok"}},
		}
		var delays []time.Duration
		p := &Pipeline{
			Invoker: invoker, MaxRetries: 3,
			BackoffBase: time.Second, BackoffMax: 10 * time.Second,
			sleep: func(ctx context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			},
		}

		resp, attempts, err := p.invokeWithBackoff(context.Background(), agent.Request{})
		if err != nil || resp.Output != "ok" {
			t.Fatalf("got %v / %v", resp, err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
		if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
			t.Errorf("delays = %v, want exponential from base", delays)
		}
	})

	t.Run("backoff is capped", func(t *testing.T) {
		p := &Pipeline{BackoffBase: time.Second, BackoffMax: 3 * time.Second}
		if d := p.backoff(5); d != 3*time.Second {
			t.Errorf("backoff(5) = %v, want cap", d)
		}
	})

	t.Run("non-transient error propagates immediately", func(t *testing.T) {
		invoker := &scriptedInvoker{errs: []error{
			errors.NewAgentError("bad request", errors.ErrInvalidInput).WithStatusCode(400),
		}}
		p := &Pipeline{Invoker: invoker, MaxRetries: 3, sleep: func(context.Context, time.Duration) error { return nil }}

		_, attempts, err := p.invokeWithBackoff(context.Background(), agent.Request{})
		if err == nil || attempts != 1 {
			t.Errorf("attempts = %d, err = %v; want immediate propagation", attempts, err)
		}
	})

	t.Run("exhaustion wraps ErrRetriesExhausted", func(t *testing.T) {
		invoker := &scriptedInvoker{errs: []error{transient(), transient(), transient()}}
		p := &Pipeline{Invoker: invoker, MaxRetries: 2, sleep: func(context.Context, time.Duration) error { return nil }}

		_, attempts, err := p.invokeWithBackoff(context.Background(), agent.Request{})
		if !errors.Is(err, errors.ErrRetriesExhausted) {
			t.Errorf("err = %v, want ErrRetriesExhausted", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})
}

func TestMergeToEpicCleanMerge(t *testing.T) {
	exec := newMapExecutor()
	rec := &memRecorder{}
	p := testPipeline(t, exec, &scriptedInvoker{}, rec)
	run := orchestration.NewContext("task-1")
	story, epic := testStoryAndEpic()

	outcome, err := p.MergeToEpic(context.Background(), run, story, epic, t.TempDir())
	if err != nil {
		t.Fatalf("MergeToEpic() error: %v", err)
	}
	if outcome.Status != event.StoryComplete {
		t.Errorf("Status = %s", outcome.Status)
	}
	if !exec.saw("branch") {
		t.Error("merged story branch must be cleaned up")
	}
	types := rec.types()
	if !hasType(types, event.StoryMerged) || !hasType(types, event.BranchMerged) {
		t.Errorf("events = %v", types)
	}
}

func TestMergeToEpicRemoteCleanup(t *testing.T) {
	t.Run("origin without the branch is left alone", func(t *testing.T) {
		exec := newMapExecutor()
		p := testPipeline(t, exec, &scriptedInvoker{}, &memRecorder{})
		story, epic := testStoryAndEpic()

		if _, err := p.MergeToEpic(context.Background(), orchestration.NewContext("task-1"), story, epic, t.TempDir()); err != nil {
			t.Fatalf("MergeToEpic() error: %v", err)
		}
		if !exec.saw("branch") {
			t.Error("local story branch must be deleted")
		}
		if exec.saw("push") {
			t.Error("no remote delete when origin never had the story branch")
		}
	})

	t.Run("origin carrying the branch gets the delete", func(t *testing.T) {
		exec := newMapExecutor()
		exec.set("ls-remote", "abc123\trefs/heads/story/s1-add-login\n", nil)
		p := testPipeline(t, exec, &scriptedInvoker{}, &memRecorder{})
		story, epic := testStoryAndEpic()

		if _, err := p.MergeToEpic(context.Background(), orchestration.NewContext("task-1"), story, epic, t.TempDir()); err != nil {
			t.Fatalf("MergeToEpic() error: %v", err)
		}
		if !exec.saw("push") {
			t.Error("remote story branch must be deleted from origin")
		}
	})
}

func TestMergeToEpicSkipsRedundantCheckout(t *testing.T) {
	exec := newMapExecutor()
	exec.set("rev-parse", "epic/e1-auth\n", nil) // already on the epic branch
	p := testPipeline(t, exec, &scriptedInvoker{}, &memRecorder{})
	story, epic := testStoryAndEpic()

	if _, err := p.MergeToEpic(context.Background(), orchestration.NewContext("task-1"), story, epic, t.TempDir()); err != nil {
		t.Fatalf("MergeToEpic() error: %v", err)
	}
	if exec.saw("checkout") {
		t.Error("checkout is redundant when the epic branch is already current")
	}
}

func TestMergeToEpicConflictPreservesBranch(t *testing.T) {
	teamWS := t.TempDir()
	// Nested markers defeat both the union merge and (absent an invoker
	// that edits files) the assisted tier.
	conflicted := "<<<<<<< HEAD\n<<<<<<< inner\na\n=======\nb\n>>>>>>> inner\n>>>>>>> x\n"
	if err := os.WriteFile(filepath.Join(teamWS, "core.go"), []byte(conflicted), 0o644); err != nil {
		t.Fatal(err)
	}

	exec := newMapExecutor()
	exec.set("merge", "CONFLICT (content): Merge conflict in core.go\nAutomatic merge failed", errors.New("exit status 1"))
	exec.set("diff", "core.go\n", nil)
	rec := &memRecorder{}

	// The "agent" claims success without touching the file.
	invoker := &scriptedInvoker{responses: []*agent.Response{{Output: "WORK_COMPLETE"}}}
	p := testPipeline(t, exec, invoker, rec)
	run := orchestration.NewContext("task-1")
	story, epic := testStoryAndEpic()

	outcome, err := p.MergeToEpic(context.Background(), run, story, epic, teamWS)
	if err != nil {
		t.Fatalf("a conflicted story must not error, got %v", err)
	}
	if outcome.Status != event.StoryConflictedStatus {
		t.Errorf("Status = %s, want conflicted", outcome.Status)
	}
	if exec.saw("branch") {
		t.Error("conflicted story's branch must be preserved")
	}
	if !hasType(rec.types(), event.StoryConflicted) {
		t.Error("missing story.conflicted event")
	}
}
