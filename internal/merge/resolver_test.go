package merge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devwspito/armada/internal/agent"
	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/gitops"
)

// scriptedExecutor plays back canned git responses in call order.
type scriptedExecutor struct {
	calls   [][]string
	outputs [][]byte
	errs    []error
	index   int
}

func (s *scriptedExecutor) add(output string, err error) {
	s.outputs = append(s.outputs, []byte(output))
	s.errs = append(s.errs, err)
}

func (s *scriptedExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, append([]string{name}, args...))
	idx := s.index
	s.index++
	if idx < len(s.outputs) {
		return s.outputs[idx], s.errs[idx]
	}
	return nil, nil
}

func (s *scriptedExecutor) sawSubcommand(sub string) bool {
	for _, call := range s.calls {
		if len(call) > 1 && call[1] == sub {
			return true
		}
	}
	return false
}

// editingInvoker simulates an agent by writing content into files.
type editingInvoker struct {
	edits    map[string]string // relative path -> new content
	cost     float64
	requests []agent.Request
}

func (e *editingInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Response, error) {
	e.requests = append(e.requests, req)
	for rel, content := range e.edits {
		if err := os.WriteFile(filepath.Join(req.WorkspacePath, rel), []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	return &agent.Response{Output: "WORK_COMPLETE", CostUSD: e.cost}, nil
}

func writeConflicted(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const resolvableConflict = "import (\n<<<<<<< HEAD\n\t\"fmt\"\n=======\n\t\"os\"\n>>>>>>> story/s1\n)\n"

// nested markers defeat the union merge, forcing the next tier
const stubbornConflict = "<<<<<<< HEAD\n<<<<<<< inner\na\n=======\nb\n>>>>>>> inner\n>>>>>>> story/s1\n"

func TestResolverMechanicalTier(t *testing.T) {
	dir := t.TempDir()
	writeConflicted(t, dir, "imports.go", resolvableConflict)

	exec := &scriptedExecutor{}
	exec.add("imports.go\n", nil) // diff --name-only --diff-filter=U
	exec.add("", nil)             // add -- imports.go
	exec.add("", nil)             // commit --no-edit

	r := &Resolver{Git: gitops.NewClient(gitops.WithExecutor(exec))}
	resolution, err := r.Resolve(context.Background(), dir, "story/s1", "merge story s1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if resolution.Tier != TierMechanical {
		t.Errorf("Tier = %s, want mechanical", resolution.Tier)
	}
	if len(resolution.MechanicallyResolved) != 1 {
		t.Errorf("MechanicallyResolved = %v", resolution.MechanicallyResolved)
	}

	content, _ := os.ReadFile(filepath.Join(dir, "imports.go"))
	if HasConflictMarkers(string(content)) {
		t.Error("resolved file still has markers")
	}
	if !strings.Contains(string(content), `"fmt"`) || !strings.Contains(string(content), `"os"`) {
		t.Errorf("union merge lost a side:\n%s", content)
	}
}

func TestResolverAssistedTier(t *testing.T) {
	dir := t.TempDir()
	writeConflicted(t, dir, "core.go", stubbornConflict)

	exec := &scriptedExecutor{}
	exec.add("core.go\n", nil) // conflicted files
	exec.add("", nil)          // add -- core.go (after agent)
	exec.add("", nil)          // commit

	invoker := &editingInvoker{
		edits: map[string]string{"core.go": "a\nb\n"},
		cost:  0.75,
	}
	r := &Resolver{Git: gitops.NewClient(gitops.WithExecutor(exec)), Invoker: invoker, TaskID: "task-1"}

	resolution, err := r.Resolve(context.Background(), dir, "story/s1", "merge story s1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if resolution.Tier != TierAssisted {
		t.Errorf("Tier = %s, want assisted", resolution.Tier)
	}
	if resolution.CostUSD != 0.75 {
		t.Errorf("CostUSD = %v", resolution.CostUSD)
	}
	if len(invoker.requests) != 1 {
		t.Fatalf("agent invoked %d times", len(invoker.requests))
	}
	req := invoker.requests[0]
	if req.AgentType != "merge-resolver" || req.TaskID != "task-1" {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Prompt, "core.go") || !strings.Contains(req.Prompt, "<<<<<<<") {
		t.Error("prompt must carry the conflicted file contents")
	}
}

func TestResolverAgentLeavingMarkersEscalates(t *testing.T) {
	dir := t.TempDir()
	writeConflicted(t, dir, "core.go", stubbornConflict)

	exec := &scriptedExecutor{}
	exec.add("core.go\n", nil) // conflicted files
	exec.add("", nil)          // merge --abort

	// The agent claims success but edits nothing.
	invoker := &editingInvoker{edits: map[string]string{}}
	r := &Resolver{Git: gitops.NewClient(gitops.WithExecutor(exec)), Invoker: invoker}

	resolution, err := r.Resolve(context.Background(), dir, "story/s1", "merge story s1")
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Fatalf("error = %v, want ErrMergeConflict", err)
	}
	if resolution.Tier != TierEscalated {
		t.Errorf("Tier = %s, want escalated", resolution.Tier)
	}
	if !exec.sawSubcommand("merge") {
		t.Error("escalation must abort the in-progress merge")
	}
}

func TestResolverNoInvokerEscalates(t *testing.T) {
	dir := t.TempDir()
	writeConflicted(t, dir, "core.go", stubbornConflict)

	exec := &scriptedExecutor{}
	exec.add("core.go\n", nil)
	exec.add("", nil) // merge --abort

	r := &Resolver{Git: gitops.NewClient(gitops.WithExecutor(exec))}
	_, err := r.Resolve(context.Background(), dir, "story/s1", "merge story s1")
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Errorf("error = %v, want ErrMergeConflict", err)
	}
}

func TestResolverNoConflictedFilesIsAnError(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.add("", nil) // empty conflicted list

	r := &Resolver{Git: gitops.NewClient(gitops.WithExecutor(exec))}
	_, err := r.Resolve(context.Background(), t.TempDir(), "story/s1", "msg")
	if err == nil {
		t.Error("resolving with no conflicts should fail loudly")
	}
}
