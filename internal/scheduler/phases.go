package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/devwspito/armada/internal/agent"
	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/event"
	"github.com/devwspito/armada/internal/orchestration"
	"github.com/devwspito/armada/internal/phase"
	"github.com/devwspito/armada/internal/story"
	"github.com/devwspito/armada/internal/watch"
)

// -----------------------------------------------------------------------------
// Architecture
// -----------------------------------------------------------------------------

// ArchitectureReport is the architecture phase's typed result data.
type ArchitectureReport struct {
	Guidance string `json:"guidance"`
}

type architecturePhase struct{ s *teamState }

func (p *architecturePhase) Name() string {
	return "architecture:" + p.s.epic.ID
}

func (p *architecturePhase) ShouldSkip(ctx context.Context, run *orchestration.Context) (bool, error) {
	return p.s.shouldSkip(ctx, run.TaskID, p.Name())
}

func (p *architecturePhase) Execute(ctx context.Context, run *orchestration.Context) (*phase.Result, error) {
	s := p.s
	var b strings.Builder
	fmt.Fprintf(&b, "Design the technical approach for epic %q in this repository.\n\n", s.epic.Name)
	b.WriteString("Stories in scope:\n")
	for _, st := range s.stories {
		fmt.Fprintf(&b, "- %s: %s (files: %s)\n", st.ID, st.Title, strings.Join(st.FilesToModify, ", "))
	}
	b.WriteString("\nDescribe interfaces, data flow, and the order of work. Do not write code.\n")
	if feedback := phase.FeedbackFrom(ctx); feedback != "" {
		fmt.Fprintf(&b, "\nPrevious attempt was rejected: %s\n", feedback)
	}

	resp, err := s.team.Invoker.Invoke(ctx, agent.Request{
		AgentType:     "architect",
		Prompt:        b.String(),
		WorkspacePath: s.workspace,
		TaskID:        run.TaskID,
		DisplayName:   "architecture: " + s.epic.Name,
	})
	if err != nil {
		return nil, err
	}

	// Later phases and restarts read the guidance from shared data.
	guidance := readStringMap(run, "architecture")
	guidance[s.epic.ID] = resp.Output
	run.SetData("architecture", guidance)

	return &phase.Result{
		Data:    &ArchitectureReport{Guidance: resp.Output},
		Output:  resp.Output,
		CostUSD: resp.CostUSD,
		Tokens:  phase.Tokens{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens},
	}, nil
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// ImplementationReport is the implementation phase's typed result data.
type ImplementationReport struct {
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
}

type implementationPhase struct{ s *teamState }

func (p *implementationPhase) Name() string {
	return "implementation:" + p.s.epic.ID
}

func (p *implementationPhase) ShouldSkip(ctx context.Context, run *orchestration.Context) (bool, error) {
	return p.s.shouldSkip(ctx, run.TaskID, p.Name())
}

func (p *implementationPhase) Execute(ctx context.Context, run *orchestration.Context) (*phase.Result, error) {
	s := p.s
	if len(s.stories) == 0 {
		return &phase.Result{Warnings: []string{"epic has no stories"}}, nil
	}

	// Guessing at missing guidance risks building the wrong thing; this
	// only trips when a skipped architecture phase lost its output both
	// from shared data and from the replayed phase records.
	if p.guidance(run) == "" {
		return nil, errors.NewPhaseError("no architecture output for epic", errors.ErrHumanInterventionRequired).
			WithEpic(s.epic.ID)
	}

	// Declared file lists catch overlap before any agent cost is spent.
	if violation := declaredOverlap(s.stories); violation != nil {
		return nil, violation
	}
	if violation := developerOverlap(s.stories); violation != nil {
		return nil, violation
	}

	levels, err := storyLevels(s.stories)
	if err != nil {
		return nil, err
	}

	watcher, err := watch.New(s.team.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start overlap watcher: %w", err)
	}
	var overlapMu sync.Mutex
	var seenOverlaps []watch.Overlap
	watcher.OnOverlap(func(overlaps []watch.Overlap) {
		overlapMu.Lock()
		seenOverlaps = overlaps
		overlapMu.Unlock()
	})
	watcher.Start()
	defer watcher.Stop()
	s.pipeline.Watch = watcher

	report := &ImplementationReport{}
	result := &phase.Result{Data: report}

	for _, level := range levels {
		// On a retry attempt, stories that already developed keep their
		// branches; only the remainder runs again.
		s.mu.Lock()
		pending := level[:0:0]
		for _, st := range level {
			if _, done := s.developed[st.ID]; !done {
				pending = append(pending, st)
			}
		}
		s.mu.Unlock()
		level = pending

		var wg sync.WaitGroup
		outcomes := make([]*story.Outcome, len(level))
		errs := make([]error, len(level))

		for i, st := range level {
			wg.Add(1)
			go func(i int, st *event.Story) {
				defer wg.Done()
				prompt := p.storyPrompt(run, st)
				outcomes[i], errs[i] = s.pipeline.Develop(ctx, run, st, s.epic, s.workspace, prompt)
			}(i, st)
		}
		wg.Wait()

		for i, st := range level {
			outcome := outcomes[i]
			if outcome != nil {
				result.CostUSD += outcome.CostUSD
				result.Tokens.Input += outcome.Usage.InputTokens
				result.Tokens.Output += outcome.Usage.OutputTokens
			}
			if errs[i] != nil {
				if errors.Is(errs[i], errors.ErrRunCancelled) || ctx.Err() != nil {
					return result, errors.ErrRunCancelled
				}
				report.Failed = append(report.Failed, st.ID)
				s.mu.Lock()
				s.outcome.StoriesFailed++
				s.mu.Unlock()
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("story %s failed: %v", st.ID, errs[i]))
				continue
			}
			report.Completed = append(report.Completed, st.ID)
			s.mu.Lock()
			s.developed[st.ID] = outcome
			s.mu.Unlock()
		}
	}

	// A live overlap means the work partitioning was wrong; retry the
	// whole phase with the overlap as feedback.
	overlapMu.Lock()
	overlaps := seenOverlaps
	overlapMu.Unlock()
	if violation := watch.Violation(overlaps); violation != nil {
		return result, violation
	}

	s.mu.Lock()
	developed := len(s.developed)
	s.mu.Unlock()
	if developed == 0 {
		return result, errors.NewPhaseError("every story in the epic failed", errors.ErrInvalidInput).
			WithEpic(s.epic.ID)
	}
	return result, nil
}

// guidance returns the epic's architecture output, preferring shared data
// and falling back to the phase outcome a checkpoint-less restart replayed
// from the event log. The fallback repopulates shared data so later phases
// and checkpoints see it again.
func (p *implementationPhase) guidance(run *orchestration.Context) string {
	s := p.s
	if g := readStringMap(run, "architecture")[s.epic.ID]; g != "" {
		return g
	}
	outcome, ok := run.PhaseResult("architecture:" + s.epic.ID)
	if !ok || !outcome.Success || outcome.Output == "" {
		return ""
	}
	m := readStringMap(run, "architecture")
	m[s.epic.ID] = outcome.Output
	run.SetData("architecture", m)
	return outcome.Output
}

func (p *implementationPhase) storyPrompt(run *orchestration.Context, st *event.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement story %q.\n\n", st.Title)
	if guidance := p.guidance(run); guidance != "" {
		fmt.Fprintf(&b, "Architecture guidance:\n%s\n\n", guidance)
	}
	if len(st.FilesToRead) > 0 {
		fmt.Fprintf(&b, "Read first: %s\n", strings.Join(st.FilesToRead, ", "))
	}
	if len(st.FilesToModify) > 0 {
		fmt.Fprintf(&b, "Modify only: %s\n", strings.Join(st.FilesToModify, ", "))
	}
	if len(st.FilesToCreate) > 0 {
		fmt.Fprintf(&b, "Create: %s\n", strings.Join(st.FilesToCreate, ", "))
	}
	fmt.Fprintf(&b, "\nCommit your work. When fully done emit %s on its own line; ", agent.MarkerComplete)
	fmt.Fprintf(&b, "if the story cannot be completed emit %s: <reason>.\n", agent.MarkerFailed)
	return b.String()
}

// -----------------------------------------------------------------------------
// Review
// -----------------------------------------------------------------------------

// ReviewReport is the review phase's typed result data.
type ReviewReport struct {
	Merged     []string `json:"merged"`
	Conflicted []string `json:"conflicted"`
	Rejected   []string `json:"rejected"`
}

type reviewPhase struct{ s *teamState }

func (p *reviewPhase) Name() string {
	return "review:" + p.s.epic.ID
}

func (p *reviewPhase) ShouldSkip(ctx context.Context, run *orchestration.Context) (bool, error) {
	return p.s.shouldSkip(ctx, run.TaskID, p.Name())
}

func (p *reviewPhase) Execute(ctx context.Context, run *orchestration.Context) (*phase.Result, error) {
	s := p.s
	report := &ReviewReport{}
	result := &phase.Result{Data: report}

	// Review and merge sequentially: merges mutate the epic branch.
	for _, st := range s.stories {
		if _, ok := s.developed[st.ID]; !ok {
			continue
		}

		review, cost, err := p.reviewStory(ctx, run, st)
		result.CostUSD += cost
		if err != nil {
			return result, err
		}
		if !review.Approved() {
			report.Rejected = append(report.Rejected, st.ID)
			s.mu.Lock()
			s.outcome.StoriesFailed++
			s.mu.Unlock()
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("story %s rejected: %s", st.ID, strings.Join(review.Comments, "; ")))
			continue
		}

		outcome, err := s.pipeline.MergeToEpic(ctx, run, st, s.epic, s.workspace)
		if outcome != nil {
			result.CostUSD += outcome.CostUSD
		}
		if err != nil {
			return result, err
		}
		s.mu.Lock()
		if outcome.Status == event.StoryConflictedStatus {
			report.Conflicted = append(report.Conflicted, st.ID)
			s.outcome.StoriesConflicted++
		} else {
			report.Merged = append(report.Merged, st.ID)
			s.outcome.StoriesMerged++
		}
		s.mu.Unlock()
	}

	if len(report.Merged) > 0 {
		if err := s.team.Git.Push(ctx, s.workspace); err != nil {
			return result, err
		}
		s.team.record(ctx, run.TaskID, event.BranchPushed, map[string]any{"branch": s.epic.BranchName})
		_ = run.MarkBranchPushed(s.epic.BranchName)
	}
	return result, nil
}

func (p *reviewPhase) reviewStory(ctx context.Context, run *orchestration.Context, st *event.Story) (agent.Review, float64, error) {
	s := p.s
	var b strings.Builder
	fmt.Fprintf(&b, "Review the changes on branch %s for story %q.\n", st.BranchName, st.Title)
	fmt.Fprintf(&b, "Diff the branch against %s.\n", s.epic.BranchName)
	if commits, err := s.team.Git.CommitsBetween(ctx, s.workspace, s.epic.BranchName, st.BranchName); err == nil && len(commits) > 0 {
		fmt.Fprintf(&b, "Commits under review: %s\n", strings.Join(commits, ", "))
	}
	b.WriteString("\n")
	b.WriteString("Respond with:\nVERDICT: APPROVE or REJECT\nCOMMENTS:\n- file:line: issue\n")

	resp, err := s.team.Invoker.Invoke(ctx, agent.Request{
		AgentType:     "reviewer",
		Prompt:        b.String(),
		WorkspacePath: s.workspace,
		TaskID:        run.TaskID,
		DisplayName:   "review: " + st.Title,
	})
	if err != nil {
		return agent.Review{}, 0, err
	}
	return agent.ParseReview(resp.Output), resp.CostUSD, nil
}

// -----------------------------------------------------------------------------
// Testing
// -----------------------------------------------------------------------------

// TestingReport is the testing phase's typed result data.
type TestingReport struct {
	Passed bool `json:"passed"`
}

type testingPhase struct{ s *teamState }

func (p *testingPhase) Name() string {
	return "testing:" + p.s.epic.ID
}

func (p *testingPhase) ShouldSkip(ctx context.Context, run *orchestration.Context) (bool, error) {
	return p.s.shouldSkip(ctx, run.TaskID, p.Name())
}

func (p *testingPhase) Execute(ctx context.Context, run *orchestration.Context) (*phase.Result, error) {
	s := p.s
	if s.outcome.StoriesMerged == 0 {
		return &phase.Result{
			Data:     &TestingReport{},
			Warnings: []string{"nothing merged, skipping test run"},
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run the project's test suite on branch %s and fix any failures caused by this epic's changes.\n", s.epic.BranchName)
	fmt.Fprintf(&b, "Commit fixes. Emit %s when the suite passes, or %s: <details> if it cannot be made to pass.\n",
		agent.MarkerComplete, agent.MarkerFailed)
	if feedback := phase.FeedbackFrom(ctx); feedback != "" {
		fmt.Fprintf(&b, "\nPrevious attempt: %s\n", feedback)
	}

	resp, err := s.team.Invoker.Invoke(ctx, agent.Request{
		AgentType:     "tester",
		Prompt:        b.String(),
		WorkspacePath: s.workspace,
		TaskID:        run.TaskID,
		DisplayName:   "testing: " + s.epic.Name,
	})
	if err != nil {
		return nil, err
	}

	result := &phase.Result{
		CostUSD: resp.CostUSD,
		Tokens:  phase.Tokens{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens},
	}
	markers := agent.ParseMarkers(resp.Output)
	if markers.Failed {
		reason := markers.FailureReason
		if reason == "" {
			reason = "test suite failing"
		}
		result.Data = &TestingReport{}
		return result, errors.NewRuleViolation("tests-failed", reason)
	}
	result.Data = &TestingReport{Passed: true}
	if !markers.Completed {
		result.Warnings = append(result.Warnings, "tester emitted no completion marker")
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// record appends an event and republishes it on the bus.
func (t *Team) record(ctx context.Context, taskID string, evType event.Type, payload map[string]any) {
	committed, err := t.Store.Append(ctx, event.Event{TaskID: taskID, Type: evType, Payload: payload})
	if err != nil {
		t.logger().Warn("failed to append event", "type", string(evType), "error", err)
		return
	}
	if t.Bus != nil {
		t.Bus.Publish(committed)
	}
}

// readStringMap fetches a map[string]string out of shared data,
// tolerating the map[string]any form a checkpoint round-trip produces.
func readStringMap(run *orchestration.Context, key string) map[string]string {
	out := make(map[string]string)
	raw, ok := run.GetData(key)
	if !ok {
		return out
	}
	switch m := raw.(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// declaredOverlap checks the stories' declared file lists for two
// stories claiming the same path.
func declaredOverlap(stories []*event.Story) *errors.RuleViolation {
	owners := make(map[string][]string)
	for _, st := range stories {
		for _, f := range append(append([]string{}, st.FilesToModify...), st.FilesToCreate...) {
			owners[f] = append(owners[f], st.ID)
		}
	}
	var overlaps []watch.Overlap
	for f, ids := range owners {
		if len(ids) > 1 {
			sort.Strings(ids)
			overlaps = append(overlaps, watch.Overlap{RelativePath: f, StoryIDs: ids})
		}
	}
	sort.Slice(overlaps, func(i, j int) bool { return overlaps[i].RelativePath < overlaps[j].RelativePath })
	return watch.Violation(overlaps)
}

// developerOverlap enforces the one-developer-one-story rule within an
// epic's concurrent stories.
func developerOverlap(stories []*event.Story) *errors.RuleViolation {
	byDeveloper := make(map[string][]string)
	for _, st := range stories {
		if st.AssignedDeveloper == "" {
			continue
		}
		byDeveloper[st.AssignedDeveloper] = append(byDeveloper[st.AssignedDeveloper], st.ID)
	}
	var parts []string
	for dev, ids := range byDeveloper {
		if len(ids) > 1 {
			sort.Strings(ids)
			parts = append(parts, fmt.Sprintf("%s is assigned stories %s", dev, strings.Join(ids, ", ")))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	sort.Strings(parts)
	return errors.NewRuleViolation("developer-assignment",
		strings.Join(parts, "; ")+"; assign each story its own developer")
}

// storyLevels groups stories into dependency levels: level n depends only
// on stories in levels < n. Unknown dependencies are ignored; cycles are
// an error.
func storyLevels(stories []*event.Story) ([][]*event.Story, error) {
	known := make(map[string]bool, len(stories))
	for _, st := range stories {
		known[st.ID] = true
	}

	indegree := make(map[string]int, len(stories))
	dependents := make(map[string][]string)
	for _, st := range stories {
		for _, dep := range st.DependsOn {
			if !known[dep] {
				continue
			}
			indegree[st.ID]++
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	byID := make(map[string]*event.Story, len(stories))
	for _, st := range stories {
		byID[st.ID] = st
	}

	var levels [][]*event.Story
	remaining := len(stories)
	current := make([]*event.Story, 0)
	for _, st := range stories {
		if indegree[st.ID] == 0 {
			current = append(current, st)
		}
	}

	for len(current) > 0 {
		levels = append(levels, current)
		remaining -= len(current)
		var next []*event.Story
		for _, st := range current {
			for _, dep := range dependents[st.ID] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, byID[dep])
				}
			}
		}
		current = next
	}

	if remaining > 0 {
		return nil, fmt.Errorf("%w among stories", errors.ErrDependencyCycle)
	}
	return levels, nil
}
