package depgraph

import (
	"fmt"

	"github.com/devwspito/armada/internal/event"
)

// PolicyResult is the outcome of applying the conservative dependency
// policy. Epics holds copies of the input with any synthetic edges added;
// the input epics are never mutated.
type PolicyResult struct {
	Epics             []*event.Epic
	AddedDependencies []SyntheticEdge
	Applied           bool
}

// SyntheticEdge records one policy-injected dependency for audit logs.
type SyntheticEdge struct {
	From string // the epic that gained the dependency
	On   string // the epic it now depends on
}

func (e SyntheticEdge) String() string {
	return fmt.Sprintf("%s -> %s", e.From, e.On)
}

// ConservativePolicy serializes epics that target different repositories.
// Cross-repository work has no transactional guarantee, so when more than
// one repository is involved the policy imposes a deterministic total order
// across repository groups by adding synthetic dependency edges: every epic
// of a repository group depends on every epic of the previous group, in
// first-seen repository order. Epics sharing a repository keep only their
// declared edges. With a single repository the policy is a no-op.
//
// Two exceptions keep explicit plans explicit. No edge is injected onto an
// epic whose declared execution order is earlier than the dependency's: the
// declared order already serializes those, and the inverted edge would
// contradict it. And epics the plan places in the same positive execution
// order group stay edge-free among themselves when the group's repositories
// are pairwise distinct, so an explicitly grouped cross-repo pair can run
// concurrently.
//
// Applying the policy twice yields the same result as applying it once:
// edges that already exist are never duplicated.
type ConservativePolicy struct{}

// NewConservativePolicy creates a ConservativePolicy.
func NewConservativePolicy() *ConservativePolicy {
	return &ConservativePolicy{}
}

// Apply runs the policy over the epics and returns the modified copies.
func (p *ConservativePolicy) Apply(epics []*event.Epic) *PolicyResult {
	result := &PolicyResult{Epics: copyEpics(epics)}

	// Repository groups in first-seen order keep the output deterministic
	// for identical input.
	var repoOrder []string
	groups := make(map[string][]*event.Epic)
	for _, epic := range result.Epics {
		if _, seen := groups[epic.TargetRepository]; !seen {
			repoOrder = append(repoOrder, epic.TargetRepository)
		}
		groups[epic.TargetRepository] = append(groups[epic.TargetRepository], epic)
	}

	if len(repoOrder) < 2 {
		return result
	}

	result.Applied = true
	exempt := disjointOrderGroups(result.Epics)
	for i := 1; i < len(repoOrder); i++ {
		previous := groups[repoOrder[i-1]]
		for _, epic := range groups[repoOrder[i]] {
			for _, dep := range previous {
				if dep.ExecutionOrder > epic.ExecutionOrder {
					continue
				}
				if epic.ExecutionOrder > 0 && epic.ExecutionOrder == dep.ExecutionOrder &&
					exempt[epic.ExecutionOrder] {
					continue
				}
				if hasDependency(epic, dep.ID) {
					continue
				}
				epic.DependsOn = append(epic.DependsOn, dep.ID)
				result.AddedDependencies = append(result.AddedDependencies, SyntheticEdge{
					From: epic.ID,
					On:   dep.ID,
				})
			}
		}
	}

	return result
}

// disjointOrderGroups reports which positive execution-order groups contain
// two or more epics with pairwise-distinct repositories.
func disjointOrderGroups(epics []*event.Epic) map[int]bool {
	groups := make(map[int][]*event.Epic)
	for _, epic := range epics {
		if epic.ExecutionOrder > 0 {
			groups[epic.ExecutionOrder] = append(groups[epic.ExecutionOrder], epic)
		}
	}
	disjoint := make(map[int]bool)
	for order, members := range groups {
		if len(members) < 2 {
			continue
		}
		repos := make(map[string]bool, len(members))
		distinct := true
		for _, epic := range members {
			if repos[epic.TargetRepository] {
				distinct = false
				break
			}
			repos[epic.TargetRepository] = true
		}
		disjoint[order] = distinct
	}
	return disjoint
}

func hasDependency(epic *event.Epic, depID string) bool {
	for _, existing := range epic.DependsOn {
		if existing == depID {
			return true
		}
	}
	return false
}

func copyEpics(epics []*event.Epic) []*event.Epic {
	out := make([]*event.Epic, len(epics))
	for i, epic := range epics {
		clone := *epic
		clone.DependsOn = append([]string(nil), epic.DependsOn...)
		clone.StoryIDs = append([]string(nil), epic.StoryIDs...)
		out[i] = &clone
	}
	return out
}
