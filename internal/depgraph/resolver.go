// Package depgraph orders epics by their declared and policy-injected
// dependencies. The resolver produces the fine-grained ordering used within
// a scheduler batch; the scheduler's own executionOrder grouping is a
// coarser ordering layered on top.
package depgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/event"
)

// Resolution is the result of a successful topological sort.
type Resolution struct {
	// Order holds every input epic, each appearing after all of its
	// dependencies.
	Order []*event.Epic

	// Levels groups Order into dependency levels: epics in level n depend
	// only on epics in levels < n. Epics in the same level are mutually
	// independent.
	Levels [][]*event.Epic
}

// Resolver performs dependency resolution over a set of epics.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve topologically sorts the epics by their DependsOn edges using
// Kahn's algorithm. Ties are broken by original input order, so identical
// input always yields identical output. Dependencies on unknown epic IDs
// are ignored; cycles are reported as an error naming the epics involved,
// never silently dropped.
func (r *Resolver) Resolve(epics []*event.Epic) (*Resolution, error) {
	if len(epics) == 0 {
		return &Resolution{}, nil
	}

	index := make(map[string]int, len(epics)) // id -> input position
	for i, epic := range epics {
		if _, dup := index[epic.ID]; dup {
			return nil, fmt.Errorf("resolve dependencies: duplicate epic id %q", epic.ID)
		}
		index[epic.ID] = i
	}

	inDegree := make(map[string]int, len(epics))
	dependents := make(map[string][]string, len(epics))
	for _, epic := range epics {
		inDegree[epic.ID] = 0
	}
	for _, epic := range epics {
		for _, depID := range epic.DependsOn {
			if _, known := index[depID]; !known {
				continue
			}
			inDegree[epic.ID]++
			dependents[depID] = append(dependents[depID], epic.ID)
		}
	}

	// BFS level by level, keeping each level in input order for stability.
	var queue []string
	for _, epic := range epics {
		if inDegree[epic.ID] == 0 {
			queue = append(queue, epic.ID)
		}
	}

	resolution := &Resolution{}
	resolved := 0
	for len(queue) > 0 {
		sort.SliceStable(queue, func(a, b int) bool {
			return index[queue[a]] < index[queue[b]]
		})

		level := make([]*event.Epic, 0, len(queue))
		var next []string
		for _, id := range queue {
			epic := epics[index[id]]
			level = append(level, epic)
			resolution.Order = append(resolution.Order, epic)
			resolved++

			for _, depID := range dependents[id] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		resolution.Levels = append(resolution.Levels, level)
		queue = next
	}

	if resolved != len(epics) {
		return nil, cycleError(epics, inDegree)
	}
	return resolution, nil
}

// cycleError builds an error listing the epics still blocked when the sort
// stalled. Those are exactly the members and downstream victims of a cycle.
func cycleError(epics []*event.Epic, inDegree map[string]int) error {
	var stuck []string
	for _, epic := range epics {
		if inDegree[epic.ID] > 0 {
			stuck = append(stuck, epic.ID)
		}
	}
	return fmt.Errorf("%w: epics [%s] form or depend on a cycle",
		errors.ErrDependencyCycle, strings.Join(stuck, ", "))
}
