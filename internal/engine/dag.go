package engine

import (
	"sort"

	"github.com/gyreflow/gyre/internal/graph"
)

// unit is one schedulable element of a run: either a single acyclic node or a
// whole cycle group contracted to one element. Contracting the group means the
// scheduler never sees a back-edge; downstream units only become ready once
// the loop has settled.
type unit struct {
	id    string
	node  string            // set for a singleton unit
	group *graph.CycleGroup // set for a cycle unit
	deps  map[string]bool   // unit IDs this unit waits on
	succ  []string          // unit IDs unblocked by this unit
}

// plan is the condensed schedule of a workflow: units plus their dependency
// edges, derived from the non-cycle edges that cross unit boundaries.
type plan struct {
	units map[string]*unit
	order []string // unit IDs, sorted for deterministic scheduling
}

// buildPlan condenses the workflow into schedulable units.
func buildPlan(wf *graph.Workflow) *plan {
	p := &plan{units: make(map[string]*unit)}

	unitOf := make(map[string]string, len(wf.Order))
	for _, id := range wf.Order {
		if g, ok := wf.CycleOf[id]; ok {
			unitOf[id] = g.ID
			if _, exists := p.units[g.ID]; !exists {
				p.units[g.ID] = &unit{id: g.ID, group: g, deps: make(map[string]bool)}
			}
			continue
		}
		unitOf[id] = id
		p.units[id] = &unit{id: id, node: id, deps: make(map[string]bool)}
	}

	succSet := make(map[string]map[string]bool)
	for _, e := range wf.Edges {
		if e.IsCycle {
			continue
		}
		from, to := unitOf[e.Source], unitOf[e.Target]
		if from == to {
			continue
		}
		p.units[to].deps[from] = true
		if succSet[from] == nil {
			succSet[from] = make(map[string]bool)
		}
		succSet[from][to] = true
	}

	for id, u := range p.units {
		p.order = append(p.order, id)
		for s := range succSet[id] {
			u.succ = append(u.succ, s)
		}
		sort.Strings(u.succ)
	}
	sort.Strings(p.order)

	return p
}
