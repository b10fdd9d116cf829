package graph

import (
	"sort"
	"time"

	"github.com/gyreflow/gyre/internal/node"
	"github.com/gyreflow/gyre/pkg/schema"
)

// CycleGroup is one feedback loop: a strongly connected component of the
// workflow graph together with its single closing edge.
type CycleGroup struct {
	ID            string
	Members       []string // sorted node IDs
	Closing       *Edge
	Checker       string // source node of the closing edge
	Convergence   string
	MaxIterations int
	Timeout       time.Duration
	Sorted        []string // member topological order with the closing edge removed

	memberSet map[string]bool
}

// Contains reports whether the node belongs to this cycle group.
func (g *CycleGroup) Contains(id string) bool {
	return g.memberSet[id]
}

// Workflow is the frozen, validated topology produced by Builder.Validate.
// It is immutable once running: the executor only reads it.
type Workflow struct {
	Nodes map[string]node.Node
	Order []string // node insertion order
	Edges []*Edge

	In  map[string][]*Edge // incoming edges per node, cycle edges included
	Out map[string][]*Edge

	Entries  []string // nodes with no incoming non-cycle edge
	Sorted   []string // topological order with cycle edges removed
	Cycles   []*CycleGroup
	CycleOf  map[string]*CycleGroup // node -> its group, absent if acyclic
	Policies map[string]*NodePolicy // node -> runtime policy, absent if none
}

// Policy returns the node's runtime policy, or nil when none was declared.
func (w *Workflow) Policy(id string) *NodePolicy { return w.Policies[id] }

// Validate checks the accumulated structure and freezes it into a Workflow.
// All failures here are build-time-only: a workflow that validates cannot
// produce these errors at runtime.
func (b *Builder) Validate() (*Workflow, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	wf := &Workflow{
		Nodes:    b.nodes,
		Order:    append([]string(nil), b.order...),
		Edges:    b.edges,
		In:       make(map[string][]*Edge, len(b.nodes)),
		Out:      make(map[string][]*Edge, len(b.nodes)),
		CycleOf:  make(map[string]*CycleGroup),
		Policies: b.policies,
	}

	// Endpoint and contract checks.
	for _, e := range b.edges {
		if _, ok := b.nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s references non-existent source node %s", edgeLabel(e), e.Source)
		}
		target, ok := b.nodes[e.Target]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s references non-existent target node %s", edgeLabel(e), e.Target)
		}
		if err := checkMappingTargets(e, target); err != nil {
			return nil, err
		}
		wf.Out[e.Source] = append(wf.Out[e.Source], e)
		wf.In[e.Target] = append(wf.In[e.Target], e)
	}

	// Strongly connected components over the full graph.
	adj := make(map[string][]string, len(b.nodes))
	selfLoop := make(map[string]bool)
	for _, e := range b.edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		if e.Source == e.Target {
			selfLoop[e.Source] = true
		}
	}
	ordered := append([]string(nil), b.order...)
	sort.Strings(ordered)
	components := tarjanSCC(ordered, adj)

	// Identify cycle groups and validate closure structure.
	inGroup := make(map[string]bool)
	for _, comp := range components {
		if len(comp) == 1 && !selfLoop[comp[0]] {
			continue
		}
		group, err := b.buildCycleGroup(comp)
		if err != nil {
			return nil, err
		}
		wf.Cycles = append(wf.Cycles, group)
		for _, id := range group.Members {
			wf.CycleOf[id] = group
			inGroup[id] = true
		}
	}
	sort.Slice(wf.Cycles, func(i, j int) bool { return wf.Cycles[i].ID < wf.Cycles[j].ID })

	// A cycle flag on an edge outside any cycle group is a structural defect:
	// the edge cannot close a loop.
	for _, e := range b.edges {
		if e.IsCycle && (!inGroup[e.Source] || wf.CycleOf[e.Source] != wf.CycleOf[e.Target]) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s is marked is_cycle but does not close a cycle", edgeLabel(e))
		}
	}

	// Entry nodes: reachable without traversing any cycle edge.
	for _, id := range ordered {
		hasAcyclicIn := false
		for _, e := range wf.In[id] {
			if !e.IsCycle {
				hasAcyclicIn = true
				break
			}
		}
		if !hasAcyclicIn {
			wf.Entries = append(wf.Entries, id)
		}
	}
	if len(wf.Entries) == 0 {
		return nil, schema.NewError(schema.ErrCodeNoEntryPoint,
			"workflow has no entry node: every node requires a cycle edge to be reached")
	}

	// Topological order with cycle edges removed. Cycle-group validation
	// guarantees the remaining graph is acyclic.
	sorted, acyclic := topoSort(ordered, b.edges, func(e *Edge) bool { return !e.IsCycle })
	if !acyclic {
		// Unreachable after per-group validation; kept as a hard guard.
		return nil, schema.NewError(schema.ErrCodeUnmarkedCycleEdge,
			"workflow contains an undeclared cycle")
	}
	wf.Sorted = sorted

	return wf, nil
}

// buildCycleGroup validates one SCC's closure structure and returns its group.
func (b *Builder) buildCycleGroup(members []string) (*CycleGroup, error) {
	memberSet := make(map[string]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
	}

	var internal []*Edge
	var closing []*Edge
	for _, e := range b.edges {
		if !memberSet[e.Source] || !memberSet[e.Target] {
			continue
		}
		internal = append(internal, e)
		if e.IsCycle {
			closing = append(closing, e)
		}
	}

	sortedMembers := append([]string(nil), members...)
	sort.Strings(sortedMembers)
	cycleID := "cycle:" + sortedMembers[0]

	switch len(closing) {
	case 0:
		return nil, schema.NewErrorf(schema.ErrCodeNoCycleClosure,
			"cycle group %v has no edge marked is_cycle", sortedMembers).WithCycle(cycleID)
	case 1:
		// The single declared closure.
	default:
		return nil, schema.NewErrorf(schema.ErrCodeAmbiguousCycleClosure,
			"cycle group %v has %d edges marked is_cycle, want exactly one", sortedMembers, len(closing)).
			WithCycle(cycleID)
	}
	closeEdge := closing[0]

	// Removing the declared closing edge must break every loop in the group;
	// a leftover back-edge is an undeclared cycle.
	groupSorted, acyclic := topoSort(sortedMembers, internal, func(e *Edge) bool { return e != closeEdge })
	if !acyclic {
		return nil, schema.NewErrorf(schema.ErrCodeUnmarkedCycleEdge,
			"cycle group %v still contains a loop after removing its closing edge; mark the remaining back-edge is_cycle in its own group or restructure",
			sortedMembers).WithCycle(cycleID)
	}

	// Strict input contract: the closing edge must cover every declared input
	// of its target, so cycle data can never be silently dropped.
	target := b.nodes[closeEdge.Target]
	if node.IsStrict(target) {
		covered := make(map[string]bool)
		for _, m := range closeEdge.EffectiveMapping() {
			covered[m.Target] = true
		}
		for _, in := range target.DeclaredInputs() {
			if !covered[in.Name] {
				return nil, schema.NewErrorf(schema.ErrCodePartialCycleMapping,
					"closing edge %s does not map declared input %q of strict node %s",
					edgeLabel(closeEdge), in.Name, closeEdge.Target).
					WithNode(closeEdge.Target).WithCycle(cycleID)
			}
		}
	}

	maxIter := closeEdge.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	return &CycleGroup{
		ID:            cycleID,
		Members:       sortedMembers,
		Closing:       closeEdge,
		Checker:       closeEdge.Source,
		Convergence:   closeEdge.Convergence,
		MaxIterations: maxIter,
		Timeout:       closeEdge.CycleTimeout,
		Sorted:        groupSorted,
		memberSet:     memberSet,
	}, nil
}

// checkMappingTargets rejects mapping entries naming inputs the target never
// declared. Nodes without a declared input contract accept any name.
func checkMappingTargets(e *Edge, target node.Node) error {
	declared := target.DeclaredInputs()
	if len(declared) == 0 {
		return nil
	}
	names := make(map[string]bool, len(declared))
	for _, in := range declared {
		names[in.Name] = true
	}
	for _, m := range e.EffectiveMapping() {
		if m.Target == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s has a mapping entry with empty target", edgeLabel(e))
		}
		if !names[m.Target] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s maps to undeclared input %q of node %s", edgeLabel(e), m.Target, e.Target)
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm over the nodes using only edges accepted by
// keep. Ready nodes are processed in lexicographic order for deterministic
// output. The second result is false if the kept subgraph contains a cycle.
func topoSort(nodes []string, edges []*Edge, keep func(*Edge) bool) ([]string, bool) {
	nodeSet := make(map[string]bool, len(nodes))
	for _, id := range nodes {
		nodeSet[id] = true
	}

	inDegree := make(map[string]int, len(nodes))
	succ := make(map[string][]string, len(nodes))
	for _, id := range nodes {
		inDegree[id] = 0
	}
	for _, e := range edges {
		if !keep(e) || !nodeSet[e.Source] || !nodeSet[e.Target] {
			continue
		}
		succ[e.Source] = append(succ[e.Source], e.Target)
		inDegree[e.Target]++
	}

	var queue []string
	for _, id := range nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		next := append([]string(nil), succ[id]...)
		sort.Strings(next)
		for _, s := range next {
			inDegree[s]--
			if inDegree[s] == 0 {
				queue = append(queue, s)
			}
		}
	}

	return sorted, len(sorted) == len(nodes)
}
