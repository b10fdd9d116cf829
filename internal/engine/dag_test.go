package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyreflow/gyre/internal/graph"
)

func TestBuildPlan_LinearChain(t *testing.T) {
	wf := mustValidate(t, graph.NewBuilder().
		AddNode("a", echoNode()).
		AddNode("b", echoNode()).
		AddNode("c", echoNode()).
		AddEdge("a", "x", "b", "x").
		AddEdge("b", "x", "c", "x"))

	p := buildPlan(wf)
	require.Len(t, p.units, 3)
	assert.Equal(t, []string{"a", "b", "c"}, p.order)

	assert.Empty(t, p.units["a"].deps)
	assert.True(t, p.units["b"].deps["a"])
	assert.True(t, p.units["c"].deps["b"])
	assert.Equal(t, []string{"b"}, p.units["a"].succ)
}

func TestBuildPlan_CycleGroupCondensedToOneUnit(t *testing.T) {
	wf := mustValidate(t, graph.NewBuilder().
		AddNode("seed", echoNode()).
		AddNode("gen", echoNode()).
		AddNode("check", echoNode()).
		AddNode("sink", echoNode()).
		AddEdge("seed", "x", "gen", "x").
		AddEdge("gen", "draft", "check", "draft").
		AddEdge("check", "feedback", "gen", "feedback", graph.WithCycle("done", 5)).
		AddEdge("check", "final", "sink", "final"))

	p := buildPlan(wf)
	require.Len(t, p.units, 3)

	cycle := p.units["cycle:check"]
	require.NotNil(t, cycle)
	require.NotNil(t, cycle.group)
	assert.Equal(t, []string{"check", "gen"}, cycle.group.Members)

	// The back-edge never appears as a dependency; the loop depends on seed
	// and unblocks sink.
	assert.True(t, cycle.deps["seed"])
	assert.Len(t, cycle.deps, 1)
	assert.Equal(t, []string{"cycle:check"}, p.units["seed"].succ)
	assert.True(t, p.units["sink"].deps["cycle:check"])
}

func TestBuildPlan_SelfLoop(t *testing.T) {
	wf := mustValidate(t, graph.NewBuilder().
		AddNode("inc", echoNode()).
		AddEdge("inc", "count", "inc", "count", graph.WithCycle("count >= 5", 10)))

	p := buildPlan(wf)
	require.Len(t, p.units, 1)
	u := p.units["cycle:inc"]
	require.NotNil(t, u)
	assert.Empty(t, u.deps)
	assert.Empty(t, u.succ)
}

func TestBuildPlan_ParallelBranches(t *testing.T) {
	wf := mustValidate(t, graph.NewBuilder().
		AddNode("src", echoNode()).
		AddNode("left", echoNode()).
		AddNode("right", echoNode()).
		AddEdge("src", "x", "left", "x").
		AddEdge("src", "x", "right", "x"))

	p := buildPlan(wf)
	assert.Equal(t, []string{"left", "right"}, p.units["src"].succ)
	assert.Empty(t, p.units["src"].deps)
	assert.Len(t, p.units["left"].deps, 1)
	assert.Len(t, p.units["right"].deps, 1)
}
