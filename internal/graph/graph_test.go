package graph

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyreflow/gyre/internal/node"
	"github.com/gyreflow/gyre/pkg/schema"
)

// passthrough returns a wildcard node echoing its inputs.
func passthrough() node.Node {
	return &node.Func{
		Fn: func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			return inputs, nil
		},
	}
}

// counter declares a single "count" input.
func counter(required bool, def any) node.Node {
	return &node.Func{
		Inputs: []node.InputSpec{{Name: "count", Required: required, Default: def}},
		Fn: func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			return inputs, nil
		},
	}
}

func gyreCode(t *testing.T, err error) string {
	t.Helper()
	var gerr *schema.GyreError
	require.True(t, errors.As(err, &gerr), "want GyreError, got %T: %v", err, err)
	return gerr.Code
}

func TestValidate_LinearChain(t *testing.T) {
	wf, err := NewBuilder().
		AddNode("a", passthrough()).
		AddNode("b", passthrough()).
		AddNode("c", passthrough()).
		AddEdge("a", "out", "b", "in").
		AddEdge("b", "out", "c", "in").
		Validate()
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, wf.Entries)
	assert.Equal(t, []string{"a", "b", "c"}, wf.Sorted)
	assert.Empty(t, wf.Cycles)
}

func TestValidate_SelfLoopCycle(t *testing.T) {
	wf, err := NewBuilder().
		AddNode("inc", counter(false, nil)).
		AddEdge("inc", "count", "inc", "count", WithCycle("count >= 5", 10)).
		Validate()
	require.NoError(t, err)

	require.Len(t, wf.Cycles, 1)
	g := wf.Cycles[0]
	assert.Equal(t, "cycle:inc", g.ID)
	assert.Equal(t, []string{"inc"}, g.Members)
	assert.Equal(t, "inc", g.Checker)
	assert.Equal(t, 10, g.MaxIterations)
	assert.Equal(t, "count >= 5", g.Convergence)
	assert.Equal(t, []string{"inc"}, wf.Entries)
	assert.True(t, g.Contains("inc"))
	assert.False(t, g.Contains("other"))
}

func TestValidate_TwoNodeCycle(t *testing.T) {
	wf, err := NewBuilder().
		AddNode("gen", passthrough()).
		AddNode("check", passthrough()).
		AddEdge("gen", "draft", "check", "draft").
		AddEdge("check", "feedback", "gen", "feedback", WithCycle("score > 0.9", 0)).
		Validate()
	require.NoError(t, err)

	require.Len(t, wf.Cycles, 1)
	g := wf.Cycles[0]
	assert.Equal(t, "cycle:check", g.ID)
	assert.Equal(t, []string{"check", "gen"}, g.Members)
	assert.Equal(t, "check", g.Checker)
	assert.Equal(t, DefaultMaxIterations, g.MaxIterations)
	assert.Equal(t, []string{"gen", "check"}, g.Sorted)
}

func TestValidate_NoCycleClosure(t *testing.T) {
	_, err := NewBuilder().
		AddNode("a", passthrough()).
		AddNode("b", passthrough()).
		AddEdge("a", "x", "b", "x").
		AddEdge("b", "y", "a", "y").
		Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNoCycleClosure, gyreCode(t, err))
}

func TestValidate_AmbiguousCycleClosure(t *testing.T) {
	// Two edges of the same loop both flagged is_cycle.
	_, err := NewBuilder().
		AddNode("a", passthrough()).
		AddNode("b", passthrough()).
		AddEdge("a", "x", "b", "x", WithCycle("done", 5)).
		AddEdge("b", "y", "a", "y", WithCycle("done", 5)).
		Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAmbiguousCycleClosure, gyreCode(t, err))
}

func TestValidate_OverlappingLoopsAreAmbiguous(t *testing.T) {
	// Two loops sharing node b merge into one component with two closures.
	_, err := NewBuilder().
		AddNode("a", passthrough()).
		AddNode("b", passthrough()).
		AddNode("c", passthrough()).
		AddEdge("a", "x", "b", "x").
		AddEdge("b", "y", "a", "y", WithCycle("p", 5)).
		AddEdge("b", "x", "c", "x").
		AddEdge("c", "y", "b", "y", WithCycle("q", 5)).
		Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAmbiguousCycleClosure, gyreCode(t, err))
}

func TestValidate_UnmarkedCycleEdge(t *testing.T) {
	// Removing the single closing edge must break every loop; the a<->b
	// back-edge survives here.
	_, err := NewBuilder().
		AddNode("a", passthrough()).
		AddNode("b", passthrough()).
		AddNode("c", passthrough()).
		AddEdge("a", "x", "b", "x").
		AddEdge("b", "y", "a", "y").
		AddEdge("b", "x", "c", "x").
		AddEdge("c", "y", "a", "y", WithCycle("p", 5)).
		Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnmarkedCycleEdge, gyreCode(t, err))
}

func TestValidate_PartialCycleMapping(t *testing.T) {
	strict := &node.Func{
		Inputs: []node.InputSpec{
			{Name: "count", Required: true},
			{Name: "seed", Required: true},
		},
		Strict: true,
		Fn: func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			return inputs, nil
		},
	}

	_, err := NewBuilder().
		AddNode("inc", strict).
		AddEdge("inc", "count", "inc", "count", WithCycle("count >= 5", 5)).
		Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePartialCycleMapping, gyreCode(t, err))
}

func TestValidate_StrictCycleMappingCovered(t *testing.T) {
	strict := &node.Func{
		Inputs: []node.InputSpec{
			{Name: "count", Required: true},
			{Name: "seed", Required: true},
		},
		Strict: true,
		Fn: func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			return inputs, nil
		},
	}

	_, err := NewBuilder().
		AddNode("inc", strict).
		AddEdge("inc", "", "inc", "", WithCycle("count >= 5", 5), WithMapping(
			schema.MappingEntry{Source: "count", Target: "count"},
			schema.MappingEntry{Source: "seed", Target: "seed"},
		)).
		Validate()
	require.NoError(t, err)
}

func TestValidate_EmptyWorkflow(t *testing.T) {
	_, err := NewBuilder().Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, gyreCode(t, err))
}

func TestValidate_DuplicateNode(t *testing.T) {
	_, err := NewBuilder().
		AddNode("a", passthrough()).
		AddNode("a", passthrough()).
		Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, gyreCode(t, err))
}

func TestValidate_EdgeToUnknownNode(t *testing.T) {
	_, err := NewBuilder().
		AddNode("a", passthrough()).
		AddEdge("a", "x", "ghost", "x").
		Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, gyreCode(t, err))
}

func TestValidate_MappingToUndeclaredInput(t *testing.T) {
	_, err := NewBuilder().
		AddNode("a", passthrough()).
		AddNode("b", counter(false, nil)).
		AddEdge("a", "out", "b", "bogus").
		Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, gyreCode(t, err))
}

func TestValidate_CycleFlagOutsideLoop(t *testing.T) {
	_, err := NewBuilder().
		AddNode("a", passthrough()).
		AddNode("b", passthrough()).
		AddEdge("a", "x", "b", "x", WithCycle("p", 5)).
		Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, gyreCode(t, err))
}

func TestValidate_DeterministicTopoOrder(t *testing.T) {
	build := func() *Workflow {
		wf, err := NewBuilder().
			AddNode("z", passthrough()).
			AddNode("m", passthrough()).
			AddNode("a", passthrough()).
			AddEdge("a", "x", "m", "x").
			AddEdge("a", "x", "z", "x").
			Validate()
		require.NoError(t, err)
		return wf
	}

	first := build().Sorted
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, build().Sorted)
	}
	assert.Equal(t, []string{"a", "m", "z"}, first)
}

func TestFromDefinition(t *testing.T) {
	reg := node.NewRegistry()
	node.RegisterBuiltins(reg)

	def := &schema.WorkflowDefinition{
		Name: "loop",
		Nodes: []schema.NodeDefinition{
			{ID: "inc", Capability: "noop", Timeout: "2s"},
		},
		Edges: []schema.EdgeDefinition{
			{
				Source: "inc", SourceKey: "count",
				Target: "inc", TargetKey: "count",
				IsCycle: true, Convergence: "count >= 5", MaxIterations: 7,
				CycleTimeout: "30s",
			},
		},
	}

	b, err := FromDefinition(def, reg)
	require.NoError(t, err)
	wf, err := b.Validate()
	require.NoError(t, err)

	require.Len(t, wf.Cycles, 1)
	assert.Equal(t, 7, wf.Cycles[0].MaxIterations)
	assert.NotNil(t, wf.Policy("inc"))
	assert.Equal(t, "2s", wf.Policy("inc").Timeout.String())
}

func TestFromDefinition_UnknownCapability(t *testing.T) {
	reg := node.NewRegistry()
	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{{ID: "n", Capability: "nope"}},
	}
	_, err := FromDefinition(def, reg)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, gyreCode(t, err))
}

func TestFromDefinition_NodeParams(t *testing.T) {
	reg := node.NewRegistry()
	node.RegisterBuiltins(reg)

	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "j", Capability: "jq", Params: json.RawMessage(`{"expression": "{doubled: (.n * 2)}"}`)},
		},
	}
	b, err := FromDefinition(def, reg)
	require.NoError(t, err)
	_, err = b.Validate()
	require.NoError(t, err)
}
