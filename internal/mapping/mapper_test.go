package mapping

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyreflow/gyre/internal/node"
	"github.com/gyreflow/gyre/pkg/schema"
)

func TestApply_TopLevelKey(t *testing.T) {
	m := NewMapper()
	out, err := m.Apply(context.Background(),
		[]schema.MappingEntry{{Source: "count", Target: "count"}},
		map[string]any{"count": 3},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 3}, out)
}

func TestApply_DottedPath(t *testing.T) {
	m := NewMapper()
	out, err := m.Apply(context.Background(),
		[]schema.MappingEntry{{Source: "result.count", Target: "n"}},
		map[string]any{"result": map[string]any{"count": 7.0, "extra": "x"}},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 7.0}, out)
}

func TestApply_EmptyPathSelectsWholeOutput(t *testing.T) {
	m := NewMapper()
	outputs := map[string]any{"a": 1, "b": "two"}
	out, err := m.Apply(context.Background(),
		[]schema.MappingEntry{{Source: "", Target: "all"}},
		outputs,
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"all": outputs}, out)
}

func TestApply_UnresolvedPathOmitted(t *testing.T) {
	m := NewMapper()
	out, err := m.Apply(context.Background(),
		[]schema.MappingEntry{
			{Source: "present", Target: "a"},
			{Source: "absent.deep", Target: "b"},
		},
		map[string]any{"present": true},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": true}, out)
	_, resolved := out["b"]
	assert.False(t, resolved)
}

func TestApply_NilValueTreatedAsUnresolved(t *testing.T) {
	m := NewMapper()
	out, err := m.Apply(context.Background(),
		[]schema.MappingEntry{
			{Source: "top", Target: "a"},
			{Source: "nested.inner", Target: "b"},
		},
		map[string]any{"top": nil, "nested": map[string]any{"inner": nil}},
	)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestApply_DeepCopies(t *testing.T) {
	m := NewMapper()
	src := map[string]any{"state": map[string]any{"n": 1}}
	out, err := m.Apply(context.Background(),
		[]schema.MappingEntry{{Source: "state", Target: "state"}},
		src,
	)
	require.NoError(t, err)

	out["state"].(map[string]any)["n"] = 99
	assert.Equal(t, 1, src["state"].(map[string]any)["n"])
}

func TestApply_InvalidPath(t *testing.T) {
	m := NewMapper()
	_, err := m.Apply(context.Background(),
		[]schema.MappingEntry{{Source: "a..b[", Target: "x"}},
		map[string]any{"y": 1},
	)
	require.Error(t, err)
}

func TestFinalizeInputs_DefaultsApply(t *testing.T) {
	n := &node.Func{
		Inputs: []node.InputSpec{
			{Name: "count", Required: true, Default: 0},
			{Name: "label", Required: false},
		},
		Fn: func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil },
	}

	inputs, err := FinalizeInputs("n1", n, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, inputs["count"])
	_, hasLabel := inputs["label"]
	assert.False(t, hasLabel)
}

func TestFinalizeInputs_MissingRequired(t *testing.T) {
	n := &node.Func{
		Inputs: []node.InputSpec{{Name: "count", Required: true}},
		Fn:     func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil },
	}

	_, err := FinalizeInputs("n1", n, map[string]any{})
	require.Error(t, err)

	var gerr *schema.GyreError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeMissingInput, gerr.Code)
	assert.Equal(t, "n1", gerr.NodeID)
}

func TestFinalizeInputs_ResolvedWinsOverDefault(t *testing.T) {
	n := &node.Func{
		Inputs: []node.InputSpec{{Name: "count", Required: true, Default: 0}},
		Fn:     func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil },
	}

	inputs, err := FinalizeInputs("n1", n, map[string]any{"count": 42})
	require.NoError(t, err)
	assert.Equal(t, 42, inputs["count"])
}

func TestFinalizeInputs_UndeclaredPassThrough(t *testing.T) {
	n := &node.Func{
		Fn: func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil },
	}

	inputs, err := FinalizeInputs("n1", n, map[string]any{"anything": "goes"})
	require.NoError(t, err)
	assert.Equal(t, "goes", inputs["anything"])
}

func TestDeepCopyMap_NilBecomesEmpty(t *testing.T) {
	out := DeepCopyMap(nil)
	require.NotNil(t, out)
	assert.Empty(t, out)
}

func TestDeepCopy_NestedIsolation(t *testing.T) {
	orig := map[string]any{
		"list": []any{map[string]any{"n": 1}},
		"m":    map[string]any{"k": "v"},
	}
	cp := DeepCopyMap(orig)

	cp["list"].([]any)[0].(map[string]any)["n"] = 9
	cp["m"].(map[string]any)["k"] = "changed"

	assert.Equal(t, 1, orig["list"].([]any)[0].(map[string]any)["n"])
	assert.Equal(t, "v", orig["m"].(map[string]any)["k"])
}
