package node

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func TestRegistry_BuildUnknownCapability(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("warp", nil)
	require.Error(t, err)
}

func TestRegistry_Names(t *testing.T) {
	r := builtinRegistry(t)
	assert.ElementsMatch(t, []string{"noop", "jq", "delay"}, r.Names())
}

func TestNoop_EchoesInputs(t *testing.T) {
	r := builtinRegistry(t)
	n, err := r.Build("noop", nil)
	require.NoError(t, err)

	out, err := n.Invoke(context.Background(), map[string]any{"count": 3, "label": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 3, "label": "x"}, out)
	assert.True(t, HasWildcardOutputs(n))
}

func TestJQ_ObjectResult(t *testing.T) {
	r := builtinRegistry(t)
	n, err := r.Build("jq", json.RawMessage(`{"expression": "{count: (.count + 1)}"}`))
	require.NoError(t, err)

	out, err := n.Invoke(context.Background(), map[string]any{"count": 4})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out["count"])
}

func TestJQ_ScalarResultUnderResultKey(t *testing.T) {
	r := builtinRegistry(t)
	n, err := r.Build("jq", json.RawMessage(`{"expression": ".count * 2"}`))
	require.NoError(t, err)

	out, err := n.Invoke(context.Background(), map[string]any{"count": 21})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["result"])
}

func TestJQ_RequiresExpression(t *testing.T) {
	r := builtinRegistry(t)
	_, err := r.Build("jq", nil)
	require.Error(t, err)
}

func TestJQ_ParseErrorSurfacesOnInvoke(t *testing.T) {
	r := builtinRegistry(t)
	n, err := r.Build("jq", json.RawMessage(`{"expression": ".count |"}`))
	require.NoError(t, err)

	_, err = n.Invoke(context.Background(), map[string]any{"count": 1})
	require.Error(t, err)
}

func TestJQ_EvaluationError(t *testing.T) {
	r := builtinRegistry(t)
	n, err := r.Build("jq", json.RawMessage(`{"expression": ".count + \"text\""}`))
	require.NoError(t, err)

	_, err = n.Invoke(context.Background(), map[string]any{"count": 1})
	require.Error(t, err)
}

func TestDelay_PassthroughAfterWait(t *testing.T) {
	r := builtinRegistry(t)
	n, err := r.Build("delay", json.RawMessage(`{"duration": "10ms"}`))
	require.NoError(t, err)

	start := time.Now()
	out, err := n.Invoke(context.Background(), map[string]any{"v": 1})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, map[string]any{"v": 1}, out)
}

func TestDelay_RespectsCancellation(t *testing.T) {
	r := builtinRegistry(t)
	n, err := r.Build("delay", json.RawMessage(`{"duration": "1m"}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.Invoke(ctx, map[string]any{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelay_RequiresValidDuration(t *testing.T) {
	r := builtinRegistry(t)
	_, err := r.Build("delay", json.RawMessage(`{"duration": "soon"}`))
	require.Error(t, err)
	_, err = r.Build("delay", nil)
	require.Error(t, err)
}

func TestIsStrict(t *testing.T) {
	strict := &Func{Strict: true, Fn: func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil }}
	loose := &Func{Fn: func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil }}

	assert.True(t, IsStrict(strict))
	assert.False(t, IsStrict(loose))
}
