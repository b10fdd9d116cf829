package cyclestate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_FirstAccessReturnsEmptyMap(t *testing.T) {
	s := New()
	state := s.Get("cycle:a")
	require.NotNil(t, state)
	assert.Empty(t, state)
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := New()
	s.Put("cycle:a", map[string]any{"count": 3})

	state := s.Get("cycle:a")
	assert.Equal(t, map[string]any{"count": 3}, state)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New()
	s.Put("cycle:a", map[string]any{"nested": map[string]any{"n": 1}})

	first := s.Get("cycle:a")
	first["nested"].(map[string]any)["n"] = 99

	second := s.Get("cycle:a")
	assert.Equal(t, 1, second["nested"].(map[string]any)["n"])
}

func TestPut_CopiesCallerMap(t *testing.T) {
	s := New()
	state := map[string]any{"count": 1}
	s.Put("cycle:a", state)

	state["count"] = 42
	assert.Equal(t, 1, s.Get("cycle:a")["count"])
}

func TestClear_ResetsToDefault(t *testing.T) {
	s := New()
	s.Put("cycle:a", map[string]any{"count": 5})
	s.Clear("cycle:a")

	state := s.Get("cycle:a")
	require.NotNil(t, state)
	assert.Empty(t, state)
}

func TestIsolationBetweenCycles(t *testing.T) {
	s := New()
	s.Put("cycle:a", map[string]any{"count": 1})
	s.Put("cycle:b", map[string]any{"count": 2})

	assert.Equal(t, 1, s.Get("cycle:a")["count"])
	assert.Equal(t, 2, s.Get("cycle:b")["count"])

	s.Clear("cycle:a")
	assert.Empty(t, s.Get("cycle:a"))
	assert.Equal(t, 2, s.Get("cycle:b")["count"])
}
