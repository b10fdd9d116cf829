package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyreflow/gyre/internal/store"
	"github.com/gyreflow/gyre/pkg/schema"
)

type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
	err    error
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunFSM_ValidTransitionEmitsEvent(t *testing.T) {
	appender := &mockAppender{}
	fsm := NewRunFSM(appender)

	err := fsm.Transition(context.Background(), "r1", schema.RunStatusReady, schema.RunStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, []string{schema.EventRunStarted}, appender.types())
}

func TestRunFSM_InvalidTransition(t *testing.T) {
	fsm := NewRunFSM(&mockAppender{})

	err := fsm.Transition(context.Background(), "r1", schema.RunStatusCompleted, schema.RunStatusRunning)
	require.Error(t, err)

	var gerr *schema.GyreError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, gerr.Code)
}

func TestRunFSM_TerminalStatesAdmitNothing(t *testing.T) {
	fsm := NewRunFSM(&mockAppender{})
	terminals := []schema.RunStatus{
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusMaxIterationsExceeded,
		schema.RunStatusCancelled,
	}
	for _, from := range terminals {
		for _, to := range []schema.RunStatus{schema.RunStatusReady, schema.RunStatusRunning, schema.RunStatusCompleted} {
			assert.Error(t, fsm.Transition(context.Background(), "r1", from, to),
				"expected %s -> %s to be rejected", from, to)
		}
	}
}

func TestRunFSM_BeforeHookBlocksTransition(t *testing.T) {
	appender := &mockAppender{}
	fsm := NewRunFSM(appender)
	fsm.OnBefore(schema.RunStatusReady, schema.RunStatusRunning, func(_, _ string) error {
		return errors.New("nope")
	})

	err := fsm.Transition(context.Background(), "r1", schema.RunStatusReady, schema.RunStatusRunning)
	require.Error(t, err)
	assert.Empty(t, appender.types())
}

func TestRunFSM_AfterHookObservesTransition(t *testing.T) {
	fsm := NewRunFSM(&mockAppender{})

	var got []string
	fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusCompleted, func(from, to string) error {
		got = append(got, from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "r1", schema.RunStatusRunning, schema.RunStatusCompleted))
	assert.Equal(t, []string{"running->completed"}, got)
}

func TestRunFSM_AppendFailureSurfacesAsStoreError(t *testing.T) {
	appender := &mockAppender{err: errors.New("disk full")}
	fsm := NewRunFSM(appender)

	err := fsm.Transition(context.Background(), "r1", schema.RunStatusReady, schema.RunStatusRunning)
	require.Error(t, err)

	var gerr *schema.GyreError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeStore, gerr.Code)
}

func TestNodeFSM_Lifecycle(t *testing.T) {
	appender := &mockAppender{}
	fsm := NewNodeFSM(appender)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "r1", "n1", schema.NodeStatusPending, schema.NodeStatusReady))
	require.NoError(t, fsm.Transition(ctx, "r1", "n1", schema.NodeStatusReady, schema.NodeStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "r1", "n1", schema.NodeStatusRunning, schema.NodeStatusRetrying))
	require.NoError(t, fsm.Transition(ctx, "r1", "n1", schema.NodeStatusRetrying, schema.NodeStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "r1", "n1", schema.NodeStatusRunning, schema.NodeStatusCompleted))

	assert.Equal(t, []string{
		schema.EventNodeStarted,
		schema.EventNodeRetrying,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
	}, appender.types())
}

func TestNodeFSM_InvalidTransition(t *testing.T) {
	fsm := NewNodeFSM(&mockAppender{})

	err := fsm.Transition(context.Background(), "r1", "n1", schema.NodeStatusCompleted, schema.NodeStatusRunning)
	require.Error(t, err)

	var gerr *schema.GyreError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, gerr.Code)
	assert.Equal(t, "n1", gerr.NodeID)
}

func TestNodeFSM_ReadyTransitions(t *testing.T) {
	fsm := NewNodeFSM(&mockAppender{})
	ctx := context.Background()

	assert.NoError(t, fsm.Transition(ctx, "r1", "n1", schema.NodeStatusReady, schema.NodeStatusFailed))
	assert.NoError(t, fsm.Transition(ctx, "r1", "n2", schema.NodeStatusReady, schema.NodeStatusSkipped))
	assert.Error(t, fsm.Transition(ctx, "r1", "n3", schema.NodeStatusReady, schema.NodeStatusCompleted))
}
