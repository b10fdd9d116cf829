package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyreflow/gyre/internal/store"
	"github.com/gyreflow/gyre/pkg/schema"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []launched
	err  error
}

type launched struct {
	def     *schema.WorkflowDefinition
	initial map[string]map[string]any
	name    string
}

func (f *fakeRunner) RunDefinition(_ context.Context, def *schema.WorkflowDefinition, initial map[string]map[string]any, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.runs = append(f.runs, launched{def: def, initial: initial, name: name})
	return "run-1", nil
}

func (f *fakeRunner) launched() []launched {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]launched, len(f.runs))
	copy(out, f.runs)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dueSchedule(id string) *store.Schedule {
	return &store.Schedule{
		ID:             id,
		WorkflowName:   "nightly-loop",
		CronExpression: "0 3 * * *",
		Definition:     json.RawMessage(`{"nodes":[{"id":"inc","capability":"noop"}]}`),
		Params:         json.RawMessage(`{"inc":{"count":0}}`),
		Enabled:        true,
	}
}

func TestNextRun(t *testing.T) {
	s := New(store.NewMemoryStore(), &fakeRunner{}, quietLogger())

	from := time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC)
	next, err := s.NextRun("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC), next)
}

func TestNextRun_InvalidExpression(t *testing.T) {
	s := New(store.NewMemoryStore(), &fakeRunner{}, quietLogger())
	_, err := s.NextRun("not a cron", time.Now())
	require.Error(t, err)
}

func TestTick_TriggersDueSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := New(st, runner, quietLogger())
	ctx := context.Background()

	require.NoError(t, st.CreateSchedule(ctx, dueSchedule("s1")))

	s.tick(ctx)

	runs := runner.launched()
	require.Len(t, runs, 1)
	assert.Equal(t, "nightly-loop", runs[0].name)
	require.Len(t, runs[0].def.Nodes, 1)
	assert.Equal(t, "inc", runs[0].def.Nodes[0].ID)
	assert.Equal(t, 0, int(runs[0].initial["inc"]["count"].(float64)))

	// The schedule advances past now so the next tick skips it.
	scheds, err := st.ListSchedules(ctx, true)
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	require.NotNil(t, scheds[0].LastRunAt)
	require.NotNil(t, scheds[0].NextRunAt)
	assert.True(t, scheds[0].NextRunAt.After(time.Now().UTC()))

	s.tick(ctx)
	assert.Len(t, runner.launched(), 1)

	events, err := st.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventScheduleTriggered, events[0].Type)
}

func TestTick_SkipsFutureSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := New(st, runner, quietLogger())
	ctx := context.Background()

	sched := dueSchedule("s1")
	future := time.Now().UTC().Add(time.Hour)
	sched.NextRunAt = &future
	require.NoError(t, st.CreateSchedule(ctx, sched))

	s.tick(ctx)
	assert.Empty(t, runner.launched())
}

func TestTick_SkipsDisabledSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := New(st, runner, quietLogger())
	ctx := context.Background()

	sched := dueSchedule("s1")
	sched.Enabled = false
	require.NoError(t, st.CreateSchedule(ctx, sched))

	s.tick(ctx)
	assert.Empty(t, runner.launched())
}

func TestTick_RunnerFailureStillAdvances(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{err: errors.New("executor down")}
	s := New(st, runner, quietLogger())
	ctx := context.Background()

	require.NoError(t, st.CreateSchedule(ctx, dueSchedule("s1")))

	s.tick(ctx)

	scheds, err := st.ListSchedules(ctx, true)
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	require.NotNil(t, scheds[0].NextRunAt)
}

func TestTick_MalformedDefinitionDoesNotRun(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := New(st, runner, quietLogger())
	ctx := context.Background()

	sched := dueSchedule("s1")
	sched.Definition = json.RawMessage(`{broken`)
	require.NoError(t, st.CreateSchedule(ctx, sched))

	s.tick(ctx)
	assert.Empty(t, runner.launched())
}

func TestStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := New(st, runner, quietLogger())
	ctx := context.Background()

	require.NoError(t, st.CreateSchedule(ctx, dueSchedule("s1")))

	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx))

	// The loop ticks immediately on start.
	require.Eventually(t, func() bool {
		return len(runner.launched()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
