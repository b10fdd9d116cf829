package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gyreflow/gyre/pkg/schema"
)

// MemoryStore is the in-memory Store used for embedded execution and tests.
type MemoryStore struct {
	mu          sync.Mutex
	runs        map[string]*Run
	events      map[string][]*Event // run_id -> ordered events
	checkpoints map[string]*Checkpoint
	traces      map[string][]*TraceRecord // run_id -> records
	schedules   map[string]*Schedule
	nextEventID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		events:      make(map[string][]*Event),
		checkpoints: make(map[string]*Checkpoint),
		traces:      make(map[string][]*TraceRecord),
		schedules:   make(map[string]*Schedule),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Run
	for _, run := range s.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	event.ID = s.nextEventID
	event.Sequence = int64(len(s.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, ev := range s.events[runID] {
		if ev.Sequence <= since {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *cp
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = time.Now().UTC()
	}
	s.checkpoints[cp.RunID] = &saved
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "checkpoint not found for run %s", runID)
	}
	saved := *cp
	return &saved, nil
}

func (s *MemoryStore) SaveTraces(_ context.Context, records []*TraceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		cp := *rec
		s.traces[rec.RunID] = append(s.traces[rec.RunID], &cp)
	}
	return nil
}

func (s *MemoryStore) GetTraces(_ context.Context, runID, cycleID string) ([]*TraceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TraceRecord
	for _, rec := range s.traces[runID] {
		if cycleID != "" && rec.CycleID != cycleID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Iteration < out[j].Iteration })
	return out, nil
}

func (s *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sched.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %s already exists", sched.ID)
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule not found: %s", id)
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		sched.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		sched.NextRunAt = update.NextRunAt
	}
	return nil
}

func (s *MemoryStore) ListSchedules(_ context.Context, enabledOnly bool) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Schedule
	for _, sched := range s.schedules {
		if enabledOnly && !sched.Enabled {
			continue
		}
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
