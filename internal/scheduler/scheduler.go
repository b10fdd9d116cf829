package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gyreflow/gyre/internal/store"
	"github.com/gyreflow/gyre/pkg/schema"
)

// WorkflowRunner is the slice of the executor the scheduler needs to launch
// a run from a serialized definition. Defined here to avoid an import cycle.
type WorkflowRunner interface {
	RunDefinition(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]map[string]any, name string) (string, error)
}

// Scheduler polls the store for due schedules and triggers their workflows.
type Scheduler struct {
	store  store.Store
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing
}

// New creates a Scheduler using standard 5-field cron expressions.
func New(s store.Store, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.trigger(ctx, sched, now); err != nil {
			s.logger.Error("failed to trigger schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// trigger launches one scheduled workflow run and advances the schedule.
func (s *Scheduler) trigger(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("triggering scheduled workflow",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow", sched.WorkflowName),
	)

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(sched.Definition, &def); err != nil {
		return fmt.Errorf("unmarshal definition for schedule %q: %w", sched.ID, err)
	}

	var initial map[string]map[string]any
	if len(sched.Params) > 0 {
		if err := json.Unmarshal(sched.Params, &initial); err != nil {
			return fmt.Errorf("unmarshal params for schedule %q: %w", sched.ID, err)
		}
	}

	runID, err := s.runner.RunDefinition(ctx, &def, initial, sched.WorkflowName)
	if err != nil {
		s.logger.Error("scheduled workflow failed to start",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.appendTriggerEvent(ctx, runID, sched.ID)
	}

	return s.advance(ctx, sched, now)
}

func (s *Scheduler) appendTriggerEvent(ctx context.Context, runID, scheduleID string) {
	payload, _ := json.Marshal(map[string]any{"schedule_id": scheduleID})
	event := &store.Event{RunID: runID, Type: schema.EventScheduleTriggered, Payload: payload}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Warn("failed to append schedule trigger event", slog.String("error", err.Error()))
	}
}

// advance stamps last_run_at and computes the next due time.
func (s *Scheduler) advance(ctx context.Context, sched *store.Schedule, now time.Time) error {
	nextRun, err := s.NextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// tryAcquire marks the schedule as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
