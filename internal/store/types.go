package store

import (
	"encoding/json"
	"time"

	"github.com/gyreflow/gyre/pkg/schema"
)

// Run is the persisted representation of a workflow run.
type Run struct {
	ID            string                    `json:"id"`
	Name          string                    `json:"name,omitempty"`
	Status        schema.RunStatus          `json:"status"`
	InitialParams map[string]map[string]any `json:"initial_params,omitempty"` // node_id -> inputs
	Output        json.RawMessage           `json:"output,omitempty"`         // node_id -> outputs
	Error         json.RawMessage           `json:"error,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	StartedAt     *time.Time                `json:"started_at,omitempty"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the append-only run event log, with a
// monotonically increasing per-run sequence.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	CycleID   string          `json:"cycle_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Checkpoint is the resumable snapshot of an in-flight run: node outputs
// produced so far plus the open cycle contexts.
type Checkpoint struct {
	RunID       string          `json:"run_id"`
	NodeOutputs json.RawMessage `json:"node_outputs"`          // node_id -> outputs
	OpenCycles  json.RawMessage `json:"open_cycles,omitempty"` // cycle_id -> {iteration, last_state}
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OpenCycleContext is one entry in Checkpoint.OpenCycles.
type OpenCycleContext struct {
	Iteration int            `json:"iteration"`
	LastState map[string]any `json:"last_state,omitempty"`
}

// TraceRecord is a persisted per-iteration cycle snapshot.
type TraceRecord struct {
	RunID      string          `json:"run_id"`
	CycleID    string          `json:"cycle_id"`
	Iteration  int             `json:"iteration"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	Outputs    json.RawMessage `json:"outputs,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	At         time.Time       `json:"at"`
}

// Schedule is a cron-triggered workflow run.
type Schedule struct {
	ID             string          `json:"id"`
	WorkflowName   string          `json:"workflow_name"`
	CronExpression string          `json:"cron_expression"`
	Definition     json.RawMessage `json:"definition"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}
