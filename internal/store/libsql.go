package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/gyreflow/gyre/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). It backs durable runs: the event log, checkpoints and traces survive
// process restarts.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/gyre.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	params, err := nullableJSON(run.InitialParams)
	if err != nil {
		return fmt.Errorf("marshal initial params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, status, initial_params, output, error, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.Name), string(run.Status), params,
		nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var name, params, output, errRaw sql.NullString
	var status string
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, initial_params, output, error, created_at, started_at, completed_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &name, &status, &params, &output, &errRaw, &run.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	run.Name = name.String
	run.Status = schema.RunStatus(status)
	if params.Valid {
		if err := unmarshalJSON(params.String, &run.InitialParams); err != nil {
			return nil, fmt.Errorf("unmarshal initial params: %w", err)
		}
	}
	if output.Valid {
		run.Output = []byte(output.String)
	}
	if errRaw.Valid {
		run.Error = []byte(errRaw.String)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	set := ""
	args := make([]any, 0, 6)
	add := func(clause string, v any) {
		if set != "" {
			set += ", "
		}
		set += clause
		args = append(args, v)
	}
	if update.Status != nil {
		add("status = ?", string(*update.Status))
	}
	if update.Output != nil {
		add("output = ?", string(update.Output))
	}
	if update.Error != nil {
		add("error = ?", string(update.Error))
	}
	if update.StartedAt != nil {
		add("started_at = ?", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at = ?", *update.CompletedAt)
	}
	if set == "" {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE runs SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", id)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, name, status, initial_params, output, error, created_at, started_at, completed_at FROM runs`
	var args []any
	where := ""
	if filter.Status != nil {
		where = " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		if where == "" {
			where = " WHERE created_at >= ?"
		} else {
			where += " AND created_at >= ?"
		}
		args = append(args, *filter.Since)
	}
	query += where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{}
		var name, params, output, errRaw sql.NullString
		var status string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&run.ID, &name, &status, &params, &output, &errRaw,
			&run.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		run.Name = name.String
		run.Status = schema.RunStatus(status)
		if params.Valid {
			if err := unmarshalJSON(params.String, &run.InitialParams); err != nil {
				return nil, fmt.Errorf("unmarshal initial params: %w", err)
			}
		}
		if output.Valid {
			run.Output = []byte(output.String)
		}
		if errRaw.Valid {
			run.Error = []byte(errRaw.String)
		}
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- Event log ---

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. The single-connection pool serializes writers, so the read-then-
// insert pair inside one transaction is safe.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, cycle_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), nullStr(event.CycleID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, cycle_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var nodeID, cycleID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &nodeID, &cycleID, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.NodeID = nodeID.String
		ev.CycleID = cycleID.String
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, node_outputs, open_cycles, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET node_outputs=excluded.node_outputs,
		   open_cycles=excluded.open_cycles, updated_at=excluded.updated_at`,
		cp.RunID, nullRaw(cp.NodeOutputs), nullRaw(cp.OpenCycles), timeOrNow(cp.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var outputs, cycles sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, node_outputs, open_cycles, updated_at FROM checkpoints WHERE run_id = ?`, runID,
	).Scan(&cp.RunID, &outputs, &cycles, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "checkpoint not found for run %s", runID)
	}
	if err != nil {
		return nil, err
	}
	if outputs.Valid {
		cp.NodeOutputs = []byte(outputs.String)
	}
	if cycles.Valid {
		cp.OpenCycles = []byte(cycles.String)
	}
	return cp, nil
}

// --- Traces ---

func (s *LibSQLStore) SaveTraces(ctx context.Context, records []*TraceRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO traces (run_id, cycle_id, iteration, inputs, outputs, duration_ms, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.CycleID, rec.Iteration, nullRaw(rec.Inputs), nullRaw(rec.Outputs),
			rec.DurationMs, timeOrNow(rec.At),
		)
		if err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetTraces(ctx context.Context, runID, cycleID string) ([]*TraceRecord, error) {
	query := `SELECT run_id, cycle_id, iteration, inputs, outputs, duration_ms, at FROM traces WHERE run_id = ?`
	args := []any{runID}
	if cycleID != "" {
		query += ` AND cycle_id = ?`
		args = append(args, cycleID)
	}
	query += ` ORDER BY cycle_id, iteration ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TraceRecord
	for rows.Next() {
		rec := &TraceRecord{}
		var inputs, outputs sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.CycleID, &rec.Iteration, &inputs, &outputs, &rec.DurationMs, &rec.At); err != nil {
			return nil, err
		}
		if inputs.Valid {
			rec.Inputs = []byte(inputs.String)
		}
		if outputs.Valid {
			rec.Outputs = []byte(outputs.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_name, cron_expression, definition, params, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowName, sched.CronExpression, string(sched.Definition),
		nullRaw(sched.Params), sched.Enabled, nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	set := ""
	args := make([]any, 0, 4)
	add := func(clause string, v any) {
		if set != "" {
			set += ", "
		}
		set += clause
		args = append(args, v)
	}
	if update.Enabled != nil {
		add("enabled = ?", *update.Enabled)
	}
	if update.LastRunAt != nil {
		add("last_run_at = ?", *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		add("next_run_at = ?", *update.NextRunAt)
	}
	if set == "" {
		return nil
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx, "UPDATE schedules SET "+set+" WHERE id = ?", args...)
	return err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT id, workflow_name, cron_expression, definition, params, enabled, last_run_at, next_run_at, created_at FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var def string
		var params sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.WorkflowName, &sched.CronExpression, &def,
			&params, &sched.Enabled, &lastRun, &nextRun, &sched.CreatedAt); err != nil {
			return nil, err
		}
		sched.Definition = []byte(def)
		if params.Valid {
			sched.Params = []byte(params.String)
		}
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

var _ Store = (*LibSQLStore)(nil)
