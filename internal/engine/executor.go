package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyreflow/gyre/internal/convergence"
	"github.com/gyreflow/gyre/internal/cyclestate"
	"github.com/gyreflow/gyre/internal/graph"
	"github.com/gyreflow/gyre/internal/logging"
	"github.com/gyreflow/gyre/internal/store"
	"github.com/gyreflow/gyre/internal/trace"
	"github.com/gyreflow/gyre/pkg/schema"

	"github.com/gyreflow/gyre/internal/mapping"
)

// DefaultWorkers is the worker pool size when none is configured.
const DefaultWorkers = 8

// Result is the outcome of one workflow run.
type Result struct {
	RunID      string                    `json:"run_id"`
	Status     schema.RunStatus          `json:"status"`
	Outputs    map[string]map[string]any `json:"outputs,omitempty"` // node_id -> outputs
	Iterations map[string]int            `json:"iterations,omitempty"`
	Reports    map[string]*trace.Report  `json:"reports,omitempty"`
	Err        error                     `json:"-"`
}

// Executor runs validated workflows: it schedules acyclic nodes in dependency
// order on a bounded worker pool and drives each cycle group's convergence
// loop. All run progress is persisted through the Store.
type Executor struct {
	st      store.Store
	logger  *slog.Logger
	mapper  *mapping.Mapper
	eval    *convergence.Evaluator
	pool    *WorkerPool
	runFSM  *RunFSM
	nodeFSM *NodeFSM

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *Result // set before done is closed
}

// Option configures the Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(e *Executor) { e.pool = NewWorkerPool(n) }
}

// WithConvergenceEngine selects the expression engine used to compile
// convergence conditions.
func WithConvergenceEngine(engine convergence.Engine) Option {
	return func(e *Executor) { e.eval = convergence.NewEvaluator(engine) }
}

// New creates an Executor persisting through the given store.
func New(st store.Store, opts ...Option) *Executor {
	e := &Executor{
		st:     st,
		logger: slog.Default(),
		mapper: mapping.NewMapper(),
		eval:   convergence.NewEvaluator(nil),
		pool:   NewWorkerPool(DefaultWorkers),
		active: make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.runFSM = NewRunFSM(st)
	e.nodeFSM = NewNodeFSM(st)
	return e
}

// runConfig carries per-run options.
type runConfig struct {
	runID   string
	name    string
	timeout time.Duration
}

// RunOption configures a single run.
type RunOption func(*runConfig)

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithRunName attaches a human-readable name to the run.
func WithRunName(name string) RunOption {
	return func(c *runConfig) { c.name = name }
}

// WithRunTimeout bounds the whole run's wall clock.
func WithRunTimeout(d time.Duration) RunOption {
	return func(c *runConfig) { c.timeout = d }
}

// run is the in-memory state of one executing workflow.
type run struct {
	id      string
	name    string
	wf      *graph.Workflow
	plan    *plan
	initial map[string]map[string]any

	tracer   *trace.Tracer
	cycles   *cyclestate.Store
	compiled map[string]*convergence.CompiledExpr

	mu         sync.Mutex
	outputs    map[string]map[string]any
	nodeStatus map[string]schema.NodeStatus
	openCycles map[string]*store.OpenCycleContext
	exhausted  []string
	iterations map[string]int
	reports    map[string]*trace.Report
}

func (r *run) setOutputs(nodeID string, out map[string]any) {
	r.mu.Lock()
	r.outputs[nodeID] = out
	r.mu.Unlock()
}

func (r *run) getOutputs(nodeID string) (map[string]any, bool) {
	r.mu.Lock()
	out, ok := r.outputs[nodeID]
	r.mu.Unlock()
	return out, ok
}

func (r *run) setStatus(nodeID string, s schema.NodeStatus) schema.NodeStatus {
	r.mu.Lock()
	prev := r.nodeStatus[nodeID]
	r.nodeStatus[nodeID] = s
	r.mu.Unlock()
	return prev
}

func (r *run) snapshotOutputs() map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]any, len(r.outputs))
	for id, m := range r.outputs {
		out[id] = mapping.DeepCopyMap(m)
	}
	return out
}

// Execute runs the workflow to completion and returns its result. The
// returned error is non-nil only for setup failures; execution failures are
// reported in Result.Status and Result.Err.
func (e *Executor) Execute(ctx context.Context, wf *graph.Workflow, initial map[string]map[string]any, opts ...RunOption) (*Result, error) {
	r, handle, runCtx, err := e.prepare(ctx, wf, initial, opts...)
	if err != nil {
		return nil, err
	}
	result := e.execute(runCtx, r, handle)
	return result, nil
}

// ExecuteAsync starts the run in the background and returns its run ID.
// Use Wait, Status and Cancel to follow it.
func (e *Executor) ExecuteAsync(ctx context.Context, wf *graph.Workflow, initial map[string]map[string]any, opts ...RunOption) (string, error) {
	r, handle, runCtx, err := e.prepare(ctx, wf, initial, opts...)
	if err != nil {
		return "", err
	}
	go e.execute(runCtx, r, handle)
	return r.id, nil
}

// Wait blocks until the run finishes and returns its result. Returns
// NOT_FOUND if the run is not active in this executor.
func (e *Executor) Wait(ctx context.Context, runID string) (*Result, error) {
	e.mu.Lock()
	handle, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not active: %s", runID)
	}
	select {
	case <-handle.done:
		return handle.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts an active run. In-flight nodes observe context cancellation;
// outputs produced so far are preserved.
func (e *Executor) Cancel(runID string) error {
	e.mu.Lock()
	handle, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run not active: %s", runID)
	}
	handle.cancel()
	return nil
}

// Status returns the persisted run record.
func (e *Executor) Status(ctx context.Context, runID string) (*store.Run, error) {
	return e.st.GetRun(ctx, runID)
}

// Events returns the run's event log after the given sequence.
func (e *Executor) Events(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return e.st.GetEvents(ctx, runID, since)
}

// Trace returns persisted iteration traces for the run, optionally filtered
// by cycle ID.
func (e *Executor) Trace(ctx context.Context, runID, cycleID string) ([]*store.TraceRecord, error) {
	return e.st.GetTraces(ctx, runID, cycleID)
}

// Shutdown cancels all active runs and stops the worker pool.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.closed = true
	handles := make([]*activeRun, 0, len(e.active))
	for _, h := range e.active {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
	e.pool.Shutdown()
}

// prepare validates setup, compiles convergence conditions, persists the run
// record and registers the run as active.
func (e *Executor) prepare(ctx context.Context, wf *graph.Workflow, initial map[string]map[string]any, opts ...RunOption) (*run, *activeRun, context.Context, error) {
	if wf == nil {
		return nil, nil, nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}

	r := &run{
		id:         cfg.runID,
		name:       cfg.name,
		wf:         wf,
		plan:       buildPlan(wf),
		initial:    initial,
		tracer:     trace.New(),
		cycles:     cyclestate.New(),
		compiled:   make(map[string]*convergence.CompiledExpr),
		outputs:    make(map[string]map[string]any),
		nodeStatus: make(map[string]schema.NodeStatus),
		openCycles: make(map[string]*store.OpenCycleContext),
		iterations: make(map[string]int),
		reports:    make(map[string]*trace.Report),
	}
	for _, id := range wf.Order {
		r.nodeStatus[id] = schema.NodeStatusPending
	}

	// Compile every cycle's stop condition up front so a malformed expression
	// fails the run before any node executes.
	for _, g := range wf.Cycles {
		if g.Convergence == "" {
			continue
		}
		compiled, err := e.eval.Compile(g.Convergence)
		if err != nil {
			return nil, nil, nil, err
		}
		r.compiled[g.ID] = compiled
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, nil, schema.NewError(schema.ErrCodeCancelled, "executor is shut down")
	}
	if _, exists := e.active[r.id]; exists {
		e.mu.Unlock()
		return nil, nil, nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already active", r.id)
	}

	runCtx := logging.WithRunID(ctx, r.id)
	var cancel context.CancelFunc
	if cfg.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, cfg.timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	handle := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.active[r.id] = handle
	e.mu.Unlock()

	if err := e.st.CreateRun(ctx, &store.Run{
		ID:            r.id,
		Name:          r.name,
		Status:        schema.RunStatusReady,
		InitialParams: initial,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		cancel()
		e.unregister(r.id)
		return nil, nil, nil, err
	}

	return r, handle, runCtx, nil
}

// execute drives the run to a terminal status, persists the outcome and
// returns the result.
func (e *Executor) execute(ctx context.Context, r *run, handle *activeRun) *Result {
	log := logging.LogWith(ctx, e.logger)
	started := time.Now().UTC()

	if err := e.runFSM.Transition(ctx, r.id, schema.RunStatusReady, schema.RunStatusRunning); err != nil {
		log.Warn("run transition failed", "error", err)
	}
	running := schema.RunStatusRunning
	if err := e.st.UpdateRun(ctx, r.id, store.RunUpdate{Status: &running, StartedAt: &started}); err != nil {
		log.Warn("persist run start failed", "error", err)
	}

	execErr := e.schedule(ctx, r, handle.cancel)

	// Final persistence must survive run cancellation.
	pctx := context.WithoutCancel(ctx)

	status := schema.RunStatusCompleted
	switch {
	case execErr != nil && ctx.Err() == context.DeadlineExceeded:
		status = schema.RunStatusFailed
		execErr = schema.NewError(schema.ErrCodeTimeout, "run wall clock exceeded").WithCause(execErr)
	case execErr != nil && isCancellation(execErr):
		status = schema.RunStatusCancelled
		execErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(execErr)
	case execErr != nil:
		status = schema.RunStatusFailed
	case len(r.exhausted) > 0:
		status = schema.RunStatusMaxIterationsExceeded
	}

	if err := e.runFSM.Transition(pctx, r.id, schema.RunStatusRunning, status); err != nil {
		log.Warn("run transition failed", "error", err)
	}

	result := &Result{
		RunID:      r.id,
		Status:     status,
		Outputs:    r.snapshotOutputs(),
		Iterations: r.iterations,
		Reports:    r.reports,
		Err:        execErr,
	}

	completed := time.Now().UTC()
	update := store.RunUpdate{Status: &status, CompletedAt: &completed}
	if raw, err := json.Marshal(result.Outputs); err == nil {
		update.Output = raw
	}
	if execErr != nil {
		var gerr *schema.GyreError
		if !errors.As(execErr, &gerr) {
			gerr = schema.NewError(schema.ErrCodeNodeExecution, execErr.Error())
		}
		if raw, err := json.Marshal(gerr); err == nil {
			update.Error = raw
		}
	}
	if err := e.st.UpdateRun(pctx, r.id, update); err != nil {
		log.Warn("persist run outcome failed", "error", err)
	}

	switch status {
	case schema.RunStatusCompleted:
		log.Info("run completed", "elapsed", completed.Sub(started))
	case schema.RunStatusMaxIterationsExceeded:
		log.Warn("run finished without convergence", "exhausted_cycles", r.exhausted)
	case schema.RunStatusCancelled:
		log.Info("run cancelled")
	default:
		log.Error("run failed", "error", execErr)
	}

	handle.result = result
	close(handle.done)
	e.unregister(r.id)
	return result
}

func (e *Executor) unregister(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

// isCancellation reports whether the error chain stems from run cancellation
// rather than a node failure.
func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var gerr *schema.GyreError
	return errors.As(err, &gerr) && gerr.Code == schema.ErrCodeCancelled
}
