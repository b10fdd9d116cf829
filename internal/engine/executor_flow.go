package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gyreflow/gyre/internal/graph"
	"github.com/gyreflow/gyre/internal/logging"
	"github.com/gyreflow/gyre/internal/mapping"
	"github.com/gyreflow/gyre/internal/store"
	"github.com/gyreflow/gyre/pkg/schema"
)

type unitResult struct {
	id  string
	err error
}

// schedule runs the condensed plan: ready units are submitted to the worker
// pool, completions unblock their successors. The first unit failure stops
// further submissions and cancels the run context; in-flight units drain
// before schedule returns.
func (e *Executor) schedule(ctx context.Context, r *run, cancel context.CancelFunc) error {
	indeg := make(map[string]int, len(r.plan.order))
	for _, id := range r.plan.order {
		indeg[id] = len(r.plan.units[id].deps)
	}

	results := make(chan unitResult, len(r.plan.order))
	inflight := 0
	var firstErr error

	submit := func(id string) {
		u := r.plan.units[id]
		inflight++
		err := e.pool.Submit(ctx, func(ctx context.Context) error {
			err := e.runUnit(ctx, r, u)
			results <- unitResult{id: id, err: err}
			return err
		})
		if err != nil {
			inflight--
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, id := range r.plan.order {
		if indeg[id] == 0 {
			submit(id)
		}
	}

	completed := 0
	for inflight > 0 {
		res := <-results
		inflight--
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		completed++
		if firstErr != nil {
			continue
		}
		for _, s := range r.plan.units[res.id].succ {
			indeg[s]--
			if indeg[s] == 0 {
				submit(s)
			}
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if completed != len(r.plan.order) {
		return schema.NewErrorf(schema.ErrCodeNodeExecution,
			"schedule stalled: %d of %d units completed", completed, len(r.plan.order))
	}
	return nil
}

// runUnit executes one schedulable unit.
func (e *Executor) runUnit(ctx context.Context, r *run, u *unit) error {
	if u.group != nil {
		return e.runCycle(ctx, r, u.group)
	}
	return e.runAcyclicNode(ctx, r, u.node)
}

// runAcyclicNode executes a node outside any cycle group exactly once.
func (e *Executor) runAcyclicNode(ctx context.Context, r *run, nodeID string) error {
	nctx := logging.WithNodeID(ctx, nodeID)
	r.setStatus(nodeID, schema.NodeStatusReady)

	inputs, err := e.assembleInputs(nctx, r, nodeID, nil)
	if err != nil {
		r.setStatus(nodeID, schema.NodeStatusFailed)
		e.transitionNode(nctx, r.id, nodeID, schema.NodeStatusReady, schema.NodeStatusFailed)
		return err
	}

	out, skipped, err := e.invokeNode(nctx, r, nodeID, inputs)
	if err != nil {
		return err
	}
	if skipped {
		out = map[string]any{}
	}
	r.setOutputs(nodeID, out)
	e.saveCheckpoint(ctx, r)
	return nil
}

// runCycle drives one cycle group's convergence loop: run the members in
// dependency order, evaluate the stop condition against the checker output,
// and feed the closing edge mapping back into the entry for the next
// iteration. Exhausting max iterations is not a unit failure; the last
// outputs keep flowing downstream and the run finishes degraded.
// Cancellation and the cycle wall clock are checked at every iteration and
// member boundary, so a run stops even when its nodes never look at the
// context.
func (e *Executor) runCycle(ctx context.Context, r *run, g *graph.CycleGroup) error {
	cctx := logging.WithCycleID(ctx, g.ID)
	log := logging.LogWith(cctx, e.logger)
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, g.Timeout)
		defer cancel()
	}

	compiled := r.compiled[g.ID]
	r.tracer.StartTrace(g.ID, g.MaxIterations, g.Convergence)
	e.emit(cctx, r.id, "", g.ID, schema.EventCycleEntered, map[string]any{
		"max_iterations": g.MaxIterations,
		"convergence":    g.Convergence,
	})

	closingTarget := g.Closing.Target
	carried := r.cycles.Get(g.ID)

	for iter := 1; iter <= g.MaxIterations; iter++ {
		if err := checkCycleInterrupt(cctx, ctx, g, iter); err != nil {
			return err
		}

		iterStart := time.Now()
		r.mu.Lock()
		r.iterations[g.ID] = iter
		r.openCycles[g.ID] = &store.OpenCycleContext{Iteration: iter, LastState: mapping.DeepCopyMap(carried)}
		r.mu.Unlock()
		e.emit(cctx, r.id, "", g.ID, schema.EventCycleIteration, map[string]any{"iteration": iter})

		var entryInputs map[string]any
		for _, nodeID := range g.Sorted {
			if err := checkCycleInterrupt(cctx, ctx, g, iter); err != nil {
				return err
			}
			r.setStatus(nodeID, schema.NodeStatusReady)
			var carriedFor map[string]any
			if nodeID == closingTarget {
				carriedFor = carried
			}

			nctx := logging.WithNodeID(cctx, nodeID)
			inputs, err := e.assembleInputs(nctx, r, nodeID, carriedFor)
			if err != nil {
				return attachCycle(err, g.ID)
			}
			if nodeID == closingTarget {
				entryInputs = inputs
			}

			out, skipped, err := e.invokeNode(nctx, r, nodeID, inputs)
			if err != nil {
				if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
					return schema.NewErrorf(schema.ErrCodeTimeout,
						"cycle wall clock of %s exceeded at iteration %d", g.Timeout, iter).
						WithCycle(g.ID).WithCause(err)
				}
				return attachCycle(err, g.ID)
			}
			if skipped {
				out = map[string]any{}
			}
			r.setOutputs(nodeID, out)
		}

		checkerOut, _ := r.getOutputs(g.Checker)
		r.tracer.RecordIteration(g.ID, iter, entryInputs, checkerOut, time.Since(iterStart))
		e.saveCheckpoint(cctx, r)

		converged := false
		if compiled != nil {
			ok, err := e.eval.Evaluate(cctx, compiled, checkerOut)
			if err != nil {
				log.Warn("convergence evaluation failed, treating as not converged",
					"iteration", iter, "error", err)
				e.emit(cctx, r.id, "", g.ID, schema.EventCycleEvalFailed, map[string]any{
					"iteration": iter,
					"error":     err.Error(),
				})
			} else {
				converged = ok
			}
		}

		if converged {
			log.Info("cycle converged", "iterations", iter)
			e.emit(cctx, r.id, "", g.ID, schema.EventCycleConverged, map[string]any{"iterations": iter})
			e.closeCycle(cctx, r, g.ID)
			return nil
		}

		frag, err := e.mapper.Apply(cctx, g.Closing.EffectiveMapping(), checkerOut)
		if err != nil {
			return attachCycle(err, g.ID)
		}
		r.cycles.Put(g.ID, frag)
		carried = frag
	}

	log.Warn("cycle exhausted max iterations without converging", "max_iterations", g.MaxIterations)
	e.emit(cctx, r.id, "", g.ID, schema.EventCycleExhausted, map[string]any{"max_iterations": g.MaxIterations})
	r.mu.Lock()
	r.exhausted = append(r.exhausted, g.ID)
	r.mu.Unlock()
	e.closeCycle(cctx, r, g.ID)
	return nil
}

// checkCycleInterrupt reports a stop observed at an iteration or member
// boundary, distinguishing the cycle's own wall clock from run-level
// cancellation.
func checkCycleInterrupt(cctx, ctx context.Context, g *graph.CycleGroup, iter int) error {
	if cctx.Err() == nil {
		return nil
	}
	if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return schema.NewErrorf(schema.ErrCodeTimeout,
			"cycle wall clock of %s exceeded at iteration %d", g.Timeout, iter).
			WithCycle(g.ID).WithCause(cctx.Err())
	}
	return schema.NewErrorf(schema.ErrCodeCancelled,
		"interrupted before iteration %d completed", iter).
		WithCycle(g.ID).WithCause(cctx.Err())
}

// closeCycle releases the cycle's carried state, finalizes its report and
// persists the iteration traces.
func (e *Executor) closeCycle(ctx context.Context, r *run, cycleID string) {
	r.cycles.Clear(cycleID)
	report := r.tracer.Finalize(cycleID)
	r.mu.Lock()
	delete(r.openCycles, cycleID)
	r.reports[cycleID] = report
	r.mu.Unlock()

	records := make([]*store.TraceRecord, 0)
	for _, it := range r.tracer.Traces(cycleID) {
		rec := &store.TraceRecord{
			RunID:      r.id,
			CycleID:    cycleID,
			Iteration:  it.Iteration,
			DurationMs: it.Duration.Milliseconds(),
			At:         it.At,
		}
		if raw, err := json.Marshal(it.Inputs); err == nil {
			rec.Inputs = raw
		}
		if raw, err := json.Marshal(it.Outputs); err == nil {
			rec.Outputs = raw
		}
		records = append(records, rec)
	}
	if err := e.st.SaveTraces(context.WithoutCancel(ctx), records); err != nil {
		logging.LogWith(ctx, e.logger).Warn("persist cycle traces failed", "error", err)
	}
}

// assembleInputs builds a node's input dictionary: initial run parameters
// first, then fragments from incoming non-cycle edges, then carried cycle
// state, which always wins. Declared defaults fill the remaining gaps.
func (e *Executor) assembleInputs(ctx context.Context, r *run, nodeID string, carried map[string]any) (map[string]any, error) {
	resolved := make(map[string]any)

	if init, ok := r.initial[nodeID]; ok {
		for k, v := range init {
			resolved[k] = mapping.DeepCopy(v)
		}
	}

	for _, edge := range r.wf.In[nodeID] {
		if edge.IsCycle {
			continue
		}
		srcOut, ok := r.getOutputs(edge.Source)
		if !ok {
			continue
		}
		frag, err := e.mapper.Apply(ctx, edge.EffectiveMapping(), srcOut)
		if err != nil {
			return nil, err
		}
		for k, v := range frag {
			resolved[k] = v
		}
	}

	for k, v := range carried {
		resolved[k] = mapping.DeepCopy(v)
	}

	return mapping.FinalizeInputs(nodeID, r.wf.Nodes[nodeID], resolved)
}

// invokeNode runs one node invocation under its policy: bounded retries with
// exponential backoff, then absorption via skip or default outputs. The
// second result reports a policy skip.
func (e *Executor) invokeNode(ctx context.Context, r *run, nodeID string, inputs map[string]any) (map[string]any, bool, error) {
	log := logging.LogWith(ctx, e.logger)

	var onError *schema.ErrorPolicy
	if p := r.wf.Policy(nodeID); p != nil {
		onError = p.OnError
	}

	attempts := 1
	var retryPolicy *schema.RetryPolicy
	if onError != nil && onError.Strategy == schema.OnErrorRetry && onError.Retry != nil {
		retryPolicy = onError.Retry
		if retryPolicy.MaxAttempts > 1 {
			attempts = retryPolicy.MaxAttempts
		}
	}

	r.setStatus(nodeID, schema.NodeStatusRunning)
	e.transitionNode(ctx, r.id, nodeID, schema.NodeStatusReady, schema.NodeStatusRunning)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			r.setStatus(nodeID, schema.NodeStatusRetrying)
			e.transitionNode(ctx, r.id, nodeID, schema.NodeStatusRunning, schema.NodeStatusRetrying)
			if err := WaitForBackoff(ctx, ComputeBackoff(retryPolicy, attempt-1)); err != nil {
				lastErr = err
				break
			}
			r.setStatus(nodeID, schema.NodeStatusRunning)
			e.transitionNode(ctx, r.id, nodeID, schema.NodeStatusRetrying, schema.NodeStatusRunning)
			log.Info("retrying node", "attempt", attempt+1, "max_attempts", attempts)
		}

		out, err := e.invokeOnce(ctx, r, nodeID, inputs)
		if err == nil {
			r.setStatus(nodeID, schema.NodeStatusCompleted)
			e.transitionNode(ctx, r.id, nodeID, schema.NodeStatusRunning, schema.NodeStatusCompleted)
			return out, false, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
	}

	if onError != nil && !errors.Is(lastErr, context.Canceled) {
		switch onError.Strategy {
		case schema.OnErrorSkip:
			log.Warn("node failed, skipping per policy", "error", lastErr)
			r.setStatus(nodeID, schema.NodeStatusSkipped)
			e.transitionNode(ctx, r.id, nodeID, schema.NodeStatusRunning, schema.NodeStatusSkipped)
			return nil, true, nil
		case schema.OnErrorDefaultValue:
			log.Warn("node failed, substituting default outputs", "error", lastErr)
			r.setStatus(nodeID, schema.NodeStatusCompleted)
			e.transitionNode(ctx, r.id, nodeID, schema.NodeStatusRunning, schema.NodeStatusCompleted)
			return mapping.DeepCopyMap(onError.Default), false, nil
		case schema.OnErrorRetry:
			lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"%d attempts exhausted: %s", attempts, lastErr.Error()).
				WithNode(nodeID).WithCause(lastErr)
		}
	}

	r.setStatus(nodeID, schema.NodeStatusFailed)
	e.transitionNode(ctx, r.id, nodeID, schema.NodeStatusRunning, schema.NodeStatusFailed)
	return nil, false, wrapNodeError(nodeID, lastErr)
}

// invokeOnce performs a single node invocation under its per-invocation
// timeout. The node receives its own copy of the inputs.
func (e *Executor) invokeOnce(ctx context.Context, r *run, nodeID string, inputs map[string]any) (map[string]any, error) {
	ictx := ctx
	if p := r.wf.Policy(nodeID); p != nil && p.Timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	out, err := r.wf.Nodes[nodeID].Invoke(ictx, mapping.DeepCopyMap(inputs))
	if err != nil {
		if ictx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "node invocation timed out").
				WithNode(nodeID).WithCause(err)
		}
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return mapping.DeepCopyMap(out), nil
}

// transitionNode applies a node FSM transition, logging instead of failing:
// node events are observability, not control flow.
func (e *Executor) transitionNode(ctx context.Context, runID, nodeID string, from, to schema.NodeStatus) {
	if err := e.nodeFSM.Transition(ctx, runID, nodeID, from, to); err != nil {
		logging.LogWith(ctx, e.logger).Warn("node transition failed", "error", err)
	}
}

// emit appends an event to the run's log, logging on failure.
func (e *Executor) emit(ctx context.Context, runID, nodeID, cycleID, eventType string, payload map[string]any) {
	event := &store.Event{RunID: runID, NodeID: nodeID, CycleID: cycleID, Type: eventType}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	if err := e.st.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		logging.LogWith(ctx, e.logger).Warn("append event failed", "event_type", eventType, "error", err)
	}
}

// saveCheckpoint persists the run's resumable snapshot.
func (e *Executor) saveCheckpoint(ctx context.Context, r *run) {
	r.mu.Lock()
	outputs := make(map[string]map[string]any, len(r.outputs))
	for id, m := range r.outputs {
		outputs[id] = m
	}
	open := make(map[string]*store.OpenCycleContext, len(r.openCycles))
	for id, oc := range r.openCycles {
		open[id] = oc
	}
	r.mu.Unlock()

	cp := &store.Checkpoint{RunID: r.id, UpdatedAt: time.Now().UTC()}
	if raw, err := json.Marshal(outputs); err == nil {
		cp.NodeOutputs = raw
	}
	if len(open) > 0 {
		if raw, err := json.Marshal(open); err == nil {
			cp.OpenCycles = raw
		}
	}
	if err := e.st.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		logging.LogWith(ctx, e.logger).Warn("save checkpoint failed", "error", err)
	}
}

// attachCycle annotates a structured error with the cycle ID when absent.
func attachCycle(err error, cycleID string) error {
	var gerr *schema.GyreError
	if errors.As(err, &gerr) && gerr.CycleID == "" {
		gerr.CycleID = cycleID
	}
	return err
}

// wrapNodeError ensures node failures surface as structured errors.
func wrapNodeError(nodeID string, err error) error {
	var gerr *schema.GyreError
	if errors.As(err, &gerr) {
		if gerr.NodeID == "" {
			gerr.NodeID = nodeID
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeNodeExecution, "%s", err.Error()).
		WithNode(nodeID).WithCause(err)
}
