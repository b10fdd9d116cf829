package trace

import (
	"sync"
	"time"

	"github.com/gyreflow/gyre/internal/mapping"
)

// IterationTrace is a per-iteration snapshot of one cycle group's entry
// inputs, checker outputs and duration.
type IterationTrace struct {
	CycleID   string         `json:"cycle_id"`
	Iteration int            `json:"iteration"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Duration  time.Duration  `json:"duration"`
	At        time.Time      `json:"at"`
}

// Report summarizes one cycle's execution: iteration count, elapsed wall
// time, per-iteration numeric deltas of the checker output, and an efficiency
// score (improvement achieved divided by iterations used) per numeric field.
type Report struct {
	CycleID       string               `json:"cycle_id"`
	Expression    string               `json:"expression,omitempty"`
	MaxIterations int                  `json:"max_iterations"`
	Iterations    int                  `json:"iterations"`
	Elapsed       time.Duration        `json:"elapsed"`
	Deltas        map[string][]float64 `json:"deltas,omitempty"`      // per numeric field, per iteration step
	Improvement   map[string]float64   `json:"improvement,omitempty"` // last - first, per numeric field
	Efficiency    map[string]float64   `json:"efficiency,omitempty"`  // improvement / iterations
}

// Tracer records per-iteration snapshots for the cycles of a single run.
// It is purely observational: it copies everything it records and never
// mutates execution results. Safe for concurrent use across cycle groups.
type Tracer struct {
	mu     sync.Mutex
	cycles map[string]*cycleTrace
}

type cycleTrace struct {
	expression    string
	maxIterations int
	startedAt     time.Time
	iterations    []IterationTrace
}

// New creates an empty tracer for one run.
func New() *Tracer {
	return &Tracer{cycles: make(map[string]*cycleTrace)}
}

// StartTrace begins observing a cycle group. Calling it again for the same
// cycle resets its trace.
func (t *Tracer) StartTrace(cycleID string, maxIterations int, expression string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycles[cycleID] = &cycleTrace{
		expression:    expression,
		maxIterations: maxIterations,
		startedAt:     time.Now().UTC(),
	}
}

// RecordIteration snapshots one iteration. Inputs and outputs are deep-copied
// so later mutations by nodes cannot distort the trace.
func (t *Tracer) RecordIteration(cycleID string, iteration int, inputs, outputs map[string]any, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ct, ok := t.cycles[cycleID]
	if !ok {
		return
	}
	ct.iterations = append(ct.iterations, IterationTrace{
		CycleID:   cycleID,
		Iteration: iteration,
		Inputs:    mapping.DeepCopyMap(inputs),
		Outputs:   mapping.DeepCopyMap(outputs),
		Duration:  duration,
		At:        time.Now().UTC(),
	})
}

// Traces returns the recorded iteration snapshots for a cycle, in order.
func (t *Tracer) Traces(cycleID string) []IterationTrace {
	t.mu.Lock()
	defer t.mu.Unlock()

	ct, ok := t.cycles[cycleID]
	if !ok {
		return nil
	}
	out := make([]IterationTrace, len(ct.iterations))
	copy(out, ct.iterations)
	return out
}

// Finalize computes the cycle's report from the recorded iterations.
func (t *Tracer) Finalize(cycleID string) *Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	ct, ok := t.cycles[cycleID]
	if !ok {
		return nil
	}

	report := &Report{
		CycleID:       cycleID,
		Expression:    ct.expression,
		MaxIterations: ct.maxIterations,
		Iterations:    len(ct.iterations),
		Elapsed:       time.Since(ct.startedAt),
	}

	if len(ct.iterations) == 0 {
		return report
	}

	report.Deltas = make(map[string][]float64)
	report.Improvement = make(map[string]float64)
	report.Efficiency = make(map[string]float64)

	first := numericFields(ct.iterations[0].Outputs)
	prev := first
	for _, it := range ct.iterations[1:] {
		cur := numericFields(it.Outputs)
		for field, v := range cur {
			if pv, ok := prev[field]; ok {
				report.Deltas[field] = append(report.Deltas[field], v-pv)
			}
		}
		prev = cur
	}

	last := numericFields(ct.iterations[len(ct.iterations)-1].Outputs)
	for field, lastVal := range last {
		firstVal, ok := first[field]
		if !ok {
			continue
		}
		improvement := lastVal - firstVal
		report.Improvement[field] = improvement
		report.Efficiency[field] = improvement / float64(report.Iterations)
	}

	return report
}

// numericFields extracts the float-coercible top-level fields of an output map.
func numericFields(m map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for k, v := range m {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int32:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case float32:
			out[k] = float64(n)
		case float64:
			out[k] = n
		}
	}
	return out
}
