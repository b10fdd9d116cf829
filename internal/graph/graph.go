package graph

import (
	"fmt"
	"time"

	"github.com/gyreflow/gyre/internal/node"
	"github.com/gyreflow/gyre/pkg/schema"
)

// DefaultMaxIterations bounds a cycle group when the closing edge does not
// declare its own limit. Cycles are never unbounded.
const DefaultMaxIterations = 50

// Edge routes one node's output field to another node's input field.
// A cycle-closing edge (IsCycle) carries the loop's convergence configuration.
type Edge struct {
	Source    string
	SourceKey string
	Target    string
	TargetKey string
	Mapping   []schema.MappingEntry

	IsCycle       bool
	Convergence   string
	MaxIterations int
	CycleTimeout  time.Duration
}

// EffectiveMapping returns the mapping entries to apply when the edge fires.
// An edge without an explicit mapping list maps its source key to its target
// key; explicit entries always name their source paths and targets, so a
// generic mapping can never silently drop data.
func (e *Edge) EffectiveMapping() []schema.MappingEntry {
	if len(e.Mapping) > 0 {
		return e.Mapping
	}
	return []schema.MappingEntry{{Source: e.SourceKey, Target: e.TargetKey}}
}

// EdgeOption configures an edge at AddEdge time.
type EdgeOption func(*Edge)

// WithMapping sets explicit mapping entries (dotted source paths to target
// input names) replacing the default source_key -> target_key mapping.
func WithMapping(entries ...schema.MappingEntry) EdgeOption {
	return func(e *Edge) { e.Mapping = entries }
}

// WithCycle marks the edge as the cycle-closing edge of its group and attaches
// the loop's convergence expression and iteration bound. maxIterations <= 0
// selects DefaultMaxIterations.
func WithCycle(convergence string, maxIterations int) EdgeOption {
	return func(e *Edge) {
		e.IsCycle = true
		e.Convergence = convergence
		e.MaxIterations = maxIterations
	}
}

// WithCycleTimeout sets a wall-clock budget for the whole cycle, enforced
// independently of max iterations.
func WithCycleTimeout(d time.Duration) EdgeOption {
	return func(e *Edge) { e.CycleTimeout = d }
}

// NodePolicy carries a node's runtime behavior outside the dataflow contract:
// per-invocation timeout and failure handling.
type NodePolicy struct {
	Timeout time.Duration
	OnError *schema.ErrorPolicy
}

// NodeOption configures a node's policy at AddNode time.
type NodeOption func(*NodePolicy)

// WithNodeTimeout bounds each invocation of the node.
func WithNodeTimeout(d time.Duration) NodeOption {
	return func(p *NodePolicy) { p.Timeout = d }
}

// WithErrorPolicy sets how an invocation failure of the node is absorbed.
func WithErrorPolicy(policy *schema.ErrorPolicy) NodeOption {
	return func(p *NodePolicy) { p.OnError = policy }
}

// Builder accumulates nodes and edges and produces a frozen Workflow via
// Validate. Structural problems are collected and reported at Validate time;
// a workflow failing validation is never partially usable.
type Builder struct {
	nodes    map[string]node.Node
	order    []string
	edges    []*Edge
	policies map[string]*NodePolicy
	errs     []error
}

// NewBuilder creates an empty workflow builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes:    make(map[string]node.Node),
		policies: make(map[string]*NodePolicy),
	}
}

// AddNode registers a node under the given ID.
func (b *Builder) AddNode(id string, n node.Node, opts ...NodeOption) *Builder {
	if id == "" {
		b.errs = append(b.errs, schema.NewError(schema.ErrCodeValidation, "node ID must not be empty"))
		return b
	}
	if n == nil {
		b.errs = append(b.errs, schema.NewErrorf(schema.ErrCodeValidation, "node %s is nil", id))
		return b
	}
	if _, exists := b.nodes[id]; exists {
		b.errs = append(b.errs, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", id))
		return b
	}
	b.nodes[id] = n
	b.order = append(b.order, id)
	if len(opts) > 0 {
		policy := &NodePolicy{}
		for _, opt := range opts {
			opt(policy)
		}
		b.policies[id] = policy
	}
	return b
}

// AddEdge routes source's output key to target's input key.
func (b *Builder) AddEdge(source, sourceKey, target, targetKey string, opts ...EdgeOption) *Builder {
	e := &Edge{
		Source:    source,
		SourceKey: sourceKey,
		Target:    target,
		TargetKey: targetKey,
	}
	for _, opt := range opts {
		opt(e)
	}
	b.edges = append(b.edges, e)
	return b
}

// FromDefinition translates a serialized workflow definition into a Builder,
// resolving each node's capability through the registry.
func FromDefinition(def *schema.WorkflowDefinition, reg *node.Registry) (*Builder, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	b := NewBuilder()
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if nd.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		built, err := reg.Build(nd.Capability, nd.Params)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node %s: build capability %q: %s", nd.ID, nd.Capability, err.Error()).WithCause(err)
		}
		if nd.Strict {
			built = &strictWrapper{Node: built}
		}

		var nodeOpts []NodeOption
		if nd.Timeout != "" {
			dur, err := time.ParseDuration(nd.Timeout)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"node %s: invalid timeout %q", nd.ID, nd.Timeout)
			}
			nodeOpts = append(nodeOpts, WithNodeTimeout(dur))
		}
		if nd.OnError != nil {
			nodeOpts = append(nodeOpts, WithErrorPolicy(nd.OnError))
		}
		b.AddNode(nd.ID, built, nodeOpts...)
	}

	for i := range def.Edges {
		ed := &def.Edges[i]
		var opts []EdgeOption
		if len(ed.Mapping) > 0 {
			opts = append(opts, WithMapping(ed.Mapping...))
		}
		if ed.IsCycle {
			opts = append(opts, WithCycle(ed.Convergence, ed.MaxIterations))
			if ed.CycleTimeout != "" {
				dur, err := time.ParseDuration(ed.CycleTimeout)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"edge %s->%s: invalid cycle_timeout %q", ed.Source, ed.Target, ed.CycleTimeout)
				}
				opts = append(opts, WithCycleTimeout(dur))
			}
		}
		b.AddEdge(ed.Source, ed.SourceKey, ed.Target, ed.TargetKey, opts...)
	}

	return b, nil
}

// strictWrapper forces the strict input contract onto a registry-built node.
type strictWrapper struct {
	node.Node
}

func (w *strictWrapper) StrictInputs() bool { return true }

func edgeLabel(e *Edge) string {
	return fmt.Sprintf("%s.%s -> %s.%s", e.Source, e.SourceKey, e.Target, e.TargetKey)
}
