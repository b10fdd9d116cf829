package engine

import (
	"context"
	"time"

	"github.com/gyreflow/gyre/internal/graph"
	"github.com/gyreflow/gyre/internal/node"
	"github.com/gyreflow/gyre/internal/validation"
	"github.com/gyreflow/gyre/pkg/schema"
)

// Runner turns serialized workflow definitions into executable runs: document
// validation, capability resolution through the registry, graph validation,
// then execution.
type Runner struct {
	exec      *Executor
	registry  *node.Registry
	validator validation.Validator
}

// NewRunner creates a Runner. The validator may be nil to skip document
// validation (trusted callers that already validated).
func NewRunner(exec *Executor, registry *node.Registry, validator validation.Validator) *Runner {
	return &Runner{exec: exec, registry: registry, validator: validator}
}

// build validates the definition and freezes it into a workflow.
func (r *Runner) build(def *schema.WorkflowDefinition) (*graph.Workflow, []RunOption, error) {
	if r.validator != nil {
		if err := r.validator.ValidateDefinition(def); err != nil {
			return nil, nil, err
		}
	}

	b, err := graph.FromDefinition(def, r.registry)
	if err != nil {
		return nil, nil, err
	}
	wf, err := b.Validate()
	if err != nil {
		return nil, nil, err
	}

	var opts []RunOption
	if def.Timeout != "" {
		d, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid workflow timeout %q", def.Timeout)
		}
		opts = append(opts, WithRunTimeout(d))
	}
	return wf, opts, nil
}

// RunDefinition starts the workflow in the background and returns its run ID.
func (r *Runner) RunDefinition(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]map[string]any, name string) (string, error) {
	wf, opts, err := r.build(def)
	if err != nil {
		return "", err
	}
	if name != "" {
		opts = append(opts, WithRunName(name))
	}
	return r.exec.ExecuteAsync(ctx, wf, initial, opts...)
}

// RunDefinitionSync runs the workflow to completion.
func (r *Runner) RunDefinitionSync(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]map[string]any, name string) (*Result, error) {
	wf, opts, err := r.build(def)
	if err != nil {
		return nil, err
	}
	if name != "" {
		opts = append(opts, WithRunName(name))
	}
	return r.exec.Execute(ctx, wf, initial, opts...)
}

// Executor exposes the underlying executor for status and trace queries.
func (r *Runner) Executor() *Executor { return r.exec }
