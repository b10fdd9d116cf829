package convergence

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/gyreflow/gyre/pkg/schema"
)

// CELEngine compiles stop conditions with Google's Common Expression Language.
// The checker node's output map is exposed as the single variable `output`,
// so conditions read `output.count >= 5`. Accessing an absent field is a
// runtime evaluation error, which the executor treats as "not converged".
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL stop-condition engine with a sandboxed
// environment.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Compile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) Compile(expression string) (Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty convergence expression")
	}

	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return celProgram{prg: prg, source: expression}, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return celProgram{prg: prg, source: expression}, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return celProgram{prg: prg, source: expression}, nil
}

type celProgram struct {
	prg    cel.Program
	source string
}

func (p celProgram) Run(ctx context.Context, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}

	out, _, err := p.prg.ContextEval(ctx, map[string]any{"output": data})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConvergenceEval,
			"CEL evaluation failed for %q: %s", p.source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": p.source})
	}
	return out.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
