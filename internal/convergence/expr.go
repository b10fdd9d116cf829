package convergence

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/gyreflow/gyre/pkg/schema"
)

// ExprEngine compiles stop conditions with expr-lang/expr. It supports
// comparison and boolean operators, nil coalescing (??) and the usual
// arithmetic over the checker node's top-level output fields.
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr stop-condition engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Compile checks the expression's syntax eagerly so a malformed condition
// fails before the run starts. The executable program is built on first
// evaluation, when the checker output's field names are known: compiling
// against that environment lets a field like "count" shadow the expr builtin
// of the same name.
func (e *ExprEngine) Compile(expression string) (Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty convergence expression")
	}

	if _, err := parser.Parse(expression); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return exprProgram{engine: e, source: expression}, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new
// one. The data map is used to infer the environment type for compilation, so
// its keys take precedence over same-named builtins.
func (e *ExprEngine) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConvergenceEval,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

type exprProgram struct {
	engine *ExprEngine
	source string
}

func (p exprProgram) Run(_ context.Context, data map[string]any) (any, error) {
	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := p.engine.getOrCompile(p.source, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConvergenceEval,
			"expr evaluation failed for %q: %s", p.source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": p.source})
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
