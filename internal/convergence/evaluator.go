package convergence

import (
	"context"
	"fmt"

	"github.com/gyreflow/gyre/pkg/schema"
)

// CompiledExpr is an immutable compiled stop condition, safe to reuse across
// iterations and goroutines.
type CompiledExpr struct {
	Source string
	prog   Program
}

// Evaluator compiles and evaluates stop conditions against a checker node's
// output. Expressions reference only the top-level fields of that output,
// never dotted paths into other nodes.
type Evaluator struct {
	engine Engine
}

// NewEvaluator creates an Evaluator backed by the given engine, or the
// default Expr engine when nil.
func NewEvaluator(engine Engine) *Evaluator {
	if engine == nil {
		engine = NewExprEngine()
	}
	return &Evaluator{engine: engine}
}

// Compile validates and compiles the expression.
func (ev *Evaluator) Compile(expression string) (*CompiledExpr, error) {
	prog, err := ev.engine.Compile(expression)
	if err != nil {
		return nil, err
	}
	return &CompiledExpr{Source: expression, prog: prog}, nil
}

// Evaluate runs the compiled condition against the checker output. A failed
// evaluation (absent field, type mismatch, non-boolean result) returns a
// CONVERGENCE_EVALUATION_ERROR, which callers treat as "not converged this
// iteration" rather than aborting the loop.
func (ev *Evaluator) Evaluate(ctx context.Context, compiled *CompiledExpr, output map[string]any) (bool, error) {
	if compiled == nil {
		return false, schema.NewError(schema.ErrCodeConvergenceEval, "nil compiled expression")
	}

	out, err := compiled.prog.Run(ctx, output)
	if err != nil {
		return false, err
	}

	b, ok := toBool(out)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConvergenceEval,
			"convergence expression %q produced non-boolean %T", compiled.Source, out).
			WithDetails(map[string]any{"expression": compiled.Source, "result": fmt.Sprintf("%v", out)})
	}
	return b, nil
}

// toBool accepts a plain bool; every other value fails evaluation. A nil
// result means the expression referenced an absent field.
func toBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}
