package convergence

import "context"

// Program is a compiled stop-condition expression. Programs are immutable and
// safe to evaluate concurrently across iterations without locking.
type Program interface {
	// Run evaluates the program with the data map as its top-level variables.
	Run(ctx context.Context, data map[string]any) (any, error)
}

// Engine compiles stop-condition expressions. Two implementations: Expr
// (default) and CEL.
type Engine interface {
	Name() string
	Compile(expression string) (Program, error)
}
