package node

import "context"

// WildcardOutputs is returned by DeclaredOutputs for nodes whose output keys
// are only known at invocation time.
const WildcardOutputs = "*"

// InputSpec declares a single named input of a node.
type InputSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Node is the executable capability contract implemented by node authors and
// consumed by the engine. Implementations must be safe for concurrent
// invocation: the same Node value may run in independent runs at once.
type Node interface {
	// DeclaredInputs lists the node's input contract.
	DeclaredInputs() []InputSpec

	// DeclaredOutputs lists the node's output keys, or a single
	// WildcardOutputs entry for dynamic-output nodes.
	DeclaredOutputs() []string

	// Invoke executes the node with resolved inputs and returns its outputs.
	// The inputs map is owned by the node; the engine never aliases it.
	Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// StrictNode is an optional extension: nodes that return true opt into the
// strict input contract, requiring cycle-closing edge mappings to cover every
// declared input.
type StrictNode interface {
	Node
	StrictInputs() bool
}

// IsStrict reports whether n opts into the strict input contract.
func IsStrict(n Node) bool {
	if s, ok := n.(StrictNode); ok {
		return s.StrictInputs()
	}
	return false
}

// HasWildcardOutputs reports whether n declares dynamic outputs.
func HasWildcardOutputs(n Node) bool {
	outs := n.DeclaredOutputs()
	return len(outs) == 1 && outs[0] == WildcardOutputs
}

// Func adapts a plain function into a Node with the given contract.
type Func struct {
	Inputs  []InputSpec
	Outputs []string
	Strict  bool
	Fn      func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

func (f *Func) DeclaredInputs() []InputSpec { return f.Inputs }

func (f *Func) DeclaredOutputs() []string {
	if len(f.Outputs) == 0 {
		return []string{WildcardOutputs}
	}
	return f.Outputs
}

func (f *Func) StrictInputs() bool { return f.Strict }

func (f *Func) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return f.Fn(ctx, inputs)
}

var _ StrictNode = (*Func)(nil)
