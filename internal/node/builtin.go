package node

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/gyreflow/gyre/pkg/schema"
)

// RegisterBuiltins installs the capabilities available to workflow definitions
// out of the box: passthrough, jq transforms and delays.
func RegisterBuiltins(r *Registry) {
	r.Register("noop", newNoop)
	r.Register("jq", newJQ)
	r.Register("delay", newDelay)
}

// --- noop ---

// newNoop returns a wildcard node that echoes its inputs as outputs.
func newNoop(json.RawMessage) (Node, error) {
	return &Func{
		Fn: func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			out := make(map[string]any, len(inputs))
			for k, v := range inputs {
				out[k] = v
			}
			return out, nil
		},
	}, nil
}

// --- jq ---

type jqParams struct {
	Expression string `json:"expression"`
}

type jqNode struct {
	expression string

	once sync.Once
	code *gojq.Code
	err  error
}

// newJQ returns a node that evaluates a jq expression over its input map and
// emits the result under "result" (or the object's own keys when the result
// is an object).
func newJQ(params json.RawMessage) (Node, error) {
	var p jqParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq params: %s", err.Error())
		}
	}
	if p.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq capability requires an expression")
	}
	return &jqNode{expression: p.Expression}, nil
}

func (n *jqNode) DeclaredInputs() []InputSpec { return nil }

func (n *jqNode) DeclaredOutputs() []string { return []string{WildcardOutputs} }

func (n *jqNode) compile() (*gojq.Code, error) {
	n.once.Do(func() {
		query, err := gojq.Parse(n.expression)
		if err != nil {
			n.err = schema.NewErrorf(schema.ErrCodeValidation,
				"jq parse error in %q: %s", n.expression, err.Error()).WithCause(err)
			return
		}
		// Sandbox: empty env blocks $ENV and env access.
		n.code, n.err = gojq.Compile(query,
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
	})
	return n.code, n.err
}

func (n *jqNode) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	code, err := n.compile()
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(inputs))
	val, ok := iter.Next()
	if !ok {
		return map[string]any{"result": nil}, nil
	}
	if evalErr, isErr := val.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"jq evaluation failed for %q: %s", n.expression, evalErr.Error()).WithCause(evalErr)
	}

	if obj, isObj := val.(map[string]any); isObj {
		return obj, nil
	}
	return map[string]any{"result": val}, nil
}

// normalizeForJQ converts Go native number types to jq-compatible float64.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeForJQ(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeForJQ(inner)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

// --- delay ---

type delayParams struct {
	Duration string `json:"duration"`
}

// newDelay returns a passthrough node that waits for a fixed duration,
// respecting context cancellation.
func newDelay(params json.RawMessage) (Node, error) {
	var p delayParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay params: %s", err.Error())
		}
	}
	dur, err := time.ParseDuration(p.Duration)
	if err != nil || dur < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay capability requires a valid duration, got %q", p.Duration)
	}
	return &Func{
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			select {
			case <-time.After(dur):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			out := make(map[string]any, len(inputs))
			for k, v := range inputs {
				out[k] = v
			}
			return out, nil
		},
	}, nil
}
