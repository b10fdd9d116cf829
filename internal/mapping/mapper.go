package mapping

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/gyreflow/gyre/internal/node"
	"github.com/gyreflow/gyre/pkg/schema"
)

// Mapper resolves edge mapping entries against a source node's outputs to
// produce fragments of a target node's input dictionary.
//
// Source paths support dotted traversal into nested output structures
// (e.g. "result.count"), evaluated with compiled jq programs. Resolved values
// are always deep copies, so a target node can never alias or mutate a
// previous iteration's data.
//
// Thread-safe: compiled programs are cached and reused across goroutines.
type Mapper struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewMapper creates a Mapper with an empty program cache.
func NewMapper() *Mapper {
	return &Mapper{cache: make(map[string]*gojq.Code)}
}

// Apply resolves each mapping entry's source path against outputs and returns
// the target input fragments. Entries whose path resolves to nothing are
// omitted from the result; the caller decides between defaulting and
// MISSING_INPUT when assembling the final input dictionary.
func (m *Mapper) Apply(ctx context.Context, entries []schema.MappingEntry, outputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(entries))
	for _, entry := range entries {
		val, ok, err := m.resolvePath(ctx, entry.Source, outputs)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		resolved[entry.Target] = DeepCopy(val)
	}
	return resolved, nil
}

// resolvePath evaluates a dotted path against the outputs map. An empty path
// selects the whole output map. The boolean result is false when the path
// does not resolve to a value.
func (m *Mapper) resolvePath(ctx context.Context, path string, outputs map[string]any) (any, bool, error) {
	if path == "" {
		return outputs, outputs != nil, nil
	}

	// Fast path: plain top-level key. A nil value counts as unresolved, the
	// same as the jq path treats null, so declared defaults can apply.
	if v, ok := outputs[path]; ok {
		return v, v != nil, nil
	}

	code, err := m.getOrCompile(path)
	if err != nil {
		return nil, false, err
	}

	iter := code.RunWithContext(ctx, outputs)
	val, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if evalErr, isErr := val.(error); isErr {
		return nil, false, schema.NewErrorf(schema.ErrCodeValidation,
			"resolve output path %q: %s", path, evalErr.Error()).WithCause(evalErr)
	}
	// jq yields null for absent paths; treat it as unresolved so declared
	// defaults can apply.
	if val == nil {
		return nil, false, nil
	}
	return val, true, nil
}

// getOrCompile returns a cached compiled program for the dotted path or
// compiles and caches a new one.
func (m *Mapper) getOrCompile(path string) (*gojq.Code, error) {
	expr := "." + path

	m.mu.RLock()
	if code, ok := m.cache[expr]; ok {
		m.mu.RUnlock()
		return code, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if code, ok := m.cache[expr]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid output path %q: %s", path, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile output path %q: %s", path, err.Error()).WithCause(err)
	}

	m.cache[expr] = code
	return code, nil
}

// FinalizeInputs assembles a node's final input dictionary from resolved
// fragments: a declared input missing from resolved falls back to its default;
// a required input with no default raises MISSING_INPUT. Inputs the node never
// declared pass through untouched (wildcard-style nodes accept anything).
func FinalizeInputs(nodeID string, n node.Node, resolved map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(resolved))
	for k, v := range resolved {
		inputs[k] = v
	}

	for _, spec := range n.DeclaredInputs() {
		if _, ok := inputs[spec.Name]; ok {
			continue
		}
		if spec.Default != nil {
			inputs[spec.Name] = DeepCopy(spec.Default)
			continue
		}
		if spec.Required {
			return nil, schema.NewErrorf(schema.ErrCodeMissingInput,
				"required input %q is absent and has no default", spec.Name).WithNode(nodeID)
		}
	}

	return inputs, nil
}
