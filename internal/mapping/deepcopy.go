package mapping

// DeepCopy recursively copies JSON-like values (maps, slices, scalars).
// Values of other types are returned as-is; node authors exchanging
// non-JSON-like values own their aliasing.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = DeepCopy(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = DeepCopy(inner)
		}
		return out
	default:
		return v
	}
}

// DeepCopyMap is DeepCopy specialized for the outputs/state maps the engine
// passes around. A nil map copies to an empty one.
func DeepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopy(v)
	}
	return out
}
