package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format. It describes a
// dataflow graph whose nodes are capabilities from the node registry and whose
// edges route output fields to input fields. Edges flagged is_cycle close
// feedback loops and carry the loop's convergence configuration.
type WorkflowDefinition struct {
	Name     string           `json:"name,omitempty"`
	Nodes    []NodeDefinition `json:"nodes"`
	Edges    []EdgeDefinition `json:"edges,omitempty"`
	Timeout  string           `json:"timeout,omitempty"` // run-level wall clock (e.g. "5m")
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node in a workflow.
type NodeDefinition struct {
	ID         string          `json:"id"`
	Capability string          `json:"capability"`          // registry name (e.g. "jq", "delay")
	Params     json.RawMessage `json:"params,omitempty"`    // capability-specific configuration
	Strict     bool            `json:"strict,omitempty"`    // strict input contract for cycle mappings
	Timeout    string          `json:"timeout,omitempty"`   // per-invocation timeout
	OnError    *ErrorPolicy    `json:"on_error,omitempty"`  // node-local failure handling
}

// EdgeDefinition routes one node's output field to another node's input field.
// A cycle-closing edge additionally declares how the loop terminates.
type EdgeDefinition struct {
	Source        string         `json:"source"`
	SourceKey     string         `json:"source_key,omitempty"`
	Target        string         `json:"target"`
	TargetKey     string         `json:"target_key,omitempty"`
	Mapping       []MappingEntry `json:"mapping,omitempty"`
	IsCycle       bool           `json:"is_cycle,omitempty"`
	Convergence   string         `json:"convergence,omitempty"`    // stop condition over checker output
	MaxIterations int            `json:"max_iterations,omitempty"` // default 50
	CycleTimeout  string         `json:"cycle_timeout,omitempty"`  // per-cycle wall clock
}

// MappingEntry binds a dotted path into the source node's outputs to a named
// input of the target node.
type MappingEntry struct {
	Source string `json:"from"` // dotted output path, e.g. "result.count"
	Target string `json:"to"`   // target input name
}

// ErrorPolicy configures how a node invocation failure is absorbed.
type ErrorPolicy struct {
	Strategy string         `json:"strategy"`          // skip | default_value | retry
	Default  map[string]any `json:"default,omitempty"` // outputs used by default_value
	Retry    *RetryPolicy   `json:"retry,omitempty"`
}

// Error policy strategies.
const (
	OnErrorSkip         = "skip"
	OnErrorDefaultValue = "default_value"
	OnErrorRetry        = "retry"
)

// RetryPolicy bounds retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay,omitempty"` // e.g. "100ms"
	MaxDelay    string `json:"max_delay,omitempty"`  // cap, e.g. "10s"
}
