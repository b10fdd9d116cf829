package validation

import "github.com/gyreflow/gyre/pkg/schema"

// Validator checks serialized workflow definitions before they are built into
// an executable graph. Structural graph properties (cycle closure, entry
// points, topology) are checked later by graph validation; this layer rejects
// malformed documents early with precise locations.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateParams(params map[string]any, paramsSchema []byte) error
}
