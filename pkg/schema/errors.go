package schema

import "fmt"

// Error codes for structured error reporting.
//
// Build codes are only ever produced by graph validation; once a workflow
// passes Validate they cannot occur at runtime.
const (
	// Build-time structural defects.
	ErrCodeNoCycleClosure        = "NO_CYCLE_CLOSURE"
	ErrCodeAmbiguousCycleClosure = "AMBIGUOUS_CYCLE_CLOSURE"
	ErrCodeUnmarkedCycleEdge     = "UNMARKED_CYCLE_EDGE"
	ErrCodePartialCycleMapping   = "PARTIAL_CYCLE_MAPPING"
	ErrCodeNoEntryPoint          = "NO_ENTRY_POINT"
	ErrCodeValidation            = "VALIDATION_ERROR"

	// Runtime, node-local.
	ErrCodeMissingInput  = "MISSING_INPUT"
	ErrCodeNodeExecution = "NODE_EXECUTION_ERROR"

	// Runtime, non-fatal per iteration.
	ErrCodeConvergenceEval = "CONVERGENCE_EVALUATION_ERROR"

	// Run lifecycle.
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"

	// Infrastructure.
	ErrCodeStore    = "STORE_ERROR"
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeConflict = "CONFLICT"
)

// GyreError is the structured error type for all engine operations.
type GyreError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	CycleID string         `json:"cycle_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GyreError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	if e.CycleID != "" {
		return fmt.Sprintf("[%s] cycle %s: %s", e.Code, e.CycleID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GyreError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GyreError.
func NewError(code, message string) *GyreError {
	return &GyreError{Code: code, Message: message}
}

// NewErrorf creates a new GyreError with a formatted message.
func NewErrorf(code, format string, args ...any) *GyreError {
	return &GyreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *GyreError) WithNode(nodeID string) *GyreError {
	e.NodeID = nodeID
	return e
}

// WithCycle attaches a cycle group ID to the error.
func (e *GyreError) WithCycle(cycleID string) *GyreError {
	e.CycleID = cycleID
	return e
}

// WithCause attaches an underlying cause.
func (e *GyreError) WithCause(err error) *GyreError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GyreError) WithDetails(details map[string]any) *GyreError {
	e.Details = details
	return e
}

// IsBuildError reports whether the code denotes a structural defect detected
// during graph validation.
func (e *GyreError) IsBuildError() bool {
	switch e.Code {
	case ErrCodeNoCycleClosure, ErrCodeAmbiguousCycleClosure,
		ErrCodeUnmarkedCycleEdge, ErrCodePartialCycleMapping,
		ErrCodeNoEntryPoint, ErrCodeValidation:
		return true
	}
	return false
}

// IsRetryable reports whether a node error may be retried under a retry policy.
// Structural defects, missing inputs and cancellation are never retried.
func (e *GyreError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNodeExecution, ErrCodeTimeout, ErrCodeStore:
		return true
	}
	return false
}
