package schema

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusReady                 RunStatus = "ready"
	RunStatusRunning               RunStatus = "running"
	RunStatusCompleted             RunStatus = "completed"
	RunStatusFailed                RunStatus = "failed"
	RunStatusMaxIterationsExceeded RunStatus = "max_iterations_exceeded"
	RunStatusCancelled             RunStatus = "cancelled"
)

// Terminal reports whether the run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusMaxIterationsExceeded, RunStatusCancelled:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of a single node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusRetrying  NodeStatus = "retrying"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status admits no further transitions
// within the current iteration.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
		return true
	}
	return false
}
