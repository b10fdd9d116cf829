package schema

// Event types recorded in the append-only run event log.
const (
	EventRunStarted       = "run.started"
	EventRunCompleted     = "run.completed"
	EventRunFailed        = "run.failed"
	EventRunCancelled     = "run.cancelled"
	EventRunExhausted     = "run.max_iterations_exceeded"

	EventNodeStarted   = "node.started"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
	EventNodeSkipped   = "node.skipped"
	EventNodeRetrying  = "node.retrying"

	EventCycleEntered    = "cycle.entered"
	EventCycleIteration  = "cycle.iteration"
	EventCycleConverged  = "cycle.converged"
	EventCycleExhausted  = "cycle.exhausted"
	EventCycleEvalFailed = "cycle.evaluation_failed"

	EventCheckpointSaved   = "checkpoint.saved"
	EventScheduleTriggered = "schedule.triggered"
)
