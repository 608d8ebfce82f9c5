package schema

// Event type constants for the progress stream and the append-only run log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventCheckpointSaved = "checkpoint_saved"

	EventBranchEvaluated = "branch_evaluated"
	EventLoopIteration   = "loop_iteration"
	EventLoopCompleted   = "loop_completed"
	EventParallelStarted = "parallel_started"
	EventParallelSettled = "parallel_settled"

	EventValidateStage   = "validate_stage"
	EventValidateAttempt = "validate_attempt"

	EventExecutorProgress = "executor_progress"
	EventRollbackRun      = "rollback_run"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusDispatching StepStatus = "dispatching"
	StepStatusRunning     StepStatus = "running"
	StepStatusSucceeded   StepStatus = "succeeded"
	StepStatusFailed      StepStatus = "failed"
	StepStatusSkipped     StepStatus = "skipped"
)

// Terminal reports whether a step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}
