package run

// TaskStatus is the lifecycle state of a single TaskRun.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"       // Materialized, waiting on predecessors
	TaskReady        TaskStatus = "ready"         // Eligible for dispatch
	TaskRunning      TaskStatus = "running"       // Handed to the executor
	TaskCompleted    TaskStatus = "completed"     // Finished successfully
	TaskFailed       TaskStatus = "failed"        // Attempt failed, retry decision pending
	TaskRetrying     TaskStatus = "retrying"      // Waiting for next_retry_at
	TaskDeadLettered TaskStatus = "dead_lettered" // Permanently failed, needs an operator
	TaskCancelled    TaskStatus = "cancelled"     // Run was cancelled
	TaskInterrupted  TaskStatus = "interrupted"   // Shutdown or crash cut the attempt short
	TaskSkipped      TaskStatus = "skipped"       // Not taken by any edge, or upstream failed
)

// Terminal reports whether no further automatic transition can happen.
// dead_lettered is terminal for the scheduler; only an operator re-opens it.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskDeadLettered, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunCancelled       RunStatus = "cancelled"
	RunPaused          RunStatus = "paused" // recovery found an inconsistent checkpoint log
)

// Terminal reports whether the run has finished scheduling.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunPartiallyFailed, RunCancelled:
		return true
	}
	return false
}

// FailureKind classifies why an attempt (or a run) failed.
type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureTransient            FailureKind = "transient"
	FailureResourceExhausted    FailureKind = "resource_exhausted"
	FailurePermanent            FailureKind = "permanent"
	FailureDefinitionInvalid    FailureKind = "definition_invalid"
	FailureRecoveryInconsistent FailureKind = "recovery_inconsistent"
)

// Retryable reports whether the scheduler may try again automatically.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureResourceExhausted
}

// SkipReason records why a node was skipped.
type SkipReason string

const (
	SkipNoEdgeTaken    SkipReason = "no_edge_taken"
	SkipUpstreamFailed SkipReason = "upstream_failed"
)
