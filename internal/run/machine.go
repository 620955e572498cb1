package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"
)

// ErrInvalidTransition is returned when a status change is not allowed by the
// task or run state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// Triggers are the destination statuses themselves, so permitting trigger X
// from state S means "S may move to X".
func newTaskMachine(from TaskStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)

	sm.Configure(TaskPending).
		Permit(TaskReady, TaskReady).
		Permit(TaskSkipped, TaskSkipped).
		Permit(TaskCancelled, TaskCancelled)

	sm.Configure(TaskReady).
		Permit(TaskRunning, TaskRunning).
		Permit(TaskCancelled, TaskCancelled)

	sm.Configure(TaskRunning).
		Permit(TaskCompleted, TaskCompleted).
		Permit(TaskFailed, TaskFailed).
		Permit(TaskInterrupted, TaskInterrupted).
		Permit(TaskCancelled, TaskCancelled)

	sm.Configure(TaskFailed).
		Permit(TaskRetrying, TaskRetrying).
		Permit(TaskDeadLettered, TaskDeadLettered).
		Permit(TaskCancelled, TaskCancelled)

	sm.Configure(TaskRetrying).
		Permit(TaskReady, TaskReady).
		Permit(TaskCancelled, TaskCancelled)

	sm.Configure(TaskInterrupted).
		Permit(TaskReady, TaskReady).
		Permit(TaskDeadLettered, TaskDeadLettered).
		Permit(TaskCancelled, TaskCancelled)

	// Operator re-entry from the dead letter queue.
	sm.Configure(TaskDeadLettered).
		Permit(TaskReady, TaskReady)

	sm.Configure(TaskCompleted)
	sm.Configure(TaskCancelled)
	sm.Configure(TaskSkipped)

	return sm
}

func newRunMachine(from RunStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)

	sm.Configure(RunQueued).
		Permit(RunRunning, RunRunning).
		Permit(RunCancelled, RunCancelled)

	sm.Configure(RunRunning).
		Permit(RunCompleted, RunCompleted).
		Permit(RunFailed, RunFailed).
		Permit(RunPartiallyFailed, RunPartiallyFailed).
		Permit(RunCancelled, RunCancelled).
		Permit(RunPaused, RunPaused)

	sm.Configure(RunPaused).
		Permit(RunRunning, RunRunning).
		Permit(RunFailed, RunFailed).
		Permit(RunCancelled, RunCancelled)

	// A dead letter retry re-opens a run that finished in a failure state.
	sm.Configure(RunFailed).
		Permit(RunRunning, RunRunning)
	sm.Configure(RunPartiallyFailed).
		Permit(RunRunning, RunRunning)

	sm.Configure(RunCompleted)
	sm.Configure(RunCancelled)

	return sm
}

// CheckTask verifies that a task run may move from one status to another.
func CheckTask(from, to TaskStatus) error {
	if err := newTaskMachine(from).FireCtx(context.Background(), to); err != nil {
		return fmt.Errorf("%w: task %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CheckRun verifies that a workflow run may move from one status to another.
func CheckRun(from, to RunStatus) error {
	if from == to {
		return nil
	}
	if err := newRunMachine(from).FireCtx(context.Background(), to); err != nil {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
