package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aristath/dagflow/internal/retry"
	"github.com/aristath/dagflow/internal/tasks"
	"github.com/aristath/dagflow/internal/workflow"
)

// DefaultTaskTimeout bounds an attempt when neither the node nor the task
// type sets a timeout.
const DefaultTaskTimeout = 30 * time.Minute

// Outcome is what one attempt produced.
type Outcome struct {
	Result   tasks.Result
	Err      error
	Failure  retry.Failure
	Duration time.Duration

	// Interrupted is set when the caller's context ended the attempt
	// (shutdown or run cancellation), or the task stopped on the shutdown
	// notice, rather than the task failing.
	Interrupted bool
}

// Executor invokes a single task body with a timeout, panic recovery, and a
// circuit breaker per task type. It is the boundary where task errors are
// caught and classified.
type Executor struct {
	registry       *tasks.Registry
	breakers       *BreakerRegistry
	defaultTimeout time.Duration
	typeTimeouts   map[string]time.Duration
}

// NewExecutor creates an executor. breakers may be nil to disable circuit
// breaking.
func NewExecutor(registry *tasks.Registry, breakers *BreakerRegistry, defaultTimeout time.Duration, typeTimeouts map[string]time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTaskTimeout
	}
	return &Executor{
		registry:       registry,
		breakers:       breakers,
		defaultTimeout: defaultTimeout,
		typeTimeouts:   typeTimeouts,
	}
}

// Timeout resolves the attempt timeout for a node.
func (e *Executor) Timeout(node *workflow.TaskNode) time.Duration {
	if node.Timeout > 0 {
		return node.Timeout.Std()
	}
	if d := e.typeTimeouts[node.Type]; d > 0 {
		return d
	}
	return e.defaultTimeout
}

// Execute runs one attempt.
func (e *Executor) Execute(ctx context.Context, node *workflow.TaskNode, in tasks.Input) Outcome {
	start := time.Now()
	out := e.execute(ctx, node, in)
	out.Duration = time.Since(start)
	return out
}

func (e *Executor) execute(ctx context.Context, node *workflow.TaskNode, in tasks.Input) Outcome {
	task, err := e.registry.Lookup(node.Type)
	if err != nil {
		return failed(retry.Permanent(err))
	}

	timeout := e.Timeout(node)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res tasks.Result
	if e.breakers != nil {
		var v any
		v, err = e.breakers.Get(node.Type).Execute(func() (any, error) {
			return safeExecute(tctx, task, in)
		})
		if err == nil {
			res = v.(tasks.Result)
		}
	} else {
		res, err = safeExecute(tctx, task, in)
	}

	switch {
	case err == nil:
		return Outcome{Result: res}
	case ctx.Err() != nil, errors.Is(err, tasks.ErrStopping):
		return Outcome{Err: err, Interrupted: true}
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return failed(retry.Transient(fmt.Errorf("task timed out after %s: %w", timeout, err)))
	}
	return failed(err)
}

func failed(err error) Outcome {
	return Outcome{Err: err, Failure: retry.Classify(err)}
}

// safeExecute converts a panic in the task body into an error.
func safeExecute(ctx context.Context, task tasks.Task, in tasks.Input) (res tasks.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &retry.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task.Execute(ctx, in)
}
