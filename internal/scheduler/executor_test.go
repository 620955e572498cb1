package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dagflow/internal/logging"
	"github.com/aristath/dagflow/internal/retry"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/tasks"
	"github.com/aristath/dagflow/internal/workflow"
)

func registryWith(taskType string, fn tasks.TaskFunc) *tasks.Registry {
	reg := tasks.NewRegistry()
	reg.Register(taskType, fn)
	return reg
}

func TestExecutor_Success(t *testing.T) {
	exec := NewExecutor(registryWith("story", func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		return tasks.Result{Artifact: run.ArtifactRef{URI: "mem://" + in.NodeID}, Metadata: map[string]any{"words": 120}}, nil
	}), nil, 0, nil)

	out := exec.Execute(context.Background(), &workflow.TaskNode{ID: "script", Type: "story"}, tasks.Input{NodeID: "script"})
	require.NoError(t, out.Err)
	assert.False(t, out.Interrupted)
	assert.Equal(t, "mem://script", out.Result.Artifact.URI)
	assert.Equal(t, 120, out.Result.Metadata["words"])
}

func TestExecutor_UnknownTypeIsPermanent(t *testing.T) {
	exec := NewExecutor(tasks.NewRegistry(), nil, 0, nil)

	out := exec.Execute(context.Background(), &workflow.TaskNode{ID: "x", Type: "missing"}, tasks.Input{})
	require.Error(t, out.Err)
	assert.Equal(t, run.FailurePermanent, out.Failure.Kind)
}

func TestExecutor_TimeoutIsTransient(t *testing.T) {
	exec := NewExecutor(registryWith("slow", func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		<-ctx.Done()
		return tasks.Result{}, ctx.Err()
	}), nil, time.Hour, nil)

	node := &workflow.TaskNode{ID: "slow", Type: "slow", Timeout: workflow.Duration(20 * time.Millisecond)}
	out := exec.Execute(context.Background(), node, tasks.Input{})
	require.Error(t, out.Err)
	assert.False(t, out.Interrupted)
	assert.Equal(t, run.FailureTransient, out.Failure.Kind)
	assert.Contains(t, out.Err.Error(), "timed out")
}

func TestExecutor_TimeoutResolution(t *testing.T) {
	exec := NewExecutor(tasks.NewRegistry(), nil, 0, map[string]time.Duration{"render": time.Minute})

	assert.Equal(t, 5*time.Second, exec.Timeout(&workflow.TaskNode{Type: "render", Timeout: workflow.Duration(5 * time.Second)}))
	assert.Equal(t, time.Minute, exec.Timeout(&workflow.TaskNode{Type: "render"}))
	assert.Equal(t, DefaultTaskTimeout, exec.Timeout(&workflow.TaskNode{Type: "other"}))
}

func TestExecutor_PanicIsCaught(t *testing.T) {
	exec := NewExecutor(registryWith("boom", func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		panic("nil map")
	}), nil, 0, nil)

	out := exec.Execute(context.Background(), &workflow.TaskNode{ID: "b", Type: "boom"}, tasks.Input{})
	var panicErr *retry.PanicError
	require.ErrorAs(t, out.Err, &panicErr)
	assert.Equal(t, "nil map", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Equal(t, run.FailurePermanent, out.Failure.Kind)
}

func TestExecutor_CancelledParentIsInterrupted(t *testing.T) {
	started := make(chan struct{})
	exec := NewExecutor(registryWith("wait", func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		close(started)
		<-ctx.Done()
		return tasks.Result{}, ctx.Err()
	}), nil, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	out := exec.Execute(ctx, &workflow.TaskNode{ID: "w", Type: "wait"}, tasks.Input{})
	require.Error(t, out.Err)
	assert.True(t, out.Interrupted)
}

func TestExecutor_StoppedTaskIsInterrupted(t *testing.T) {
	exec := NewExecutor(registryWith("render", func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		return tasks.Result{}, fmt.Errorf("saved progress: %w", tasks.ErrStopping)
	}), nil, 0, nil)

	out := exec.Execute(context.Background(), &workflow.TaskNode{ID: "frames", Type: "render"}, tasks.Input{})
	require.Error(t, out.Err)
	assert.True(t, out.Interrupted)
}

func TestExecutor_BreakerOpensPerType(t *testing.T) {
	calls := 0
	reg := registryWith("flaky", func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		calls++
		return tasks.Result{}, errors.New("503 upstream unavailable")
	})
	reg.Register("permanent", tasks.TaskFunc(func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		return tasks.Result{}, retry.Permanent(errors.New("bad prompt"))
	}))
	breakers := NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, logging.Discard())
	exec := NewExecutor(reg, breakers, 0, nil)
	flaky := &workflow.TaskNode{ID: "f", Type: "flaky"}

	for i := 0; i < 2; i++ {
		out := exec.Execute(context.Background(), flaky, tasks.Input{})
		assert.Equal(t, run.FailureTransient, out.Failure.Kind)
	}

	out := exec.Execute(context.Background(), flaky, tasks.Input{})
	require.ErrorIs(t, out.Err, gobreaker.ErrOpenState)
	assert.Equal(t, run.FailureResourceExhausted, out.Failure.Kind)
	assert.Equal(t, 2, calls, "open circuit must not reach the task")
	assert.Equal(t, "open", breakers.States()["flaky"])

	// Permanent failures say nothing about service health.
	perm := &workflow.TaskNode{ID: "p", Type: "permanent"}
	for i := 0; i < 5; i++ {
		out := exec.Execute(context.Background(), perm, tasks.Input{})
		assert.Equal(t, run.FailurePermanent, out.Failure.Kind)
	}
	assert.Equal(t, "closed", breakers.States()["permanent"])
}
