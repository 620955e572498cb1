package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dagflow/internal/config"
	"github.com/aristath/dagflow/internal/deadletter"
	"github.com/aristath/dagflow/internal/logging"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/retry"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/scheduler"
	"github.com/aristath/dagflow/internal/tasks"
	"github.com/aristath/dagflow/internal/workflow"
)

const pipelineYAML = `
id: short-video
version: 1
nodes:
  - id: script
    type: writer
  - id: voice
    type: narrator
  - id: publish
    type: publisher
edges:
  - from: script
    to: voice
  - from: voice
    to: publish
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	defs := filepath.Join(dir, "definitions")
	require.NoError(t, os.MkdirAll(defs, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(defs, "short-video.yaml"), []byte(pipelineYAML), 0644))

	cfg := config.DefaultConfig()
	cfg.DatabasePath = filepath.Join(dir, "dagflow.db")
	cfg.DefinitionsDir = defs
	cfg.HealthAddr = ""
	cfg.PollInterval = workflow.Duration(10 * time.Millisecond)
	cfg.ShutdownTimeout = workflow.Duration(time.Second)
	cfg.Retry.BaseDelay = workflow.Duration(time.Millisecond)
	cfg.Retry.ResourceBaseDelay = workflow.Duration(time.Millisecond)
	cfg.Retry.MaxDelay = workflow.Duration(5 * time.Millisecond)
	return cfg
}

func ok(ctx context.Context, in tasks.Input) (tasks.Result, error) {
	return tasks.Result{Artifact: run.ArtifactRef{URI: "mem://" + in.IdempotencyKey}}, nil
}

func okTasks() map[string]tasks.Task {
	return map[string]tasks.Task{
		"writer":    tasks.TaskFunc(ok),
		"narrator":  tasks.TaskFunc(ok),
		"publisher": tasks.TaskFunc(ok),
	}
}

func newEngine(t *testing.T, cfg *config.Config, taskSet map[string]tasks.Task) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, Options{Logger: logging.Discard(), Tasks: taskSet})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = e.Shutdown(ctx)
	})
	return e
}

func waitStatus(t *testing.T, e *Engine, runID string, want run.RunStatus) *RunView {
	t.Helper()
	var view *RunView
	require.Eventually(t, func() bool {
		v, err := e.GetRun(context.Background(), runID)
		require.NoError(t, err)
		view = v
		return v.Run.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
	return view
}

func TestEngineRunsSubmittedWorkflow(t *testing.T) {
	e := newEngine(t, testConfig(t), okTasks())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	assert.ErrorIs(t, e.Start(ctx), ErrAlreadyStarted)

	r, err := e.SubmitRun(ctx, workflow.Ref{ID: "short-video"}, map[string]any{"topic": "otters"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.DefinitionVersion)

	view := waitStatus(t, e, r.ID, run.RunCompleted)
	require.Len(t, view.Tasks, 3)
	for _, tr := range view.Tasks {
		assert.Equal(t, run.TaskCompleted, tr.Status, tr.NodeID)
		assert.Equal(t, 1, tr.AttemptCount, tr.NodeID)
	}
	assert.Empty(t, view.DeadLetters)
}

func TestEngineRejectsUnknownDefinition(t *testing.T) {
	e := newEngine(t, testConfig(t), okTasks())
	_, err := e.SubmitRun(context.Background(), workflow.Ref{ID: "missing"}, nil)
	assert.ErrorIs(t, err, workflow.ErrInvalidDefinition)
}

func TestEngineAdmitsRunsSubmittedElsewhere(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	submitter, err := New(ctx, cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	r, err := submitter.SubmitRun(ctx, workflow.Ref{ID: "short-video", Version: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, run.RunQueued, r.Status)
	_, err = submitter.Shutdown(ctx)
	require.NoError(t, err)

	server := newEngine(t, cfg, okTasks())
	require.NoError(t, server.Start(ctx))
	waitStatus(t, server, r.ID, run.RunCompleted)
}

func TestEngineResumesAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.ShutdownTimeout = workflow.Duration(20 * time.Millisecond)
	ctx := context.Background()

	started := make(chan struct{}, 1)
	blocking := okTasks()
	blocking["narrator"] = tasks.TaskFunc(func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return tasks.Result{}, ctx.Err()
	})

	first, err := New(ctx, cfg, Options{Logger: logging.Discard(), Tasks: blocking})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	r, err := first.SubmitRun(ctx, workflow.Ref{ID: "short-video"}, nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("narrator never started")
	}
	report, err := first.Shutdown(ctx)
	require.NoError(t, err)
	assert.False(t, report.Drained)

	var narrations atomic.Int32
	healthy := okTasks()
	healthy["narrator"] = tasks.TaskFunc(func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		narrations.Add(1)
		return ok(ctx, in)
	})
	second := newEngine(t, cfg, healthy)
	require.NoError(t, second.Start(ctx))

	view := waitStatus(t, second, r.ID, run.RunCompleted)
	for _, tr := range view.Tasks {
		switch tr.NodeID {
		case "script":
			assert.Equal(t, 1, tr.AttemptCount, "completed work is not re-executed")
		case "voice":
			assert.Equal(t, 2, tr.AttemptCount)
		}
	}
	assert.EqualValues(t, 1, narrations.Load())
}

func TestEngineDeadLetterRoundTrip(t *testing.T) {
	var healed atomic.Bool
	taskSet := okTasks()
	taskSet["narrator"] = tasks.TaskFunc(func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		if !healed.Load() {
			return tasks.Result{}, retry.Permanent(errors.New("voice rejected"))
		}
		return ok(ctx, in)
	})
	e := newEngine(t, testConfig(t), taskSet)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	r, err := e.SubmitRun(ctx, workflow.Ref{ID: "short-video"}, nil)
	require.NoError(t, err)
	view := waitStatus(t, e, r.ID, run.RunFailed)
	require.Len(t, view.DeadLetters, 1)

	dls, err := e.ListDeadLetters(ctx, deadletter.Filter{NodePattern: "voice"})
	require.NoError(t, err)
	require.Len(t, dls, 1)
	dl, err := e.GetDeadLetter(ctx, dls[0].ID)
	require.NoError(t, err)
	assert.Len(t, dl.History, 1)
	assert.Equal(t, run.FailurePermanent, dl.FailureKind)

	healed.Store(true)
	_, err = e.RetryDeadLetter(ctx, dl.ID, deadletter.ModeFromCheckpoint)
	require.NoError(t, err)
	waitStatus(t, e, r.ID, run.RunCompleted)

	_, err = e.DismissDeadLetter(ctx, dl.ID)
	assert.ErrorIs(t, err, deadletter.ErrNotPending)
}

func TestEngineCancelRun(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	taskSet := okTasks()
	taskSet["narrator"] = tasks.TaskFunc(func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		select {
		case <-ctx.Done():
			return tasks.Result{}, ctx.Err()
		case <-release:
			return ok(ctx, in)
		}
	})
	e := newEngine(t, testConfig(t), taskSet)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	r, err := e.SubmitRun(ctx, workflow.Ref{ID: "short-video"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := e.GetRun(ctx, r.ID)
		require.NoError(t, err)
		for _, tr := range v.Tasks {
			if tr.NodeID == "voice" && tr.Status == run.TaskRunning {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	got, err := e.CancelRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RunCancelled, got.Status)
	again, err := e.CancelRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RunCancelled, again.Status)

	view := waitStatus(t, e, r.ID, run.RunCancelled)
	for _, tr := range view.Tasks {
		if tr.NodeID != "script" {
			assert.Equal(t, run.TaskCancelled, tr.Status, tr.NodeID)
		}
	}
}

func TestEngineHealthServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.HealthAddr = "127.0.0.1:0"
	e := newEngine(t, cfg, okTasks())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	r, err := e.SubmitRun(ctx, workflow.Ref{ID: "short-video"}, nil)
	require.NoError(t, err)
	waitStatus(t, e, r.ID, run.RunCompleted)

	base := "http://" + e.HealthAddr()
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, HealthOK, h.Status)
	assert.Equal(t, 1, h.Runs[run.RunCompleted])
	assert.Equal(t, cfg.Concurrency, h.Capacity)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(string(body), `dagflow_run_transitions_total{status="completed"} 1`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineHealthAfterShutdown(t *testing.T) {
	e := newEngine(t, testConfig(t), okTasks())
	ctx := context.Background()
	_, err := e.Shutdown(ctx)
	require.NoError(t, err)

	h := e.GetHealth(ctx)
	assert.Equal(t, HealthStopping, h.Status)
	_, err = e.SubmitRun(ctx, workflow.Ref{ID: "short-video"}, nil)
	assert.ErrorIs(t, err, scheduler.ErrShuttingDown)
}

func TestEngineTriggerCleanup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention = workflow.Duration(time.Millisecond)
	e := newEngine(t, cfg, okTasks())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	var hooks atomic.Int32
	e.OnCleanup("model cache", func(context.Context) error {
		hooks.Add(1)
		return nil
	})

	r, err := e.SubmitRun(ctx, workflow.Ref{ID: "short-video"}, nil)
	require.NoError(t, err)
	waitStatus(t, e, r.ID, run.RunCompleted)
	time.Sleep(10 * time.Millisecond)

	report, err := e.TriggerCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Hooks)
	assert.EqualValues(t, 1, report.PrunedRuns)
	assert.EqualValues(t, 1, hooks.Load())

	_, err = e.GetRun(ctx, r.ID)
	assert.Error(t, err)
}

func TestEngineTriggerRecoveryScan(t *testing.T) {
	e := newEngine(t, testConfig(t), okTasks())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	report, err := e.TriggerRecoveryScan(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Paused)
}

func TestUnstartedEngineNeverExecutesTasks(t *testing.T) {
	var calls atomic.Int32
	counting := okTasks()
	counting["writer"] = tasks.TaskFunc(func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		calls.Add(1)
		return ok(ctx, in)
	})
	e := newEngine(t, testConfig(t), counting)
	ctx := context.Background()

	r, err := e.SubmitRun(ctx, workflow.Ref{ID: "short-video"}, nil)
	require.NoError(t, err)
	require.NoError(t, e.sched.Advance(ctx, r.ID))

	view, err := e.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RunRunning, view.Run.Status)
	require.Len(t, view.Tasks, 1)
	assert.Equal(t, run.TaskReady, view.Tasks[0].Status)
	assert.Zero(t, calls.Load())
	assert.Zero(t, e.sched.InFlight())
}

func TestSecondEngineDefersToServingEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockTimeout = workflow.Duration(100 * time.Millisecond)
	ctx := context.Background()

	started := make(chan struct{}, 1)
	blocking := okTasks()
	blocking["writer"] = tasks.TaskFunc(func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return tasks.Result{}, ctx.Err()
	})
	server := newEngine(t, cfg, blocking)
	require.NoError(t, server.Start(ctx))
	r, err := server.SubmitRun(ctx, workflow.Ref{ID: "short-video"}, nil)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("writer never started")
	}

	client := newEngine(t, cfg, okTasks())
	assert.ErrorIs(t, client.Start(ctx), persistence.ErrEngineBusy)
	_, err = client.TriggerRecoveryScan(ctx)
	assert.ErrorIs(t, err, persistence.ErrEngineBusy)

	// The serving engine's attempt is untouched.
	view, err := server.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, view.Tasks, 1)
	assert.Equal(t, run.TaskRunning, view.Tasks[0].Status)
	assert.Equal(t, 1, view.Tasks[0].AttemptCount)
	assert.True(t, server.sched.IsInFlight(view.Tasks[0].ID))
}
