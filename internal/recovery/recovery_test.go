package recovery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dagflow/internal/events"
	"github.com/aristath/dagflow/internal/logging"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/retry"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/scheduler"
	"github.com/aristath/dagflow/internal/tasks"
	"github.com/aristath/dagflow/internal/workflow"
)

type fixture struct {
	store *persistence.SQLiteStore
	sched *scheduler.Scheduler
	bus   *events.EventBus
	mgr   *Manager
	reg   *tasks.Registry
	calls map[string]*atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	reg := tasks.NewRegistry()
	sched := scheduler.New(scheduler.Options{
		Store:    store,
		Executor: scheduler.NewExecutor(reg, nil, time.Minute, nil),
		Limiter:  scheduler.NewLimiter(4, nil),
		Retry: retry.NewCoordinator(workflow.RetryPolicy{
			BaseDelay: workflow.Duration(time.Millisecond),
			MaxDelay:  workflow.Duration(5 * time.Millisecond),
		}),
		Bus:         bus,
		Logger:      logging.Discard(),
		LockLease:   5 * time.Second,
		LockTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		sched.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sched.Interrupt(ctx)
	})

	f := &fixture{
		store: store,
		sched: sched,
		bus:   bus,
		mgr:   NewManager(sched, 2, logging.Discard()),
		reg:   reg,
		calls: map[string]*atomic.Int32{},
	}
	for _, typ := range []string{"render", "upload"} {
		n := &atomic.Int32{}
		f.calls[typ] = n
		reg.Register(typ, tasks.TaskFunc(func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
			n.Add(1)
			return tasks.Result{Artifact: run.ArtifactRef{URI: "mem://" + in.IdempotencyKey}}, nil
		}))
	}
	return f
}

func definition(maxAttempts int) *workflow.Definition {
	return &workflow.Definition{
		ID:      "clip",
		Version: 1,
		Nodes: []workflow.TaskNode{
			{ID: "render", Type: "render", Retry: &workflow.RetryPolicy{MaxAttempts: maxAttempts}},
			{ID: "upload", Type: "upload"},
		},
		Edges: []workflow.Edge{{From: "render", To: "upload"}},
	}
}

// crashed leaves a run the way a process killed mid-attempt would: the run is
// running and render is running with no live attempt behind it.
func (f *fixture) crashed(t *testing.T, def *workflow.Definition) (string, *run.TaskRun) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveDefinition(ctx, def))
	r, err := f.sched.Submit(ctx, workflow.Ref{ID: def.ID}, nil, "")
	require.NoError(t, err)

	tr := &run.TaskRun{ID: uuid.NewString(), RunID: r.ID, NodeID: "render", Status: run.TaskReady}
	b := &persistence.Batch{
		Run:         &persistence.RunTransition{RunID: r.ID, From: run.RunQueued, To: run.RunRunning},
		NewTaskRuns: []*run.TaskRun{tr},
	}
	require.NoError(t, f.store.Commit(ctx, b))

	b = &persistence.Batch{}
	running := b.Transition(tr, run.TaskRunning, nil, func(n *run.TaskRun) { n.AttemptCount = 1 })
	require.NoError(t, f.store.Commit(ctx, b))
	return r.ID, running
}

func (f *fixture) waitStatus(t *testing.T, runID string, want run.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := f.store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
}

func statuses(t *testing.T, store persistence.Store, taskRunID string) []run.TaskStatus {
	t.Helper()
	cps, err := store.Checkpoints(context.Background(), taskRunID)
	require.NoError(t, err)
	out := make([]run.TaskStatus, len(cps))
	for i, cp := range cps {
		out[i] = cp.Status
	}
	return out
}

func TestScanRequeuesInterruptedWork(t *testing.T) {
	f := newFixture(t)
	runID, render := f.crashed(t, definition(3))

	report, err := f.mgr.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Runs: 1, Resumed: 1, Requeued: 1}, report)

	f.waitStatus(t, runID, run.RunCompleted)
	got, err := f.store.GetTaskRun(context.Background(), render.ID)
	require.NoError(t, err)
	assert.Equal(t, run.TaskCompleted, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, []run.TaskStatus{
		run.TaskPending, run.TaskReady, run.TaskRunning,
		run.TaskInterrupted, run.TaskReady, run.TaskRunning, run.TaskCompleted,
	}, statuses(t, f.store, render.ID))
	assert.EqualValues(t, 1, f.calls["render"].Load())
	assert.EqualValues(t, 1, f.calls["upload"].Load())
}

func TestRecoveryNeverReexecutesCompletedWork(t *testing.T) {
	f := newFixture(t)
	runID, render := f.crashed(t, definition(3))

	ctx := context.Background()
	b := &persistence.Batch{}
	b.Transition(render, run.TaskCompleted, nil, func(n *run.TaskRun) {
		n.Output = &run.ArtifactRef{URI: "mem://render"}
	})
	require.NoError(t, f.store.Commit(ctx, b))

	require.NoError(t, f.mgr.RecoverRun(ctx, runID))
	f.waitStatus(t, runID, run.RunCompleted)
	assert.Zero(t, f.calls["render"].Load())
	assert.EqualValues(t, 1, f.calls["upload"].Load())
}

func TestRecoveryDeadLettersWhenBudgetIsSpent(t *testing.T) {
	f := newFixture(t)
	runID, render := f.crashed(t, definition(1))

	report, err := f.mgr.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Zero(t, report.Requeued)

	f.waitStatus(t, runID, run.RunFailed)
	dls, err := f.store.ListDeadLetters(context.Background(), persistence.DeadLetterQuery{RunID: runID})
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, render.ID, dls[0].TaskRunID)
	assert.Equal(t, run.FailureTransient, dls[0].FailureKind)
	require.NotEmpty(t, dls[0].History)
	assert.Equal(t, "attempt interrupted", dls[0].History[len(dls[0].History)-1].Error)
	assert.Zero(t, f.calls["render"].Load())
}

func TestRecoveryPausesInconsistentRun(t *testing.T) {
	f := newFixture(t)
	runID, render := f.crashed(t, definition(3))

	ctx := context.Background()
	b := &persistence.Batch{}
	b.Transition(render, run.TaskCompleted, nil, nil)
	require.NoError(t, f.store.Commit(ctx, b))

	alerts := f.bus.Subscribe(events.TopicRun, 64)

	err := f.mgr.RecoverRun(ctx, runID)
	require.ErrorIs(t, err, ErrInconsistent)
	assert.Contains(t, err.Error(), "completed without an output")

	r, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunPaused, r.Status)

	dls, err := f.store.ListDeadLetters(ctx, persistence.DeadLetterQuery{RunID: runID})
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, run.ScopeRun, dls[0].Scope)
	assert.Equal(t, run.FailureRecoveryInconsistent, dls[0].FailureKind)

	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-alerts:
				if a, ok := e.(events.AlertEvent); ok && a.Run == runID {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.calls["upload"].Load())
}

func TestScanCountsPausedRunsWithoutFailing(t *testing.T) {
	f := newFixture(t)
	_, render := f.crashed(t, definition(3))

	b := &persistence.Batch{}
	b.Transition(render, run.TaskCompleted, nil, nil)
	require.NoError(t, f.store.Commit(context.Background(), b))

	report, err := f.mgr.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Runs: 1, Paused: 1}, report)
}

func TestScanSkipsRunsThatAreNotRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveDefinition(ctx, definition(3)))
	r, err := f.sched.Submit(ctx, workflow.Ref{ID: "clip"}, nil, "")
	require.NoError(t, err)

	report, err := f.mgr.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Runs)

	got, err := f.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RunQueued, got.Status)
}

func TestCheckTaskLog(t *testing.T) {
	tr := &run.TaskRun{ID: "t1", NodeID: "render", Status: run.TaskRunning, Sequence: 3}
	cp := func(seq int64, s run.TaskStatus) run.Checkpoint {
		return run.Checkpoint{Sequence: seq, Status: s}
	}

	tests := []struct {
		name string
		cps  []run.Checkpoint
		want int
	}{
		{"clean", []run.Checkpoint{cp(1, run.TaskPending), cp(2, run.TaskReady), cp(3, run.TaskRunning)}, 0},
		{"empty", nil, 1},
		{"gap", []run.Checkpoint{cp(1, run.TaskPending), cp(3, run.TaskRunning)}, 1},
		{"bad start", []run.Checkpoint{cp(1, run.TaskReady), cp(2, run.TaskRunning), cp(3, run.TaskRunning)}, 2},
		{"illegal step", []run.Checkpoint{cp(1, run.TaskPending), cp(2, run.TaskRunning), cp(3, run.TaskRunning)}, 2},
		{"stale record", []run.Checkpoint{cp(1, run.TaskPending), cp(2, run.TaskReady)}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, checkTaskLog(tr, tt.cps), tt.want)
		})
	}
}
