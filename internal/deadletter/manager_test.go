package deadletter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	mgr   *Manager
	reg   *tasks.Registry
}

type fakeResumer struct{ calls []string }

func (f *fakeResumer) RecoverRun(ctx context.Context, runID string) error {
	f.calls = append(f.calls, runID)
	return nil
}

func newFixture(t *testing.T, resumer RunResumer) *fixture {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := tasks.NewRegistry()
	sched := scheduler.New(scheduler.Options{
		Store:    store,
		Executor: scheduler.NewExecutor(reg, nil, time.Minute, nil),
		Limiter:  scheduler.NewLimiter(4, nil),
		Retry: retry.NewCoordinator(workflow.RetryPolicy{
			BaseDelay: workflow.Duration(time.Millisecond),
			MaxDelay:  workflow.Duration(5 * time.Millisecond),
		}),
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
	return &fixture{store: store, sched: sched, mgr: NewManager(sched, resumer, logging.Discard()), reg: reg}
}

func (f *fixture) submit(t *testing.T, def *workflow.Definition, input map[string]any) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveDefinition(ctx, def))
	r, err := f.sched.Submit(ctx, workflow.Ref{ID: def.ID}, input, "")
	require.NoError(t, err)
	require.NoError(t, f.sched.Advance(ctx, r.ID))
	return r.ID
}

func (f *fixture) waitStatus(t *testing.T, runID string, want run.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := f.store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
}

func ok(ctx context.Context, in tasks.Input) (tasks.Result, error) {
	return tasks.Result{Artifact: run.ArtifactRef{URI: "mem://" + in.IdempotencyKey}}, nil
}

// toggled fails permanently until healed.
func toggled(healed *atomic.Bool) tasks.TaskFunc {
	return func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		if !healed.Load() {
			return tasks.Result{}, retry.Permanent(errors.New("voice model rejected script"))
		}
		return ok(ctx, in)
	}
}

func pipeline() *workflow.Definition {
	return &workflow.Definition{
		ID:      "video",
		Version: 1,
		Nodes: []workflow.TaskNode{
			{ID: "script", Type: "ok"},
			{ID: "voice", Type: "voice"},
			{ID: "publish", Type: "ok"},
		},
		Edges: []workflow.Edge{{From: "script", To: "voice"}, {From: "voice", To: "publish"}},
	}
}

func current(t *testing.T, store persistence.Store, runID string) map[string]*run.TaskRun {
	t.Helper()
	trs, err := store.ListTaskRuns(context.Background(), runID)
	require.NoError(t, err)
	out := map[string]*run.TaskRun{}
	for _, tr := range trs {
		if !tr.Superseded {
			out[tr.Key().String()] = tr
		}
	}
	return out
}

func TestRetryFromCheckpointReopensRun(t *testing.T) {
	f := newFixture(t, nil)
	var healed atomic.Bool
	f.reg.Register("ok", tasks.TaskFunc(ok))
	f.reg.Register("voice", toggled(&healed))

	runID := f.submit(t, pipeline(), nil)
	f.waitStatus(t, runID, run.RunFailed)

	ctx := context.Background()
	dls, err := f.mgr.List(ctx, Filter{RunID: runID, Resolutions: []run.Resolution{run.ResolutionPending}})
	require.NoError(t, err)
	require.Len(t, dls, 1)
	failed := current(t, f.store, runID)["voice"]

	healed.Store(true)
	res, err := f.mgr.Retry(ctx, dls[0].ID, ModeFromCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, runID, res.RunID)
	assert.Equal(t, failed.ID, res.TaskRunID)
	assert.Equal(t, run.ResolutionRetried, res.DeadLetter.Resolution)
	require.NotNil(t, res.DeadLetter.ResolvedAt)

	f.waitStatus(t, runID, run.RunCompleted)
	byKey := current(t, f.store, runID)
	assert.Equal(t, run.TaskCompleted, byKey["voice"].Status)
	assert.Equal(t, 1, byKey["voice"].AttemptCount, "attempts reset on retry")
	assert.Equal(t, run.TaskCompleted, byKey["publish"].Status, "skipped descendant re-evaluated")

	cps, err := f.store.Checkpoints(ctx, failed.ID)
	require.NoError(t, err)
	var tail []run.TaskStatus
	for _, cp := range cps[len(cps)-4:] {
		tail = append(tail, cp.Status)
	}
	assert.Equal(t, []run.TaskStatus{run.TaskDeadLettered, run.TaskReady, run.TaskRunning, run.TaskCompleted}, tail)

	_, err = f.mgr.Retry(ctx, dls[0].ID, ModeFromCheckpoint)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestRetryFromScratchKeepsOldRecord(t *testing.T) {
	f := newFixture(t, nil)
	var healed atomic.Bool
	f.reg.Register("ok", tasks.TaskFunc(ok))
	f.reg.Register("voice", toggled(&healed))

	runID := f.submit(t, pipeline(), nil)
	f.waitStatus(t, runID, run.RunFailed)

	ctx := context.Background()
	dls, err := f.mgr.List(ctx, Filter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, dls, 1)

	healed.Store(true)
	res, err := f.mgr.Retry(ctx, dls[0].ID, ModeFromScratch)
	require.NoError(t, err)
	assert.NotEqual(t, dls[0].TaskRunID, res.TaskRunID)
	f.waitStatus(t, runID, run.RunCompleted)

	old, err := f.store.GetTaskRun(ctx, dls[0].TaskRunID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)
	assert.Equal(t, run.TaskDeadLettered, old.Status)

	fresh := current(t, f.store, runID)["voice"]
	assert.Equal(t, res.TaskRunID, fresh.ID)
	assert.Equal(t, 1, fresh.Generation)
	assert.Equal(t, run.TaskCompleted, fresh.Status)
	assert.Equal(t, old.IdempotencyKey(), fresh.IdempotencyKey())
}

func TestDismiss(t *testing.T) {
	f := newFixture(t, nil)
	var healed atomic.Bool
	f.reg.Register("ok", tasks.TaskFunc(ok))
	f.reg.Register("voice", toggled(&healed))

	runID := f.submit(t, pipeline(), nil)
	f.waitStatus(t, runID, run.RunFailed)

	ctx := context.Background()
	dls, err := f.mgr.List(ctx, Filter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, dls, 1)

	dl, err := f.mgr.Dismiss(ctx, dls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, run.ResolutionDismissed, dl.Resolution)

	_, err = f.mgr.Dismiss(ctx, dl.ID)
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = f.mgr.Retry(ctx, dl.ID, ModeFromCheckpoint)
	assert.ErrorIs(t, err, ErrNotPending)

	pending, err := f.mgr.List(ctx, Filter{Resolutions: []run.Resolution{run.ResolutionPending}})
	require.NoError(t, err)
	assert.Empty(t, pending)

	r, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunFailed, r.Status)
}

func TestListNodePattern(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.Register("clip", tasks.TaskFunc(func(ctx context.Context, in tasks.Input) (tasks.Result, error) {
		if in.Item == "bad" {
			return tasks.Result{}, retry.Permanent(errors.New("unsafe scene"))
		}
		return ok(ctx, in)
	}))
	runID := f.submit(t, &workflow.Definition{
		ID:      "clips",
		Version: 1,
		Nodes:   []workflow.TaskNode{{ID: "clip", Type: "clip", FanOut: true, Items: "input.scenes"}},
	}, map[string]any{"scenes": []any{"ok", "bad", "ok"}})
	f.waitStatus(t, runID, run.RunFailed)

	ctx := context.Background()
	tests := []struct {
		pattern string
		want    int
	}{
		{"", 1},
		{"clip*", 1},
		{`clip\[1\]`, 1},
		{`clip\[2\]`, 0},
		{"voice", 0},
	}
	for _, tt := range tests {
		dls, err := f.mgr.List(ctx, Filter{NodePattern: tt.pattern})
		require.NoError(t, err, tt.pattern)
		assert.Len(t, dls, tt.want, tt.pattern)
		for _, dl := range dls {
			require.NotNil(t, dl.FanOutIndex)
			assert.Equal(t, 1, *dl.FanOutIndex)
		}
	}

	_, err := f.mgr.List(ctx, Filter{NodePattern: "clip["})
	assert.Error(t, err)
}

// pausedRun creates a run that recovery paused, with its run-scoped dead letter.
func pausedRun(t *testing.T, f *fixture) (string, string) {
	t.Helper()
	ctx := context.Background()
	def := &workflow.Definition{ID: "paused", Version: 1, Nodes: []workflow.TaskNode{{ID: "a", Type: "ok"}}}
	require.NoError(t, f.store.SaveDefinition(ctx, def))

	r := &run.WorkflowRun{ID: uuid.NewString(), DefinitionID: "paused", DefinitionVersion: 1, Input: map[string]any{"k": "v"}}
	require.NoError(t, f.store.Commit(ctx, &persistence.Batch{NewRun: r}))
	require.NoError(t, f.store.Commit(ctx, &persistence.Batch{Run: &persistence.RunTransition{RunID: r.ID, From: run.RunQueued, To: run.RunRunning}}))

	dl := &run.DeadLetter{
		ID:          uuid.NewString(),
		Scope:       run.ScopeRun,
		RunID:       r.ID,
		FailureKind: run.FailureRecoveryInconsistent,
		Reason:      "checkpoint gap",
	}
	require.NoError(t, f.store.Commit(ctx, &persistence.Batch{
		Run:         &persistence.RunTransition{RunID: r.ID, From: run.RunRunning, To: run.RunPaused},
		DeadLetters: []*run.DeadLetter{dl},
	}))
	return r.ID, dl.ID
}

func TestRunScopedRetryResumes(t *testing.T) {
	resumer := &fakeResumer{}
	f := newFixture(t, resumer)
	runID, dlID := pausedRun(t, f)

	res, err := f.mgr.Retry(context.Background(), dlID, ModeFromCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, runID, res.RunID)
	assert.Equal(t, []string{runID}, resumer.calls)

	r, err := f.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunRunning, r.Status)
}

func TestRunScopedRetryFromScratchResubmits(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.Register("ok", tasks.TaskFunc(ok))
	runID, dlID := pausedRun(t, f)

	ctx := context.Background()
	res, err := f.mgr.Retry(ctx, dlID, ModeFromScratch)
	require.NoError(t, err)
	require.NotEqual(t, runID, res.RunID)

	f.waitStatus(t, res.RunID, run.RunCompleted)
	fresh, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runID, fresh.ParentRunID)
	assert.Equal(t, map[string]any{"k": "v"}, fresh.Input)

	old, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunFailed, old.Status)
	assert.Contains(t, old.Error, res.RunID)
}

func TestRunScopedDismissFailsRun(t *testing.T) {
	f := newFixture(t, nil)
	runID, dlID := pausedRun(t, f)

	dl, err := f.mgr.Dismiss(context.Background(), dlID)
	require.NoError(t, err)
	assert.Equal(t, run.ResolutionDismissed, dl.Resolution)

	r, err := f.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunFailed, r.Status)
	assert.Contains(t, r.Error, "checkpoint gap")
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFromCheckpoint, m)

	m, err = ParseMode("from_scratch")
	require.NoError(t, err)
	assert.Equal(t, ModeFromScratch, m)

	_, err = ParseMode("sideways")
	assert.Error(t, err)
}
