// Package scheduler drives workflow runs: it decides which task runs are
// ready, skips nodes no edge reaches, expands fan-out nodes, dispatches work
// within concurrency limits, and checkpoints every transition.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aristath/dagflow/internal/events"
	"github.com/aristath/dagflow/internal/logging"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/retry"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/tasks"
	"github.com/aristath/dagflow/internal/workflow"
)

// ErrShuttingDown is returned for submissions after shutdown began.
var ErrShuttingDown = errors.New("scheduler is shutting down")

// Options configures a Scheduler.
type Options struct {
	Store    persistence.Store
	Executor *Executor
	Limiter  *Limiter
	Retry    *retry.Coordinator
	Bus      *events.EventBus // optional
	Logger   *slog.Logger

	LockLease   time.Duration
	LockTimeout time.Duration

	// Cleanup runs before the immediate retry of an out-of-memory failure.
	Cleanup func(ctx context.Context)

	// Passive schedulers record transitions but never execute task bodies
	// until Activate is called.
	Passive bool

	// Exclusive reports whether this process is the only one executing task
	// bodies against the store. Only then is a running task run without a
	// live attempt here known to be orphaned. Nil means always.
	Exclusive func() bool

	Now func() time.Time
}

// flight is one executing attempt.
type flight struct {
	taskRunID string
	runID     string
	node      *workflow.TaskNode
	attempt   int
	cancel    context.CancelFunc
}

type wakeTimer struct {
	at    time.Time
	timer *time.Timer
}

// transitionInfo annotates task transitions for observers.
type transitionInfo struct {
	taskType string
	duration time.Duration
}

// Scheduler is the DAG scheduler. All state lives in the store; the
// scheduler only keeps the set of attempts it is currently executing.
type Scheduler struct {
	store    persistence.Store
	locker   *persistence.RunLocker
	runMu    *keyedMutex
	executor *Executor
	limiter  *Limiter
	retry    *retry.Coordinator
	bus      *events.EventBus
	logger   *slog.Logger
	cleanup  func(ctx context.Context)
	now      func() time.Time

	lockTimeout time.Duration
	passive     atomic.Bool
	exclusive   func() bool

	graphsMu sync.Mutex
	graphs   map[workflow.Ref]*workflow.Graph

	execCtx    context.Context
	cancelExec context.CancelFunc
	wg         sync.WaitGroup
	wake       chan struct{}
	stopCh     chan struct{} // closed by Stop

	mu       sync.Mutex
	flights  map[string]*flight
	timers   map[string]*wakeTimer
	stopping bool
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewCoordinator(workflow.RetryPolicy{})
	}
	if opts.Limiter == nil {
		opts.Limiter = NewLimiter(8, nil)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.Exclusive == nil {
		opts.Exclusive = func() bool { return true }
	}
	execCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:       opts.Store,
		locker:      persistence.NewRunLocker(opts.Store, opts.LockLease, opts.LockTimeout),
		runMu:       newKeyedMutex(),
		executor:    opts.Executor,
		limiter:     opts.Limiter,
		retry:       opts.Retry,
		bus:         opts.Bus,
		logger:      logging.OrDefault(opts.Logger),
		cleanup:     opts.Cleanup,
		now:         opts.Now,
		lockTimeout: opts.LockTimeout,
		exclusive:   opts.Exclusive,
		graphs:      make(map[workflow.Ref]*workflow.Graph),
		execCtx:     execCtx,
		cancelExec:  cancel,
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		flights:     make(map[string]*flight),
		timers:      make(map[string]*wakeTimer),
	}
	s.passive.Store(opts.Passive)
	return s
}

// Activate lets a passive scheduler start executing task bodies.
func (s *Scheduler) Activate() { s.passive.Store(false) }

// Passive reports whether the scheduler leaves ready work for another
// process to execute.
func (s *Scheduler) Passive() bool { return s.passive.Load() }

// Store returns the run state store.
func (s *Scheduler) Store() persistence.Store { return s.store }

// Limiter returns the dispatch limiter.
func (s *Scheduler) Limiter() *Limiter { return s.limiter }

// RetryPolicy resolves the effective retry policy of a node.
func (s *Scheduler) RetryPolicy(node *workflow.TaskNode) workflow.RetryPolicy {
	return s.retry.Policy(node)
}

// Now returns the scheduler clock.
func (s *Scheduler) Now() time.Time { return s.now() }

// Wake is signalled whenever capacity frees up, so a background loop can
// advance runs that were waiting for a slot.
func (s *Scheduler) Wake() <-chan struct{} { return s.wake }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Graph loads and compiles a definition version, caching the result.
func (s *Scheduler) Graph(ctx context.Context, id string, version int) (*workflow.Graph, error) {
	ref := workflow.Ref{ID: id, Version: version}
	if version > 0 {
		s.graphsMu.Lock()
		g, ok := s.graphs[ref]
		s.graphsMu.Unlock()
		if ok {
			return g, nil
		}
	}

	def, err := s.store.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	g, err := workflow.Compile(def)
	if err != nil {
		return nil, err
	}
	s.graphsMu.Lock()
	s.graphs[workflow.Ref{ID: def.ID, Version: def.Version}] = g
	s.graphsMu.Unlock()
	return g, nil
}

// LockRun serializes work on a run: an in-process mutex first, then the
// store-backed lease that excludes other processes. Both waits together are
// bounded by the lock timeout and by ctx; running out of the former returns
// persistence.ErrLockTimeout.
func (s *Scheduler) LockRun(ctx context.Context, runID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	if err := s.runMu.Lock(waitCtx, runID); err != nil {
		return nil, s.lockError(ctx, runID, err)
	}
	release, err := s.locker.Lock(waitCtx, runID)
	if err != nil {
		s.runMu.Unlock(runID)
		return nil, s.lockError(ctx, runID, err)
	}
	return func() {
		release()
		s.runMu.Unlock(runID)
	}, nil
}

// lockError reports a wait that ran past the lock timeout as ErrLockTimeout
// and a cancelled caller as its own context error.
func (s *Scheduler) lockError(ctx context.Context, runID string, err error) error {
	if errors.Is(err, persistence.ErrLockTimeout) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("run %s: %w", runID, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("run %s: %w", runID, persistence.ErrLockTimeout)
	}
	return err
}

// Commit writes a batch and publishes its transitions.
func (s *Scheduler) Commit(ctx context.Context, b *persistence.Batch) error {
	return s.commit(ctx, b, nil)
}

func (s *Scheduler) commit(ctx context.Context, b *persistence.Batch, info map[string]transitionInfo) error {
	if err := s.store.Commit(ctx, b); err != nil {
		return err
	}
	s.publish(b, info)
	return nil
}

// Submit creates a queued run of a definition version (0 = latest). The
// background loop or an explicit Advance starts it.
func (s *Scheduler) Submit(ctx context.Context, ref workflow.Ref, input map[string]any, parentRunID string) (*run.WorkflowRun, error) {
	if s.isStopping() {
		return nil, ErrShuttingDown
	}
	g, err := s.Graph(ctx, ref.ID, ref.Version)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: definition %s is not registered", workflow.ErrInvalidDefinition, ref)
	}
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}

	r := &run.WorkflowRun{
		ID:                uuid.NewString(),
		DefinitionID:      g.Def.ID,
		DefinitionVersion: g.Def.Version,
		Input:             input,
		ParentRunID:       parentRunID,
	}
	if err := s.Commit(ctx, &persistence.Batch{NewRun: r}); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	s.logger.Info("run submitted", "run_id", r.ID, "definition", workflow.Ref{ID: r.DefinitionID, Version: r.DefinitionVersion}.String())
	return r, nil
}

// Advance runs one scheduling pass for a run. It is idempotent: calling it
// again without new facts changes nothing.
func (s *Scheduler) Advance(ctx context.Context, runID string) error {
	unlock, err := s.LockRun(ctx, runID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.AdvanceLocked(ctx, runID)
}

// dispatch is a task run moving to running in the current pass.
type dispatch struct {
	tr      *run.TaskRun
	node    *workflow.TaskNode
	release func()
}

// AdvanceLocked is Advance for callers already holding the run lock.
func (s *Scheduler) AdvanceLocked(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() || r.Status == run.RunPaused {
		return nil
	}
	stopping := s.isStopping()
	if r.Status == run.RunQueued && stopping {
		return nil
	}

	g, err := s.Graph(ctx, r.DefinitionID, r.DefinitionVersion)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	trs, err := s.store.ListTaskRuns(ctx, runID)
	if err != nil {
		return err
	}

	st := newRunState(r, g, trs)
	logger := s.logger.With("run_id", runID)
	now := s.now()
	b := &persistence.Batch{}
	if r.Status == run.RunQueued {
		b.Run = &persistence.RunTransition{RunID: runID, From: run.RunQueued, To: run.RunRunning}
	}

	if err := s.reclaim(ctx, b, st, now, logger); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	wakeAt := s.promoteRetries(b, st, now)

	for _, id := range g.Order {
		node := g.Node(id)
		if existing := st.byNode[id]; len(existing) > 0 {
			if p := placeholder(existing); node.FanOut && p != nil && p.Status == run.TaskReady {
				s.expand(ctx, b, st, node, p, p.Inputs, now)
			}
			continue
		}
		v, ok := st.evaluate(id, logger)
		switch {
		case !ok:
		case !v.ready:
			tr := s.newTaskRun(runID, id, nil, st.generation(id), run.TaskSkipped)
			tr.SkipReason = v.skip
			b.NewTaskRuns = append(b.NewTaskRuns, tr)
			st.add(tr)
			logger.Debug("node skipped", "node_id", id, "reason", v.skip)
		case node.FanOut:
			s.expand(ctx, b, st, node, nil, v.inputs, now)
		default:
			tr := s.newTaskRun(runID, id, nil, st.generation(id), run.TaskReady)
			tr.Inputs = v.inputs
			b.NewTaskRuns = append(b.NewTaskRuns, tr)
			st.add(tr)
		}
	}

	if b.Run == nil && st.finished() {
		status, reason := st.finalStatus()
		b.Run = &persistence.RunTransition{RunID: runID, From: r.Status, To: status, Error: reason}
	}

	// A run that starts already finished, such as one whose roots are all
	// empty fan-outs, settles in a second pass once it is running.
	settle := b.Run != nil && b.Run.To == run.RunRunning && st.finished()

	var dispatched []dispatch
	if !stopping && !s.Passive() && !settle && (b.Run == nil || b.Run.To == run.RunRunning) {
		dispatched = s.reserve(b, st)
	}

	info := make(map[string]transitionInfo, len(dispatched))
	for _, d := range dispatched {
		info[d.tr.ID] = transitionInfo{taskType: d.node.Type}
	}
	if err := s.commit(ctx, b, info); err != nil {
		for _, d := range dispatched {
			d.release()
		}
		return fmt.Errorf("run %s: %w", runID, err)
	}

	if b.Run != nil && b.Run.To.Terminal() {
		logger.Info("run finished", "status", b.Run.To, "reason", b.Run.Error)
	}
	for _, d := range dispatched {
		s.start(r, d)
	}
	if !wakeAt.IsZero() {
		s.scheduleWake(runID, wakeAt)
	}
	if settle {
		return s.AdvanceLocked(ctx, runID)
	}
	return nil
}

// reclaim moves task runs recorded as running with no live attempt through
// interrupted, back to ready or to the dead-letter queue. Such records are
// left behind when an attempt's result could not be checkpointed.
func (s *Scheduler) reclaim(ctx context.Context, b *persistence.Batch, st *runState, now time.Time, logger *slog.Logger) error {
	for _, tr := range st.records() {
		if !s.Orphaned(tr) {
			continue
		}
		interrupted := b.Transition(tr, run.TaskInterrupted, map[string]any{"reason": "no live attempt"}, nil)
		next, _, err := s.ResolveInterrupted(ctx, b, interrupted, st.graph.Node(tr.NodeID), now)
		if err != nil {
			return err
		}
		st.replace(next)
		logger.Warn("reclaimed task run with no live attempt", "task_run_id", tr.ID, "node_id", tr.Key().String(), "status", next.Status)
	}
	return nil
}

// Orphaned reports whether tr is recorded as running while no attempt can
// still be executing it.
func (s *Scheduler) Orphaned(tr *run.TaskRun) bool {
	if tr.Superseded || tr.Status != run.TaskRunning || s.IsInFlight(tr.ID) {
		return false
	}
	return s.exclusive()
}

// ResolveInterrupted makes an interrupted task run ready again, or
// dead-letters it when its attempt budget is spent. It returns the record's
// new state and whether it was requeued.
func (s *Scheduler) ResolveInterrupted(ctx context.Context, b *persistence.Batch, tr *run.TaskRun, node *workflow.TaskNode, now time.Time) (*run.TaskRun, bool, error) {
	if retry.HasBudget(tr, s.retry.Policy(node)) {
		next := b.Transition(tr, run.TaskReady, map[string]any{"reason": "resumed after interruption"}, nil)
		return next, true, nil
	}

	history, err := persistence.LoadAttemptHistory(ctx, s.store, tr.ID)
	if err != nil {
		return nil, false, err
	}
	history = append(history, run.Attempt{Attempt: tr.AttemptCount, Kind: run.FailureTransient, Error: "attempt interrupted", At: now})
	reason := "interrupted with no retry budget left"
	final := b.Transition(tr, run.TaskDeadLettered, map[string]any{"reason": reason}, func(n *run.TaskRun) {
		n.LastFailureKind = run.FailureTransient
		n.LastError = "attempt interrupted"
	})
	b.DeadLetters = append(b.DeadLetters, &run.DeadLetter{
		ID:          uuid.NewString(),
		Scope:       run.ScopeTask,
		RunID:       tr.RunID,
		TaskRunID:   tr.ID,
		NodeID:      tr.NodeID,
		FanOutIndex: tr.FanOutIndex,
		FailureKind: run.FailureTransient,
		Reason:      reason,
		History:     history,
		Snapshot:    final,
	})
	return final, false, nil
}

// promoteRetries moves due retries back to ready and returns the earliest
// future retry time.
func (s *Scheduler) promoteRetries(b *persistence.Batch, st *runState, now time.Time) time.Time {
	var wakeAt time.Time
	for _, tr := range st.records() {
		if tr.Status != run.TaskRetrying {
			continue
		}
		if tr.NextRetryAt == nil || !tr.NextRetryAt.After(now) {
			next := b.Transition(tr, run.TaskReady, nil, func(n *run.TaskRun) { n.NextRetryAt = nil })
			st.replace(next)
			continue
		}
		if wakeAt.IsZero() || tr.NextRetryAt.Before(wakeAt) {
			wakeAt = *tr.NextRetryAt
		}
	}
	return wakeAt
}

// reserve takes limiter slots for ready task runs and appends their running
// transitions. Task runs without a slot stay ready.
func (s *Scheduler) reserve(b *persistence.Batch, st *runState) []dispatch {
	var out []dispatch
	for _, tr := range st.records() {
		if tr.Status != run.TaskReady {
			continue
		}
		node := st.graph.Node(tr.NodeID)
		if node.FanOut && tr.FanOutIndex == nil {
			continue
		}
		release, ok := s.limiter.TryAcquire(node.Type, tr.RunID+"/"+node.ID, node.MaxConcurrency)
		if !ok {
			continue
		}
		next := b.Transition(tr, run.TaskRunning, nil, func(n *run.TaskRun) {
			n.AttemptCount++
			n.NextRetryAt = nil
		})
		st.replace(next)
		out = append(out, dispatch{tr: next, node: node, release: release})
	}
	return out
}

func (s *Scheduler) newTaskRun(runID, nodeID string, index *int, generation int, status run.TaskStatus) *run.TaskRun {
	return &run.TaskRun{
		ID:          uuid.NewString(),
		RunID:       runID,
		NodeID:      nodeID,
		FanOutIndex: index,
		Generation:  generation,
		Status:      status,
	}
}

// expand materializes a fan-out node once: one ready task run per item. p is
// the node's ready placeholder when expansion is being retried.
func (s *Scheduler) expand(ctx context.Context, b *persistence.Batch, st *runState, node *workflow.TaskNode, p *run.TaskRun, inputs []run.ArtifactRef, now time.Time) {
	items, err := s.fanOutItems(st, node)
	if err != nil {
		s.failExpansion(ctx, b, st, node, p, inputs, err, now)
		return
	}

	generation := st.generation(node.ID)
	if p != nil {
		b.Supersede = append(b.Supersede, p.ID)
		st.remove(p)
	}
	if len(items) == 0 {
		tr := s.newTaskRun(st.run.ID, node.ID, nil, generation, run.TaskSkipped)
		tr.SkipReason = SkipEmptyFanOut
		b.NewTaskRuns = append(b.NewTaskRuns, tr)
		st.add(tr)
		return
	}
	for i, item := range items {
		tr := s.newTaskRun(st.run.ID, node.ID, run.Index(i), generation, run.TaskReady)
		tr.Inputs = inputs
		tr.Item = item
		b.NewTaskRuns = append(b.NewTaskRuns, tr)
		st.add(tr)
	}
	s.logger.Debug("fan-out expanded", "run_id", st.run.ID, "node_id", node.ID, "items", len(items))
}

func (s *Scheduler) fanOutItems(st *runState, node *workflow.TaskNode) ([]any, error) {
	c := st.graph.Items(node.ID)
	if c == nil {
		return nil, fmt.Errorf("node %s has no items binding", node.ID)
	}
	nodes := make(map[string]map[string]any, len(c.Nodes))
	for _, id := range c.Nodes {
		if st.outcome(id).state != nodeCompleted {
			return nil, fmt.Errorf("items of %s read node %s which has not completed", node.ID, id)
		}
		nodes[id] = st.outputMeta(id)
	}
	return c.Evaluate(st.run.Input, nodes)
}

// failExpansion dead-letters a fan-out node whose collection could not be
// evaluated. The placeholder records the failure; retrying it re-expands.
func (s *Scheduler) failExpansion(ctx context.Context, b *persistence.Batch, st *runState, node *workflow.TaskNode, p *run.TaskRun, inputs []run.ArtifactRef, cause error, now time.Time) {
	var history []run.Attempt
	if p == nil {
		p = s.newTaskRun(st.run.ID, node.ID, nil, st.generation(node.ID), run.TaskReady)
		p.Inputs = inputs
		b.NewTaskRuns = append(b.NewTaskRuns, p)
		st.add(p)
	} else if h, err := persistence.LoadAttemptHistory(ctx, s.store, p.ID); err == nil {
		history = h
	}

	running := b.Transition(p, run.TaskRunning, nil, func(n *run.TaskRun) { n.AttemptCount++ })
	failed := b.Transition(running, run.TaskFailed, nil, func(n *run.TaskRun) {
		n.LastFailureKind = run.FailureDefinitionInvalid
		n.LastError = cause.Error()
	})
	final := b.Transition(failed, run.TaskDeadLettered, map[string]any{"reason": "fan-out binding failed"}, nil)
	st.replace(final)

	history = append(history, run.Attempt{Attempt: failed.AttemptCount, Kind: run.FailureDefinitionInvalid, Error: cause.Error(), At: now})
	b.DeadLetters = append(b.DeadLetters, &run.DeadLetter{
		ID:          uuid.NewString(),
		Scope:       run.ScopeTask,
		RunID:       st.run.ID,
		TaskRunID:   p.ID,
		NodeID:      node.ID,
		FailureKind: run.FailureDefinitionInvalid,
		Reason:      "fan-out binding failed: " + cause.Error(),
		History:     history,
		Snapshot:    final,
	})
	s.logger.Error("fan-out expansion failed", "run_id", st.run.ID, "node_id", node.ID, "error", cause)
}

// start launches a reserved attempt. The run lock is held by the caller, so
// the flight is visible to recovery before the lock is released.
func (s *Scheduler) start(r *run.WorkflowRun, d dispatch) {
	ctx, cancel := context.WithCancel(s.execCtx)
	f := &flight{
		taskRunID: d.tr.ID,
		runID:     d.tr.RunID,
		node:      d.node,
		attempt:   d.tr.AttemptCount,
		cancel:    cancel,
	}
	in := tasks.Input{
		RunID:          d.tr.RunID,
		NodeID:         d.tr.NodeID,
		FanOutIndex:    d.tr.FanOutIndex,
		Attempt:        d.tr.AttemptCount,
		Artifacts:      d.tr.Inputs,
		Params:         d.node.Params,
		RunInput:       r.Input,
		Item:           d.tr.Item,
		IdempotencyKey: d.tr.IdempotencyKey(),
		Stopping:       s.stopCh,
	}

	s.mu.Lock()
	s.flights[f.taskRunID] = f
	s.mu.Unlock()

	s.logger.Debug("task dispatched", "run_id", f.runID, "task_run_id", f.taskRunID, "node_id", d.tr.Key().String(), "attempt", f.attempt)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		out := s.executor.Execute(ctx, d.node, in)
		d.release()
		s.complete(f, out)
	}()
}

// complete records the outcome of an attempt and advances the run. Recording
// is retried with backoff while the run lock or the store is unavailable. If
// it still fails, the flight is dropped and the next pass over the run
// reclaims the task run.
func (s *Scheduler) complete(f *flight, out Outcome) {
	defer s.signal()
	logger := s.logger.With("run_id", f.runID, "task_run_id", f.taskRunID, "node_id", f.node.ID, "attempt", f.attempt)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 3 * s.lockTimeout

	err := backoff.RetryNotify(func() error {
		err := s.record(f, out, logger)
		if errors.Is(err, persistence.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		logger.Warn("failed to record task result, retrying", "error", err, "retry_in", next)
	})
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrConflict):
		logger.Debug("task result superseded by a concurrent transition", "error", err)
	default:
		s.finishFlight(f)
		logger.Error("giving up on task result, the task run will be reclaimed", "error", err)
	}
}

// record is one attempt at checkpointing an outcome under the run lock.
func (s *Scheduler) record(f *flight, out Outcome, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout+10*time.Second)
	defer cancel()

	unlock, err := s.LockRun(ctx, f.runID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.applyOutcome(ctx, f, out, logger)
	if err != nil && !errors.Is(err, persistence.ErrConflict) {
		return err
	}
	s.finishFlight(f)
	if err := s.AdvanceLocked(ctx, f.runID); err != nil {
		logger.Error("failed to advance run", "error", err)
	}
	return err
}

func (s *Scheduler) applyOutcome(ctx context.Context, f *flight, out Outcome, logger *slog.Logger) error {
	tr, err := s.store.GetTaskRun(ctx, f.taskRunID)
	if err != nil {
		return err
	}
	if tr.Status != run.TaskRunning || tr.AttemptCount != f.attempt || tr.Superseded {
		logger.Debug("discarding late task result", "status", tr.Status)
		return nil
	}

	now := s.now()
	b := &persistence.Batch{}
	info := map[string]transitionInfo{tr.ID: {taskType: f.node.Type, duration: out.Duration}}

	switch {
	case out.Err == nil:
		artifact := out.Result.Artifact
		b.Transition(tr, run.TaskCompleted, nil, func(n *run.TaskRun) {
			n.Output = &artifact
			n.OutputMeta = out.Result.Metadata
		})
		logger.Info("task completed", "duration", out.Duration)

	case out.Interrupted && s.isStopping():
		b.Transition(tr, run.TaskInterrupted, map[string]any{"reason": "shutdown"}, nil)
		logger.Warn("task interrupted by shutdown")

	default:
		failure := out.Failure
		if failure.Kind == run.FailureNone {
			failure = retry.Classify(out.Err)
		}
		if err := s.fail(ctx, b, tr, f.node, failure, now, logger); err != nil {
			return err
		}
	}
	return s.commit(ctx, b, info)
}

// fail appends the failed transition and the retry coordinator's decision.
func (s *Scheduler) fail(ctx context.Context, b *persistence.Batch, tr *run.TaskRun, node *workflow.TaskNode, f retry.Failure, now time.Time, logger *slog.Logger) error {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	failed := b.Transition(tr, run.TaskFailed, nil, func(n *run.TaskRun) {
		n.LastFailureKind = f.Kind
		n.LastError = msg
	})

	d := s.retry.Decide(failed, f, s.retry.Policy(node), now)
	logger = logger.With("failure_kind", f.Kind, "error", msg, "decision", d.Action.String())

	switch d.Action {
	case retry.ActionRetryImmediate:
		if s.cleanup != nil {
			s.cleanup(ctx)
		}
		at := now
		b.Transition(failed, run.TaskRetrying, map[string]any{"reason": d.Reason}, func(n *run.TaskRun) {
			n.OOMRetries++
			n.NextRetryAt = &at
		})
		logger.Warn("task ran out of memory, retrying immediately")

	case retry.ActionRetry:
		at := d.NextRetryAt
		b.Transition(failed, run.TaskRetrying, map[string]any{"delay": d.Delay.String()}, func(n *run.TaskRun) {
			n.NextRetryAt = &at
		})
		logger.Warn("task failed, retry scheduled", "delay", d.Delay)

	default:
		history, err := persistence.LoadAttemptHistory(ctx, s.store, tr.ID)
		if err != nil {
			return err
		}
		history = append(history, run.Attempt{Attempt: failed.AttemptCount, Kind: f.Kind, Error: msg, At: now})
		final := b.Transition(failed, run.TaskDeadLettered, map[string]any{"reason": d.Reason}, nil)
		b.DeadLetters = append(b.DeadLetters, &run.DeadLetter{
			ID:          uuid.NewString(),
			Scope:       run.ScopeTask,
			RunID:       tr.RunID,
			TaskRunID:   tr.ID,
			NodeID:      tr.NodeID,
			FanOutIndex: tr.FanOutIndex,
			FailureKind: f.Kind,
			Reason:      d.Reason,
			History:     history,
			Snapshot:    final,
		})
		logger.Error("task dead-lettered", "reason", d.Reason)
	}
	return nil
}

func (s *Scheduler) finishFlight(f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.flights[f.taskRunID]; ok && cur == f {
		delete(s.flights, f.taskRunID)
	}
}

// CancelRun cancels a run and every non-terminal task run in it, then stops
// their executing attempts. Cancelling a finished run is a no-op.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) (*run.WorkflowRun, error) {
	unlock, err := s.LockRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return r, nil
	}
	trs, err := s.store.ListTaskRuns(ctx, runID)
	if err != nil {
		return nil, err
	}

	b := &persistence.Batch{Run: &persistence.RunTransition{RunID: runID, From: r.Status, To: run.RunCancelled, Error: "cancelled by request"}}
	for _, tr := range trs {
		if tr.Superseded || tr.Status.Terminal() {
			continue
		}
		b.Transition(tr, run.TaskCancelled, map[string]any{"reason": "run cancelled"}, nil)
	}
	if err := s.Commit(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}

	s.mu.Lock()
	for _, f := range s.flights {
		if f.runID == runID {
			f.cancel()
		}
	}
	if t, ok := s.timers[runID]; ok {
		t.timer.Stop()
		delete(s.timers, runID)
	}
	s.mu.Unlock()

	s.logger.Info("run cancelled", "run_id", runID)
	return s.store.GetRun(ctx, runID)
}

// scheduleWake arranges an Advance of the run when its earliest retry is due.
func (s *Scheduler) scheduleWake(runID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	if cur, ok := s.timers[runID]; ok {
		if !cur.at.After(at) {
			return
		}
		cur.timer.Stop()
	}

	entry := &wakeTimer{at: at}
	entry.timer = time.AfterFunc(at.Sub(s.now()), func() {
		s.mu.Lock()
		if s.timers[runID] == entry {
			delete(s.timers, runID)
		}
		s.mu.Unlock()
		if err := s.Advance(context.Background(), runID); err != nil {
			s.logger.Error("failed to advance run after retry delay", "run_id", runID, "error", err)
		}
	})
	s.timers[runID] = entry
}

// IsInFlight reports whether this process is executing the task run.
func (s *Scheduler) IsInFlight(taskRunID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flights[taskRunID]
	return ok
}

// InFlight returns the number of executing attempts.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flights)
}

func (s *Scheduler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Stopping reports whether Stop was called.
func (s *Scheduler) Stopping() bool { return s.isStopping() }

// Stop ends admission and dispatch. Executing attempts keep running, but
// their Input.Stopping channel is closed so they can wind down at a safe
// boundary.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	close(s.stopCh)
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
}

// Drain waits until no attempt is executing or ctx ends.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt cancels every executing attempt and waits up to ctx for them to
// record themselves as interrupted. Attempts still executing afterwards are
// marked interrupted directly; their late results are discarded. It returns
// how many were marked that way.
func (s *Scheduler) Interrupt(ctx context.Context) (int, error) {
	s.cancelExec()
	if err := s.Drain(ctx); err == nil {
		return 0, nil
	}

	s.mu.Lock()
	stuck := make([]*flight, 0, len(s.flights))
	for _, f := range s.flights {
		stuck = append(stuck, f)
	}
	s.mu.Unlock()

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	marked := 0
	for _, f := range stuck {
		ok, err := s.markInterrupted(markCtx, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			marked++
		}
		s.finishFlight(f)
	}
	return marked, errors.Join(errs...)
}

func (s *Scheduler) markInterrupted(ctx context.Context, f *flight) (bool, error) {
	unlock, err := s.LockRun(ctx, f.runID)
	if err != nil {
		return false, err
	}
	defer unlock()

	tr, err := s.store.GetTaskRun(ctx, f.taskRunID)
	if err != nil {
		return false, err
	}
	if tr.Status != run.TaskRunning || tr.AttemptCount != f.attempt {
		return false, nil
	}
	b := &persistence.Batch{}
	b.Transition(tr, run.TaskInterrupted, map[string]any{"reason": "shutdown timeout"}, nil)
	if err := s.Commit(ctx, b); err != nil {
		return false, fmt.Errorf("failed to mark task run %s interrupted: %w", tr.ID, err)
	}
	s.logger.Warn("task interrupted after shutdown timeout", "run_id", f.runID, "task_run_id", f.taskRunID, "node_id", f.node.ID)
	return true, nil
}

func pluralNodes(n int) string {
	if n == 1 {
		return "1 node"
	}
	return fmt.Sprintf("%d nodes", n)
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ", ")
}
