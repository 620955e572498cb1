// Package orchestrator assembles the engine from configuration and exposes
// the submission API: runs, dead letters, and the admin operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/dagflow/internal/config"
	"github.com/aristath/dagflow/internal/deadletter"
	"github.com/aristath/dagflow/internal/events"
	"github.com/aristath/dagflow/internal/logging"
	"github.com/aristath/dagflow/internal/metrics"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/recovery"
	"github.com/aristath/dagflow/internal/retry"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/scheduler"
	"github.com/aristath/dagflow/internal/shutdown"
	"github.com/aristath/dagflow/internal/tasks"
	"github.com/aristath/dagflow/internal/workflow"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("engine already started")

// Options carries what configuration files cannot express.
type Options struct {
	Logger *slog.Logger

	// Tasks registers in-process task types. They take precedence over exec
	// tasks configured under the same type.
	Tasks map[string]tasks.Task

	// Store replaces the store opened from Config.DatabasePath.
	Store *persistence.SQLiteStore

	Now func() time.Time
}

// RunView is a run together with its task runs and open dead letters.
type RunView struct {
	Run         *run.WorkflowRun  `json:"run"`
	Tasks       []*run.TaskRun    `json:"tasks"`
	DeadLetters []*run.DeadLetter `json:"dead_letters,omitempty"`
}

// Engine wires the scheduler, managers, and store together.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	store     *persistence.SQLiteStore
	bus       *events.EventBus
	collector *metrics.Collector
	registry  *tasks.Registry
	procs     *tasks.ProcessManager
	breakers  *scheduler.BreakerRegistry
	sched     *scheduler.Scheduler
	recovery  *recovery.Manager
	dlq       *deadletter.Manager
	shutdown  *shutdown.Coordinator
	requests  *requestChannel
	lease     *persistence.EngineLease

	cleanupMu    sync.Mutex
	cleanupHooks []cleanupHook

	startMu    sync.Mutex
	started    bool
	startedAt  time.Time
	loops      sync.WaitGroup // background loop and definition watcher
	bg         sync.WaitGroup // metrics consumer
	healthAddr string
}

// New builds an engine from configuration. Definition files under
// cfg.DefinitionsDir are registered before New returns. Background work only
// begins with Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrDefault(opts.Logger)
	if opts.Now == nil {
		opts.Now = time.Now
	}

	store := opts.Store
	if store == nil {
		var err error
		if cfg.DatabasePath == ":memory:" {
			store, err = persistence.NewMemoryStore(ctx)
		} else {
			store, err = persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open run state store: %w", err)
		}
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		now:       opts.Now,
		store:     store,
		bus:       events.NewEventBus(),
		collector: metrics.NewCollector(),
		registry:  tasks.NewRegistry(),
		procs:     tasks.NewProcessManager(),
		requests:  newRequestChannel(),
	}
	e.lease = persistence.NewEngineLease(store, cfg.LockLease.Std(), logger)

	typeTimeouts := make(map[string]time.Duration)
	for typ, tc := range cfg.Tasks {
		e.registry.Register(typ, tasks.NewExecTask(tasks.ExecConfig{
			Command: tc.Command,
			Args:    tc.Args,
			Dir:     tc.Dir,
			Env:     tc.Env,
		}, e.procs))
		if tc.Timeout > 0 {
			typeTimeouts[typ] = tc.Timeout.Std()
		}
	}
	for typ, t := range opts.Tasks {
		e.registry.Register(typ, t)
	}

	e.breakers = scheduler.NewBreakerRegistry(scheduler.BreakerSettings{}, logger)
	e.sched = scheduler.New(scheduler.Options{
		Store:       store,
		Executor:    scheduler.NewExecutor(e.registry, e.breakers, cfg.TaskTimeout.Std(), typeTimeouts),
		Limiter:     scheduler.NewLimiter(cfg.Concurrency, cfg.NodeTypeCaps),
		Retry:       retry.NewCoordinator(cfg.Retry),
		Bus:         e.bus,
		Logger:      logger,
		LockLease:   cfg.LockLease.Std(),
		LockTimeout: cfg.LockTimeout.Std(),
		Cleanup:     e.releaseMemory,
		Passive:     true,
		Exclusive:   e.lease.Held,
		Now:         opts.Now,
	})
	e.recovery = recovery.NewManager(e.sched, 0, logger)
	e.dlq = deadletter.NewManager(e.sched, e.recovery, logger)
	e.shutdown = shutdown.New(shutdown.Options{
		Scheduler: e.sched,
		Timeout:   cfg.ShutdownTimeout.Std(),
		Processes: e.procs,
		Store:     store,
		Logger:    logger,
	})
	e.shutdown.OnShutdown("event bus", shutdown.Release, func(context.Context) error {
		e.bus.Close()
		return nil
	})
	e.shutdown.OnShutdown("engine lease", shutdown.Release, e.lease.Release)

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.collector.Run(metricsCtx, e.bus.SubscribeAll(1024))
	}()
	e.shutdown.OnShutdown("metrics", shutdown.Release, func(context.Context) error {
		stopMetrics()
		return nil
	})

	if err := e.loadDefinitions(ctx); err != nil {
		_, _ = e.shutdown.Shutdown(ctx)
		return nil, err
	}
	return e, nil
}

func (e *Engine) loadDefinitions(ctx context.Context) error {
	if e.cfg.DefinitionsDir == "" {
		return nil
	}
	defs, err := workflow.LoadDir(e.cfg.DefinitionsDir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := e.RegisterDefinition(ctx, def); err != nil {
			return err
		}
	}
	if len(defs) > 0 {
		e.logger.Info("definitions registered", "dir", e.cfg.DefinitionsDir, "count", len(defs))
	}
	return nil
}

// Start takes the engine lease, recovers interrupted runs, then begins
// admitting and advancing runs in the background. Only the lease holder
// executes task bodies; Start fails with persistence.ErrEngineBusy when
// another engine keeps the lease past the lock timeout. With a health
// address configured it also serves /health and /metrics.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	if err := e.lease.Acquire(ctx, e.cfg.LockTimeout.Std()); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	e.sched.Activate()

	if _, err := e.recovery.Scan(ctx); err != nil {
		e.logger.Error("startup recovery incomplete", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loopCtx = logging.WithLogger(loopCtx, e.logger)

	if e.cfg.WatchDefinitions && e.cfg.DefinitionsDir != "" {
		w, err := workflow.NewWatcher(e.cfg.DefinitionsDir, e.RegisterDefinition, e.logger)
		if err != nil {
			cancel()
			return err
		}
		e.loops.Add(1)
		go func() {
			defer e.loops.Done()
			if err := w.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("definition watcher stopped", "error", err)
			}
		}()
	}

	if e.cfg.HealthAddr != "" {
		srv, addr, err := e.serveHealth(e.cfg.HealthAddr)
		if err != nil {
			cancel()
			return err
		}
		e.healthAddr = addr
		e.shutdown.OnShutdown("health server", shutdown.Release, srv.Shutdown)
	}

	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		e.loop(loopCtx)
	}()
	e.shutdown.OnShutdown("background loop", shutdown.Admission, func(ctx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() {
			e.loops.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	e.started = true
	e.startedAt = e.now()
	e.logger.Info("engine started",
		"concurrency", e.cfg.Concurrency, "poll_interval", e.cfg.PollInterval.Std(), "health_addr", e.cfg.HealthAddr)
	return nil
}

// Shutdown stops the engine: no new runs or attempts, a bounded wait for
// executing attempts, interruption of the rest, store closed last.
func (e *Engine) Shutdown(ctx context.Context) (shutdown.Report, error) {
	report, err := e.shutdown.Shutdown(ctx)
	e.bg.Wait()
	return report, err
}

// Done is closed once shutdown finished.
func (e *Engine) Done() <-chan struct{} { return e.shutdown.Done() }

// Store returns the run state store.
func (e *Engine) Store() persistence.Store { return e.store }

// Bus returns the event bus transitions are published on.
func (e *Engine) Bus() *events.EventBus { return e.bus }

// Metrics returns the prometheus collector.
func (e *Engine) Metrics() *metrics.Collector { return e.collector }

// RegisterTask adds or replaces an in-process task type.
func (e *Engine) RegisterTask(taskType string, t tasks.Task) {
	e.registry.Register(taskType, t)
}

// RegisterDefinition validates and stores an immutable definition version.
func (e *Engine) RegisterDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := workflow.Validate(def); err != nil {
		return err
	}
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to register %s@%d: %w", def.ID, def.Version, err)
	}
	return nil
}

// SubmitRun creates a queued run of a registered definition. A started engine
// begins scheduling it right away; otherwise the run waits for a serving
// engine to admit it.
func (e *Engine) SubmitRun(ctx context.Context, ref workflow.Ref, input map[string]any) (*run.WorkflowRun, error) {
	r, err := e.sched.Submit(ctx, ref, input, "")
	if err != nil {
		return nil, err
	}
	if e.isStarted() {
		if err := e.sched.Advance(ctx, r.ID); err != nil && !errors.Is(err, scheduler.ErrShuttingDown) {
			// The background loop picks it up on its next pass.
			e.logger.Warn("failed to admit run", "run_id", r.ID, "error", err)
		}
	}
	return r, nil
}

// GetRun returns a run with its task runs, superseded generations included,
// and its pending dead letters.
func (e *Engine) GetRun(ctx context.Context, runID string) (*RunView, error) {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	trs, err := e.store.ListTaskRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	dls, err := e.store.ListDeadLetters(ctx, persistence.DeadLetterQuery{
		RunID:       runID,
		Resolutions: []run.Resolution{run.ResolutionPending},
	})
	if err != nil {
		return nil, err
	}
	return &RunView{Run: r, Tasks: trs, DeadLetters: dls}, nil
}

// ListRuns lists runs matching filter.
func (e *Engine) ListRuns(ctx context.Context, filter persistence.RunFilter) ([]*run.WorkflowRun, error) {
	return e.store.ListRuns(ctx, filter)
}

// CancelRun cancels a run and its unfinished task runs. Repeating it is a
// no-op.
func (e *Engine) CancelRun(ctx context.Context, runID string) (*run.WorkflowRun, error) {
	return e.sched.CancelRun(ctx, runID)
}

// ListDeadLetters lists dead letters oldest first.
func (e *Engine) ListDeadLetters(ctx context.Context, f deadletter.Filter) ([]*run.DeadLetter, error) {
	return e.dlq.List(ctx, f)
}

// GetDeadLetter returns one dead letter with its attempt history.
func (e *Engine) GetDeadLetter(ctx context.Context, id string) (*run.DeadLetter, error) {
	return e.dlq.Get(ctx, id)
}

// RetryDeadLetter re-enters dead-lettered work.
func (e *Engine) RetryDeadLetter(ctx context.Context, id string, mode deadletter.Mode) (*deadletter.RetryResult, error) {
	return e.dlq.Retry(ctx, id, mode)
}

// DismissDeadLetter closes a dead letter without retrying it.
func (e *Engine) DismissDeadLetter(ctx context.Context, id string) (*run.DeadLetter, error) {
	return e.dlq.Dismiss(ctx, id)
}

// TriggerRecoveryScan recovers every running run. On a started engine the
// scan runs between background passes. An engine that is not started scans
// only while no other engine serves the database, since it cannot tell
// which running task runs still have a live attempt; otherwise it returns
// persistence.ErrEngineBusy.
func (e *Engine) TriggerRecoveryScan(ctx context.Context) (recovery.Report, error) {
	return call(ctx, e.requests, "recovery scan", func(ctx context.Context) (recovery.Report, error) {
		ok, err := e.lease.TryAcquire(ctx)
		if err != nil {
			return recovery.Report{}, err
		}
		if !ok {
			return recovery.Report{}, fmt.Errorf("recovery scan refused, the serving engine recovers its own runs: %w", persistence.ErrEngineBusy)
		}
		return e.recovery.Scan(ctx)
	})
}

func (e *Engine) isStarted() bool {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	return e.started
}
