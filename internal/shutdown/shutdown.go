// Package shutdown stops an engine in a fixed order: admission and dispatch
// first, then a bounded wait for executing attempts, then interruption of
// whatever is still running, and finally the release of resources with the
// run state store closed last.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/dagflow/internal/logging"
)

// Scheduler is the part of the scheduler the coordinator drives.
type Scheduler interface {
	Stop()
	Drain(ctx context.Context) error
	Interrupt(ctx context.Context) (int, error)
	InFlight() int
}

// ProcessKiller terminates subprocesses that outlived their attempt.
type ProcessKiller interface {
	KillAll() error
}

// Phase says when a hook runs.
type Phase int

const (
	// Admission hooks run right after the scheduler stops dispatching, before
	// the drain. Background loops and watchers belong here.
	Admission Phase = iota
	// Release hooks run after executing work settled and before the store is
	// closed. Servers and the event bus belong here.
	Release
)

// DefaultInterruptGrace bounds how long interrupted attempts get to record
// themselves before they are marked interrupted directly.
const DefaultInterruptGrace = 5 * time.Second

type hook struct {
	name  string
	phase Phase
	fn    func(ctx context.Context) error
}

// Options configures a Coordinator.
type Options struct {
	Scheduler      Scheduler
	Timeout        time.Duration // bounded drain
	InterruptGrace time.Duration
	Processes      ProcessKiller // optional
	Store          io.Closer     // closed last; optional
	Logger         *slog.Logger
}

// Report describes how a shutdown went.
type Report struct {
	Drained     bool          `json:"drained"`     // every attempt finished within the timeout
	Interrupted int           `json:"interrupted"` // attempts marked interrupted directly
	Duration    time.Duration `json:"duration"`
}

// Coordinator is the Shutdown Coordinator. Shutdown runs once; later calls
// return the first result.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	hooks []hook

	once   sync.Once
	done   chan struct{}
	report Report
	err    error
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	if opts.InterruptGrace <= 0 {
		opts.InterruptGrace = DefaultInterruptGrace
	}
	return &Coordinator{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger),
		done:   make(chan struct{}),
	}
}

// OnShutdown registers a hook. Hooks of one phase run in registration order.
func (c *Coordinator) OnShutdown(name string, phase Phase, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook{name: name, phase: phase, fn: fn})
}

// Done is closed once Shutdown finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Shutdown stops the engine. ctx bounds the hooks and the store close; the
// drain is bounded by Options.Timeout.
func (c *Coordinator) Shutdown(ctx context.Context) (Report, error) {
	c.once.Do(func() {
		defer close(c.done)
		c.report, c.err = c.shutdown(ctx)
	})
	<-c.done
	return c.report, c.err
}

func (c *Coordinator) shutdown(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report
	var errs []error

	sched := c.opts.Scheduler
	if sched != nil {
		sched.Stop()
	}
	c.logger.Info("shutdown started", "in_flight", c.inFlight(), "timeout", c.opts.Timeout)
	errs = append(errs, c.runHooks(ctx, Admission)...)

	if sched != nil {
		drainCtx := ctx
		if c.opts.Timeout > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}
		if err := sched.Drain(drainCtx); err == nil {
			report.Drained = true
		} else {
			c.logger.Warn("drain timed out, interrupting executing tasks", "in_flight", sched.InFlight())
			graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.InterruptGrace)
			n, err := sched.Interrupt(graceCtx)
			cancel()
			report.Interrupted = n
			if err != nil {
				errs = append(errs, fmt.Errorf("interrupt: %w", err))
			}
		}
	}

	if c.opts.Processes != nil {
		if err := c.opts.Processes.KillAll(); err != nil {
			errs = append(errs, fmt.Errorf("kill subprocesses: %w", err))
		}
	}

	errs = append(errs, c.runHooks(ctx, Release)...)

	if c.opts.Store != nil {
		if err := c.opts.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	report.Duration = time.Since(start)
	err := errors.Join(errs...)
	c.logger.Info("shutdown complete",
		"drained", report.Drained, "interrupted", report.Interrupted, "duration", report.Duration, "errors", len(errs))
	return report, err
}

func (c *Coordinator) runHooks(ctx context.Context, phase Phase) []error {
	c.mu.Lock()
	hooks := make([]hook, 0, len(c.hooks))
	for _, h := range c.hooks {
		if h.phase == phase {
			hooks = append(hooks, h)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			c.logger.Error("shutdown hook failed", "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errs
}

func (c *Coordinator) inFlight() int {
	if c.opts.Scheduler == nil {
		return 0
	}
	return c.opts.Scheduler.InFlight()
}
