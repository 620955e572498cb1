package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

type cleanupHook struct {
	name string
	fn   func(ctx context.Context) error
}

// CleanupReport summarizes a cleanup pass.
type CleanupReport struct {
	Hooks        int   `json:"hooks"`
	ExpiredLocks int64 `json:"expired_locks"`
	PrunedRuns   int64 `json:"pruned_runs"`
}

// OnCleanup registers a hook that releases resources held by task bodies,
// such as caches or model sessions. Hooks run on every cleanup pass and
// before the immediate retry of an out-of-memory failure.
func (e *Engine) OnCleanup(name string, fn func(ctx context.Context) error) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()
	e.cleanupHooks = append(e.cleanupHooks, cleanupHook{name: name, fn: fn})
}

// TriggerCleanup runs the cleanup hooks, returns freed memory to the OS,
// deletes expired run locks, and prunes finished runs past the retention
// window.
func (e *Engine) TriggerCleanup(ctx context.Context) (CleanupReport, error) {
	return call(ctx, e.requests, "cleanup", e.cleanup)
}

func (e *Engine) cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	var errs []error

	n, err := e.runCleanupHooks(ctx)
	report.Hooks = n
	if err != nil {
		errs = append(errs, err)
	}
	debug.FreeOSMemory()

	if report.ExpiredLocks, err = e.store.DeleteExpiredLocks(ctx); err != nil {
		errs = append(errs, err)
	}
	if retention := e.cfg.Retention.Std(); retention > 0 {
		if report.PrunedRuns, err = e.store.PruneRuns(ctx, e.now().Add(-retention)); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Info("cleanup finished",
		"hooks", report.Hooks, "expired_locks", report.ExpiredLocks, "pruned_runs", report.PrunedRuns)
	return report, errors.Join(errs...)
}

// releaseMemory is the scheduler's out-of-memory cleanup pass.
func (e *Engine) releaseMemory(ctx context.Context) {
	if _, err := e.runCleanupHooks(ctx); err != nil {
		e.logger.Warn("cleanup before out-of-memory retry incomplete", "error", err)
	}
	debug.FreeOSMemory()
}

func (e *Engine) runCleanupHooks(ctx context.Context) (int, error) {
	e.cleanupMu.Lock()
	hooks := append([]cleanupHook(nil), e.cleanupHooks...)
	e.cleanupMu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup hook %s: %w", h.name, err))
		}
	}
	return len(hooks), errors.Join(errs...)
}
