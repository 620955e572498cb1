package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/dagflow/internal/logging"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/scheduler"
)

// passConcurrency bounds how many runs one pass advances at once. Advancing
// a run only takes its lock and writes checkpoints; task bodies execute
// outside the pass.
const passConcurrency = 8

// PassResult summarizes one background pass.
type PassResult struct {
	Runs     int // runs advanced
	Failures int // runs whose advance returned an error
}

// loop admits queued runs and advances running ones every poll interval, and
// early when a retry timer falls due. Admin requests are served between
// passes.
func (e *Engine) loop(ctx context.Context) {
	logger := logging.FromContext(ctx)
	stopServing := e.requests.serve()
	defer stopServing()

	interval := e.cfg.PollInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// Check for context cancellation
		if ctx.Err() != nil {
			return
		}

		if _, err := e.pass(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduling pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.sched.Wake():
		case req := <-e.requests.ch:
			logger.Debug("serving admin request", "request", req.name)
			e.requests.handle(req)
		}
	}
}

// pass advances every queued or running run once with bounded concurrency.
// A failing run does not abort the pass; its error is logged and the next
// pass retries it.
func (e *Engine) pass(ctx context.Context) (PassResult, error) {
	runs, err := e.store.ListRuns(ctx, persistence.RunFilter{
		Statuses: []run.RunStatus{run.RunQueued, run.RunRunning},
	})
	if err != nil {
		return PassResult{}, err
	}

	results := make([]error, len(runs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(passConcurrency)
	for i, r := range runs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			results[i] = e.sched.Advance(gctx, r.ID)
			// Errors are tracked per run, not returned here
			return nil
		})
	}
	_ = g.Wait()

	res := PassResult{Runs: len(runs)}
	for i, err := range results {
		if err == nil || errors.Is(err, scheduler.ErrShuttingDown) || errors.Is(err, context.Canceled) {
			continue
		}
		res.Failures++
		if errors.Is(err, persistence.ErrLockTimeout) {
			e.logger.Debug("run busy, advancing on next pass", "run_id", runs[i].ID)
			continue
		}
		e.logger.Warn("failed to advance run", "run_id", runs[i].ID, "error", err)
	}
	return res, nil
}
