// Package recovery resumes runs after a restart. It trusts only the
// checkpoint log: work recorded as completed is never executed again, and
// attempts cut short by a crash or shutdown are requeued once their retry
// budget allows it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dagflow/internal/logging"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/scheduler"
)

// ErrInconsistent is returned for a run whose checkpoint log cannot be
// trusted. The run is paused and a run-scoped dead letter is raised.
var ErrInconsistent = errors.New("inconsistent checkpoint log")

// DefaultConcurrency is how many runs a scan recovers at once.
const DefaultConcurrency = 4

// Report summarizes a recovery scan.
type Report struct {
	Runs         int `json:"runs"`          // runs examined
	Resumed      int `json:"resumed"`       // runs advanced after recovery
	Requeued     int `json:"requeued"`      // interrupted task runs made ready again
	DeadLettered int `json:"dead_lettered"` // interrupted task runs out of budget
	Paused       int `json:"paused"`        // runs paused as inconsistent
}

func (r *Report) add(o Report) {
	r.Runs += o.Runs
	r.Resumed += o.Resumed
	r.Requeued += o.Requeued
	r.DeadLettered += o.DeadLettered
	r.Paused += o.Paused
}

// Manager is the Recovery Manager.
type Manager struct {
	sched       *scheduler.Scheduler
	store       persistence.Store
	concurrency int
	logger      *slog.Logger
}

// NewManager creates a recovery manager. concurrency <= 0 uses
// DefaultConcurrency.
func NewManager(sched *scheduler.Scheduler, concurrency int, logger *slog.Logger) *Manager {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Manager{
		sched:       sched,
		store:       sched.Store(),
		concurrency: concurrency,
		logger:      logging.OrDefault(logger),
	}
}

// Scan recovers every running run. A failure in one run does not stop the
// others; all failures are returned joined. Inconsistent runs are counted as
// paused, not as errors.
func (m *Manager) Scan(ctx context.Context) (Report, error) {
	runs, err := m.store.ListRuns(ctx, persistence.RunFilter{Statuses: []run.RunStatus{run.RunRunning}})
	if err != nil {
		return Report{}, fmt.Errorf("failed to list running runs: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
		errs   []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, r := range runs {
		runID := r.ID
		g.Go(func() error {
			rep, err := m.recoverRun(gctx, runID)
			mu.Lock()
			defer mu.Unlock()
			report.add(rep)
			if err != nil && !errors.Is(err, ErrInconsistent) {
				errs = append(errs, fmt.Errorf("run %s: %w", runID, err))
			}
			// Errors are collected, not returned, so one bad run does not
			// cancel the rest of the scan.
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("recovery scan finished",
		"runs", report.Runs, "resumed", report.Resumed, "requeued", report.Requeued,
		"dead_lettered", report.DeadLettered, "paused", report.Paused, "errors", len(errs))
	return report, errors.Join(errs...)
}

// RecoverRun recovers a single run. It returns an error wrapping
// ErrInconsistent when the run had to be paused.
func (m *Manager) RecoverRun(ctx context.Context, runID string) error {
	_, err := m.recoverRun(ctx, runID)
	return err
}

func (m *Manager) recoverRun(ctx context.Context, runID string) (Report, error) {
	unlock, err := m.sched.LockRun(ctx, runID)
	if err != nil {
		return Report{}, err
	}
	defer unlock()

	r, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return Report{}, err
	}
	if r.Status != run.RunRunning {
		return Report{}, nil
	}
	rep := Report{Runs: 1}
	logger := m.logger.With("run_id", runID)

	trs, err := m.store.ListTaskRuns(ctx, runID)
	if err != nil {
		return rep, err
	}
	g, graphErr := m.sched.Graph(ctx, r.DefinitionID, r.DefinitionVersion)

	problems, err := m.check(ctx, r, g, graphErr, trs)
	if err != nil {
		return rep, err
	}
	if len(problems) > 0 {
		if err := m.pause(ctx, r, problems); err != nil {
			return rep, err
		}
		rep.Paused = 1
		return rep, fmt.Errorf("run %s: %w: %s", runID, ErrInconsistent, strings.Join(problems, "; "))
	}

	b := &persistence.Batch{}
	now := m.sched.Now()
	for _, tr := range trs {
		if tr.Superseded {
			continue
		}
		switch {
		case m.sched.Orphaned(tr):
			// The attempt that owned this record died with its process.
			interrupted := b.Transition(tr, run.TaskInterrupted, map[string]any{"reason": "no live attempt at recovery"}, nil)
			_, requeued, err := m.sched.ResolveInterrupted(ctx, b, interrupted, g.Node(tr.NodeID), now)
			if err != nil {
				return rep, err
			}
			rep.count(requeued)
		case tr.Status == run.TaskInterrupted:
			_, requeued, err := m.sched.ResolveInterrupted(ctx, b, tr, g.Node(tr.NodeID), now)
			if err != nil {
				return rep, err
			}
			rep.count(requeued)
		}
	}

	if err := m.sched.Commit(ctx, b); err != nil {
		return rep, fmt.Errorf("failed to checkpoint recovery: %w", err)
	}
	if rep.Requeued > 0 || rep.DeadLettered > 0 {
		logger.Info("run recovered", "requeued", rep.Requeued, "dead_lettered", rep.DeadLettered)
	}

	if err := m.sched.AdvanceLocked(ctx, runID); err != nil {
		return rep, err
	}
	rep.Resumed = 1
	return rep, nil
}

func (r *Report) count(requeued bool) {
	if requeued {
		r.Requeued++
	} else {
		r.DeadLettered++
	}
}

// pause stops scheduling an inconsistent run and raises it to an operator.
func (m *Manager) pause(ctx context.Context, r *run.WorkflowRun, problems []string) error {
	reason := strings.Join(problems, "; ")
	b := &persistence.Batch{
		Run: &persistence.RunTransition{
			RunID: r.ID, From: r.Status, To: run.RunPaused,
			Error: string(run.FailureRecoveryInconsistent) + ": " + reason,
		},
		DeadLetters: []*run.DeadLetter{{
			ID:          uuid.NewString(),
			Scope:       run.ScopeRun,
			RunID:       r.ID,
			FailureKind: run.FailureRecoveryInconsistent,
			Reason:      reason,
		}},
	}
	if err := m.sched.Commit(ctx, b); err != nil {
		return fmt.Errorf("failed to pause run %s: %w", r.ID, err)
	}
	m.sched.Alert(r.ID, run.FailureRecoveryInconsistent, "run paused: "+reason)
	return nil
}
