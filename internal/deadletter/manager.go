// Package deadletter lets operators inspect and resolve work the engine gave
// up on. Nothing in here runs automatically: every dead letter stays pending
// until it is retried or dismissed.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/aristath/dagflow/internal/logging"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/scheduler"
)

// Mode selects how a dead-lettered task run is retried.
type Mode string

const (
	// ModeFromCheckpoint re-opens the same task run with its attempt budget
	// reset.
	ModeFromCheckpoint Mode = "from_checkpoint"
	// ModeFromScratch creates a new generation of the task run; the old record
	// is kept, superseded, for audit.
	ModeFromScratch Mode = "from_scratch"
)

// ParseMode parses a retry mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFromCheckpoint, ModeFromScratch:
		return Mode(s), nil
	case "":
		return ModeFromCheckpoint, nil
	}
	return "", fmt.Errorf("unknown retry mode %q (want %s or %s)", s, ModeFromCheckpoint, ModeFromScratch)
}

var (
	// ErrNotPending is returned when resolving a dead letter that was already
	// retried or dismissed.
	ErrNotPending = errors.New("dead letter is not pending")
	// ErrNotRetryable is returned when the run the dead letter belongs to can
	// no longer be resumed.
	ErrNotRetryable = errors.New("dead letter cannot be retried")
)

// Filter selects dead letters. NodePattern is a glob over the node id and the
// slot key, e.g. "clip*" or "clip[[]3]".
type Filter struct {
	RunID       string
	NodePattern string
	Resolutions []run.Resolution
	Scope       run.DeadLetterScope
}

// RunResumer re-runs recovery for a single run. Retrying a run-scoped dead
// letter hands the run back to it.
type RunResumer interface {
	RecoverRun(ctx context.Context, runID string) error
}

// RetryResult reports where retried work continues.
type RetryResult struct {
	DeadLetter *run.DeadLetter
	RunID      string // the run that carries the work now
	TaskRunID  string // empty for run-scoped dead letters
}

// Manager is the Dead Letter Manager.
type Manager struct {
	sched   *scheduler.Scheduler
	store   persistence.Store
	resumer RunResumer
	logger  *slog.Logger
}

// NewManager creates a manager. resumer may be nil, in which case retried
// run-scoped dead letters are resumed by the next recovery scan.
func NewManager(sched *scheduler.Scheduler, resumer RunResumer, logger *slog.Logger) *Manager {
	return &Manager{
		sched:   sched,
		store:   sched.Store(),
		resumer: resumer,
		logger:  logging.OrDefault(logger),
	}
}

// List returns dead letters matching f, oldest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]*run.DeadLetter, error) {
	var pattern glob.Glob
	if f.NodePattern != "" {
		g, err := glob.Compile(f.NodePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid node pattern %q: %w", f.NodePattern, err)
		}
		pattern = g
	}

	dls, err := m.store.ListDeadLetters(ctx, persistence.DeadLetterQuery{
		RunID:       f.RunID,
		Resolutions: f.Resolutions,
		Scope:       f.Scope,
	})
	if err != nil {
		return nil, err
	}
	if pattern == nil {
		return dls, nil
	}
	return slices.DeleteFunc(dls, func(dl *run.DeadLetter) bool {
		key := run.Key{NodeID: dl.NodeID, Index: run.IndexValue(dl.FanOutIndex)}
		return !pattern.Match(dl.NodeID) && !pattern.Match(key.String())
	}), nil
}

// Get returns one dead letter.
func (m *Manager) Get(ctx context.Context, id string) (*run.DeadLetter, error) {
	return m.store.GetDeadLetter(ctx, id)
}

// Retry re-opens the work captured by a dead letter and marks it retried.
func (m *Manager) Retry(ctx context.Context, id string, mode Mode) (*RetryResult, error) {
	dl, err := m.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}

	var res *RetryResult
	err = m.withRunLock(ctx, dl.RunID, func() error {
		var err error
		if dl, err = m.pending(ctx, id); err != nil {
			return err
		}
		if dl.Scope == run.ScopeRun {
			res, err = m.retryRun(ctx, dl, mode)
		} else {
			res, err = m.retryTask(ctx, dl, mode)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.DeadLetter, err = m.store.GetDeadLetter(ctx, id); err != nil {
		return nil, err
	}
	m.logger.Info("dead letter retried", "dead_letter_id", id, "mode", mode, "run_id", res.RunID, "task_run_id", res.TaskRunID)

	if dl.Scope == run.ScopeRun && res.RunID == dl.RunID {
		if m.resumer != nil {
			if err := m.resumer.RecoverRun(ctx, res.RunID); err != nil {
				return res, fmt.Errorf("dead letter retried but recovery failed: %w", err)
			}
		}
		return res, nil
	}
	if err := m.sched.Advance(ctx, res.RunID); err != nil {
		return res, fmt.Errorf("dead letter retried but advancing run failed: %w", err)
	}
	return res, nil
}

// Dismiss closes a dead letter without retrying. A dismissed run-scoped dead
// letter fails its paused run.
func (m *Manager) Dismiss(ctx context.Context, id string) (*run.DeadLetter, error) {
	dl, err := m.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}

	err = m.withRunLock(ctx, dl.RunID, func() error {
		var err error
		if dl, err = m.pending(ctx, id); err != nil {
			return err
		}
		b := &persistence.Batch{Resolutions: []*persistence.Resolution{{ID: id, To: run.ResolutionDismissed}}}
		if dl.Scope == run.ScopeRun {
			r, err := m.store.GetRun(ctx, dl.RunID)
			if err != nil {
				return err
			}
			if r.Status == run.RunPaused {
				b.Run = &persistence.RunTransition{
					RunID: r.ID, From: r.Status, To: run.RunFailed,
					Error:   "dismissed: " + dl.Reason,
					Payload: map[string]any{"dead_letter_id": id},
				}
			}
		}
		return m.sched.Commit(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("dead letter dismissed", "dead_letter_id", id, "run_id", dl.RunID, "node_id", dl.NodeID)
	return m.store.GetDeadLetter(ctx, id)
}

func (m *Manager) withRunLock(ctx context.Context, runID string, fn func() error) error {
	unlock, err := m.sched.LockRun(ctx, runID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// pending reloads a dead letter under the run lock and checks it is open.
func (m *Manager) pending(ctx context.Context, id string) (*run.DeadLetter, error) {
	dl, err := m.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.Resolution != run.ResolutionPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, dl.Resolution)
	}
	return dl, nil
}

func (m *Manager) retryTask(ctx context.Context, dl *run.DeadLetter, mode Mode) (*RetryResult, error) {
	r, err := m.store.GetRun(ctx, dl.RunID)
	if err != nil {
		return nil, err
	}
	if r.Status == run.RunCancelled {
		return nil, fmt.Errorf("%w: run %s was cancelled", ErrNotRetryable, r.ID)
	}
	g, err := m.sched.Graph(ctx, r.DefinitionID, r.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	trs, err := m.store.ListTaskRuns(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	var tr *run.TaskRun
	nextGen := 0
	for _, cand := range trs {
		if cand.ID == dl.TaskRunID {
			tr = cand
		}
		if cand.NodeID == dl.NodeID {
			nextGen = max(nextGen, cand.Generation+1)
		}
	}
	if tr == nil {
		return nil, fmt.Errorf("task run %s: %w", dl.TaskRunID, persistence.ErrNotFound)
	}
	if tr.Superseded || tr.Status != run.TaskDeadLettered {
		return nil, fmt.Errorf("%w: task run %s is %s", ErrNotRetryable, tr.ID, tr.Status)
	}

	b := &persistence.Batch{Resolutions: []*persistence.Resolution{{ID: dl.ID, To: run.ResolutionRetried}}}
	payload := map[string]any{"dead_letter_id": dl.ID, "mode": string(mode)}
	res := &RetryResult{RunID: r.ID}

	switch mode {
	case ModeFromScratch:
		fresh := &run.TaskRun{
			ID:          uuid.NewString(),
			RunID:       r.ID,
			NodeID:      tr.NodeID,
			FanOutIndex: tr.FanOutIndex,
			Generation:  nextGen,
			Status:      run.TaskReady,
			Inputs:      tr.Inputs,
			Item:        tr.Item,
		}
		b.NewTaskRuns = append(b.NewTaskRuns, fresh)
		b.Supersede = append(b.Supersede, tr.ID)
		res.TaskRunID = fresh.ID
	default:
		b.Transition(tr, run.TaskReady, payload, func(n *run.TaskRun) {
			n.AttemptCount = 0
			n.OOMRetries = 0
			n.NextRetryAt = nil
			n.LastFailureKind = run.FailureNone
			n.LastError = ""
		})
		res.TaskRunID = tr.ID
	}

	// Skips decided because this node failed are re-evaluated once it settles.
	for _, other := range trs {
		if other.Superseded || other.Status != run.TaskSkipped || !g.IsAncestor(tr.NodeID, other.NodeID) {
			continue
		}
		b.Supersede = append(b.Supersede, other.ID)
	}

	if r.Status == run.RunFailed || r.Status == run.RunPartiallyFailed {
		b.Run = &persistence.RunTransition{RunID: r.ID, From: r.Status, To: run.RunRunning, Payload: payload}
	}
	if err := m.sched.Commit(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to retry dead letter %s: %w", dl.ID, err)
	}
	return res, nil
}

func (m *Manager) retryRun(ctx context.Context, dl *run.DeadLetter, mode Mode) (*RetryResult, error) {
	r, err := m.store.GetRun(ctx, dl.RunID)
	if err != nil {
		return nil, err
	}
	if r.Status != run.RunPaused {
		return nil, fmt.Errorf("%w: run %s is %s, not paused", ErrNotRetryable, r.ID, r.Status)
	}

	b := &persistence.Batch{Resolutions: []*persistence.Resolution{{ID: dl.ID, To: run.ResolutionRetried}}}
	payload := map[string]any{"dead_letter_id": dl.ID, "mode": string(mode)}

	if mode == ModeFromScratch {
		if _, err := m.sched.Graph(ctx, r.DefinitionID, r.DefinitionVersion); err != nil {
			return nil, err
		}
		fresh := &run.WorkflowRun{
			ID:                uuid.NewString(),
			DefinitionID:      r.DefinitionID,
			DefinitionVersion: r.DefinitionVersion,
			Input:             r.Input,
			ParentRunID:       r.ID,
		}
		b.NewRun = fresh
		b.Run = &persistence.RunTransition{
			RunID: r.ID, From: r.Status, To: run.RunFailed,
			Error:   "replaced by run " + fresh.ID,
			Payload: payload,
		}
		if err := m.sched.Commit(ctx, b); err != nil {
			return nil, fmt.Errorf("failed to resubmit run %s: %w", r.ID, err)
		}
		return &RetryResult{RunID: fresh.ID}, nil
	}

	b.Run = &persistence.RunTransition{RunID: r.ID, From: r.Status, To: run.RunRunning, Payload: payload}
	if err := m.sched.Commit(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to resume run %s: %w", r.ID, err)
	}
	return &RetryResult{RunID: r.ID}, nil
}
