package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// TryLock takes or renews the advisory lock for a run if it is free, expired,
// or already held by holder.
func (s *SQLiteStore) TryLock(ctx context.Context, runID, holder string, lease time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := s.now()
	var acquired bool
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO run_locks (run_id, holder, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				holder = excluded.holder,
				expires_at = excluded.expires_at
			WHERE run_locks.holder = excluded.holder OR run_locks.expires_at <= ?
		`, runID, holder, now.Add(lease).UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to acquire run lock: %w", err)
		}
		n, err := res.RowsAffected()
		acquired = n > 0
		return err
	})
	return acquired, err
}

// Unlock releases the run lock if holder still owns it.
func (s *SQLiteStore) Unlock(ctx context.Context, runID, holder string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.withRetry(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE run_id = ? AND holder = ?`, runID, holder); err != nil {
			return fmt.Errorf("failed to release run lock: %w", err)
		}
		return nil
	})
}

// DeleteExpiredLocks removes leases nobody renewed.
func (s *SQLiteStore) DeleteExpiredLocks(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE expires_at <= ?`, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to delete expired locks: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// LockStore is the subset of Store a RunLocker needs.
type LockStore interface {
	TryLock(ctx context.Context, runID, holder string, lease time.Duration) (bool, error)
	Unlock(ctx context.Context, runID, holder string) error
}

// RunLocker serializes scheduling passes per run through store-backed leases.
// Each acquisition uses a fresh holder id, so two goroutines of one process
// exclude each other just like two processes do.
type RunLocker struct {
	store   LockStore
	lease   time.Duration
	timeout time.Duration
}

// NewRunLocker creates a locker. timeout bounds how long Lock waits.
func NewRunLocker(store LockStore, lease, timeout time.Duration) *RunLocker {
	if lease <= 0 {
		lease = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RunLocker{store: store, lease: lease, timeout: timeout}
}

// Lock waits for the run lock and returns its release function.
func (l *RunLocker) Lock(ctx context.Context, runID string) (func(), error) {
	holder := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = l.timeout

	errHeld := errors.New("held")
	err := backoff.Retry(func() error {
		ok, err := l.store.TryLock(ctx, runID, holder, l.lease)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		return nil
	}, backoff.WithContext(policy, ctx))

	switch {
	case err == nil:
	case errors.Is(err, errHeld):
		return nil, fmt.Errorf("run %s: %w", runID, ErrLockTimeout)
	default:
		return nil, err
	}

	return func() {
		// Release even if the caller's context is already cancelled.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.store.Unlock(ctx, runID, holder)
	}, nil
}
