package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aristath/dagflow/internal/logging"
)

// EngineLeaseKey is the run_locks row held by the process that executes task
// bodies against a database.
const EngineLeaseKey = "engine"

// ErrEngineBusy is returned when another process holds the engine lease.
var ErrEngineBusy = errors.New("another engine is serving this database")

// EngineLease marks one process as the executor for a database. The holder
// renews the lease in the background until Release; a crashed holder's lease
// expires on its own.
type EngineLease struct {
	store  LockStore
	holder string
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	held    bool
	stopped chan struct{}
	done    chan struct{}
}

// NewEngineLease creates a lease that is not yet held.
func NewEngineLease(store LockStore, ttl time.Duration, logger *slog.Logger) *EngineLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &EngineLease{store: store, holder: uuid.NewString(), ttl: ttl, logger: logging.OrDefault(logger)}
}

// TryAcquire takes the lease if nobody else holds it.
func (l *EngineLease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}
	ok, err := l.store.TryLock(ctx, EngineLeaseKey, l.holder, l.ttl)
	if err != nil || !ok {
		return false, err
	}
	l.held = true
	l.stopped = make(chan struct{})
	l.done = make(chan struct{})
	go l.renew(l.stopped, l.done)
	return true, nil
}

// Acquire waits up to timeout for the lease. It returns ErrEngineBusy when
// another holder keeps it.
func (l *EngineLease) Acquire(ctx context.Context, timeout time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrEngineBusy
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if errors.Is(err, ErrEngineBusy) {
		return fmt.Errorf("waited %s for the engine lease: %w", timeout, ErrEngineBusy)
	}
	return err
}

// Held reports whether this process holds the lease.
func (l *EngineLease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Release stops renewing and gives the lease up.
func (l *EngineLease) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	close(l.stopped)
	done := l.done
	l.mu.Unlock()

	<-done
	return l.store.Unlock(ctx, EngineLeaseKey, l.holder)
}

func (l *EngineLease) renew(stopped, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		ok, err := l.store.TryLock(ctx, EngineLeaseKey, l.holder, l.ttl)
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("failed to renew engine lease", "error", err)
		case !ok:
			l.mu.Lock()
			if l.stopped == stopped {
				l.held = false
			}
			l.mu.Unlock()
			l.logger.Error("engine lease lost to another process")
			return
		}
	}
}
