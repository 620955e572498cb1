package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/workflow"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set write finds a record in a
	// different state than expected. Nothing from the batch is written.
	ErrConflict = errors.New("conflicting concurrent update")
	// ErrLockTimeout is returned when a run lock cannot be acquired within the
	// configured wait.
	ErrLockTimeout = errors.New("timed out waiting for run lock")
)

// RunFilter selects workflow runs.
type RunFilter struct {
	Statuses      []run.RunStatus
	DefinitionID  string
	UpdatedBefore time.Time
	Limit         int
}

// DeadLetterQuery selects dead letters. Node pattern matching is done by the
// dead letter manager on top of this.
type DeadLetterQuery struct {
	RunID       string
	Resolutions []run.Resolution
	Scope       run.DeadLetterScope
}

// Stats summarizes store contents for health reporting.
type Stats struct {
	Runs               map[run.RunStatus]int
	TasksRunning       int
	PendingDeadLetters int
}

// Store is the Run State Store: the single source of truth for definitions,
// runs, task runs, checkpoints, and dead letters.
type Store interface {
	// Definitions
	SaveDefinition(ctx context.Context, def *workflow.Definition) error
	GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error)
	ListDefinitions(ctx context.Context) ([]*workflow.Definition, error)

	// Runs and task runs
	GetRun(ctx context.Context, runID string) (*run.WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*run.WorkflowRun, error)
	GetTaskRun(ctx context.Context, taskRunID string) (*run.TaskRun, error)
	ListTaskRuns(ctx context.Context, runID string) ([]*run.TaskRun, error)
	Checkpoints(ctx context.Context, taskRunID string) ([]run.Checkpoint, error)
	RunCheckpoints(ctx context.Context, runID string) ([]run.RunCheckpoint, error)

	// Commit applies a batch of transitions atomically.
	Commit(ctx context.Context, b *Batch) error

	// Dead letters
	GetDeadLetter(ctx context.Context, id string) (*run.DeadLetter, error)
	ListDeadLetters(ctx context.Context, q DeadLetterQuery) ([]*run.DeadLetter, error)

	// Run locks
	TryLock(ctx context.Context, runID, holder string, lease time.Duration) (bool, error)
	Unlock(ctx context.Context, runID, holder string) error
	DeleteExpiredLocks(ctx context.Context) (int64, error)

	// Maintenance
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection. Immediate
	// transactions take the write lock up front so read-then-write
	// transactions never deadlock on lock upgrade.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	return newStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each call gets
// its own named database shared by the pool's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// Shared-cache databases use table locks that busy_timeout does not cover;
	// a single connection serializes access instead.
	db.SetMaxOpenConns(1)

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// SetClock replaces the store's time source.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close checkpoints the WAL and closes the database connection.
func (s *SQLiteStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Best effort: memory databases have no WAL.
	_, _ = s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// withRetry runs op, retrying while SQLite reports the database as busy.
// Any other error ends the retry loop immediately.
func (s *SQLiteStore) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 15 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func (s *SQLiteStore) millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
