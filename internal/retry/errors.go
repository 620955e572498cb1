// Package retry classifies task failures and decides what happens next:
// backoff and re-enqueue, an immediate out-of-memory retry, or escalation to
// the dead letter queue.
package retry

import (
	"errors"
	"fmt"

	"github.com/aristath/dagflow/internal/run"
)

// ErrOutOfMemory signals that the process ran out of memory while executing a
// task. It earns one immediate retry after a cleanup pass.
var ErrOutOfMemory = errors.New("out of memory")

// Error carries an explicit failure kind chosen by the task author.
type Error struct {
	Kind run.FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable with normal backoff.
func Transient(err error) error { return wrap(run.FailureTransient, err) }

// ResourceExhausted marks err as a rate limit or quota failure, retried with
// the longer resource backoff.
func ResourceExhausted(err error) error { return wrap(run.FailureResourceExhausted, err) }

// Permanent marks err as not retryable. The task run goes straight to the dead
// letter queue.
func Permanent(err error) error { return wrap(run.FailurePermanent, err) }

func wrap(kind run.FailureKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// StatusError is implemented by errors that carry an HTTP-like status code,
// such as API client errors from external generation services.
type StatusError interface {
	error
	StatusCode() int
}

// PanicError is a recovered panic from a task body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
