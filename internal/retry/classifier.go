package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/sony/gobreaker"

	"github.com/aristath/dagflow/internal/run"
)

// Failure is the classification of one failed attempt.
type Failure struct {
	Kind run.FailureKind
	OOM  bool
	Err  error
}

// Retryable reports whether the scheduler may retry automatically.
func (f Failure) Retryable() bool { return f.Kind.Retryable() }

// Classify maps an error returned by a task to a failure kind. Explicit kinds
// win; otherwise well-known transport and status signals decide, and anything
// unrecognized is treated as transient so the attempt budget still bounds it.
func Classify(err error) Failure {
	f := Failure{Err: err}
	f.Kind = classifyKind(err)
	if errors.Is(err, ErrOutOfMemory) {
		f.OOM = true
		if f.Kind != run.FailurePermanent {
			f.Kind = run.FailureResourceExhausted
		}
	}
	return f
}

func classifyKind(err error) run.FailureKind {
	if err == nil {
		return run.FailureNone
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return run.FailurePermanent
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return run.FailureResourceExhausted
	}

	// Per-task timeouts are transient.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return run.FailureTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return run.FailureTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return run.FailureTransient
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) {
		if kind, ok := classifyStatus(statusErr.StatusCode()); ok {
			return kind
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"), strings.Contains(msg, "too many requests"):
		return run.FailureResourceExhausted
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "timeout"):
		return run.FailureTransient
	}
	return run.FailureTransient
}

func classifyStatus(code int) (run.FailureKind, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return run.FailureResourceExhausted, true
	case code == http.StatusRequestTimeout || code >= 500:
		return run.FailureTransient, true
	case code == http.StatusBadRequest, code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusNotFound, code == http.StatusUnprocessableEntity:
		return run.FailurePermanent, true
	}
	return "", false
}
