package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/workflow"
)

// DefaultPolicy is used when neither config nor the node overrides a field.
func DefaultPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		BaseDelay:         workflow.Duration(2 * time.Second),
		ResourceBaseDelay: workflow.Duration(30 * time.Second),
		MaxDelay:          workflow.Duration(10 * time.Minute),
		MaxAttempts:       5,
		Jitter:            0.2,
	}
}

// Action is what the coordinator decided for a failed attempt.
type Action int

const (
	ActionRetry          Action = iota // back off, then ready again
	ActionRetryImmediate               // out-of-memory: cleanup, then ready at once
	ActionDeadLetter                   // escalate
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRetryImmediate:
		return "retry_immediate"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decision is the outcome of Decide.
type Decision struct {
	Action      Action
	Delay       time.Duration
	NextRetryAt time.Time
	Reason      string
}

// Coordinator turns failure classifications into retry decisions.
type Coordinator struct {
	defaults workflow.RetryPolicy
	random   func() float64
}

// NewCoordinator creates a coordinator with the given default policy. Zero
// fields fall back to DefaultPolicy.
func NewCoordinator(defaults workflow.RetryPolicy) *Coordinator {
	return &Coordinator{
		defaults: DefaultPolicy().Merge(&defaults),
		random:   rand.Float64,
	}
}

// SetRandom replaces the jitter source; tests use it for determinism.
func (c *Coordinator) SetRandom(random func() float64) {
	c.random = random
}

// Policy resolves the effective policy for a node.
func (c *Coordinator) Policy(node *workflow.TaskNode) workflow.RetryPolicy {
	if node == nil {
		return c.defaults
	}
	return c.defaults.Merge(node.Retry)
}

// Budget is how many attempts count against the policy. Out-of-memory retries
// are outside the budget.
func Budget(tr *run.TaskRun) int {
	return tr.AttemptCount - tr.OOMRetries
}

// HasBudget reports whether another attempt is allowed.
func HasBudget(tr *run.TaskRun, p workflow.RetryPolicy) bool {
	return Budget(tr) < p.MaxAttempts
}

// Delay computes the wait before retrying after the given attempt (1-based):
// base * 2^(attempt-1) plus up to Jitter of that, capped at MaxDelay. Because
// jitter is strictly less than the doubling step, delays never decrease as
// attempts grow.
func (c *Coordinator) Delay(p workflow.RetryPolicy, kind run.FailureKind, attempt int) time.Duration {
	base := p.BaseDelay.Std()
	if kind == run.FailureResourceExhausted && p.ResourceBaseDelay > 0 {
		base = p.ResourceBaseDelay.Std()
	}
	maxDelay := p.MaxDelay.Std()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(base) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d >= float64(maxDelay) {
		return maxDelay
	}
	jitter := min(max(p.Jitter, 0), 0.99)
	d += d * jitter * c.random()
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// Decide picks the next step for tr after a failed attempt. tr.AttemptCount
// must already include the failed attempt.
func (c *Coordinator) Decide(tr *run.TaskRun, f Failure, p workflow.RetryPolicy, now time.Time) Decision {
	if !f.Retryable() {
		return Decision{Action: ActionDeadLetter, Reason: "non-retryable failure: " + string(f.Kind)}
	}
	if f.OOM && tr.OOMRetries == 0 {
		return Decision{Action: ActionRetryImmediate, NextRetryAt: now, Reason: "out of memory"}
	}
	if !HasBudget(tr, p) {
		return Decision{Action: ActionDeadLetter, Reason: "retry budget exhausted"}
	}
	delay := c.Delay(p, f.Kind, Budget(tr))
	return Decision{Action: ActionRetry, Delay: delay, NextRetryAt: now.Add(delay)}
}
