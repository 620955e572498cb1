package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/aristath/dagflow/internal/retry"
)

// Exit codes from sysexits.h that carry a failure kind.
const (
	exitDataErr     = 65 // EX_DATAERR: permanent
	exitUnavailable = 69 // EX_UNAVAILABLE: resource exhausted
	exitTempFail    = 75 // EX_TEMPFAIL: transient
	exitNoPerm      = 77 // EX_NOPERM: permanent
)

// ExecConfig describes a task type backed by an external command.
type ExecConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// ExecTask runs a command per attempt. The task Input is written to stdin as
// JSON; the command prints a Result as JSON on stdout. When the engine starts
// shutting down the command's process group receives SIGTERM; a command that
// still exits successfully keeps its result.
type ExecTask struct {
	cfg   ExecConfig
	procs *ProcessManager
}

// NewExecTask creates an exec-backed task. pm may be nil.
func NewExecTask(cfg ExecConfig, pm *ProcessManager) *ExecTask {
	return &ExecTask{cfg: cfg, procs: pm}
}

// Execute runs the command once.
func (t *ExecTask) Execute(ctx context.Context, in Input) (Result, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Result{}, retry.Permanent(fmt.Errorf("failed to encode task input: %w", err))
	}

	cmd := newCommand(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Dir
	cmd.Env = append(os.Environ(), t.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"DAGFLOW_RUN_ID="+in.RunID,
		"DAGFLOW_NODE_ID="+in.NodeID,
		"DAGFLOW_IDEMPOTENCY_KEY="+in.IdempotencyKey,
	)

	stdout, stderr, err := executeCommand(cmd, payload, t.procs, in.Stopping)
	if err != nil {
		if in.Stopped() && ctx.Err() == nil {
			return Result{}, fmt.Errorf("%w: %w", ErrStopping, commandError(ctx, err, stderr))
		}
		return Result{}, commandError(ctx, err, stderr)
	}

	var res Result
	if err := json.Unmarshal(stdout, &res); err != nil {
		return Result{}, retry.Permanent(fmt.Errorf("failed to parse task output: %w", err))
	}
	if res.Artifact.URI == "" {
		return Result{}, retry.Permanent(errors.New("task output has no artifact uri"))
	}
	return res, nil
}

// commandError maps a failed command to a typed task error.
func commandError(ctx context.Context, err error, stderr []byte) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("command interrupted: %w", ctxErr)
	}
	msg := strings.TrimSpace(string(stderr))
	if msg != "" {
		err = fmt.Errorf("%w (stderr: %s)", err, msg)
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Could not start: missing binary or permissions.
		return retry.Permanent(fmt.Errorf("command failed: %w", err))
	}
	switch exitErr.ExitCode() {
	case exitTempFail:
		return retry.Transient(fmt.Errorf("command failed: %w", err))
	case exitUnavailable:
		return retry.ResourceExhausted(fmt.Errorf("command failed: %w", err))
	case exitDataErr, exitNoPerm:
		return retry.Permanent(fmt.Errorf("command failed: %w", err))
	}
	return retry.Transient(fmt.Errorf("command failed: %w", err))
}
