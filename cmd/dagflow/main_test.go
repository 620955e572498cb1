package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/dagflow/internal/orchestrator"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/recovery"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/tasks"
)

const definitionYAML = `
id: thumbnails
version: 1
nodes:
  - id: extract
    type: ffmpeg
  - id: resize
    type: imagemagick
edges:
  - from: extract
    to: resize
`

// workspace writes a config file pointing at a fresh database and definitions
// directory, and returns the --config flag for it.
func workspace(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	defs := filepath.Join(dir, "definitions")
	if err := os.MkdirAll(defs, 0755); err != nil {
		t.Fatalf("Failed to create definitions dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(defs, "thumbnails.yaml"), []byte(definitionYAML), 0644); err != nil {
		t.Fatalf("Failed to write definition: %v", err)
	}

	cfg := map[string]any{
		"database_path":    filepath.Join(dir, "dagflow.db"),
		"definitions_dir":  defs,
		"health_addr":      "",
		"shutdown_timeout": "1s",
	}
	data, _ := json.Marshal(cfg)
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return []string{"--config", path}
}

func execute(t *testing.T, global []string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(append([]string{}, global...), args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitAndStatus(t *testing.T) {
	global := workspace(t)

	out, err := execute(t, global, "submit", "thumbnails", "--input", `{"video":"s3://bucket/a.mp4"}`, "--json")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	var submitted run.WorkflowRun
	if err := json.Unmarshal([]byte(out), &submitted); err != nil {
		t.Fatalf("Failed to decode submit output %q: %v", out, err)
	}
	if submitted.Status != run.RunQueued {
		t.Errorf("Expected queued run, got %s", submitted.Status)
	}
	if submitted.Input["video"] != "s3://bucket/a.mp4" {
		t.Errorf("Expected input to be stored, got %v", submitted.Input)
	}

	out, err = execute(t, global, "status", "--json", "--status", "queued")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var runs []run.WorkflowRun
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("Failed to decode status output: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != submitted.ID {
		t.Fatalf("Expected the submitted run, got %+v", runs)
	}

	out, err = execute(t, global, "status", submitted.ID)
	if err != nil {
		t.Fatalf("status <run-id> failed: %v", err)
	}
	if !strings.Contains(out, submitted.ID) || !strings.Contains(out, "queued") {
		t.Errorf("Expected run detail, got:\n%s", out)
	}
}

func TestSubmitUnknownDefinition(t *testing.T) {
	global := workspace(t)
	if _, err := execute(t, global, "submit", "missing@2"); err == nil {
		t.Fatal("Expected an error for an unregistered definition")
	}
}

func TestSubmitRejectsMalformedInput(t *testing.T) {
	global := workspace(t)
	_, err := execute(t, global, "submit", "thumbnails", "--input", "{not json")
	if err == nil || !strings.Contains(err.Error(), "parsing input") {
		t.Fatalf("Expected input parse error, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	global := workspace(t)
	out, err := execute(t, global, "submit", "thumbnails", "--json")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	var submitted run.WorkflowRun
	if err := json.Unmarshal([]byte(out), &submitted); err != nil {
		t.Fatalf("Failed to decode submit output: %v", err)
	}

	out, err = execute(t, global, "cancel", submitted.ID, "--json")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	var cancelled run.WorkflowRun
	if err := json.Unmarshal([]byte(out), &cancelled); err != nil {
		t.Fatalf("Failed to decode cancel output: %v", err)
	}
	if cancelled.Status != run.RunCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
}

func TestDeadLettersEmpty(t *testing.T) {
	global := workspace(t)
	out, err := execute(t, global, "dlq", "list")
	if err != nil {
		t.Fatalf("dlq list failed: %v", err)
	}
	if !strings.Contains(out, "No dead letters found.") {
		t.Errorf("Unexpected output:\n%s", out)
	}

	if _, err := execute(t, global, "dlq", "retry", "nope", "--mode", "sideways"); err == nil {
		t.Error("Expected an error for an unknown retry mode")
	}
	if _, err := execute(t, global, "dlq", "dismiss", "nope"); err == nil {
		t.Error("Expected an error for an unknown dead letter")
	}
}

func TestRecoverAndHealthLocal(t *testing.T) {
	global := workspace(t)

	out, err := execute(t, global, "recover", "--json")
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	var report recovery.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Failed to decode recovery report: %v", err)
	}
	if report.Runs != 0 {
		t.Errorf("Expected no runs to recover, got %d", report.Runs)
	}

	out, err = execute(t, global, "health", "--local", "--json")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	var h orchestrator.Health
	if err := json.Unmarshal([]byte(out), &h); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if h.Status != orchestrator.HealthOK {
		t.Errorf("Expected ok, got %s (%s)", h.Status, h.Store)
	}
}

func TestRecoverRefusedWhileServing(t *testing.T) {
	global := workspace(t)
	data, err := os.ReadFile(global[1])
	if err != nil {
		t.Fatal(err)
	}
	var cfg struct {
		DatabasePath string `json:"database_path"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}

	// A serving engine holds the engine lease on the database.
	ctx := context.Background()
	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	lease := persistence.NewEngineLease(store, time.Minute, nil)
	if ok, err := lease.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("Failed to take the engine lease: ok=%v err=%v", ok, err)
	}
	defer lease.Release(ctx)

	out, err := execute(t, global, "recover")
	if !errors.Is(err, persistence.ErrEngineBusy) {
		t.Fatalf("Expected recover to refuse while an engine serves, got %v", err)
	}
	if out != "" {
		t.Errorf("Expected no report, got:\n%s", out)
	}
}

func TestHealthWithoutAddress(t *testing.T) {
	global := workspace(t)
	_, err := execute(t, global, "health")
	if err == nil || !strings.Contains(err.Error(), "--local") {
		t.Fatalf("Expected a hint to use --local, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte(definitionYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cyclic := definitionYAML + "  - from: resize\n    to: extract\n"
	if err := os.WriteFile(bad, []byte(cyclic), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, nil, "validate", good, bad)
	if err == nil {
		t.Fatal("Expected validation to fail for a cyclic definition")
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected one line per file, got:\n%s", out)
	}
	if !strings.Contains(lines[0], "ok") || !strings.Contains(lines[0], good) {
		t.Errorf("Expected %s to pass, got %q", good, lines[0])
	}
	if !strings.Contains(lines[1], "FAIL") || !strings.Contains(lines[1], bad) {
		t.Errorf("Expected %s to fail, got %q", bad, lines[1])
	}
}

// TestProcessManagerKillAllOnShutdown verifies that ProcessManager.KillAll()
// terminates exec task processes during simulated shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := tasks.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Process group isolation
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)
	if count := pm.Count(); count != 1 {
		t.Errorf("Expected 1 tracked process, got %d", count)
	}

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}

	pm.Untrack(cmd)
	if count := pm.Count(); count != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", count)
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}
	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestInitWritesConfigOnce(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), ".dagflow", "config.json")

	out, err := execute(t, []string{"--config", path}, "init")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Errorf("Expected the written path in the output, got %q", out)
	}
	if _, err := execute(t, []string{"--config", path}, "init"); err == nil {
		t.Error("Expected a second init to refuse overwriting")
	}
}
