package config

import "github.com/aristath/dagflow/internal/workflow"

// TaskConfig binds a task type to an external command run per attempt.
type TaskConfig struct {
	Command string            `json:"command"`           // Executable to run
	Args    []string          `json:"args,omitempty"`    // Arguments passed on every invocation
	Dir     string            `json:"dir,omitempty"`     // Working directory
	Env     []string          `json:"env,omitempty"`     // Extra KEY=VALUE pairs
	Timeout workflow.Duration `json:"timeout,omitempty"` // Per-attempt timeout unless the node sets one
}

// Config is the top-level engine configuration.
type Config struct {
	DatabasePath string `json:"database_path"` // SQLite file; ":memory:" for a throwaway store

	Concurrency  int            `json:"concurrency"`              // Global cap on executing task runs
	NodeTypeCaps map[string]int `json:"node_type_caps,omitempty"` // Per task type caps

	Retry workflow.RetryPolicy `json:"retry"` // Default retry policy

	ShutdownTimeout workflow.Duration `json:"shutdown_timeout"` // Bounded drain on shutdown
	LockTimeout     workflow.Duration `json:"lock_timeout"`     // Max wait for a run lock
	LockLease       workflow.Duration `json:"lock_lease"`       // Lease length of a held run lock
	PollInterval    workflow.Duration `json:"poll_interval"`    // Background loop period
	TaskTimeout     workflow.Duration `json:"task_timeout"`     // Default per-attempt timeout

	HealthAddr string `json:"health_addr,omitempty"` // Empty disables the health server
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"` // "text" or "json"

	DefinitionsDir   string            `json:"definitions_dir,omitempty"`
	WatchDefinitions bool              `json:"watch_definitions,omitempty"`
	Retention        workflow.Duration `json:"retention,omitempty"` // Prune terminal runs older than this; 0 keeps all

	Tasks map[string]TaskConfig `json:"tasks,omitempty"`
}
