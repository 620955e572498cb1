package config

import (
	"time"

	"github.com/aristath/dagflow/internal/workflow"
)

// DefaultConfig returns the configuration used when no file or environment
// variable overrides a field.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "dagflow.db",
		Concurrency:  8,
		NodeTypeCaps: map[string]int{},
		Retry: workflow.RetryPolicy{
			BaseDelay:         workflow.Duration(2 * time.Second),
			ResourceBaseDelay: workflow.Duration(30 * time.Second),
			MaxDelay:          workflow.Duration(10 * time.Minute),
			MaxAttempts:       5,
			Jitter:            0.2,
		},
		ShutdownTimeout: workflow.Duration(30 * time.Second),
		LockTimeout:     workflow.Duration(30 * time.Second),
		LockLease:       workflow.Duration(15 * time.Second),
		PollInterval:    workflow.Duration(time.Second),
		TaskTimeout:     workflow.Duration(30 * time.Minute),
		HealthAddr:      "127.0.0.1:8425",
		LogLevel:        "info",
		LogFormat:       "text",
		DefinitionsDir:  "definitions",
		Tasks:           map[string]TaskConfig{},
	}
}
