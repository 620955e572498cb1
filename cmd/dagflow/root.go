package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/dagflow/internal/config"
	"github.com/aristath/dagflow/internal/logging"
	"github.com/aristath/dagflow/internal/orchestrator"
)

// app holds the global flags shared by every command.
type app struct {
	configPath string
	dbPath     string
	logLevel   string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "dagflow",
		Short: "Durable DAG workflow engine",
		Long: "dagflow runs workflow definitions as durable DAGs: every task transition is\n" +
			"checkpointed, failed work is retried or dead-lettered, and interrupted runs\n" +
			"resume where they stopped.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "project config file (default .dagflow/config.json)")
	flags.StringVar(&a.dbPath, "db", "", "run state database, overrides the config file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&a.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		a.initCmd(),
		a.serveCmd(),
		a.submitCmd(),
		a.statusCmd(),
		a.cancelCmd(),
		a.dlqCmd(),
		a.recoverCmd(),
		a.cleanupCmd(),
		a.healthCmd(),
		a.validateCmd(),
	)
	return root
}

// loadConfig merges the global config, the project config, the environment,
// and finally the command line flags.
func (a *app) loadConfig() (*config.Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	project := a.configPath
	if project == "" {
		project = config.ProjectPath()
	}
	cfg, err := config.Load(config.GlobalPath(home), project)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if a.dbPath != "" {
		cfg.DatabasePath = a.dbPath
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	return cfg, cfg.Validate()
}

func (a *app) logger(cfg *config.Config, w io.Writer, quiet bool) *slog.Logger {
	level := cfg.LogLevel
	if quiet && a.logLevel == "" {
		level = "warn"
	}
	return logging.New(level, cfg.LogFormat, w)
}

// withEngine opens an engine that is not started: operations run inline on
// the caller's goroutine against the shared store and never execute task
// bodies. A serving process picks up whatever they leave queued or ready.
func (a *app) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *orchestrator.Engine) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, err := orchestrator.New(ctx, cfg, orchestrator.Options{
		Logger: a.logger(cfg, cmd.ErrOrStderr(), true),
	})
	if err != nil {
		return err
	}
	runErr := fn(ctx, e)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout.Std())
	defer cancel()
	if _, err := e.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("closing engine: %w", err)
	}
	return runErr
}

// print writes v as JSON with --json, otherwise through render.
func (a *app) print(cmd *cobra.Command, v any, render func(w io.Writer)) error {
	if a.jsonOutput {
		return writeJSON(cmd.OutOrStdout(), v)
	}
	render(cmd.OutOrStdout())
	return nil
}
