package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/dagflow/internal/config"
	"github.com/aristath/dagflow/internal/deadletter"
	"github.com/aristath/dagflow/internal/orchestrator"
	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/recovery"
	"github.com/aristath/dagflow/internal/run"
	"github.com/aristath/dagflow/internal/workflow"
)

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default project config",
		Long:  "Write the default configuration to .dagflow/config.json, or to --config. Existing files are left alone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = config.ProjectPath()
			}
			cfg, err := config.Init(path)
			if err != nil {
				return err
			}
			return a.print(cmd, cfg, func(w io.Writer) {
				fmt.Fprintf(w, "Wrote %s\n", path)
			})
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		Long: "Recover interrupted runs, then admit and advance runs until SIGINT or SIGTERM.\n" +
			"On a signal the engine stops admitting work, waits for executing attempts up to\n" +
			"shutdown_timeout, and interrupts the rest so the next start resumes them.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := a.logger(cfg, cmd.ErrOrStderr(), false)
			ctx := cmd.Context()

			e, err := orchestrator.New(ctx, cfg, orchestrator.Options{Logger: logger})
			if err != nil {
				return err
			}
			if err := e.Start(ctx); err != nil {
				_, _ = e.Shutdown(context.WithoutCancel(ctx))
				return err
			}
			if addr := e.HealthAddr(); addr != "" {
				logger.Info("health server listening", "addr", addr)
			}

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received, cleaning up")
			case <-e.Done():
			}

			// The shutdown coordinator bounds the drain itself; this only
			// guards against a hook that never returns.
			limit := cfg.ShutdownTimeout.Std() + time.Minute
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), limit)
			defer cancel()
			report, err := e.Shutdown(shutdownCtx)
			logger.Info("shutdown complete",
				"drained", report.Drained, "interrupted", report.Interrupted, "duration", report.Duration)
			return err
		},
	}
}

func (a *app) submitCmd() *cobra.Command {
	var inputJSON, inputFile string
	cmd := &cobra.Command{
		Use:   "submit <definition[@version]>",
		Short: "Submit a workflow run",
		Long: "Queue a run of a registered definition. Without a version the latest registered\n" +
			"version is used. A serving engine on the same database picks the run up.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := workflow.ParseRef(args[0])
			if err != nil {
				return err
			}
			input, err := readInput(inputJSON, inputFile)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
				r, err := e.SubmitRun(ctx, ref, input)
				if err != nil {
					return err
				}
				return a.print(cmd, r, func(w io.Writer) {
					fmt.Fprintf(w, "Submitted run %s (%s@%d)\n", r.ID, r.DefinitionID, r.DefinitionVersion)
				})
			})
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "run input as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read run input from a JSON file")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

func readInput(inline, path string) (map[string]any, error) {
	data := []byte(inline)
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("parsing input: %w", err)
	}
	return input, nil
}

func (a *app) statusCmd() *cobra.Command {
	var statuses []string
	var definition string
	var limit int
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "List runs or show one run",
		Long:  "Without arguments, list runs, most recently updated first. With a run id, show its task runs and open dead letters.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
				if len(args) == 1 {
					view, err := e.GetRun(ctx, args[0])
					if err != nil {
						return err
					}
					return a.print(cmd, view, func(w io.Writer) { renderRunView(w, view) })
				}

				filter := persistence.RunFilter{DefinitionID: definition, Limit: limit}
				for _, s := range statuses {
					filter.Statuses = append(filter.Statuses, run.RunStatus(s))
				}
				runs, err := e.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				return a.print(cmd, runs, func(w io.Writer) { renderRuns(w, runs) })
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only runs in these statuses")
	cmd.Flags().StringVar(&definition, "definition", "", "only runs of this definition")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs listed")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Long:  "Cancel a run. Executing attempts are stopped and unfinished task runs are cancelled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
				r, err := e.CancelRun(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(cmd, r, func(w io.Writer) {
					fmt.Fprintf(w, "Run %s is %s\n", r.ID, runStatusStyle(r.Status).Render(string(r.Status)))
				})
			})
		},
	}
}

func (a *app) dlqCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:     "dlq",
		Aliases: []string{"dead-letters"},
		Short:   "Inspect and resolve dead letters",
	}

	var filter deadletter.Filter
	var all bool
	var scope string
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		Long:  "List dead letters, oldest first. Only pending ones are shown unless --all is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := filter
			if !all {
				f.Resolutions = []run.Resolution{run.ResolutionPending}
			}
			f.Scope = run.DeadLetterScope(scope)
			return a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
				dls, err := e.ListDeadLetters(ctx, f)
				if err != nil {
					return err
				}
				return a.print(cmd, dls, func(w io.Writer) { renderDeadLetters(w, dls) })
			})
		},
	}
	list.Flags().StringVar(&filter.RunID, "run", "", "only dead letters of this run")
	list.Flags().StringVar(&filter.NodePattern, "node", "", "glob over the node id, e.g. 'clip*'")
	list.Flags().StringVar(&scope, "scope", "", "task or run")
	list.Flags().BoolVar(&all, "all", false, "include retried and dismissed dead letters")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a dead letter with its attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
				dl, err := e.GetDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(cmd, dl, func(w io.Writer) { renderDeadLetter(w, dl) })
			})
		},
	}

	var mode string
	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a dead letter",
		Long: "Retry dead-lettered work. from_checkpoint re-opens the same task run with a fresh\n" +
			"attempt budget; from_scratch starts a new generation and keeps the old one for audit.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := deadletter.ParseMode(mode)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
				res, err := e.RetryDeadLetter(ctx, args[0], m)
				if err != nil {
					return err
				}
				return a.print(cmd, res, func(w io.Writer) {
					fmt.Fprintf(w, "Dead letter %s retried in run %s\n", res.DeadLetter.ID, res.RunID)
				})
			})
		},
	}
	retry.Flags().StringVar(&mode, "mode", string(deadletter.ModeFromCheckpoint), "from_checkpoint or from_scratch")

	dismiss := &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss a dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
				dl, err := e.DismissDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(cmd, dl, func(w io.Writer) {
					fmt.Fprintf(w, "Dead letter %s dismissed\n", dl.ID)
				})
			})
		},
	}

	dlq.AddCommand(list, get, retry, dismiss)
	return dlq
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run a recovery scan",
		Long: "Requeue interrupted task runs of every running run and pause runs whose checkpoint\n" +
			"log is inconsistent. Refused while another engine serves the database; that\n" +
			"engine recovers its own runs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
				report, err := e.TriggerRecoveryScan(ctx)
				if errors.Is(err, persistence.ErrEngineBusy) {
					return err
				}
				if perr := a.print(cmd, report, func(w io.Writer) { renderRecovery(w, report) }); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func renderRecovery(w io.Writer, r recovery.Report) {
	field(w, "Runs", r.Runs)
	field(w, "Resumed", r.Resumed)
	field(w, "Requeued", r.Requeued)
	field(w, "Dead-letter", r.DeadLettered)
	field(w, "Paused", r.Paused)
}

func (a *app) cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired locks and prune old runs",
		Long:  "Delete expired run locks and prune terminal runs older than the configured retention.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
				report, err := e.TriggerCleanup(ctx)
				if perr := a.print(cmd, report, func(w io.Writer) {
					field(w, "Locks", report.ExpiredLocks)
					field(w, "Pruned runs", report.PrunedRuns)
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func (a *app) healthCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report engine health",
		Long: "Query the health endpoint of a serving engine. With --local, open the database\n" +
			"directly and report what an idle engine would.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var h orchestrator.Health
			if local {
				err := a.withEngine(cmd, func(ctx context.Context, e *orchestrator.Engine) error {
					h = e.GetHealth(ctx)
					return nil
				})
				if err != nil {
					return err
				}
			} else {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				if h, err = fetchHealth(cmd.Context(), cfg.HealthAddr); err != nil {
					return err
				}
			}
			if err := a.print(cmd, h, func(w io.Writer) { renderHealth(w, h) }); err != nil {
				return err
			}
			if h.Status == orchestrator.HealthDown {
				return errors.New("engine is down")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "check the database directly instead of a serving engine")
	return cmd
}

func fetchHealth(ctx context.Context, addr string) (orchestrator.Health, error) {
	var h orchestrator.Health
	if addr == "" {
		return h, errors.New("health_addr is not configured; use --local")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return h, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return h, fmt.Errorf("engine not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decoding health from %s: %w", addr, err)
	}
	return h, nil
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate workflow definition files",
		Long:  "Parse and validate YAML or JSON definitions without touching the database.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			w := cmd.OutOrStdout()
			for _, path := range args {
				def, err := workflow.LoadFile(path)
				if err != nil {
					fmt.Fprintf(w, "%s %s\n", styleStatusFailed.Render("FAIL"), path)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(w, "%s %s (%s@%d, %d nodes)\n",
					styleStatusComplete.Render("ok"), path, def.ID, def.Version, len(def.Nodes))
			}
			return errors.Join(errs...)
		},
	}
}
