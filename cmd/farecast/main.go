// Command farecast runs the pricing intelligence pipeline: one-shot runs,
// the scheduler daemon, the HTTP control server, and operational queries
// against the run store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hwco/farecast/internal/changes"
	"github.com/hwco/farecast/internal/config"
	"github.com/hwco/farecast/internal/errs"
	"github.com/hwco/farecast/internal/httpapi"
	"github.com/hwco/farecast/internal/model"
	"github.com/hwco/farecast/internal/pipeline"
	"github.com/hwco/farecast/internal/store"
	"github.com/hwco/farecast/internal/telemetry"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error: 2 for a trigger refused by an in-flight
// run, 1 for structural and configuration failures. A run that completes
// with phase failures returns no error and exits 0.
func exitCode(err error) int {
	if errors.Is(err, pipeline.ErrAlreadyRunning) {
		return 2
	}
	return 1
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "farecast",
		Short:         "Rideshare pricing intelligence pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace..error)")

	root.AddCommand(runCmd(), serveCmd(), scheduleCmd(), statusCmd(),
		historyCmd(), lastCmd(), clearChangesCmd(), migrateCmd())
	return root
}

func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if logLevel != "" {
		if lvl, err := zerolog.ParseLevel(logLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}
}

// app bundles the wired components a command needs.
type app struct {
	cfg     *config.Config
	pg      *store.Postgres
	cache   *store.Cache
	runs    pipeline.RunStore
	tracker *changes.Tracker
	metrics *telemetry.Metrics
	hub     *httpapi.Hub
	orch    *pipeline.Orchestrator
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel == "" && cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	if cfg.Database.DSN == "" {
		return nil, errs.Newf(errs.KindConfig, "main.build", "database.dsn is required")
	}

	pg, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	cache := store.NewCache(cfg.Redis.Addr, cfg.Redis.DB)
	runs := &store.CachedRuns{Inner: pg, Cache: cache}

	var trainer model.Service
	if cfg.Model.URL != "" {
		trainer = model.NewClient(cfg.Model.URL, cfg.Model.Timeout.Std(), cfg.Model.RequestsPerSecond)
	}

	a := &app{
		cfg:     cfg,
		pg:      pg,
		cache:   cache,
		runs:    runs,
		tracker: changes.NewTracker(),
		metrics: telemetry.New(),
		hub:     httpapi.NewHub(),
	}
	a.orch = pipeline.New(cfg, pg, runs, pg, a.tracker, trainer, a.metrics, a.hub)
	return a, nil
}

func (a *app) close() {
	if err := a.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Cache close failed")
	}
	if err := a.pg.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			rec, err := a.orch.Execute(ctx, pipeline.TriggerManual, force)
			if err != nil {
				return err
			}
			// Phase failures are visible in the record; a persisted run is a
			// clean exit either way.
			printJSON(rec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even with no pending changes")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control server and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := a.pg.Migrate(ctx); err != nil {
				return err
			}

			sched := pipeline.NewScheduler(a.orch,
				a.cfg.Pipeline.ScheduleCadence.Std(), a.cfg.Pipeline.RunOnStartup)
			go func() {
				if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("Scheduler exited")
				}
			}()

			srv := httpapi.New(a.orch, a.runs, a.tracker, a.metrics, a.hub)
			return srv.ListenAndServe(ctx, a.cfg.Server.Addr)
		},
	}
}

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the scheduler daemon without the HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			sched := pipeline.NewScheduler(a.orch,
				a.cfg.Pipeline.ScheduleCadence.Std(), a.cfg.Pipeline.RunOnStartup)
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest run's status and phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.runs.LatestRun(cmd.Context())
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Println("no runs recorded")
				return nil
			}
			printJSON(map[string]any{
				"run_id":      rec.RunID,
				"status":      rec.Status,
				"trigger":     rec.Trigger,
				"started_at":  rec.StartedAt,
				"finished_at": rec.FinishedAt,
				"phases":      rec.Phases,
				"diagnostics": rec.Diagnostics,
			})
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			records, err := a.runs.Runs(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			for _, rec := range records {
				finished := "-"
				if rec.FinishedAt != nil {
					finished = rec.FinishedAt.Format(time.RFC3339)
				}
				fmt.Printf("%s  %-22s  %-10s  %s\n", rec.RunID, rec.Status, rec.Trigger, finished)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	return cmd
}

func lastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Print the latest full run record as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.runs.LatestRun(cmd.Context())
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Println("no runs recorded")
				return nil
			}
			printJSON(rec)
			return nil
		},
	}
}

func clearChangesCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "clear-changes",
		Short: "Discard the running daemon's pending change notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The tracker lives in the serve process; go through its API.
			req, err := http.NewRequestWithContext(cmd.Context(),
				http.MethodDelete, fmt.Sprintf("http://%s/api/changes", addr), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %s", resp.Status)
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8097", "daemon control address")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			return a.pg.Migrate(cmd.Context())
		},
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Output encode failed")
		return
	}
	fmt.Println(string(out))
}
