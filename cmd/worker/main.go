package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/config"
	"github.com/metamx/sherlock/internal/scheduler"
	"github.com/metamx/sherlock/internal/storage"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "sherlock-worker",
		Short:        "Scheduled anomaly detection over Druid time series",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts), newRunCmd(opts), newBackfillCmd(opts), newMigrateCmd(opts))
	return root
}

func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Schedule every active job and listen for job events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := reconcile(ctx, a.store, a.registry)
	if err != nil {
		logger.Error("initial reconcile failed", zap.Error(err))
	} else {
		logger.Info("jobs scheduled", zap.Int("count", n))
	}

	if cfg.NATS.URL != "" {
		sub, err := a.connectNATS()
		if err != nil {
			logger.Warn("job events disabled", zap.Error(err))
		} else if err := subscribeEvents(sub, a.store, a.registry, logger); err != nil {
			return err
		}
	}

	srv := startAdminServer(cfg.Admin.Port, newAdminRouter(adminDeps{
		Jobs:      a.store,
		Scheduler: a.registry,
		Backfill:  a.exec,
		Detect:    a.detection,
		Logger:    logger,
	}), logger)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var jobID int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one job immediately at its current interval end",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID <= 0 {
				return errNoJob
			}
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			a, err := buildApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.store.GetJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			out := a.exec.Execute(cmd.Context(), scheduler.Due(job, time.Now()))
			if err := printJSON(cmd.OutOrStdout(), out.Reports); err != nil {
				return err
			}
			return out.Err
		},
	}
	cmd.Flags().IntVar(&jobID, "job", 0, "job id")
	return cmd
}

func newBackfillCmd(opts *rootOptions) *cobra.Command {
	var (
		jobID      int
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-run detection for every interval between --start and --end",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID <= 0 {
				return errNoJob
			}
			from, until, err := parseWindow(start, end)
			if err != nil {
				return err
			}
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			a, err := buildApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.store.GetJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			reports, err := a.exec.Backfill(cmd.Context(), job, from, until)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reports)
		},
	}
	cmd.Flags().IntVar(&jobID, "job", 0, "job id")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339, default now minus lag)")
	return cmd
}

func parseWindow(start, end string) (time.Time, *time.Time, error) {
	if start == "" {
		return time.Time{}, nil, fmt.Errorf("--start is required")
	}
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("invalid --start: %w", err)
	}
	if end == "" {
		return from, nil, nil
	}
	until, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("invalid --end: %w", err)
	}
	return from, &until, nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.Database.Driver != "pgx" {
				return fmt.Errorf("migrate requires the pgx driver, got %q", cfg.Database.Driver)
			}
			store, err := storage.NewStore(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer store.Close()
			applied, err := store.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Strings("files", applied))
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
