package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/lease"
	"github.com/getpup/backfill-orchestrator/logging"
	"github.com/getpup/backfill-orchestrator/metrics"
	"github.com/getpup/backfill-orchestrator/pkg/version"
	"github.com/getpup/backfill-orchestrator/runner"
	"github.com/getpup/backfill-orchestrator/scheduler"
	"github.com/spf13/cobra"
)

func serveCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hunt for runnable partitions and execute their batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := mustConfig(cmd)
			if err != nil {
				return err
			}
			if err := setMaxProcs(); err != nil {
				return err
			}
			slog.Info("starting", "component", programName, "version", version.String())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if migrate {
				if err := st.Migrate(ctx); err != nil {
					return err
				}
				slog.Info("schema migrated", "component", programName)
			}

			if cfg.Metrics.Enabled {
				server := metrics.NewServer(metrics.ServerConfig{
					Addr:  cfg.Metrics.Address,
					Ready: db.PingContext,
				})
				if err := server.Start(); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					if err := server.Shutdown(shutdownCtx); err != nil {
						slog.Error("failed to stop metrics server", "error", err)
					}
					if err := server.Err(); err != nil {
						slog.Error("metrics server failed", "error", err)
					}
				}()
				slog.Info("metrics server listening", "address", server.Addr())
			}

			cl, err := dialClient(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cl.Close() }()

			logger := logging.New(slog.Default())
			sched := scheduler.New(scheduler.Config{
				Hunter: lease.New(lease.Config{
					Store:         st,
					LeaseDuration: cfg.Scheduler.LeaseDuration,
					Logger:        logger,
				}),
				Runner: runner.Config{
					Store:                st,
					Client:               cl,
					Notifier:             runner.NotifierFunc(logCompletion),
					RPCTimeout:           cfg.Client.RPCTimeout,
					RefreshInterval:      cfg.Scheduler.RefreshInterval,
					PrecomputeCountLimit: cfg.Scheduler.PrecomputeCountLimit,
				},
				PoolSize:        cfg.Scheduler.PoolSize,
				PollInterval:    cfg.Scheduler.PollInterval,
				PollJitter:      cfg.Scheduler.PollJitter,
				ShutdownTimeout: cfg.Scheduler.ShutdownTimeout,
				Logger:          logger,
			})

			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("scheduler stopped: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "create the run tables before serving")
	return cmd
}

func logCompletion(_ context.Context, run backfill.BackfillRun) {
	slog.Info("backfill run complete",
		"runID", run.ID,
		"service", run.ServiceName,
		"backfill", run.BackfillName,
		"dryRun", run.DryRun)
}
