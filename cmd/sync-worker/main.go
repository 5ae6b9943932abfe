package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-scheduling/internal/app"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	"github.com/hackgods/clinic-scheduling/internal/offline"
)

// Replayed outbox rows are kept this long for inspection.
const purgeAfter = 7 * 24 * time.Hour

func main() {
	rootCmd := &cobra.Command{
		Use:   "sync-worker",
		Short: "Replay the local outbox and refresh the local mirror",
	}

	var schedule string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sync on a cron schedule and on every reconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(schedule)
		},
	}
	runCmd.Flags().StringVar(&schedule, "schedule", "", "cron spec, defaults to SYNC_SCHEDULE")

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Sync once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnceCmd()
		},
	}

	rootCmd.AddCommand(runCmd, onceCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("config load error: %w", err)
	}
	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
		Service: "sync-worker",
		Env:     cfg.Env,
	})
	return cfg, logger, nil
}

func runWorker(schedule string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if schedule == "" {
		schedule = cfg.SyncSchedule
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Store == nil {
		return offline.ErrNoLocalStore
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { runOnce(rootCtx, a, logger) }); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	if _, err := c.AddFunc("@daily", func() { purge(rootCtx, a, logger) }); err != nil {
		return err
	}

	logger.Info().Str("schedule", schedule).Msg("sync-worker starting up")
	c.Start()

	// Reconnect-triggered syncs run alongside the schedule.
	a.Run(rootCtx)

	logger.Info().Msg("shutdown signal received, stopping sync worker")
	<-c.Stop().Done()
	return nil
}

func runOnceCmd() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := runOnce(rootCtx, a, logger); err != nil {
		return err
	}
	purge(rootCtx, a, logger)
	return nil
}

func runOnce(ctx context.Context, a *app.App, logger zerolog.Logger) error {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	res, err := a.Engine.Sync(runCtx)
	if errors.Is(err, offline.ErrOffline) {
		logger.Debug().Msg("backend offline, sync skipped")
		return err
	}
	if errors.Is(err, offline.ErrSyncBusy) {
		logger.Info().Msg("another process holds the sync lease, skipped")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("sync run error")
		return err
	}
	logger.Info().
		Int("replayed", res.Flush.Replayed).
		Int("failed", res.Flush.Failed).
		Dur("took", time.Since(start)).
		Msg("sync run complete")
	return nil
}

func purge(ctx context.Context, a *app.App, logger zerolog.Logger) {
	if _, err := a.Engine.PurgeDone(ctx, purgeAfter); err != nil {
		logger.Warn().Err(err).Msg("purge of replayed operations failed")
	}
}
