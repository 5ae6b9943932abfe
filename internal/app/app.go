// Package app assembles the scheduling engine from config. The api-server
// and sync-worker binaries share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/booking"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/connectivity"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/localstore"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/offline"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/slots"
)

type App struct {
	Config  config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Collectors

	Repo    appointment.Repository
	Store   *localstore.Store
	Conn    connectivity.Provider
	Engine  *offline.Engine
	Booking *booking.Service
	Admin   *calendar.Admin

	pool  *pgxpool.Pool
	redis *redis.Client
	probe *connectivity.Probe
}

// New connects what it can. Only a broken POSTGRES_DSN is fatal: an
// unreachable Backend, Redis or local store each degrade the app instead.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}

	switch cfg.BackendDriver {
	case config.DriverMemory:
		a.Repo = appointment.NewMemoryRepository()
		logger.Warn().Msg("using in-memory backend, data is lost on exit")
	default:
		pool, err := db.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.Repo = appointment.NewPgRepository(pool)
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, day locks are process-local")
		} else {
			a.redis = rdb
		}
	}

	store, err := localstore.Open(cfg.LocalStorePath, cfg.Location, logger)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.LocalStorePath).Msg("local store unavailable, running online-only")
	}
	a.Store = store

	if cfg.OfflineMode {
		a.Conn = connectivity.NewStatic(false)
		logger.Warn().Msg("OFFLINE_MODE set, backend is never contacted")
	} else {
		a.probe = connectivity.NewProbe(a.Repo, cfg.ProbeInterval, cfg.BackendTimeout, logger)
		a.probe.Check(ctx)
		a.Conn = a.probe
	}

	a.Engine = offline.New(a.Repo, a.Store, a.Conn, cfg.Location, offline.Config{
		BackendTimeout:  cfg.BackendTimeout,
		PullDaysBack:    cfg.PullDaysBack,
		PullDaysForward: cfg.PullDaysForward,
		StaleAfter:      cfg.StaleAfter,
	}, logger, offline.WithObserver(a.Metrics))

	src := a.Engine.Source()
	gen := slots.NewGenerator(calendar.NewResolver(src, cfg.Location), src, slots.WithHorizon(cfg.NextAvailableHorizon))

	var locker redisclient.DayLocker
	if a.redis != nil {
		locker = redisclient.NewRedisDayLocker(a.redis, cfg.LockTTL)
	}
	a.Booking = booking.NewService(a.Engine, gen, locker, logger, booking.WithRecorder(a.Metrics))
	a.Admin = calendar.NewAdmin(a.Repo, a.Conn, cfg.Location, logger)

	return a, nil
}

// Run keeps connectivity current and syncs on every reconnect until ctx
// is done.
func (a *App) Run(ctx context.Context) {
	if a.probe != nil {
		go a.probe.Run(ctx)
	}
	a.Engine.Run(ctx)
}

// HealthChecks lists readiness dependencies. Only the Backend is critical,
// and only when no local store can take writes in its place.
func (a *App) HealthChecks() []api.Check {
	checks := []api.Check{{
		Name:     "backend",
		Critical: a.Store == nil,
		Ping:     a.Repo.Ping,
	}}
	if a.redis != nil {
		checks = append(checks, api.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	checks = append(checks, api.Check{
		Name: "local_store",
		Ping: func(ctx context.Context) error {
			if a.Store == nil {
				return offline.ErrNoLocalStore
			}
			return a.Store.Ping(ctx)
		},
	})
	return checks
}

// Migrate applies the Backend schema. It needs a reachable Postgres.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return fmt.Errorf("migrate: backend driver %q has no schema", a.Config.BackendDriver)
	}
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return db.Migrate(migrateCtx, a.pool)
}

func (a *App) Close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("error closing local store")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("error closing redis")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
