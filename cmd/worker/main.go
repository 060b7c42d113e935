package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-ppm/meridian/internal/app"
	"github.com/meridian-ppm/meridian/internal/authz"
	"github.com/meridian-ppm/meridian/internal/identity"
	"github.com/meridian-ppm/meridian/internal/permcache"
	"github.com/meridian-ppm/meridian/internal/platform/db"
	"github.com/meridian-ppm/meridian/internal/timegrant"
	"github.com/meridian-ppm/meridian/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	catalog := authz.NewCatalog(logger)
	cache := permcache.New(redisClient, cfg.CacheLocalSize, cfg.CacheTTL, nil, logger)
	store := authz.NewRepository(pool)
	security := authz.NewSecurityLog(pool, cfg.SecurityLogCapacity, logger)
	resolver := authz.NewResolver(store, catalog, cache, authz.FallbackPolicy{
		Role:            cfg.AuthzFallbackRole,
		BreakGlassUsers: cfg.BreakGlassUserList(),
	}, security, logger)

	grantRepo := timegrant.NewRepository(pool)
	grants := timegrant.NewService(grantRepo, nil, logger)
	cleanupJob := timegrant.NewCleanupJob(grants, logger)

	snapshotter := identity.NewSnapshotter(resolver, store, pool, logger)
	snapshotJob := jobs.NewSnapshotRefreshJob(snapshotter, logger)

	snapshotTask, err := jobs.NewSnapshotRefreshTask(jobs.SnapshotRefreshPayload{Mode: "all"})
	if err != nil {
		logger.Error("build snapshot task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskGrantsCleanup, Handler: cleanupJob.Handle},
			{Type: jobs.TaskSnapshotRefresh, Handler: snapshotJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/30 * * * *", Task: jobs.NewGrantsCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 2 * * *", Task: snapshotTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting")
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
