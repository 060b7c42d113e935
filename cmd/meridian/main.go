package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-ppm/meridian/internal/app"
	"github.com/meridian-ppm/meridian/internal/authz"
	"github.com/meridian-ppm/meridian/internal/identity"
	"github.com/meridian-ppm/meridian/internal/observability"
	"github.com/meridian-ppm/meridian/internal/permcache"
	platformcache "github.com/meridian-ppm/meridian/internal/platform/cache"
	"github.com/meridian-ppm/meridian/internal/platform/db"
	"github.com/meridian-ppm/meridian/internal/timegrant"
	"github.com/meridian-ppm/meridian/jobs"
)

func main() {
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

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = platformcache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("distributed cache unavailable, running local-only", slog.Any("error", err))
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	catalog := authz.NewCatalog(logger)
	cache := permcache.New(redisClient, cfg.CacheLocalSize, cfg.CacheTTL, metrics, logger)
	store := authz.NewRepository(pool)
	security := authz.NewSecurityLog(pool, cfg.SecurityLogCapacity, logger)
	resolver := authz.NewResolver(store, catalog, cache, authz.FallbackPolicy{
		Role:            cfg.AuthzFallbackRole,
		BreakGlassUsers: cfg.BreakGlassUserList(),
	}, security, logger)
	if len(cfg.BreakGlassUserList()) > 0 {
		logger.Warn("break-glass users configured; review before production use",
			slog.Int("count", len(cfg.BreakGlassUserList())))
	}

	broadcaster := authz.NewChangeBroadcaster(logger)
	evaluator := authz.NewEvaluator(resolver, store, cache, broadcaster, security, metrics, logger)
	managers := authz.NewManagerScoping(resolver, store, logger)

	var enqueuer authz.JobEnqueuer
	if redisClient != nil {
		jobsClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := jobsClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		enqueuer = jobsClient
	}

	grantRepo := timegrant.NewRepository(pool)
	grants := timegrant.NewService(grantRepo, metrics, logger)
	evaluator.RegisterRule(timegrant.NewRule(grants))

	snapshotter := identity.NewSnapshotter(resolver, store, pool, logger)
	broadcaster.Subscribe(snapshotter.ChangeListener())

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		AuthzHandler:  authz.NewHandler(logger, evaluator, managers, cache, catalog, security, enqueuer),
		GrantsHandler: timegrant.NewHandler(logger, grants),
		AuthzGuard:    authz.Middleware{Evaluator: evaluator, Security: security},
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
