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

	"github.com/noah-isme/keystone/internal/app"
	"github.com/noah-isme/keystone/internal/audit"
	"github.com/noah-isme/keystone/internal/catalog"
	"github.com/noah-isme/keystone/internal/observability"
	"github.com/noah-isme/keystone/internal/overrides"
	"github.com/noah-isme/keystone/internal/platform/cache"
	"github.com/noah-isme/keystone/internal/platform/db"
	"github.com/noah-isme/keystone/internal/resolver"
	"github.com/noah-isme/keystone/internal/roles"
	"github.com/noah-isme/keystone/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	catalogRepo := catalog.NewRepository(pool)
	catalogService := catalog.NewService(catalogRepo)
	catalogHandler := catalog.NewHandler(logger, catalogService)

	auditRepo := audit.NewRepository(pool)
	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService)

	rolesRepo := roles.NewRepository(pool)
	overridesRepo := overrides.NewRepository(pool)

	permResolver := resolver.NewResolver(rolesRepo, overridesRepo, catalogRepo)
	permCache := resolver.NewCache(redisClient, cfg.CacheTTL)
	cachedResolver := resolver.NewCachedResolver(permResolver, permCache, logger)
	cachedResolver.SetObserver(metrics)
	impact := resolver.NewImpact(rolesRepo, overridesRepo)
	accessHandler := resolver.NewHandler(logger, cachedResolver, impact)

	jobsClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	overridesService := overrides.NewService(overridesRepo, catalogService, permCache, logger)
	overridesHandler := overrides.NewHandler(logger, overridesService, jobsClient)

	rolesService := roles.NewService(rolesRepo, catalogService, permCache, logger)
	rolesHandler := roles.NewHandler(logger, rolesService)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		CatalogHandler:   catalogHandler,
		AuditHandler:     auditHandler,
		OverridesHandler: overridesHandler,
		RolesHandler:     rolesHandler,
		AccessHandler:    accessHandler,
		Metrics:          metrics,
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
