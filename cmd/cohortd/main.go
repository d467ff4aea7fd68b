package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cohortd/cohortd/internal/app"
	"github.com/cohortd/cohortd/internal/group"
	"github.com/cohortd/cohortd/internal/observability"
	"github.com/cohortd/cohortd/internal/permission"
	"github.com/cohortd/cohortd/internal/platform/cache"
	"github.com/cohortd/cohortd/internal/platform/db"
	"github.com/cohortd/cohortd/jobs"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, 0)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	metrics := observability.NewMetrics()
	store := group.NewPGStore(pool)
	persistent := cache.NewTaggedStore(redisClient, "cohortd:permissions", cfg.PermCacheTTL)

	chain, err := permission.NewChain(
		permission.AccountContextResolver{},
		[]permission.Calculator{
			permission.NewDefaultCalculator(store),
			permission.NewSynchronizedCalculator(store),
		},
		permission.WithPersistentCache(persistent),
		permission.WithStaticCacheSize(cfg.PermStaticCacheSize),
		permission.WithLogger(logger),
		permission.WithMetrics(metrics),
	)
	if err != nil {
		logger.Error("wire permission chain", slog.Any("error", err))
		os.Exit(1)
	}
	checker := permission.NewChecker(chain, permission.RoleBypass(cfg.BypassRole))
	hasher, err := permission.NewHashGenerator(chain, cfg.PermHashSecret, cfg.PermHashSalt)
	if err != nil {
		logger.Error("wire hash generator", slog.Any("error", err))
		os.Exit(1)
	}

	handler := permission.NewHandler(logger, store, chain, checker, hasher, persistent)
	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		PermissionHandler: handler,
		Metrics:           metrics,
	})

	if cfg.WorkerEnabled {
		worker := jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
			Logger:    logger,
			Handlers: []jobs.TaskHandler{
				{
					Type:    jobs.TaskPermissionsWarmup,
					Handler: jobs.NewPermissionsWarmupJob(store, chain, logger).Handle,
				},
			},
		})
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error("worker", slog.Any("error", err))
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
	logger.Info("stopped")
}
