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

	"github.com/marginscout/marginscout/internal/app"
	importshttp "github.com/marginscout/marginscout/internal/imports/http"
	"github.com/marginscout/marginscout/internal/observability"
	"github.com/marginscout/marginscout/jobs"
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
	if err := app.PrepareDirs(cfg); err != nil {
		logger.Error("prepare directories", slog.Any("error", err))
		os.Exit(1)
	}

	var metrics *observability.Metrics
	opts := app.ServicesOptions{Migrate: true}
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
		opts.Registerer = metrics.Registerer()
	}

	services, err := app.BuildServices(ctx, cfg, logger, opts)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("close services", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(app.RedisOpt(cfg))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		ImportHandler: importshttp.NewHandler(logger, services.Imports, cfg.UploadMaxBytes),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
		Dependencies: map[string]app.Pinger{
			"postgres": app.PingFunc(services.Pool.Ping),
			"redis": app.PingFunc(func(ctx context.Context) error {
				return services.Redis.Ping(ctx).Err()
			}),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
