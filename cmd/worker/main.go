package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/marginscout/marginscout/internal/app"
	"github.com/marginscout/marginscout/jobs"
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

	services, err := app.BuildServices(ctx, cfg, logger, app.ServicesOptions{Migrate: true})
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("close services", slog.Any("error", err))
		}
	}()

	parseJob := jobs.NewImportParseJob(services.Imports, logger.With(slog.String("job", jobs.TaskImportParse)), services.Metrics)
	lookupJob := jobs.NewPriceLookupJob(services.Orchestrator, logger.With(slog.String("job", jobs.TaskPriceLookup)), services.Metrics)
	purgeJob := jobs.NewCachePurgeJob(services.Cache, logger.With(slog.String("job", jobs.TaskCachePurge)), services.Metrics)
	sweepJob := jobs.NewFinalizeSweepJob(services.Orchestrator, logger.With(slog.String("job", jobs.TaskFinalizeSweep)), services.Metrics)

	sweepTask, err := jobs.NewFinalizeSweepTask(200)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:         app.RedisOpt(cfg),
		Logger:            logger,
		SubmitConcurrency: cfg.WorkerSubmitConcurrency,
		LookupConcurrency: cfg.WorkerLookupConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskImportParse, Handler: parseJob.Handle},
			{Type: jobs.TaskPriceLookup, Handler: lookupJob.Handle},
			{Type: jobs.TaskCachePurge, Handler: purgeJob.Handle},
			{Type: jobs.TaskFinalizeSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "30 3 * * *", Task: jobs.NewCachePurgeTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "*/5 * * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
