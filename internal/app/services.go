package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/marginscout/marginscout/internal/alerts"
	"github.com/marginscout/marginscout/internal/imports"
	jobmetrics "github.com/marginscout/marginscout/internal/jobs"
	"github.com/marginscout/marginscout/internal/lookup"
	"github.com/marginscout/marginscout/internal/platform/cache"
	"github.com/marginscout/marginscout/internal/platform/db"
	"github.com/marginscout/marginscout/internal/resultcache"
	"github.com/marginscout/marginscout/jobs"
	"github.com/marginscout/marginscout/migrations"
)

// Services is the object graph shared by the API server, the worker and the
// ops CLI.
type Services struct {
	Config       *Config
	Logger       *slog.Logger
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Queue        *jobs.Client
	Metrics      *jobmetrics.Metrics
	Cache        *resultcache.Cache
	Alerts       *alerts.Async
	Lookup       lookup.Client
	Orchestrator *imports.Orchestrator
	Imports      *imports.Service

	closers []func() error
}

// ServicesOptions controls optional parts of the graph.
type ServicesOptions struct {
	// Registerer receives the job metrics; nil uses the default registerer.
	Registerer prometheus.Registerer
	// Migrate applies the embedded schema before anything else runs.
	Migrate bool
}

// RedisOpt returns the Asynq connection options for cfg.
func RedisOpt(cfg *Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr}
}

// BuildServices connects to PostgreSQL and Redis and wires the import pipeline.
// Close must be called on the result.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, opts ServicesOptions) (_ *Services, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Pool, err = db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error { s.Pool.Close(); return nil })
	if opts.Migrate {
		if err := db.Migrate(ctx, s.Pool, migrations.FS); err != nil {
			return nil, err
		}
	}

	s.Redis, err = cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.Redis.Close)

	s.Metrics = jobmetrics.NewMetrics(opts.Registerer)

	var store resultcache.Store
	switch cfg.CacheBackend {
	case "redis":
		store = resultcache.NewRedisStore(s.Redis, cfg.CacheTTL)
	default:
		store = resultcache.NewPostgresStore(s.Pool)
	}
	s.Cache = resultcache.New(store, cfg.CacheTTL, s.Metrics, logger.With(slog.String("component", "resultcache")))

	sink, err := s.alertSink()
	if err != nil {
		return nil, err
	}
	s.Alerts = alerts.NewAsync(sink, 0, s.Metrics, logger.With(slog.String("component", "alerts")))
	s.closers = append(s.closers, func() error { s.Alerts.Wait(); return nil })

	s.Lookup, err = s.lookupClient()
	if err != nil {
		return nil, err
	}

	s.Queue = jobs.NewClient(RedisOpt(cfg), jobs.ClientOptions{
		LookupMaxRetry: cfg.LookupTaskMaxRetry,
		LookupTimeout:  lookupTaskTimeout(cfg),
	})
	s.closers = append(s.closers, s.Queue.Close)

	multiplier, err := cfg.Multiplier()
	if err != nil {
		return nil, err
	}
	repo := imports.NewRepository(s.Pool)
	s.Orchestrator = imports.NewOrchestrator(repo, s.Queue, s.Cache, s.Lookup,
		logger.With(slog.String("component", "imports.orchestrator")), s.Metrics)
	s.Orchestrator.StaleAfter = lookupStaleAfter(cfg)
	s.Imports = imports.NewService(repo, s.Orchestrator, s.Queue, imports.ServiceConfig{
		UploadDir:         cfg.UploadDir,
		DefaultCurrency:   cfg.DefaultCurrency,
		DefaultMultiplier: multiplier,
	}, logger)
	return s, nil
}

func (s *Services) alertSink() (alerts.Sink, error) {
	cfg := s.Config
	sinks := alerts.Multi{alerts.LogSink{Logger: s.Logger.With(slog.String("component", "alerts"))}}
	if cfg.AlertRedisChannel != "" {
		sinks = append(sinks, alerts.NewRedisSink(s.Redis, cfg.AlertRedisChannel, s.Logger))
	}
	if len(cfg.AlertKafkaBrokers) > 0 {
		producer, err := alerts.NewKafkaProducer(cfg.AlertKafkaBrokers)
		if err != nil {
			return nil, fmt.Errorf("app: kafka alert sink: %w", err)
		}
		kafka := alerts.NewKafkaSink(producer, cfg.AlertKafkaTopic, s.Logger)
		s.closers = append(s.closers, kafka.Close)
		sinks = append(sinks, kafka)
	}
	return sinks, nil
}

func (s *Services) lookupClient() (lookup.Client, error) {
	cfg := s.Config
	attempter, err := lookup.NewAttempter(cfg.LookupStrategy, cfg.BrowserHeadless)
	if err != nil {
		return nil, err
	}
	pool, err := lookup.NewIdentityPool(cfg.LookupUserAgents, cfg.LookupProxies)
	if err != nil {
		return nil, err
	}
	return lookup.NewRetryingClient(lookup.Config{
		BaseURL:           cfg.LookupBaseURL,
		AttemptTimeout:    cfg.LookupTimeout,
		RequestsPerSecond: cfg.LookupRPS,
		Policy: lookup.RetryPolicy{
			MaxAttempts: cfg.LookupMaxAttempts,
			BaseDelay:   cfg.LookupBaseDelay,
			MaxDelay:    cfg.LookupMaxDelay,
			MaxJitter:   cfg.LookupBaseDelay,
		},
	}, attempter, pool, s.Alerts, s.Logger)
}

// lookupTaskTimeout leaves room for every attempt plus the backoff between them.
func lookupTaskTimeout(cfg *Config) time.Duration {
	attempts := time.Duration(max(cfg.LookupMaxAttempts, 1))
	return attempts*(cfg.LookupTimeout+cfg.LookupMaxDelay+cfg.LookupBaseDelay) + time.Minute
}

// lookupStaleAfter is never shorter than the time asynq may spend on one
// lookup task across all of its retries.
func lookupStaleAfter(cfg *Config) time.Duration {
	budget := lookupTaskTimeout(cfg) * time.Duration(max(cfg.LookupTaskMaxRetry, 0)+1)
	return max(cfg.LookupStaleAfter, budget)
}

// Close releases every resource in reverse order of acquisition.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
