package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/marginscout/marginscout/internal/imports"
	jobmetrics "github.com/marginscout/marginscout/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

type rowIngester interface {
	IngestRows(ctx context.Context, jobID int64, path string) error
}

type lookupRunner interface {
	RunLookupTask(ctx context.Context, productID int64, identifier string) error
	FailProduct(ctx context.Context, productID int64, note string) error
}

type cachePurger interface {
	Purge(ctx context.Context) (int64, error)
}

type processingSweeper interface {
	SweepProcessing(ctx context.Context, limit int) (int, error)
}

// retryState reports the current retry count and budget of the running task.
type retryState func(ctx context.Context) (retried, maxRetry int, ok bool)

func asynqRetryState(ctx context.Context) (int, int, bool) {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0, false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return retried, maxRetry, ok
}

func trackerFor(m *jobmetrics.Metrics, task string) *jobmetrics.Tracker {
	if m == nil {
		m = defaultJobMetrics
	}
	return m.Track(task)
}

func loggerFor(l *slog.Logger, job string) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default().With(slog.String("job", job))
}

// ImportParseJob turns an uploaded file into products and submits the job.
type ImportParseJob struct {
	Service rowIngester
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewImportParseJob wires dependencies for the parse handler.
func NewImportParseJob(service rowIngester, logger *slog.Logger, metrics *jobmetrics.Metrics) *ImportParseJob {
	return &ImportParseJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes TaskImportParse tasks.
func (j *ImportParseJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("import parse: handler not configured")
	}
	var payload imports.ParseRequest
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.JobID <= 0 {
		return asynq.SkipRetry
	}
	tracker := trackerFor(j.Metrics, TaskImportParse)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := loggerFor(j.Logger, TaskImportParse).With(slog.Int64("job_id", payload.JobID))
	err := j.Service.IngestRows(ctx, payload.JobID, payload.Path)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, imports.ErrJobNotFound), errors.Is(err, imports.ErrScheduling):
		// The job is gone or already failed; another delivery cannot help.
		logger.Error("import parse", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		logger.Warn("import parse", slog.Any("error", err))
		return err
	}
}

// PriceLookupJob resolves one product. When the queue is about to give up on
// the task, the product is marked failed so its job can still finish.
type PriceLookupJob struct {
	Orchestrator lookupRunner
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
	retryState   retryState
}

// NewPriceLookupJob wires dependencies for the lookup handler.
func NewPriceLookupJob(orchestrator lookupRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PriceLookupJob {
	return &PriceLookupJob{Orchestrator: orchestrator, Logger: logger, Metrics: metrics, retryState: asynqRetryState}
}

// Handle processes TaskPriceLookup tasks.
func (j *PriceLookupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Orchestrator == nil {
		return errors.New("price lookup: handler not configured")
	}
	var payload imports.LookupRequest
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.ProductID <= 0 {
		return asynq.SkipRetry
	}
	tracker := trackerFor(j.Metrics, TaskPriceLookup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	err := j.Orchestrator.RunLookupTask(ctx, payload.ProductID, payload.Identifier)
	if err == nil {
		return nil
	}
	logger := loggerFor(j.Logger, TaskPriceLookup).With(
		slog.Int64("job_id", payload.JobID),
		slog.Int64("product_id", payload.ProductID))
	if errors.Is(err, imports.ErrProductNotFound) {
		logger.Error("lookup for unknown product", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if !j.finalAttempt(ctx) {
		logger.Warn("lookup task failed, will retry", slog.Any("error", err))
		return err
	}
	note := fmt.Sprintf("lookup task gave up: %v", err)
	if ferr := j.Orchestrator.FailProduct(context.WithoutCancel(ctx), payload.ProductID, note); ferr != nil {
		logger.Error("mark product failed", slog.Any("error", ferr))
		return errors.Join(err, ferr)
	}
	logger.Error("lookup task exhausted retries", slog.Any("error", err))
	return nil
}

func (j *PriceLookupJob) finalAttempt(ctx context.Context) bool {
	state := j.retryState
	if state == nil {
		state = asynqRetryState
	}
	retried, maxRetry, ok := state(ctx)
	return ok && retried >= maxRetry
}

// CachePurgeJob drops expired lookup cache entries.
type CachePurgeJob struct {
	Cache   cachePurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCachePurgeJob wires dependencies for the purge handler.
func NewCachePurgeJob(cache cachePurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *CachePurgeJob {
	return &CachePurgeJob{Cache: cache, Logger: logger, Metrics: metrics}
}

// Handle processes TaskCachePurge tasks.
func (j *CachePurgeJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Cache == nil {
		return errors.New("cache purge: handler not configured")
	}
	tracker := trackerFor(j.Metrics, TaskCachePurge)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	removed, err := j.Cache.Purge(ctx)
	if err != nil {
		return err
	}
	loggerFor(j.Logger, TaskCachePurge).Info("lookup cache purged", slog.Int64("removed", removed))
	return nil
}

// FinalizeSweepJob finalizes jobs whose last finalize call was lost.
type FinalizeSweepJob struct {
	Orchestrator processingSweeper
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
}

// NewFinalizeSweepJob wires dependencies for the sweep handler.
func NewFinalizeSweepJob(orchestrator processingSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *FinalizeSweepJob {
	return &FinalizeSweepJob{Orchestrator: orchestrator, Logger: logger, Metrics: metrics}
}

// Handle processes TaskFinalizeSweep tasks.
func (j *FinalizeSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Orchestrator == nil {
		return errors.New("finalize sweep: handler not configured")
	}
	payload := FinalizeSweepPayload{Limit: 100}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = 100
	}
	tracker := trackerFor(j.Metrics, TaskFinalizeSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	checked, err := j.Orchestrator.SweepProcessing(ctx, payload.Limit)
	if err != nil {
		return err
	}
	loggerFor(j.Logger, TaskFinalizeSweep).Debug("finalize sweep", slog.Int("checked", checked))
	return nil
}
