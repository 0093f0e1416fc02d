package imports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jobmetrics "github.com/marginscout/marginscout/internal/jobs"
	"github.com/marginscout/marginscout/internal/lookup"
)

// RepositoryPort describes the persistence the orchestrator and service use.
type RepositoryPort interface {
	CreateJob(ctx context.Context, in NewJob) (Job, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	StartProcessing(ctx context.Context, id int64) (bool, error)
	MarkJobError(ctx context.Context, id int64, note string) (bool, error)
	ListJobsInState(ctx context.Context, state JobState, limit int) ([]int64, error)
	InsertProducts(ctx context.Context, jobID int64, currency string, rows []NewProduct) (int, error)
	CountProducts(ctx context.Context, jobID int64) (int, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context, jobID int64) ([]Product, error)
	QueueProducts(ctx context.Context, jobID int64) ([]Product, error)
	ClaimProduct(ctx context.Context, id int64) (bool, error)
	CompleteProduct(ctx context.Context, id int64, c Completion) (bool, error)
	FailWaitingProducts(ctx context.Context, jobID int64, note string) (int64, error)
	CountProductStates(ctx context.Context, jobID int64) (Counts, error)
	ListStaleProducts(ctx context.Context, before time.Time, limit int) ([]Product, error)
	WithJobLock(ctx context.Context, fn func(context.Context, JobTx) error) error
}

// Scheduler enqueues lookup work. Scheduling the same product twice must
// collapse into one task.
type Scheduler interface {
	ScheduleLookup(ctx context.Context, req LookupRequest) error
}

// ResultCache is the subset of *resultcache.Cache the orchestrator uses.
type ResultCache interface {
	Get(ctx context.Context, identifier string) (lookup.FetchResult, bool, error)
	Put(ctx context.Context, r lookup.FetchResult) error
}

// Orchestrator drives products from queued to terminal and finalizes jobs.
type Orchestrator struct {
	repo      RepositoryPort
	scheduler Scheduler
	cache     ResultCache
	client    lookup.Client
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	// StaleAfter is how long a product of a processing job may go without
	// progress before the sweep fails it. Zero disables the check.
	StaleAfter time.Duration
	readRetry  readRetryPolicy
	clock      func() time.Time
}

// NewOrchestrator wires the collaborators.
func NewOrchestrator(repo RepositoryPort, scheduler Scheduler, cache ResultCache, client lookup.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		scheduler: scheduler,
		cache:     cache,
		client:    client,
		Logger:    logger,
		Metrics:   metrics,
		readRetry: defaultReadRetry,
		clock:     time.Now,
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default().With(slog.String("component", "imports.orchestrator"))
}

// Submit starts a job and schedules one lookup per waiting product. A job
// without products fails with "no valid products". A scheduling failure
// fails the job and every product that was never claimed.
func (o *Orchestrator) Submit(ctx context.Context, jobID int64) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	total, err := o.repo.CountProducts(ctx, jobID)
	if err != nil {
		return err
	}
	if total == 0 {
		if _, err := o.repo.MarkJobError(ctx, jobID, NoteNoValidProducts); err != nil {
			return err
		}
		o.Metrics.ObserveJobFinished(string(JobError))
		o.logger().Info("job has no valid products", slog.Int64("job_id", jobID))
		return nil
	}
	if _, err := o.repo.StartProcessing(ctx, jobID); err != nil {
		return err
	}
	waiting, err := o.repo.QueueProducts(ctx, jobID)
	if err != nil {
		return err
	}
	for _, p := range waiting {
		req := LookupRequest{JobID: jobID, ProductID: p.ID, Identifier: p.Identifier}
		if err := o.scheduler.ScheduleLookup(ctx, req); err != nil {
			note := fmt.Sprintf("scheduling failed: %v", err)
			if _, ferr := o.repo.FailWaitingProducts(ctx, jobID, note); ferr != nil {
				return errors.Join(err, ferr)
			}
			if _, ferr := o.repo.MarkJobError(ctx, jobID, note); ferr != nil {
				return errors.Join(err, ferr)
			}
			o.Metrics.ObserveJobFinished(string(JobError))
			return fmt.Errorf("%w: job %d product %d: %v", ErrScheduling, jobID, p.ID, err)
		}
	}
	o.logger().Info("job submitted", slog.Int64("job_id", jobID), slog.Int("scheduled", len(waiting)), slog.Int("products", total))
	return nil
}

// RunLookupTask processes one product end to end. A product that is already
// terminal is left untouched. Lookup failures and panics become a product
// error; store failures are returned so the task is retried.
func (o *Orchestrator) RunLookupTask(ctx context.Context, productID int64, identifier string) error {
	p, err := readWithRetry(ctx, o.readRetry, ErrProductNotFound, func(ctx context.Context) (Product, error) {
		return o.repo.GetProduct(ctx, productID)
	})
	if err != nil {
		return err
	}
	if p.State.Terminal() {
		return o.FinalizeIfComplete(ctx, p.JobID)
	}
	claimed, err := o.repo.ClaimProduct(ctx, p.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another delivery finished the product after it was read.
		return o.FinalizeIfComplete(ctx, p.JobID)
	}
	if identifier == "" {
		identifier = p.Identifier
	}

	completion, err := o.resolve(ctx, identifier)
	if err != nil {
		return err
	}
	applied, err := o.repo.CompleteProduct(ctx, p.ID, completion)
	if err != nil {
		return err
	}
	if applied {
		o.Metrics.ObserveLookup(string(completion.State))
		o.logger().Debug("product resolved",
			slog.Int64("product_id", p.ID),
			slog.String("identifier", identifier),
			slog.String("state", string(completion.State)))
	}
	return o.FinalizeIfComplete(ctx, p.JobID)
}

// FailProduct forces a non-terminal product to error and finalizes its job.
// Used when the queue gives up on a task.
func (o *Orchestrator) FailProduct(ctx context.Context, productID int64, note string) error {
	p, err := o.repo.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if !p.State.Terminal() {
		if _, err := o.repo.CompleteProduct(ctx, p.ID, Completion{
			State:     ProductError,
			Notes:     note,
			CheckedAt: o.clock().UTC(),
		}); err != nil {
			return err
		}
		o.Metrics.ObserveLookup(string(ProductError))
	}
	return o.FinalizeIfComplete(ctx, p.JobID)
}

// resolve consults the cache and falls back to the lookup client. The returned
// error is non-nil only when the task itself should be retried.
func (o *Orchestrator) resolve(ctx context.Context, identifier string) (c Completion, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger().Error("lookup panicked", slog.String("identifier", identifier), slog.Any("panic", r))
			c = Completion{State: ProductError, Notes: fmt.Sprintf("worker crashed: %v", r), CheckedAt: o.clock().UTC()}
			err = nil
		}
	}()

	cached, ok, cerr := o.cache.Get(ctx, identifier)
	if cerr != nil {
		o.logger().Warn("cache read failed", slog.String("identifier", identifier), slog.Any("error", cerr))
	}
	if ok {
		return completionFor(cached, true), nil
	}

	result, lerr := o.client.Lookup(ctx, identifier)
	if lerr != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		infra := errors.Is(lerr, lookup.ErrInfrastructure)
		note := fmt.Sprintf("lookup failed: %v", lerr)
		if infra {
			note = fmt.Sprintf("lookup infrastructure unavailable: %v", lerr)
		}
		return Completion{
			State:        ProductError,
			Notes:        note,
			Origin:       result.Origin,
			CheckedAt:    o.clock().UTC(),
			InfraFailure: infra,
		}, nil
	}
	if result.Identifier == "" {
		result.Identifier = identifier
	}
	if result.FetchedAt.IsZero() {
		result.FetchedAt = o.clock().UTC()
	}
	if perr := o.cache.Put(ctx, result); perr != nil {
		o.logger().Warn("cache write failed", slog.String("identifier", identifier), slog.Any("error", perr))
	}
	return completionFor(result, false), nil
}

func completionFor(r lookup.FetchResult, cached bool) Completion {
	c := Completion{
		LowestPrice: r.LowestPrice,
		SoldCount:   r.SoldCount,
		Origin:      r.Origin,
		CheckedAt:   r.FetchedAt.UTC(),
	}
	day := r.FetchedAt.UTC().Format(time.DateOnly)
	switch r.Outcome {
	case lookup.OutcomeFound:
		c.State = ProductDone
		c.Notes = "fetched via " + r.Origin
		if cached {
			c.Notes = "cached result @ " + day
		}
	case lookup.OutcomeNotFound:
		c.State = ProductNotFound
		c.Notes = "not found on marketplace"
		if cached {
			c.Notes = "cached not_found @ " + day
		}
	case lookup.OutcomeBlocked:
		c.State = ProductError
		c.Notes = orDefault(r.ErrorDetail, "blocked by marketplace")
	case lookup.OutcomeCaptcha:
		c.State = ProductError
		c.Notes = orDefault(r.ErrorDetail, "captcha challenge")
	default:
		c.State = ProductError
		c.Notes = fmt.Sprintf("lookup failed after %d attempts", r.Attempts)
		if r.ErrorDetail != "" {
			c.Notes += ": " + r.ErrorDetail
		}
	}
	return c
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// FinalizeIfComplete settles the job once no product is active. Concurrent
// callers serialize on the job row; a terminal job is never touched again.
func (o *Orchestrator) FinalizeIfComplete(ctx context.Context, jobID int64) error {
	var (
		finished JobState
		note     string
	)
	err := o.repo.WithJobLock(ctx, func(ctx context.Context, tx JobTx) error {
		state, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if state != JobProcessing {
			return nil
		}
		counts, err := tx.CountProductStates(ctx, jobID)
		if err != nil {
			return err
		}
		next, n, ready := DecideOutcome(counts)
		if !ready {
			return nil
		}
		if err := tx.FinishJob(ctx, jobID, next, n); err != nil {
			return err
		}
		finished, note = next, n
		return nil
	})
	if err != nil {
		return fmt.Errorf("imports: finalize job %d: %w", jobID, err)
	}
	if finished != "" {
		o.Metrics.ObserveJobFinished(string(finished))
		o.logger().Info("job finished", slog.Int64("job_id", jobID), slog.String("state", string(finished)), slog.String("notes", note))
	}
	return nil
}

// SweepProcessing fails products that made no progress within StaleAfter,
// then finalizes processing jobs whose products all finished. It recovers
// jobs whose lookup task was dropped by the queue or whose last finalize call
// was lost.
func (o *Orchestrator) SweepProcessing(ctx context.Context, limit int) (int, error) {
	if o.StaleAfter > 0 {
		stale, err := o.repo.ListStaleProducts(ctx, o.clock().Add(-o.StaleAfter), limit)
		if err != nil {
			return 0, err
		}
		for _, p := range stale {
			note := fmt.Sprintf("lookup abandoned: no progress since %s", p.UpdatedAt.UTC().Format(time.RFC3339))
			if err := o.FailProduct(ctx, p.ID, note); err != nil {
				return 0, err
			}
		}
		if len(stale) > 0 {
			o.logger().Warn("failed stale products", slog.Int("products", len(stale)))
		}
	}
	ids, err := o.repo.ListJobsInState(ctx, JobProcessing, limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := o.FinalizeIfComplete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
