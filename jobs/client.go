package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/marginscout/marginscout/internal/imports"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// ClientOptions tunes the lookup tasks the client enqueues.
type ClientOptions struct {
	LookupMaxRetry int
	LookupTimeout  time.Duration
}

// Client submits tasks to the queue. It implements imports.Scheduler and
// imports.ParseEnqueuer.
type Client struct {
	client taskEnqueuer
	opts   ClientOptions
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisConnOpt, opts ClientOptions) *Client {
	return newClient(asynq.NewClient(redisOpts), opts)
}

func newClient(enqueuer taskEnqueuer, opts ClientOptions) *Client {
	if opts.LookupMaxRetry <= 0 {
		opts.LookupMaxRetry = 5
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Minute
	}
	return &Client{client: enqueuer, opts: opts}
}

// EnqueueParse implements imports.ParseEnqueuer.
func (c *Client) EnqueueParse(ctx context.Context, req imports.ParseRequest) error {
	task, err := NewImportParseTask(req)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("jobs: enqueue %s for job %d: %w", TaskImportParse, req.JobID, err)
	}
	return nil
}

// ScheduleLookup implements imports.Scheduler. A lookup already pending or
// running for the same product counts as scheduled.
func (c *Client) ScheduleLookup(ctx context.Context, req imports.LookupRequest) error {
	task, err := NewPriceLookupTask(req)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(c.opts.LookupMaxRetry),
		asynq.Timeout(c.opts.LookupTimeout),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("jobs: enqueue %s for product %d: %w", TaskPriceLookup, req.ProductID, err)
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
