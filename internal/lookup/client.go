package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/marginscout/marginscout/internal/alerts"
)

// Config parameterizes RetryingClient.
type Config struct {
	BaseURL           string
	AttemptTimeout    time.Duration
	RequestsPerSecond float64
	Policy            RetryPolicy
}

// RetryingClient runs the attempt loop: rotate identity, rate limit, attempt
// with a timeout, classify, and back off on transient failures.
type RetryingClient struct {
	attempter Attempter
	pool      *IdentityPool
	limiter   *rate.Limiter
	alerts    alerts.Sink
	logger    *slog.Logger
	baseURL   *url.URL
	timeout   time.Duration
	policy    RetryPolicy
	jitter    Jitter
	sleep     func(ctx context.Context, d time.Duration) error
	clock     func() time.Time
}

// NewRetryingClient validates cfg and wires the collaborators.
func NewRetryingClient(cfg Config, attempter Attempter, pool *IdentityPool, sink alerts.Sink, logger *slog.Logger) (*RetryingClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrInfrastructure, cfg.BaseURL)
	}
	if attempter == nil || pool == nil || pool.Size() == 0 {
		return nil, fmt.Errorf("%w: attempter and identity pool are required", ErrInfrastructure)
	}
	if cfg.Policy.MaxAttempts < 1 {
		cfg.Policy.MaxAttempts = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if sink == nil {
		sink = alerts.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingClient{
		attempter: attempter,
		pool:      pool,
		limiter:   rate.NewLimiter(limit, 1),
		alerts:    sink,
		logger:    logger.With(slog.String("component", "lookup"), slog.String("origin", attempter.Name())),
		baseURL:   base,
		timeout:   cfg.AttemptTimeout,
		policy:    cfg.Policy,
		jitter:    RandomJitter,
		sleep:     sleepContext,
		clock:     time.Now,
	}, nil
}

// ListingURL returns the search page for identifier.
func (c *RetryingClient) ListingURL(identifier string) string {
	u := *c.baseURL
	q := u.Query()
	q.Set("string", identifier)
	u.RawQuery = q.Encode()
	return u.String()
}

// Lookup implements Client.
func (c *RetryingClient) Lookup(ctx context.Context, identifier string) (FetchResult, error) {
	identifier = strings.TrimSpace(identifier)
	last := FetchResult{
		Identifier: identifier,
		Outcome:    OutcomeTransientError,
		Origin:     c.attempter.Name(),
		FetchedAt:  c.clock().UTC(),
	}
	if identifier == "" {
		last.ErrorDetail = "empty identifier"
		return last, nil
	}

	target := c.ListingURL(identifier)
	previous := ""
	refused := 0
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, NextDelay(c.policy, attempt-1, c.jitter)); err != nil {
				return last, err
			}
		}
		identity := c.pool.Pick(previous)
		previous = identity.Key()

		if err := c.limiter.Wait(ctx); err != nil {
			return last, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.attempter.Attempt(attemptCtx, Request{URL: target, Identity: identity})
		cancel()

		last.Attempts = attempt + 1
		last.FetchedAt = c.clock().UTC()
		if err != nil {
			if errors.Is(err, ErrInfrastructure) {
				last.ErrorDetail = err.Error()
				c.notify(ctx, alerts.KindLookupInfrastructure, last)
				return last, err
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if isConnRefused(err) {
				refused++
			}
			last.StatusCode = 0
			last.ErrorDetail = err.Error()
			c.logger.Debug("lookup attempt failed",
				slog.String("identifier", identifier),
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
			continue
		}

		verdict := Classify(resp.Status, resp.Body)
		result := FetchResult{
			Identifier:  identifier,
			LowestPrice: verdict.LowestPrice,
			SoldCount:   verdict.SoldCount,
			Outcome:     verdict.Outcome,
			FetchedAt:   last.FetchedAt,
			Origin:      c.attempter.Name(),
			ErrorDetail: verdict.Detail,
			StatusCode:  resp.Status,
			Attempts:    attempt + 1,
		}
		switch verdict.Outcome {
		case OutcomeBlocked:
			c.notify(ctx, alerts.KindLookupBlocked, result)
			return result, nil
		case OutcomeCaptcha:
			c.notify(ctx, alerts.KindLookupCaptcha, result)
			return result, nil
		case OutcomeFound, OutcomeNotFound:
			return result, nil
		}
		last = result
		c.logger.Debug("lookup attempt inconclusive",
			slog.String("identifier", identifier),
			slog.Int("attempt", attempt+1),
			slog.Int("status", resp.Status))
	}

	if refused == c.policy.MaxAttempts {
		err := fmt.Errorf("%w: %s refused every connection", ErrInfrastructure, c.baseURL.Host)
		c.notify(ctx, alerts.KindLookupInfrastructure, last)
		return last, err
	}
	c.notify(ctx, alerts.KindLookupRetriesExhausted, last)
	return last, nil
}

func (c *RetryingClient) notify(ctx context.Context, kind string, r FetchResult) {
	fields := map[string]any{
		"identifier": r.Identifier,
		"origin":     r.Origin,
		"attempts":   r.Attempts,
	}
	if r.StatusCode != 0 {
		fields["status"] = r.StatusCode
	}
	if r.ErrorDetail != "" {
		fields["detail"] = r.ErrorDetail
	}
	c.logger.Warn("lookup alert", slog.String("kind", kind), slog.String("identifier", r.Identifier))
	c.alerts.Notify(ctx, kind, fields)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
