// Package resultcache keeps the most recent lookup result per identifier.
//
// Only found and not_found results within the TTL are served. Stores resolve
// concurrent writers for the same identifier by keeping the newest fetched_at.
package resultcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marginscout/marginscout/internal/lookup"
)

// Read results reported to the Observer.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultStale    = "stale"
	ResultUnusable = "unusable"
)

// Store persists one entry per identifier.
type Store interface {
	Load(ctx context.Context, identifier string) (lookup.FetchResult, bool, error)
	// Save keeps r unless the stored entry has a newer FetchedAt.
	Save(ctx context.Context, r lookup.FetchResult) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Observer counts reads; *jobmetrics.Metrics satisfies it.
type Observer interface {
	ObserveCache(result string)
}

// Cache applies TTL and reuse rules over a Store.
type Cache struct {
	store    Store
	ttl      time.Duration
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time
}

// New builds a cache. observer and logger may be nil.
func New(store Store, ttl time.Duration, observer Observer, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    store,
		ttl:      ttl,
		observer: observer,
		logger:   logger.With(slog.String("component", "resultcache")),
		clock:    time.Now,
	}
}

// Get returns a usable entry for identifier.
func (c *Cache) Get(ctx context.Context, identifier string) (lookup.FetchResult, bool, error) {
	entry, ok, err := c.store.Load(ctx, identifier)
	if err != nil {
		return lookup.FetchResult{}, false, fmt.Errorf("resultcache: load %s: %w", identifier, err)
	}
	switch {
	case !ok:
		c.observe(ResultMiss)
		return lookup.FetchResult{}, false, nil
	case !entry.Outcome.Reusable():
		c.observe(ResultUnusable)
		return lookup.FetchResult{}, false, nil
	case c.clock().Sub(entry.FetchedAt) >= c.ttl:
		c.observe(ResultStale)
		return lookup.FetchResult{}, false, nil
	}
	c.observe(ResultHit)
	return entry, true, nil
}

// Put records r. Failed outcomes are stored too; Get filters them out.
func (c *Cache) Put(ctx context.Context, r lookup.FetchResult) error {
	if r.Identifier == "" {
		return fmt.Errorf("resultcache: empty identifier")
	}
	if r.FetchedAt.IsZero() {
		r.FetchedAt = c.clock()
	}
	r.FetchedAt = r.FetchedAt.UTC()
	if err := c.store.Save(ctx, r); err != nil {
		return fmt.Errorf("resultcache: save %s: %w", r.Identifier, err)
	}
	return nil
}

// Purge removes entries older than the TTL.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	cutoff := c.clock().Add(-c.ttl)
	n, err := c.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("resultcache: purge: %w", err)
	}
	c.logger.Info("purged stale cache entries", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	return n, nil
}

func (c *Cache) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveCache(result)
	}
}
