package resultcache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/marginscout/marginscout/internal/lookup"
)

// DBTX is the subset of pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps entries in the lookup_cache table.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore wraps db.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const loadEntrySQL = `
SELECT identifier, outcome, lowest_price, sold_count, origin, error_detail, status_code, attempts, fetched_at
FROM lookup_cache
WHERE identifier = $1`

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, identifier string) (lookup.FetchResult, bool, error) {
	var (
		r       lookup.FetchResult
		outcome string
	)
	err := s.db.QueryRow(ctx, loadEntrySQL, identifier).Scan(
		&r.Identifier,
		&outcome,
		&r.LowestPrice,
		&r.SoldCount,
		&r.Origin,
		&r.ErrorDetail,
		&r.StatusCode,
		&r.Attempts,
		&r.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return lookup.FetchResult{}, false, nil
	}
	if err != nil {
		return lookup.FetchResult{}, false, err
	}
	r.Outcome = lookup.Outcome(outcome)
	return r, true, nil
}

// The WHERE clause on the conflict branch makes older writes lose.
const saveEntrySQL = `
INSERT INTO lookup_cache (identifier, outcome, lowest_price, sold_count, origin, error_detail, status_code, attempts, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (identifier) DO UPDATE SET
	outcome = EXCLUDED.outcome,
	lowest_price = EXCLUDED.lowest_price,
	sold_count = EXCLUDED.sold_count,
	origin = EXCLUDED.origin,
	error_detail = EXCLUDED.error_detail,
	status_code = EXCLUDED.status_code,
	attempts = EXCLUDED.attempts,
	fetched_at = EXCLUDED.fetched_at
WHERE lookup_cache.fetched_at <= EXCLUDED.fetched_at`

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, r lookup.FetchResult) error {
	_, err := s.db.Exec(ctx, saveEntrySQL,
		r.Identifier,
		string(r.Outcome),
		r.LowestPrice,
		r.SoldCount,
		r.Origin,
		r.ErrorDetail,
		r.StatusCode,
		r.Attempts,
		r.FetchedAt,
	)
	return err
}

// DeleteBefore implements Store.
func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM lookup_cache WHERE fetched_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
