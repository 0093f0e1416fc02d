package imports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marginscout/marginscout/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// JobTx exposes the operations finalization performs under the job row lock.
type JobTx interface {
	LockJob(ctx context.Context, jobID int64) (JobState, error)
	CountProductStates(ctx context.Context, jobID int64) (Counts, error)
	FinishJob(ctx context.Context, jobID int64, state JobState, note string) error
}

type pgJobTx struct {
	tx pgx.Tx
}

const jobColumns = `id, state, profit_multiplier, summary_notes, filename, category, currency, created_at, updated_at, finished_at`

const productColumns = `id, job_id, identifier, display_name, purchase_price, currency, state, notes,
	lowest_price, sold_count, origin, checked_at, infra_failure, created_at, updated_at`

const activeProductStates = `('pending', 'queued', 'processing')`

func scanJob(row pgx.Row) (Job, error) {
	var (
		j     Job
		state string
	)
	err := row.Scan(&j.ID, &state, &j.ProfitMultiplier, &j.SummaryNotes, &j.Filename, &j.Category,
		&j.Currency, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.State = JobState(state)
	return j, nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p     Product
		state string
	)
	err := row.Scan(&p.ID, &p.JobID, &p.Identifier, &p.DisplayName, &p.PurchasePrice, &p.Currency,
		&state, &p.Notes, &p.LowestPrice, &p.SoldCount, &p.Origin, &p.CheckedAt, &p.InfraFailure,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, err
	}
	p.State = ProductState(state)
	return p, nil
}

// CreateJob inserts a pending job.
func (r *Repository) CreateJob(ctx context.Context, in NewJob) (Job, error) {
	row := r.pool.QueryRow(ctx, `
INSERT INTO import_jobs (state, profit_multiplier, filename, category, currency)
VALUES ('pending', $1, $2, $3, $4)
RETURNING `+jobColumns, in.ProfitMultiplier, in.Filename, in.Category, in.Currency)
	job, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("imports: create job: %w", err)
	}
	return job, nil
}

// GetJob loads a job by id.
func (r *Repository) GetJob(ctx context.Context, id int64) (Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, id))
}

// StartProcessing moves a pending job to processing.
func (r *Repository) StartProcessing(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE import_jobs SET state = 'processing', updated_at = now()
WHERE id = $1 AND state = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("imports: start job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkJobError fails a non-terminal job with note.
func (r *Repository) MarkJobError(ctx context.Context, id int64, note string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE import_jobs SET state = 'error', summary_notes = $2, updated_at = now(), finished_at = now()
WHERE id = $1 AND state IN ('pending', 'processing')`, id, note)
	if err != nil {
		return false, fmt.Errorf("imports: fail job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListJobsInState returns ids of jobs in state, oldest first.
func (r *Repository) ListJobsInState(ctx context.Context, state JobState, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM import_jobs WHERE state = $1 ORDER BY id LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("imports: list jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("imports: list jobs: %w", err)
	}
	return ids, nil
}

// InsertProducts stores rows as pending products of a job in one transaction.
func (r *Repository) InsertProducts(ctx context.Context, jobID int64, currency string, rows []NewProduct) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(`
INSERT INTO products (job_id, identifier, display_name, purchase_price, currency, state)
VALUES ($1, $2, $3, $4, $5, 'pending')`, jobID, row.Identifier, row.DisplayName, row.PurchasePrice, currency)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, fmt.Errorf("imports: insert products for job %d: %w", jobID, err)
	}
	return len(rows), nil
}

// CountProducts returns how many products the job owns.
func (r *Repository) CountProducts(ctx context.Context, jobID int64) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM products WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("imports: count products: %w", err)
	}
	return n, nil
}

// GetProduct loads a product by id.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	return scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
}

// ListProducts returns every product of a job ordered by id.
func (r *Repository) ListProducts(ctx context.Context, jobID int64) ([]Product, error) {
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE job_id = $1 ORDER BY id`, jobID)
}

// QueueProducts moves pending products to queued and returns every product
// still waiting to be scheduled.
func (r *Repository) QueueProducts(ctx context.Context, jobID int64) ([]Product, error) {
	if _, err := r.pool.Exec(ctx, `
UPDATE products SET state = 'queued', updated_at = now()
WHERE job_id = $1 AND state = 'pending'`, jobID); err != nil {
		return nil, fmt.Errorf("imports: queue products: %w", err)
	}
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products
WHERE job_id = $1 AND state IN ('pending', 'queued') ORDER BY id`, jobID)
}

// ClaimProduct moves a non-terminal product to processing.
func (r *Repository) ClaimProduct(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE products SET state = 'processing', updated_at = now()
WHERE id = $1 AND state IN `+activeProductStates, id)
	if err != nil {
		return false, fmt.Errorf("imports: claim product %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteProduct applies c if the product is not terminal yet.
func (r *Repository) CompleteProduct(ctx context.Context, id int64, c Completion) (bool, error) {
	if !c.State.Terminal() {
		return false, fmt.Errorf("imports: complete product %d: %q is not terminal", id, c.State)
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE products SET
	state = $2, notes = $3, lowest_price = $4, sold_count = $5, origin = $6,
	checked_at = $7, infra_failure = $8, updated_at = now()
WHERE id = $1 AND state IN `+activeProductStates,
		id, string(c.State), c.Notes, c.LowestPrice, c.SoldCount, c.Origin, c.CheckedAt, c.InfraFailure)
	if err != nil {
		return false, fmt.Errorf("imports: complete product %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailWaitingProducts errors every product of a job that was never claimed.
func (r *Repository) FailWaitingProducts(ctx context.Context, jobID int64, note string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE products SET state = 'error', notes = $2, updated_at = now()
WHERE job_id = $1 AND state IN ('pending', 'queued')`, jobID, note)
	if err != nil {
		return 0, fmt.Errorf("imports: fail waiting products: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStaleProducts returns unfinished products of processing jobs whose last
// update is older than before, oldest first.
func (r *Repository) ListStaleProducts(ctx context.Context, before time.Time, limit int) ([]Product, error) {
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products
WHERE state IN `+activeProductStates+` AND updated_at < $1
	AND job_id IN (SELECT id FROM import_jobs WHERE state = 'processing')
ORDER BY updated_at LIMIT $2`, before, limit)
}

// CountProductStates tallies products outside of a transaction.
func (r *Repository) CountProductStates(ctx context.Context, jobID int64) (Counts, error) {
	return countStates(ctx, r.pool, jobID)
}

// WithJobLock runs fn in a read-committed transaction; LockJob inside fn
// serializes concurrent finalizers on the job row.
func (r *Repository) WithJobLock(ctx context.Context, fn func(context.Context, JobTx) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &pgJobTx{tx: tx})
	})
}

func (t *pgJobTx) LockJob(ctx context.Context, jobID int64) (JobState, error) {
	var state string
	err := t.tx.QueryRow(ctx, `SELECT state FROM import_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("imports: lock job %d: %w", jobID, err)
	}
	return JobState(state), nil
}

func (t *pgJobTx) CountProductStates(ctx context.Context, jobID int64) (Counts, error) {
	return countStates(ctx, t.tx, jobID)
}

func (t *pgJobTx) FinishJob(ctx context.Context, jobID int64, state JobState, note string) error {
	if !state.Terminal() {
		return fmt.Errorf("imports: finish job %d: %q is not terminal", jobID, state)
	}
	_, err := t.tx.Exec(ctx, `
UPDATE import_jobs SET state = $2, summary_notes = $3, updated_at = now(), finished_at = now()
WHERE id = $1 AND state IN ('pending', 'processing')`, jobID, string(state), note)
	if err != nil {
		return fmt.Errorf("imports: finish job %d: %w", jobID, err)
	}
	return nil
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func countStates(ctx context.Context, q queryer, jobID int64) (Counts, error) {
	rows, err := q.Query(ctx, `
SELECT state, count(*), count(*) FILTER (WHERE infra_failure)
FROM products WHERE job_id = $1 GROUP BY state`, jobID)
	if err != nil {
		return Counts{}, fmt.Errorf("imports: count states: %w", err)
	}
	defer rows.Close()
	var counts Counts
	for rows.Next() {
		var (
			state      string
			n, infraNo int
		)
		if err := rows.Scan(&state, &n, &infraNo); err != nil {
			return Counts{}, fmt.Errorf("imports: count states: %w", err)
		}
		counts.Add(ProductState(state), n)
		counts.InfraErrors += infraNo
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("imports: count states: %w", err)
	}
	return counts, nil
}

func (r *Repository) queryProducts(ctx context.Context, sql string, args ...any) ([]Product, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("imports: query products: %w", err)
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("imports: scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("imports: query products: %w", err)
	}
	return out, nil
}
