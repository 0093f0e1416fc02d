package imports

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepo struct {
	mu          sync.Mutex
	lockMu      sync.Mutex
	jobs        map[int64]Job
	products    map[int64]Product
	nextJob     int64
	nextProduct int64
	finishes    int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{jobs: make(map[int64]Job), products: make(map[int64]Product)}
}

func (r *memoryRepo) CreateJob(_ context.Context, in NewJob) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextJob++
	job := Job{
		ID:               r.nextJob,
		State:            JobPending,
		ProfitMultiplier: in.ProfitMultiplier,
		Filename:         in.Filename,
		Category:         in.Category,
		Currency:         in.Currency,
		CreatedAt:        time.Now(),
	}
	r.jobs[job.ID] = job
	return job, nil
}

func (r *memoryRepo) GetJob(_ context.Context, id int64) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (r *memoryRepo) StartProcessing(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.State != JobPending {
		return false, nil
	}
	job.State = JobProcessing
	r.jobs[id] = job
	return true, nil
}

func (r *memoryRepo) MarkJobError(_ context.Context, id int64, note string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishLocked(id, JobError, note), nil
}

func (r *memoryRepo) finishLocked(id int64, state JobState, note string) bool {
	job, ok := r.jobs[id]
	if !ok || job.State.Terminal() {
		return false
	}
	now := time.Now()
	job.State, job.SummaryNotes, job.FinishedAt = state, note, &now
	r.jobs[id] = job
	r.finishes++
	return true
}

func (r *memoryRepo) ListJobsInState(_ context.Context, state JobState, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, job := range r.jobs {
		if job.State == state {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memoryRepo) InsertProducts(_ context.Context, jobID int64, currency string, rows []NewProduct) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.nextProduct++
		r.products[r.nextProduct] = Product{
			ID:            r.nextProduct,
			JobID:         jobID,
			Identifier:    row.Identifier,
			DisplayName:   row.DisplayName,
			PurchasePrice: row.PurchasePrice,
			Currency:      currency,
			State:         ProductPending,
			UpdatedAt:     time.Now(),
		}
	}
	return len(rows), nil
}

func (r *memoryRepo) CountProducts(_ context.Context, jobID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.products {
		if p.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) GetProduct(_ context.Context, id int64) (Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (r *memoryRepo) ListProducts(_ context.Context, jobID int64) ([]Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filterLocked(func(p Product) bool { return p.JobID == jobID }), nil
}

func (r *memoryRepo) filterLocked(keep func(Product) bool) []Product {
	var out []Product
	for _, p := range r.products {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryRepo) QueueProducts(_ context.Context, jobID int64) ([]Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.products {
		if p.JobID == jobID && p.State == ProductPending {
			p.State, p.UpdatedAt = ProductQueued, time.Now()
			r.products[id] = p
		}
	}
	return r.filterLocked(func(p Product) bool {
		return p.JobID == jobID && (p.State == ProductPending || p.State == ProductQueued)
	}), nil
}

func (r *memoryRepo) ClaimProduct(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok || !CanTransition(p.State, ProductProcessing) {
		return false, nil
	}
	p.State, p.UpdatedAt = ProductProcessing, time.Now()
	r.products[id] = p
	return true, nil
}

func (r *memoryRepo) CompleteProduct(_ context.Context, id int64, c Completion) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok || !CanTransition(p.State, c.State) {
		return false, nil
	}
	checked := c.CheckedAt
	p.State, p.Notes = c.State, c.Notes
	p.LowestPrice, p.SoldCount, p.Origin = c.LowestPrice, c.SoldCount, c.Origin
	p.CheckedAt, p.InfraFailure = &checked, c.InfraFailure
	p.UpdatedAt = time.Now()
	r.products[id] = p
	return true, nil
}

func (r *memoryRepo) FailWaitingProducts(_ context.Context, jobID int64, note string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, p := range r.products {
		if p.JobID == jobID && (p.State == ProductPending || p.State == ProductQueued) {
			p.State, p.Notes = ProductError, note
			r.products[id] = p
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) ListStaleProducts(_ context.Context, before time.Time, limit int) ([]Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.filterLocked(func(p Product) bool {
		return !p.State.Terminal() && p.UpdatedAt.Before(before) && r.jobs[p.JobID].State == JobProcessing
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) CountProductStates(_ context.Context, jobID int64) (Counts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(jobID), nil
}

func (r *memoryRepo) countLocked(jobID int64) Counts {
	var c Counts
	for _, p := range r.products {
		if p.JobID != jobID {
			continue
		}
		c.Add(p.State, 1)
		if p.InfraFailure {
			c.InfraErrors++
		}
	}
	return c
}

// WithJobLock serializes every finalizer, standing in for SELECT ... FOR UPDATE.
func (r *memoryRepo) WithJobLock(ctx context.Context, fn func(context.Context, JobTx) error) error {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	return fn(ctx, memoryJobTx{repo: r})
}

type memoryJobTx struct {
	repo *memoryRepo
}

func (t memoryJobTx) LockJob(_ context.Context, jobID int64) (JobState, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	job, ok := t.repo.jobs[jobID]
	if !ok {
		return "", ErrJobNotFound
	}
	return job.State, nil
}

func (t memoryJobTx) CountProductStates(_ context.Context, jobID int64) (Counts, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return t.repo.countLocked(jobID), nil
}

func (t memoryJobTx) FinishJob(_ context.Context, jobID int64, state JobState, note string) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.finishLocked(jobID, state, note)
	return nil
}
