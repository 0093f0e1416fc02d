package imports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/marginscout/marginscout/internal/jobs"
	"github.com/marginscout/marginscout/internal/lookup"
	"github.com/marginscout/marginscout/internal/resultcache"
)

type recordingScheduler struct {
	mu       sync.Mutex
	requests []LookupRequest
	seen     map[int64]bool
	failOn   int
}

func (s *recordingScheduler) ScheduleLookup(_ context.Context, req LookupRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn > 0 && len(s.requests)+1 == s.failOn {
		return errors.New("redis: connection refused")
	}
	if s.seen == nil {
		s.seen = make(map[int64]bool)
	}
	if s.seen[req.ProductID] {
		return nil
	}
	s.seen[req.ProductID] = true
	s.requests = append(s.requests, req)
	return nil
}

type recordingEnqueuer struct {
	requests []ParseRequest
	err      error
}

func (e *recordingEnqueuer) EnqueueParse(_ context.Context, req ParseRequest) error {
	if e.err != nil {
		return e.err
	}
	e.requests = append(e.requests, req)
	return nil
}

type stubClient struct {
	mu      sync.Mutex
	results map[string]lookup.FetchResult
	err     error
	panics  bool
	calls   map[string]int
}

func (c *stubClient) Lookup(_ context.Context, identifier string) (lookup.FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[identifier]++
	if c.panics {
		panic("parser exploded")
	}
	if c.err != nil {
		return lookup.FetchResult{Identifier: identifier, Outcome: lookup.OutcomeTransientError, Origin: "http"}, c.err
	}
	r, ok := c.results[identifier]
	if !ok {
		return lookup.FetchResult{Identifier: identifier, Outcome: lookup.OutcomeNotFound, Origin: "http", FetchedAt: time.Now()}, nil
	}
	return r, nil
}

func (c *stubClient) callCount(identifier string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[identifier]
}

type recordingSink struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingSink) Notify(_ context.Context, kind string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

// pageAttempter serves canned marketplace pages keyed by the "string" query.
type pageAttempter struct {
	mu       sync.Mutex
	pages    map[string]lookup.Response
	calls    map[string]int
	fallback lookup.Response
}

func (a *pageAttempter) Name() string { return "http" }

func (a *pageAttempter) Attempt(_ context.Context, req lookup.Request) (lookup.Response, error) {
	id := req.URL[strings.Index(req.URL, "string=")+len("string="):]
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[id]++
	if resp, ok := a.pages[id]; ok {
		return resp, nil
	}
	return a.fallback, nil
}

func pricePage(price string) lookup.Response {
	return lookup.Response{Status: http.StatusOK, Body: []byte(`<span data-testid="listing-ad-price">` + price + ` zł</span>`)}
}

type fixture struct {
	repo      *memoryRepo
	scheduler *recordingScheduler
	enqueuer  *recordingEnqueuer
	cache     *resultcache.Cache
	orch      *Orchestrator
	svc       *Service
	registry  *prometheus.Registry
	dir       string
}

func newFixture(t *testing.T, client lookup.Client) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		repo:      newMemoryRepo(),
		scheduler: &recordingScheduler{},
		enqueuer:  &recordingEnqueuer{},
		cache:     resultcache.New(resultcache.NewRedisStore(rdb, 24*time.Hour), 24*time.Hour, metrics, logger),
		registry:  registry,
		dir:       t.TempDir(),
	}
	f.orch = NewOrchestrator(f.repo, f.scheduler, f.cache, client, logger, metrics)
	f.orch.readRetry = readRetryPolicy{attempts: 2, wait: time.Millisecond}
	f.svc = NewService(f.repo, f.orch, f.enqueuer, ServiceConfig{
		UploadDir:         filepath.Join(f.dir, "uploads"),
		DefaultCurrency:   "PLN",
		DefaultMultiplier: dec("1.5"),
	}, logger)
	return f
}

// ingest writes csv to disk, creates a job and runs the parse step.
func (f *fixture) ingest(t *testing.T, csv string) Job {
	t.Helper()
	job, err := f.svc.StartJob(context.Background(), StartJobInput{
		Filename: "products.csv",
		File:     strings.NewReader(csv),
		Category: "kitchen",
	})
	require.NoError(t, err)
	req := f.enqueuer.requests[len(f.enqueuer.requests)-1]
	require.Equal(t, job.ID, req.JobID)
	require.NoError(t, f.svc.IngestRows(context.Background(), req.JobID, req.Path))
	return job
}

// drain runs every scheduled lookup, optionally in parallel.
func (f *fixture) drain(t *testing.T, parallel bool) {
	t.Helper()
	f.scheduler.mu.Lock()
	reqs := append([]LookupRequest(nil), f.scheduler.requests...)
	f.scheduler.mu.Unlock()
	if !parallel {
		for _, req := range reqs {
			require.NoError(t, f.orch.RunLookupTask(context.Background(), req.ProductID, req.Identifier))
		}
		return
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(reqs))
	for _, req := range reqs {
		wg.Add(1)
		go func(req LookupRequest) {
			defer wg.Done()
			errs <- f.orch.RunLookupTask(context.Background(), req.ProductID, req.Identifier)
		}(req)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func (f *fixture) job(t *testing.T, id int64) Job {
	t.Helper()
	job, err := f.repo.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) productByIdentifier(t *testing.T, jobID int64, identifier string) Product {
	t.Helper()
	products, err := f.repo.ListProducts(context.Background(), jobID)
	require.NoError(t, err)
	for _, p := range products {
		if p.Identifier == identifier {
			return p
		}
	}
	t.Fatalf("product %s not found", identifier)
	return Product{}
}

const threeRows = "ean;name;price\n123;Kubek;10\n456;Talerz;20\n789;Miska;30\n"

func TestThreeRowScenario(t *testing.T) {
	client := &stubClient{results: map[string]lookup.FetchResult{
		"123": {Identifier: "123", Outcome: lookup.OutcomeFound, LowestPrice: nullDec("20"), Origin: "http", FetchedAt: time.Now()},
		"456": {Identifier: "456", Outcome: lookup.OutcomeFound, LowestPrice: nullDec("10"), Origin: "http", FetchedAt: time.Now()},
		"789": {Identifier: "789", Outcome: lookup.OutcomeNotFound, Origin: "http", FetchedAt: time.Now()},
	}}
	f := newFixture(t, client)
	job := f.ingest(t, threeRows)
	require.Len(t, f.scheduler.requests, 3)
	require.Equal(t, JobProcessing, f.job(t, job.ID).State)

	f.drain(t, false)

	final := f.job(t, job.ID)
	require.Equal(t, JobDone, final.State)
	require.Equal(t, "1 not found", final.SummaryNotes)

	rows, err := f.svc.ListJobProducts(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	byID := map[string]ProductAnalysis{}
	for _, r := range rows {
		byID[r.Identifier] = r
	}
	require.Equal(t, "2.00", byID["123"].ProfitMargin.Decimal.StringFixed(2))
	require.Equal(t, RecommendProfitable, byID["123"].Recommendation)
	require.Equal(t, "0.50", byID["456"].ProfitMargin.Decimal.StringFixed(2))
	require.Equal(t, RecommendUnprofitable, byID["456"].Recommendation)
	require.Equal(t, RecommendNotFound, byID["789"].Recommendation)
	require.Equal(t, ProductNotFound, byID["789"].State)
}

func TestBlockedProductAlertsOnceAndSiblingsFinish(t *testing.T) {
	attempter := &pageAttempter{
		pages: map[string]lookup.Response{
			"123": pricePage("20,00"),
			"456": {Status: http.StatusForbidden, Body: []byte("<h1>Access denied</h1>")},
			"789": {Status: http.StatusOK, Body: []byte("<p>Nie znaleźliśmy ofert</p>")},
		},
	}
	pool, err := lookup.NewIdentityPool([]string{"ua-1", "ua-2"}, nil)
	require.NoError(t, err)
	sink := &recordingSink{}
	client, err := lookup.NewRetryingClient(lookup.Config{
		BaseURL: "https://marketplace.test/listing",
		Policy:  lookup.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Nanosecond, MaxDelay: time.Millisecond},
	}, attempter, pool, sink, nil)
	require.NoError(t, err)

	f := newFixture(t, client)
	job := f.ingest(t, threeRows)
	f.drain(t, true)

	blocked := f.productByIdentifier(t, job.ID, "456")
	require.Equal(t, ProductError, blocked.State)
	require.Contains(t, blocked.Notes, "blocked")
	require.Equal(t, 1, attempter.calls["456"])
	require.Equal(t, []string{"lookup_blocked"}, sink.kinds)

	require.Equal(t, ProductDone, f.productByIdentifier(t, job.ID, "123").State)
	require.Equal(t, ProductNotFound, f.productByIdentifier(t, job.ID, "789").State)

	final := f.job(t, job.ID)
	require.Equal(t, JobDone, final.State)
	require.Equal(t, "1 errors, 1 not found", final.SummaryNotes)
}

func TestRetryBudgetEndsInError(t *testing.T) {
	attempter := &pageAttempter{fallback: lookup.Response{Status: http.StatusOK, Body: []byte("<html>loading</html>")}}
	pool, err := lookup.NewIdentityPool(nil, nil)
	require.NoError(t, err)
	client, err := lookup.NewRetryingClient(lookup.Config{
		BaseURL: "https://marketplace.test/listing",
		Policy:  lookup.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Nanosecond, MaxDelay: time.Millisecond},
	}, attempter, pool, nil, nil)
	require.NoError(t, err)

	f := newFixture(t, client)
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	f.drain(t, false)

	require.Equal(t, 3, attempter.calls["123"])
	p := f.productByIdentifier(t, job.ID, "123")
	require.Equal(t, ProductError, p.State)
	require.Contains(t, p.Notes, "after 3 attempts")

	final := f.job(t, job.ID)
	require.Equal(t, JobError, final.State)
	require.Equal(t, "all 1 products failed", final.SummaryNotes)

	// The failed attempt is cached but never served.
	_, ok, err := f.cache.Get(context.Background(), "123")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestZeroValidRows(t *testing.T) {
	f := newFixture(t, &stubClient{})
	job := f.ingest(t, "ean;name;price\n;Brak;10\n123;Zero;0\n")

	final := f.job(t, job.ID)
	require.Equal(t, JobError, final.State)
	require.Equal(t, NoteNoValidProducts, final.SummaryNotes)
	require.Empty(t, f.scheduler.requests)
}

func TestMissingColumnsFailJobOnce(t *testing.T) {
	f := newFixture(t, &stubClient{})
	job := f.ingest(t, "sku;qty\n1;2\n")

	final := f.job(t, job.ID)
	require.Equal(t, JobError, final.State)
	require.Contains(t, final.SummaryNotes, "required columns not found")
	require.Empty(t, f.scheduler.requests)

	// Redelivery of the parse task leaves the job untouched.
	req := f.enqueuer.requests[0]
	require.NoError(t, f.svc.IngestRows(context.Background(), req.JobID, req.Path))
	require.Equal(t, final, f.job(t, job.ID))
}

func TestParseRedeliveryDoesNotDuplicateProducts(t *testing.T) {
	f := newFixture(t, &stubClient{})
	job := f.ingest(t, threeRows)
	req := f.enqueuer.requests[0]
	require.NoError(t, f.svc.IngestRows(context.Background(), req.JobID, req.Path))

	n, err := f.repo.CountProducts(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, f.scheduler.requests, 3)
}

func TestRunLookupTaskIsIdempotent(t *testing.T) {
	client := &stubClient{results: map[string]lookup.FetchResult{
		"123": {Identifier: "123", Outcome: lookup.OutcomeFound, LowestPrice: nullDec("20"), Origin: "http", FetchedAt: time.Now()},
	}}
	f := newFixture(t, client)
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	req := f.scheduler.requests[0]

	require.NoError(t, f.orch.RunLookupTask(context.Background(), req.ProductID, req.Identifier))
	before := f.productByIdentifier(t, job.ID, "123")
	cached, ok, err := f.cache.Get(context.Background(), "123")
	require.NoError(t, err)
	require.True(t, ok)
	finishes := f.repo.finishes

	require.NoError(t, f.orch.RunLookupTask(context.Background(), req.ProductID, req.Identifier))
	require.Equal(t, before, f.productByIdentifier(t, job.ID, "123"))
	again, ok, err := f.cache.Get(context.Background(), "123")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cached.FetchedAt.Equal(again.FetchedAt))
	require.Equal(t, 1, client.callCount("123"))
	require.Equal(t, finishes, f.repo.finishes)
}

// siblingFinishRepo completes the product from another delivery right before
// the claim, so the claim is lost.
type siblingFinishRepo struct {
	*memoryRepo
}

func (r siblingFinishRepo) ClaimProduct(ctx context.Context, id int64) (bool, error) {
	if _, err := r.memoryRepo.CompleteProduct(ctx, id, Completion{
		State:     ProductDone,
		Notes:     "sibling delivery",
		CheckedAt: time.Now(),
	}); err != nil {
		return false, err
	}
	return r.memoryRepo.ClaimProduct(ctx, id)
}

func TestLostClaimLeavesProductAndCacheUntouched(t *testing.T) {
	client := &stubClient{results: map[string]lookup.FetchResult{
		"123": {Identifier: "123", Outcome: lookup.OutcomeFound, LowestPrice: nullDec("20"), Origin: "http", FetchedAt: time.Now()},
	}}
	f := newFixture(t, client)
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	req := f.scheduler.requests[0]
	f.orch.repo = siblingFinishRepo{memoryRepo: f.repo}

	require.NoError(t, f.orch.RunLookupTask(context.Background(), req.ProductID, req.Identifier))

	p := f.productByIdentifier(t, job.ID, "123")
	require.Equal(t, ProductDone, p.State)
	require.Equal(t, "sibling delivery", p.Notes)
	require.Equal(t, 0, client.callCount("123"))
	_, ok, err := f.cache.Get(context.Background(), "123")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, JobDone, f.job(t, job.ID).State)
}

func TestCacheHitSkipsClient(t *testing.T) {
	client := &stubClient{}
	f := newFixture(t, client)
	require.NoError(t, f.cache.Put(context.Background(), lookup.FetchResult{
		Identifier:  "123",
		Outcome:     lookup.OutcomeFound,
		LowestPrice: nullDec("25"),
		Origin:      "browser",
		FetchedAt:   time.Now().Add(-time.Hour),
	}))
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	f.drain(t, false)

	p := f.productByIdentifier(t, job.ID, "123")
	require.Equal(t, ProductDone, p.State)
	require.True(t, strings.HasPrefix(p.Notes, "cached result @ "))
	require.Equal(t, "browser", p.Origin)
	require.Equal(t, 0, client.callCount("123"))
}

func TestSharedIdentifierProcessedConcurrently(t *testing.T) {
	client := &stubClient{results: map[string]lookup.FetchResult{
		"123": {Identifier: "123", Outcome: lookup.OutcomeFound, LowestPrice: nullDec("20"), Origin: "http", FetchedAt: time.Now()},
	}}
	f := newFixture(t, client)
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n0123,Kubek duplikat,12\n")
	require.Len(t, f.scheduler.requests, 2)
	f.drain(t, true)

	products, err := f.repo.ListProducts(context.Background(), job.ID)
	require.NoError(t, err)
	for _, p := range products {
		require.Equal(t, ProductDone, p.State)
	}
	require.Equal(t, JobDone, f.job(t, job.ID).State)
}

func TestFinalizeIsMonotonicUnderConcurrency(t *testing.T) {
	f := newFixture(t, &stubClient{})
	var csv strings.Builder
	csv.WriteString("ean,name,price\n")
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&csv, "%d,item %d,%d\n", 1000+i, i, i)
	}
	job := f.ingest(t, csv.String())
	f.drain(t, true)

	final := f.job(t, job.ID)
	require.Equal(t, JobDone, final.State)
	require.Equal(t, "25 not found", final.SummaryNotes)
	require.Equal(t, 1, f.repo.finishes)

	// A late product error cannot reopen or flip the job.
	_, err := f.repo.InsertProducts(context.Background(), job.ID, "PLN", []NewProduct{{Identifier: "9", PurchasePrice: dec("1")}})
	require.NoError(t, err)
	_, err = f.repo.FailWaitingProducts(context.Background(), job.ID, "late")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.orch.FinalizeIfComplete(context.Background(), job.ID))
	}
	require.Equal(t, final, f.job(t, job.ID))
}

func TestSchedulingFailureFailsJob(t *testing.T) {
	f := newFixture(t, &stubClient{})
	f.scheduler.failOn = 2
	job, err := f.svc.StartJob(context.Background(), StartJobInput{Filename: "p.csv", File: strings.NewReader(threeRows)})
	require.NoError(t, err)
	req := f.enqueuer.requests[0]

	err = f.svc.IngestRows(context.Background(), req.JobID, req.Path)
	require.ErrorIs(t, err, ErrScheduling)

	final := f.job(t, job.ID)
	require.Equal(t, JobError, final.State)
	require.Contains(t, final.SummaryNotes, "scheduling failed")

	// The product scheduled before the failure still settles without
	// reopening the job.
	f.drain(t, false)
	require.Equal(t, JobError, f.job(t, job.ID).State)
	counts, err := f.repo.CountProductStates(context.Background(), job.ID)
	require.NoError(t, err)
	require.Zero(t, counts.Active())
}

func TestClientPanicBecomesProductError(t *testing.T) {
	f := newFixture(t, &stubClient{panics: true})
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	f.drain(t, false)

	p := f.productByIdentifier(t, job.ID, "123")
	require.Equal(t, ProductError, p.State)
	require.Contains(t, p.Notes, "worker crashed")
	require.Equal(t, JobError, f.job(t, job.ID).State)
}

func TestInfrastructureFailureSurfacesOnJob(t *testing.T) {
	f := newFixture(t, &stubClient{err: fmt.Errorf("%w: proxy refused", lookup.ErrInfrastructure)})
	job := f.ingest(t, threeRows)
	f.drain(t, false)

	p := f.productByIdentifier(t, job.ID, "123")
	require.True(t, p.InfraFailure)
	final := f.job(t, job.ID)
	require.Equal(t, JobError, final.State)
	require.Contains(t, final.SummaryNotes, "lookup infrastructure unavailable")
}

func TestCancelledLookupIsRetried(t *testing.T) {
	blocking := lookup.ClientFunc(func(ctx context.Context, identifier string) (lookup.FetchResult, error) {
		<-ctx.Done()
		return lookup.FetchResult{}, ctx.Err()
	})
	f := newFixture(t, blocking)
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	req := f.scheduler.requests[0]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.orch.RunLookupTask(ctx, req.ProductID, req.Identifier), context.Canceled)
	require.Equal(t, ProductProcessing, f.productByIdentifier(t, job.ID, "123").State)
}

func TestFailProduct(t *testing.T) {
	f := newFixture(t, &stubClient{})
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	req := f.scheduler.requests[0]

	require.NoError(t, f.orch.FailProduct(context.Background(), req.ProductID, "retries exhausted"))
	p := f.productByIdentifier(t, job.ID, "123")
	require.Equal(t, ProductError, p.State)
	require.Equal(t, "retries exhausted", p.Notes)
	require.Equal(t, JobError, f.job(t, job.ID).State)
}

func TestUnknownProductIsReported(t *testing.T) {
	f := newFixture(t, &stubClient{})
	err := f.orch.RunLookupTask(context.Background(), 404, "123")
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestSweepFinalizesStrandedJobs(t *testing.T) {
	f := newFixture(t, &stubClient{})
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	req := f.scheduler.requests[0]
	_, err := f.repo.CompleteProduct(context.Background(), req.ProductID, Completion{State: ProductDone, CheckedAt: time.Now()})
	require.NoError(t, err)
	require.Equal(t, JobProcessing, f.job(t, job.ID).State)

	n, err := f.orch.SweepProcessing(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, JobDone, f.job(t, job.ID).State)
}

func TestSweepFailsProductsAbandonedByTheQueue(t *testing.T) {
	f := newFixture(t, &stubClient{})
	f.orch.StaleAfter = time.Hour
	job := f.ingest(t, "ean,name,price\n111,A,10\n222,B,10\n")
	abandoned := f.productByIdentifier(t, job.ID, "111")
	fresh := f.productByIdentifier(t, job.ID, "222")

	claimed, err := f.repo.ClaimProduct(context.Background(), abandoned.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	f.repo.mu.Lock()
	p := f.repo.products[abandoned.ID]
	p.UpdatedAt = time.Now().Add(-2 * time.Hour)
	f.repo.products[abandoned.ID] = p
	f.repo.mu.Unlock()

	_, err = f.orch.SweepProcessing(context.Background(), 10)
	require.NoError(t, err)
	got := f.productByIdentifier(t, job.ID, "111")
	require.Equal(t, ProductError, got.State)
	require.True(t, strings.HasPrefix(got.Notes, "lookup abandoned: no progress since "))
	require.Equal(t, ProductQueued, f.productByIdentifier(t, job.ID, "222").State)
	require.Equal(t, JobProcessing, f.job(t, job.ID).State)

	require.NoError(t, f.orch.RunLookupTask(context.Background(), fresh.ID, fresh.Identifier))
	_, err = f.orch.SweepProcessing(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, JobDone, f.job(t, job.ID).State)
}

func TestSweepIgnoresStaleProductsWhenDisabled(t *testing.T) {
	f := newFixture(t, &stubClient{})
	job := f.ingest(t, "ean,name,price\n111,A,10\n")
	stale := f.productByIdentifier(t, job.ID, "111")
	f.repo.mu.Lock()
	stale.UpdatedAt = time.Now().Add(-48 * time.Hour)
	f.repo.products[stale.ID] = stale
	f.repo.mu.Unlock()

	_, err := f.orch.SweepProcessing(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, ProductQueued, f.productByIdentifier(t, job.ID, "111").State)
	require.Equal(t, JobProcessing, f.job(t, job.ID).State)
}

func TestStartJobValidation(t *testing.T) {
	f := newFixture(t, &stubClient{})
	_, err := f.svc.StartJob(context.Background(), StartJobInput{Filename: "p.pdf", File: strings.NewReader("x")})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.StartJob(context.Background(), StartJobInput{
		Filename:   "p.csv",
		File:       strings.NewReader(threeRows),
		Multiplier: decimal.NewNullDecimal(dec("-1")),
	})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, f.repo.jobs)
}

func TestStartJobStoresUploadAndDefaults(t *testing.T) {
	f := newFixture(t, &stubClient{})
	job, err := f.svc.StartJob(context.Background(), StartJobInput{
		Filename:   "../evil/Products.XLSX",
		File:       strings.NewReader("bytes"),
		Currency:   "eur",
		Multiplier: decimal.NewNullDecimal(dec("2")),
	})
	require.NoError(t, err)
	require.Equal(t, JobPending, job.State)
	require.Equal(t, "Products.XLSX", job.Filename)
	require.Equal(t, "EUR", job.Currency)
	require.True(t, job.ProfitMultiplier.Equal(dec("2")))

	path := f.enqueuer.requests[0].Path
	require.Equal(t, filepath.Join(f.dir, "uploads"), filepath.Dir(path))
	require.Equal(t, ".xlsx", filepath.Ext(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "bytes", string(data))
}

func TestStartJobQueueUnavailable(t *testing.T) {
	f := newFixture(t, &stubClient{})
	f.enqueuer.err = errors.New("dial tcp: connection refused")
	job, err := f.svc.StartJob(context.Background(), StartJobInput{Filename: "p.csv", File: strings.NewReader(threeRows)})
	require.ErrorIs(t, err, ErrQueueUnavailable)
	require.Equal(t, JobError, job.State)
	require.Contains(t, f.job(t, job.ID).SummaryNotes, "queue unavailable")
}

func TestJobStatusAndCSVExport(t *testing.T) {
	client := &stubClient{results: map[string]lookup.FetchResult{
		"123": {Identifier: "123", Outcome: lookup.OutcomeFound, LowestPrice: nullDec("20"), Origin: "http", FetchedAt: time.Now()},
	}}
	f := newFixture(t, client)
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n456,Talerz,20\n")

	status, err := f.svc.JobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, JobProcessing, status.Job.State)
	require.Equal(t, 2, status.Counts.Queued)

	f.drain(t, false)
	status, err = f.svc.JobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, JobDone, status.Job.State)
	require.Equal(t, Counts{Done: 1, NotFound: 1}, status.Counts)

	var out strings.Builder
	require.NoError(t, f.svc.WriteCSV(context.Background(), job.ID, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "identifier,name,purchase_price,currency,lowest_price,sold_count,profit_margin,recommendation,state,notes", lines[0])
	require.Equal(t, "123,Kubek,10.00,PLN,20.00,,2.00,profitable,done,fetched via http", lines[1])
	require.True(t, strings.HasPrefix(lines[2], "456,Talerz,20.00,PLN,,,,not found on marketplace,not_found,"))

	_, err = f.svc.JobStatus(context.Background(), 999)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestResubmitRequiresProcessingJob(t *testing.T) {
	f := newFixture(t, &stubClient{})
	job := f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	require.NoError(t, f.svc.Resubmit(context.Background(), job.ID))
	require.Len(t, f.scheduler.requests, 1)

	f.drain(t, false)
	require.ErrorIs(t, f.svc.Resubmit(context.Background(), job.ID), ErrJobState)
}

func TestMetricsRecordFinishedJobs(t *testing.T) {
	f := newFixture(t, &stubClient{})
	f.ingest(t, "ean,name,price\n123,Kubek,10\n")
	f.drain(t, false)

	families, err := f.registry.Gather()
	require.NoError(t, err)
	var finished float64
	for _, mf := range families {
		if mf.GetName() == "marginscout_import_jobs_finished_total" {
			for _, m := range mf.GetMetric() {
				finished += m.GetCounter().GetValue()
			}
		}
	}
	require.Equal(t, float64(1), finished)
}
