package imports

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// JobState tracks the lifecycle of an import batch.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobDone       JobState = "done"
	JobError      JobState = "error"
)

// Terminal reports whether the job will never change state again.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobError
}

// ProductState tracks one product through the lookup pipeline.
type ProductState string

const (
	ProductPending    ProductState = "pending"
	ProductQueued     ProductState = "queued"
	ProductProcessing ProductState = "processing"
	ProductDone       ProductState = "done"
	ProductNotFound   ProductState = "not_found"
	ProductError      ProductState = "error"
)

// Terminal reports whether the product is finished.
func (s ProductState) Terminal() bool {
	return s == ProductDone || s == ProductNotFound || s == ProductError
}

func (s ProductState) rank() int {
	switch s {
	case ProductPending:
		return 0
	case ProductQueued:
		return 1
	case ProductProcessing:
		return 2
	case ProductDone, ProductNotFound, ProductError:
		return 3
	}
	return -1
}

// CanTransition reports whether from -> to moves forward. Staying in a
// non-terminal state is allowed so redelivered tasks can reclaim a product.
func CanTransition(from, to ProductState) bool {
	if from.rank() < 0 || to.rank() < 0 || from.Terminal() {
		return false
	}
	return to.rank() >= from.rank()
}

var (
	ErrJobNotFound      = errors.New("imports: job not found")
	ErrProductNotFound  = errors.New("imports: product not found")
	ErrInvalidInput     = errors.New("imports: invalid input")
	ErrJobState         = errors.New("imports: job state does not allow this")
	ErrQueueUnavailable = errors.New("imports: queue unavailable")
	ErrScheduling       = errors.New("imports: scheduling failed")
)

// Job is one import batch.
type Job struct {
	ID               int64
	State            JobState
	ProfitMultiplier decimal.Decimal
	SummaryNotes     string
	Filename         string
	Category         string
	Currency         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	FinishedAt       *time.Time
}

// NewJob carries the attributes of a job about to be created.
type NewJob struct {
	ProfitMultiplier decimal.Decimal
	Filename         string
	Category         string
	Currency         string
}

// Product is one spreadsheet row and its lookup result snapshot.
type Product struct {
	ID            int64
	JobID         int64
	Identifier    string
	DisplayName   string
	PurchasePrice decimal.Decimal
	Currency      string
	State         ProductState
	Notes         string
	LowestPrice   decimal.NullDecimal
	SoldCount     *int
	Origin        string
	CheckedAt     *time.Time
	InfraFailure  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewProduct is a validated row ready for insertion.
type NewProduct struct {
	Identifier    string
	DisplayName   string
	PurchasePrice decimal.Decimal
}

// Completion is the terminal write applied to a product.
type Completion struct {
	State        ProductState
	Notes        string
	LowestPrice  decimal.NullDecimal
	SoldCount    *int
	Origin       string
	CheckedAt    time.Time
	InfraFailure bool
}

// Counts tallies a job's products per state.
type Counts struct {
	Pending     int `json:"pending"`
	Queued      int `json:"queued"`
	Processing  int `json:"processing"`
	Done        int `json:"done"`
	NotFound    int `json:"not_found"`
	Error       int `json:"error"`
	InfraErrors int `json:"infra_errors"`
}

// Add records n products in state.
func (c *Counts) Add(state ProductState, n int) {
	switch state {
	case ProductPending:
		c.Pending += n
	case ProductQueued:
		c.Queued += n
	case ProductProcessing:
		c.Processing += n
	case ProductDone:
		c.Done += n
	case ProductNotFound:
		c.NotFound += n
	case ProductError:
		c.Error += n
	}
}

// Active is the number of products not yet terminal.
func (c Counts) Active() int {
	return c.Pending + c.Queued + c.Processing
}

// Total is the number of products owned by the job.
func (c Counts) Total() int {
	return c.Active() + c.Done + c.NotFound + c.Error
}

// LookupRequest is the payload of one scheduled lookup.
type LookupRequest struct {
	JobID      int64  `json:"job_id"`
	ProductID  int64  `json:"product_id"`
	Identifier string `json:"identifier"`
}
