// Package lookup fetches the current marketplace price for a product identifier.
//
// A Client never fails for adversarial conditions: blocks, challenges and
// missing listings are reported through FetchResult.Outcome. Only broken
// configuration or unreachable infrastructure surfaces as an error wrapping
// ErrInfrastructure.
package lookup

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome classifies a single lookup.
type Outcome string

const (
	OutcomeFound          Outcome = "found"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeBlocked        Outcome = "blocked"
	OutcomeCaptcha        Outcome = "captcha"
	OutcomeTransientError Outcome = "transient_error"
)

// Reusable reports whether a result with this outcome may be served from cache.
func (o Outcome) Reusable() bool {
	return o == OutcomeFound || o == OutcomeNotFound
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFound, OutcomeNotFound, OutcomeBlocked, OutcomeCaptcha, OutcomeTransientError:
		return true
	}
	return false
}

// ErrInfrastructure marks failures of the lookup machinery itself.
var ErrInfrastructure = errors.New("lookup: infrastructure unavailable")

// FetchResult is the normalized outcome of one lookup call.
type FetchResult struct {
	Identifier  string              `json:"identifier"`
	LowestPrice decimal.NullDecimal `json:"lowest_price"`
	SoldCount   *int                `json:"sold_count,omitempty"`
	Outcome     Outcome             `json:"outcome"`
	FetchedAt   time.Time           `json:"fetched_at"`
	Origin      string              `json:"origin"`
	ErrorDetail string              `json:"error_detail,omitempty"`
	StatusCode  int                 `json:"status_code,omitempty"`
	Attempts    int                 `json:"attempts,omitempty"`
}

// Client performs a lookup for one identifier.
type Client interface {
	Lookup(ctx context.Context, identifier string) (FetchResult, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, identifier string) (FetchResult, error)

// Lookup implements Client.
func (f ClientFunc) Lookup(ctx context.Context, identifier string) (FetchResult, error) {
	return f(ctx, identifier)
}
