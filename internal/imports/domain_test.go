package imports

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(ProductPending, ProductQueued))
	require.True(t, CanTransition(ProductQueued, ProductProcessing))
	require.True(t, CanTransition(ProductProcessing, ProductProcessing))
	require.True(t, CanTransition(ProductProcessing, ProductNotFound))
	require.True(t, CanTransition(ProductPending, ProductError))
	require.False(t, CanTransition(ProductProcessing, ProductQueued))
	require.False(t, CanTransition(ProductDone, ProductError))
	require.False(t, CanTransition(ProductError, ProductDone))
	require.False(t, CanTransition("bogus", ProductDone))
}

func TestDecideOutcome(t *testing.T) {
	cases := []struct {
		name   string
		counts Counts
		state  JobState
		note   string
		ready  bool
	}{
		{"active products", Counts{Done: 2, Processing: 1}, "", "", false},
		{"no products", Counts{}, JobError, "no valid products", true},
		{"all errors", Counts{Error: 3}, JobError, "all 3 products failed", true},
		{"all infra errors", Counts{Error: 2, InfraErrors: 2}, JobError, "all 2 products failed: lookup infrastructure unavailable (2 affected)", true},
		{"clean run", Counts{Done: 3}, JobDone, "", true},
		{"mixed", Counts{Done: 1, Error: 2, NotFound: 1}, JobDone, "2 errors, 1 not found", true},
		{"mixed infra", Counts{Done: 1, Error: 1, InfraErrors: 1}, JobDone, "1 errors (1 infrastructure)", true},
		{"only not found", Counts{NotFound: 2}, JobDone, "2 not found", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, note, ready := DecideOutcome(tc.counts)
			require.Equal(t, tc.ready, ready)
			require.Equal(t, tc.state, state)
			require.Equal(t, tc.note, note)
		})
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullDec(s string) decimal.NullDecimal { return decimal.NewNullDecimal(dec(s)) }

func TestRecommend(t *testing.T) {
	multiplier := dec("1.5")
	cases := []struct {
		name    string
		product Product
		margin  string
		rec     string
	}{
		{"profitable", Product{State: ProductDone, PurchasePrice: dec("10"), LowestPrice: nullDec("20")}, "2", RecommendProfitable},
		{"unprofitable", Product{State: ProductDone, PurchasePrice: dec("20"), LowestPrice: nullDec("10")}, "0.5", RecommendUnprofitable},
		{"exact threshold", Product{State: ProductDone, PurchasePrice: dec("10"), LowestPrice: nullDec("15")}, "1.5", RecommendProfitable},
		{"rounds half away from zero", Product{State: ProductDone, PurchasePrice: dec("8"), LowestPrice: nullDec("11.98")}, "1.5", RecommendProfitable},
		{"rounds below threshold", Product{State: ProductDone, PurchasePrice: dec("3"), LowestPrice: nullDec("4.48")}, "1.49", RecommendUnprofitable},
		{"not found", Product{State: ProductNotFound, PurchasePrice: dec("30")}, "", RecommendNotFound},
		{"error", Product{State: ProductError, PurchasePrice: dec("30")}, "", RecommendFetchError},
		{"in progress", Product{State: ProductQueued, PurchasePrice: dec("30")}, "", RecommendInProgress},
		{"done without price", Product{State: ProductDone, PurchasePrice: dec("30")}, "", RecommendNoData},
		{"free purchase", Product{State: ProductDone, PurchasePrice: dec("0"), LowestPrice: nullDec("5")}, "", RecommendProfitable},
		{"free purchase without price", Product{State: ProductDone, PurchasePrice: dec("0")}, "", RecommendNoData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			margin, rec := Recommend(tc.product, multiplier)
			require.Equal(t, tc.rec, rec)
			if tc.margin == "" {
				require.False(t, margin.Valid)
				return
			}
			require.True(t, margin.Valid)
			require.True(t, margin.Decimal.Equal(dec(tc.margin)), margin.Decimal.String())
		})
	}
}

func TestProfitMarginIsDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		m := ProfitMargin(dec("3"), nullDec("10"))
		require.Equal(t, "3.33", m.Decimal.StringFixed(2))
	}
}

func TestReadWithRetry(t *testing.T) {
	policy := readRetryPolicy{attempts: 3, wait: time.Millisecond}
	calls := 0
	v, err := readWithRetry(context.Background(), policy, ErrProductNotFound, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, ErrProductNotFound
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 3, calls)

	calls = 0
	_, err = readWithRetry(context.Background(), policy, ErrProductNotFound, func(context.Context) (int, error) {
		calls++
		return 0, ErrProductNotFound
	})
	require.ErrorIs(t, err, ErrProductNotFound)
	require.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	_, err = readWithRetry(context.Background(), policy, ErrProductNotFound, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}
