package imports

import (
	"github.com/shopspring/decimal"
)

// Recommendation labels shown next to each product.
const (
	RecommendProfitable   = "profitable"
	RecommendUnprofitable = "unprofitable"
	RecommendNotFound     = "not found on marketplace"
	RecommendFetchError   = "fetch error"
	RecommendInProgress   = "in progress"
	RecommendNoData       = "no data"
)

// ProductAnalysis is the read model returned by ListJobProducts.
type ProductAnalysis struct {
	ID             int64               `json:"id"`
	Identifier     string              `json:"identifier"`
	Name           string              `json:"name"`
	PurchasePrice  decimal.Decimal     `json:"purchase_price"`
	Currency       string              `json:"currency"`
	LowestPrice    decimal.NullDecimal `json:"lowest_price"`
	SoldCount      *int                `json:"sold_count"`
	ProfitMargin   decimal.NullDecimal `json:"profit_margin"`
	Recommendation string              `json:"recommendation"`
	State          ProductState        `json:"state"`
	Notes          string              `json:"notes,omitempty"`
}

// ProfitMargin returns round(lowest/purchase, 2) when both are known and the
// purchase price is positive.
func ProfitMargin(purchase decimal.Decimal, lowest decimal.NullDecimal) decimal.NullDecimal {
	if !lowest.Valid || !purchase.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(lowest.Decimal.Div(purchase).Round(2))
}

// Recommend derives the recommendation label for p under multiplier.
func Recommend(p Product, multiplier decimal.Decimal) (decimal.NullDecimal, string) {
	margin := ProfitMargin(p.PurchasePrice, p.LowestPrice)
	switch p.State {
	case ProductNotFound:
		return margin, RecommendNotFound
	case ProductError:
		return margin, RecommendFetchError
	case ProductPending, ProductQueued, ProductProcessing:
		return margin, RecommendInProgress
	}
	if !p.LowestPrice.Valid {
		return margin, RecommendNoData
	}
	if !p.PurchasePrice.IsPositive() {
		return margin, RecommendProfitable
	}
	if margin.Decimal.GreaterThanOrEqual(multiplier) {
		return margin, RecommendProfitable
	}
	return margin, RecommendUnprofitable
}

// Analyze builds the read model for one product.
func Analyze(p Product, multiplier decimal.Decimal) ProductAnalysis {
	margin, rec := Recommend(p, multiplier)
	return ProductAnalysis{
		ID:             p.ID,
		Identifier:     p.Identifier,
		Name:           p.DisplayName,
		PurchasePrice:  p.PurchasePrice,
		Currency:       p.Currency,
		LowestPrice:    p.LowestPrice,
		SoldCount:      p.SoldCount,
		ProfitMargin:   margin,
		Recommendation: rec,
		State:          p.State,
		Notes:          p.Notes,
	}
}
