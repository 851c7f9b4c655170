package harvesting

import (
	"time"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// SecurityRef identifies a security for wash-sale comparison.
type SecurityRef struct {
	ID     int64
	Ticker string
}

// Ref builds a SecurityRef from a domain security.
func Ref(sec domain.Security) SecurityRef {
	return SecurityRef{ID: sec.ID, Ticker: sec.Ticker}
}

// IdentityFunc decides whether two securities are "substantially identical"
// for wash-sale purposes. The default matches on security identifier; a
// broader function (same underlying index, same CUSIP family) can be plugged
// in at construction.
type IdentityFunc func(a, b SecurityRef) bool

// DefaultIdentity treats securities as identical when they share an ID, or a
// ticker when either side has no ID.
func DefaultIdentity(a, b SecurityRef) bool {
	if a.ID != 0 && b.ID != 0 {
		return a.ID == b.ID
	}
	return a.Ticker == b.Ticker
}

// WashSaleResult is the outcome of one wash-sale check.
type WashSaleResult struct {
	Violation bool                 `json:"violation"`
	Conflicts []domain.Transaction `json:"conflicts,omitempty"`
}

// TaxImpact is the result of a tax benefit computation. Benefit is positive
// for harvested losses and negative (a tax cost) for realized gains.
type TaxImpact struct {
	HoldingPeriod domain.HoldingPeriod `json:"holding_period"`
	Rate          float64              `json:"rate"`
	Benefit       float64              `json:"benefit"`
}

// Opportunity is an ephemeral harvesting candidate computed per call; it
// references a lot but owns nothing and is never persisted.
type Opportunity struct {
	LotID          int64                `json:"lot_id"`
	SecurityID     int64                `json:"security_id"`
	Ticker         string               `json:"ticker"`
	Quantity       float64              `json:"quantity"`
	CostBasis      float64              `json:"cost_basis"`
	MarketValue    float64              `json:"market_value"`
	UnrealizedLoss float64              `json:"unrealized_loss"` // always <= 0
	HoldingPeriod  domain.HoldingPeriod `json:"holding_period"`
	TaxBenefit     float64              `json:"tax_benefit"`
	WashSale       WashSaleResult       `json:"wash_sale"`
	Score          float64              `json:"score"`
	Replacements   []domain.Security    `json:"replacements"`
	AsOf           time.Time            `json:"as_of"`
}
