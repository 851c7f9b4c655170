package domain

import "time"

// TradeSide represents the direction of a trade or transaction.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// HoldingPeriod classifies a lot's holding period for tax purposes.
type HoldingPeriod string

const (
	HoldingShortTerm HoldingPeriod = "short_term"
	HoldingLongTerm  HoldingPeriod = "long_term"
)

// Security represents a tradable security in the universe.
// Identity (ID, Ticker, CUSIP, ISIN) is immutable; descriptive fields may change.
type Security struct {
	ID       int64  `json:"id"`
	Ticker   string `json:"ticker"`
	CUSIP    string `json:"cusip,omitempty"`
	ISIN     string `json:"isin,omitempty"`
	Name     string `json:"name"`
	Sector   string `json:"sector,omitempty"`
	Industry string `json:"industry,omitempty"`
	Active   bool   `json:"active"`
}

// TaxLot is a specific purchase batch of a security with its own cost basis
// and acquisition date. Created on buy, reduced or closed on sell.
// Quantity never goes negative; a closed lot (quantity 0) is immutable.
type TaxLot struct {
	ID               int64     `json:"id"`
	AccountID        int64     `json:"account_id"`
	SecurityID       int64     `json:"security_id"`
	Ticker           string    `json:"ticker"`
	PurchaseDate     time.Time `json:"purchase_date"`
	PurchasePrice    float64   `json:"purchase_price"`
	Quantity         float64   `json:"quantity"`
	OriginalQuantity float64   `json:"original_quantity"`
	Closed           bool      `json:"closed"`
}

// CostBasis returns the remaining cost basis of the lot.
func (l TaxLot) CostBasis() float64 {
	return l.Quantity * l.PurchasePrice
}

// HoldingDays returns the number of whole days the lot has been held as of
// the given date.
func (l TaxLot) HoldingDays(asOf time.Time) int {
	return int(asOf.Sub(l.PurchaseDate).Hours() / 24)
}

// Transaction is an executed buy or sell, kept as account history.
// Wash-sale detection reads this history.
type Transaction struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"account_id"`
	SecurityID int64     `json:"security_id"`
	Ticker     string    `json:"ticker"`
	Side       TradeSide `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	TradeDate  time.Time `json:"trade_date"`
}

// Position is the derived aggregate of open lots for (account, security).
// It is recomputed from lots, never mutated directly.
type Position struct {
	AccountID     int64   `json:"account_id"`
	SecurityID    int64   `json:"security_id"`
	Ticker        string  `json:"ticker"`
	Quantity      float64 `json:"quantity"`
	CostBasis     float64 `json:"cost_basis"`
	AverageCost   float64 `json:"average_cost"`
	CurrentPrice  float64 `json:"current_price,omitempty"`
	MarketValue   float64 `json:"market_value,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl,omitempty"`
	OpenLots      int     `json:"open_lots"`
}

// Account owns a set of tax lots, references one benchmark, and carries the
// tax rates used for benefit/cost computation. Rates are fractions in [0, 1].
type Account struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	BenchmarkID   int64   `json:"benchmark_id"`
	ShortTermRate float64 `json:"short_term_rate"`
	LongTermRate  float64 `json:"long_term_rate"`
	CashBalance   float64 `json:"cash_balance"`
	Active        bool    `json:"active"`
}

// Benchmark is a named benchmark whose constituents are time-indexed
// (security, weight) pairs.
type Benchmark struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Trade is a proposed lot-level action. Ephemeral until accepted by the
// compliance checker, then recorded inside a RebalancingEvent.
type Trade struct {
	Ticker     string    `json:"ticker"`
	SecurityID int64     `json:"security_id"`
	Side       TradeSide `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	LotID      int64     `json:"lot_id,omitempty"`
}

// RebalancingEvent is the immutable record of one rebalance attempt.
// Appended on completion or rejection, never updated.
type RebalancingEvent struct {
	ID                  string    `json:"id"`
	AccountID           int64     `json:"account_id"`
	Status              string    `json:"status"`
	RebalancingType     string    `json:"rebalancing_type"`
	TrackingErrorBefore float64   `json:"tracking_error_before"`
	TrackingErrorAfter  float64   `json:"tracking_error_after"`
	TaxBenefit          float64   `json:"tax_benefit"`
	Turnover            float64   `json:"turnover"`
	Trades              []Trade   `json:"trades"`
	Message             string    `json:"message,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}
