package rebalancing

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
	"github.com/meridianquant/rebalancer/internal/modules/harvesting"
)

// Compliance rule names.
const (
	RuleWashSale      = "wash_sale"
	RuleTurnover      = "turnover"
	RuleConcentration = "concentration"
)

// ComplianceChecker re-validates a generated trade list before release.
// It never mutates state.
type ComplianceChecker struct {
	detector           *harvesting.WashSaleDetector
	turnoverLimit      float64
	concentrationLimit float64
	log                zerolog.Logger
}

// NewComplianceChecker creates a checker.
func NewComplianceChecker(
	detector *harvesting.WashSaleDetector,
	turnoverLimit, concentrationLimit float64,
	log zerolog.Logger,
) *ComplianceChecker {
	return &ComplianceChecker{
		detector:           detector,
		turnoverLimit:      turnoverLimit,
		concentrationLimit: concentrationLimit,
		log:                log.With().Str("component", "compliance").Logger(),
	}
}

// CheckInput is one validation request.
type CheckInput struct {
	Trades         []domain.Trade
	Transactions   []domain.Transaction // history covering the wash-sale window
	LotsByID       map[int64]domain.TaxLot
	CurrentWeights map[string]float64
	TotalValue     float64
	AsOf           time.Time
}

// Check returns every violated rule with the implicated trades. An empty
// result means the list may be released.
func (c *ComplianceChecker) Check(input CheckInput) []Violation {
	var violations []Violation

	if v := c.checkWashSales(input); v != nil {
		violations = append(violations, *v)
	}
	if v := c.checkTurnover(input); v != nil {
		violations = append(violations, *v)
	}
	if v := c.checkConcentration(input); v != nil {
		violations = append(violations, *v)
	}

	return violations
}

// checkWashSales flags loss sells whose security is also bought inside the
// window, either in the account history or by a buy in this very trade list.
func (c *ComplianceChecker) checkWashSales(input CheckInput) *Violation {
	// Treat this list's buys as same-day transactions so intra-list
	// sell/re-buy pairs are caught.
	history := make([]domain.Transaction, 0, len(input.Transactions)+len(input.Trades))
	history = append(history, input.Transactions...)
	for _, trade := range input.Trades {
		if trade.Side == domain.SideBuy {
			history = append(history, domain.Transaction{
				SecurityID: trade.SecurityID,
				Ticker:     trade.Ticker,
				Side:       domain.SideBuy,
				Quantity:   trade.Quantity,
				Price:      trade.Price,
				TradeDate:  input.AsOf,
			})
		}
	}

	var offending []domain.Trade
	for _, trade := range input.Trades {
		if trade.Side != domain.SideSell {
			continue
		}
		lot, ok := input.LotsByID[trade.LotID]
		if !ok {
			continue
		}
		// Only a loss sale can be washed.
		if trade.Price >= lot.PurchasePrice {
			continue
		}
		ref := harvesting.SecurityRef{ID: trade.SecurityID, Ticker: trade.Ticker}
		if c.detector.Check(input.AsOf, ref, history).Violation {
			offending = append(offending, trade)
		}
	}

	if len(offending) == 0 {
		return nil
	}
	return &Violation{
		Rule:   RuleWashSale,
		Reason: fmt.Sprintf("%d loss sell(s) have a substantially identical buy inside the %d-day window", len(offending), c.detector.WindowDays()),
		Trades: offending,
	}
}

// pruneTrades drops every trade implicated in a violation, keeping the rest.
// A turnover violation implicates the whole list, so pruning it empties the
// trade list rather than guessing which trades to keep.
func pruneTrades(trades []domain.Trade, violations []Violation) []domain.Trade {
	type key struct {
		ticker string
		side   domain.TradeSide
		lotID  int64
	}
	drop := make(map[key]bool)
	for _, v := range violations {
		for _, t := range v.Trades {
			drop[key{t.Ticker, t.Side, t.LotID}] = true
		}
	}

	kept := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if drop[key{t.Ticker, t.Side, t.LotID}] {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

func (c *ComplianceChecker) checkTurnover(input CheckInput) *Violation {
	if input.TotalValue <= 0 {
		return nil
	}
	traded := 0.0
	for _, trade := range input.Trades {
		traded += math.Abs(trade.Amount)
	}
	turnover := traded / input.TotalValue
	if turnover <= c.turnoverLimit {
		return nil
	}
	return &Violation{
		Rule:   RuleTurnover,
		Reason: fmt.Sprintf("turnover %.4f exceeds limit %.4f", turnover, c.turnoverLimit),
		Trades: input.Trades,
	}
}

func (c *ComplianceChecker) checkConcentration(input CheckInput) *Violation {
	if input.TotalValue <= 0 || c.concentrationLimit <= 0 {
		return nil
	}

	net := make(map[string]float64)
	for _, trade := range input.Trades {
		if trade.Side == domain.SideBuy {
			net[trade.Ticker] += trade.Amount
		} else {
			net[trade.Ticker] -= trade.Amount
		}
	}

	// Any trade on a name whose post-trade weight breaches the bound is
	// implicated, whichever side it is on: a sell that leaves the name
	// overweight is still a breach of the resulting portfolio.
	var offending []domain.Trade
	var worst string
	var worstWeight float64
	for ticker, delta := range net {
		weight := input.CurrentWeights[ticker] + delta/input.TotalValue
		if weight > c.concentrationLimit+1e-9 {
			for _, trade := range input.Trades {
				if trade.Ticker == ticker {
					offending = append(offending, trade)
				}
			}
			if weight > worstWeight {
				worst, worstWeight = ticker, weight
			}
		}
	}

	if len(offending) == 0 {
		return nil
	}
	return &Violation{
		Rule:   RuleConcentration,
		Reason: fmt.Sprintf("%s would reach weight %.4f, above limit %.4f", worst, worstWeight, c.concentrationLimit),
		Trades: offending,
	}
}
