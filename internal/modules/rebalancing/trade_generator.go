package rebalancing

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// minTradeAmount suppresses dust trades produced by solver noise.
const minTradeAmount = 1.0

// TradeGenerator converts optimizer weight deltas into discrete lot-level
// buy/sell trades.
type TradeGenerator struct {
	log zerolog.Logger
}

// NewTradeGenerator creates a trade generator.
func NewTradeGenerator(log zerolog.Logger) *TradeGenerator {
	return &TradeGenerator{
		log: log.With().Str("component", "trade_generator").Logger(),
	}
}

// GenerateInput is one generation request.
type GenerateInput struct {
	DeltaAmounts map[string]float64 // ticker -> signed currency amount
	Prices       map[string]float64 // ticker -> latest price
	Lots         []domain.TaxLot    // the account's open lots
	SecurityIDs  map[string]int64   // ticker -> security id, for buys
	Policy       string             // lot selection policy for sells
	HarvestLots  map[int64]bool     // lots flagged by harvesting, for harvest_first
}

// Generate builds the trade list. Sells select specific lots under the
// configured policy and never exceed a lot's remaining quantity; lots that
// held only whole shares are never left with a fractional remainder.
func (g *TradeGenerator) Generate(input GenerateInput) ([]domain.Trade, error) {
	lotsByTicker := make(map[string][]domain.TaxLot)
	for _, lot := range input.Lots {
		if lot.Closed || lot.Quantity <= 0 {
			continue
		}
		lotsByTicker[lot.Ticker] = append(lotsByTicker[lot.Ticker], lot)
	}

	// Deterministic trade order.
	tickers := make([]string, 0, len(input.DeltaAmounts))
	for t := range input.DeltaAmounts {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var trades []domain.Trade
	for _, ticker := range tickers {
		amount := input.DeltaAmounts[ticker]
		if math.Abs(amount) < minTradeAmount {
			continue
		}

		price, ok := input.Prices[ticker]
		if !ok || price <= 0 {
			return nil, domain.DataUnavailablef(ticker, "no price for %s", ticker)
		}

		if amount < 0 {
			sells, err := g.generateSells(ticker, -amount, price, lotsByTicker[ticker], input)
			if err != nil {
				return nil, err
			}
			trades = append(trades, sells...)
			continue
		}

		securityID, ok := input.SecurityIDs[ticker]
		if !ok {
			return nil, domain.Validationf(ticker, "unknown security %s", ticker)
		}
		quantity := amount / price
		trades = append(trades, domain.Trade{
			Ticker:     ticker,
			SecurityID: securityID,
			Side:       domain.SideBuy,
			Quantity:   quantity,
			Price:      price,
			Amount:     amount,
		})
	}

	return trades, nil
}

// generateSells walks the ticker's lots in policy order until the required
// quantity is met.
func (g *TradeGenerator) generateSells(
	ticker string,
	sellAmount, price float64,
	lots []domain.TaxLot,
	input GenerateInput,
) ([]domain.Trade, error) {
	if len(lots) == 0 {
		return nil, domain.Validationf(ticker, "no open lots to sell for %s", ticker)
	}

	ordered := make([]domain.TaxLot, len(lots))
	copy(ordered, lots)
	g.orderLots(ordered, input)

	remaining := sellAmount / price
	var trades []domain.Trade
	for _, lot := range ordered {
		if remaining <= 1e-9 {
			break
		}

		quantity := math.Min(remaining, lot.Quantity)
		// A lot that held only whole shares sells whole shares, unless it is
		// being emptied entirely.
		if isWholeShareLot(lot) && quantity < lot.Quantity {
			quantity = math.Floor(quantity)
			if quantity <= 0 {
				continue
			}
		}

		trades = append(trades, domain.Trade{
			Ticker:     ticker,
			SecurityID: lot.SecurityID,
			Side:       domain.SideSell,
			Quantity:   quantity,
			Price:      price,
			Amount:     quantity * price,
			LotID:      lot.ID,
		})
		remaining -= quantity
	}

	return trades, nil
}

// orderLots sorts sell candidates: harvest-flagged lots first when the policy
// asks for it, then highest cost basis per share to minimize realized gain,
// then lot id for determinism.
func (g *TradeGenerator) orderLots(lots []domain.TaxLot, input GenerateInput) {
	harvestFirst := input.Policy == PolicyHarvestFirst
	sort.Slice(lots, func(i, j int) bool {
		if harvestFirst {
			hi, hj := input.HarvestLots[lots[i].ID], input.HarvestLots[lots[j].ID]
			if hi != hj {
				return hi
			}
		}
		if lots[i].PurchasePrice != lots[j].PurchasePrice {
			return lots[i].PurchasePrice > lots[j].PurchasePrice
		}
		return lots[i].ID < lots[j].ID
	})
}

// isWholeShareLot reports whether a lot has only ever held whole shares.
func isWholeShareLot(lot domain.TaxLot) bool {
	return lot.OriginalQuantity == math.Trunc(lot.OriginalQuantity) &&
		lot.Quantity == math.Trunc(lot.Quantity)
}
