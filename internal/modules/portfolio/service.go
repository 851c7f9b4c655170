package portfolio

import (
	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/clients/marketdata"
	"github.com/meridianquant/rebalancer/internal/domain"
)

// Service derives positions and portfolio weights from tax lots.
// Positions are always recomputed from lots, never stored.
type Service struct {
	lots   *LotRepository
	market marketdata.Provider
	log    zerolog.Logger
}

// NewService creates a new portfolio service.
func NewService(lots *LotRepository, market marketdata.Provider, log zerolog.Logger) *Service {
	return &Service{
		lots:   lots,
		market: market,
		log:    log.With().Str("service", "portfolio").Logger(),
	}
}

// LatestPrice exposes the market-data collaborator's latest price.
func (s *Service) LatestPrice(securityID int64) (float64, bool, error) {
	return s.market.LatestPrice(securityID)
}

// Snapshot is the priced view of an account used across the engine.
type Snapshot struct {
	Positions  []domain.Position
	Lots       []domain.TaxLot
	Prices     map[string]float64 // ticker -> latest price
	Weights    map[string]float64 // ticker -> market-value weight
	TotalValue float64
}

// GetSnapshot aggregates the account's open lots into priced positions.
// A missing price for a held security is a data_unavailable error; the engine
// never guesses stale values.
func (s *Service) GetSnapshot(accountID int64) (*Snapshot, error) {
	lots, err := s.lots.GetOpenLots(accountID)
	if err != nil {
		return nil, err
	}

	byTicker := make(map[string]*domain.Position)
	prices := make(map[string]float64)

	for _, lot := range lots {
		pos, ok := byTicker[lot.Ticker]
		if !ok {
			price, found, err := s.market.LatestPrice(lot.SecurityID)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, domain.DataUnavailablef(lot.Ticker, "no price for %s", lot.Ticker)
			}
			prices[lot.Ticker] = price
			pos = &domain.Position{
				AccountID:    lot.AccountID,
				SecurityID:   lot.SecurityID,
				Ticker:       lot.Ticker,
				CurrentPrice: price,
			}
			byTicker[lot.Ticker] = pos
		}
		pos.Quantity += lot.Quantity
		pos.CostBasis += lot.CostBasis()
		pos.OpenLots++
	}

	snapshot := &Snapshot{
		Lots:    lots,
		Prices:  prices,
		Weights: make(map[string]float64),
	}

	for _, pos := range byTicker {
		pos.MarketValue = pos.Quantity * pos.CurrentPrice
		pos.UnrealizedPnL = pos.MarketValue - pos.CostBasis
		if pos.Quantity > 0 {
			pos.AverageCost = pos.CostBasis / pos.Quantity
		}
		snapshot.TotalValue += pos.MarketValue
		snapshot.Positions = append(snapshot.Positions, *pos)
	}

	if snapshot.TotalValue > 0 {
		for _, pos := range snapshot.Positions {
			snapshot.Weights[pos.Ticker] = pos.MarketValue / snapshot.TotalValue
		}
	}

	s.log.Debug().
		Int64("account_id", accountID).
		Int("positions", len(snapshot.Positions)).
		Float64("total_value", snapshot.TotalValue).
		Msg("Built portfolio snapshot")

	return snapshot, nil
}
