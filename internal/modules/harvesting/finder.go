package harvesting

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
	"github.com/meridianquant/rebalancer/internal/modules/portfolio"
	"github.com/meridianquant/rebalancer/internal/modules/risk"
	"github.com/meridianquant/rebalancer/internal/modules/universe"
)

// FinderConfig carries the harvesting thresholds.
type FinderConfig struct {
	MinLossThreshold float64 // minimum absolute loss to consider
	MaxOpportunities int     // truncate the scan to this many results
	WashSalePenalty  float64 // multiplicative score reduction when flagged, in [0,1]
	MaxReplacements  int
}

// Finder scans an account's open tax lots for harvesting opportunities.
// Every scan recomputes from the current lot/price state; nothing is cached
// between calls.
type Finder struct {
	cfg          FinderConfig
	portfolio    *portfolio.Service
	lots         *portfolio.LotRepository
	accounts     *portfolio.AccountRepository
	securities   *universe.SecurityRepository
	riskSource   risk.SnapshotSource
	detector     *WashSaleDetector
	taxCalc      *TaxBenefitCalculator
	replacements *ReplacementFinder
	log          zerolog.Logger
}

// NewFinder creates a harvesting finder.
func NewFinder(
	cfg FinderConfig,
	portfolioSvc *portfolio.Service,
	lots *portfolio.LotRepository,
	accounts *portfolio.AccountRepository,
	securities *universe.SecurityRepository,
	riskSource risk.SnapshotSource,
	detector *WashSaleDetector,
	taxCalc *TaxBenefitCalculator,
	replacements *ReplacementFinder,
	log zerolog.Logger,
) *Finder {
	return &Finder{
		cfg:          cfg,
		portfolio:    portfolioSvc,
		lots:         lots,
		accounts:     accounts,
		securities:   securities,
		riskSource:   riskSource,
		detector:     detector,
		taxCalc:      taxCalc,
		replacements: replacements,
		log:          log.With().Str("service", "harvesting").Logger(),
	}
}

// Options override per-call thresholds; zero values fall back to config.
type Options struct {
	MinLossThreshold *float64
	MaxOpportunities int
}

// FindOpportunities returns harvesting opportunities ordered by descending
// score, truncated to the configured maximum. Lots with gains never appear.
func (f *Finder) FindOpportunities(accountID int64, asOf time.Time, opts Options) ([]Opportunity, error) {
	acct, err := f.accounts.GetByID(accountID)
	if err != nil {
		return nil, err
	}

	snapshot, err := f.portfolio.GetSnapshot(accountID)
	if err != nil {
		return nil, err
	}

	minLoss := f.cfg.MinLossThreshold
	if opts.MinLossThreshold != nil {
		minLoss = *opts.MinLossThreshold
	}
	maxOpps := f.cfg.MaxOpportunities
	if opts.MaxOpportunities > 0 {
		maxOpps = opts.MaxOpportunities
	}

	// One history query covers the wash-sale window for every lot.
	window := f.detector.WindowDays()
	transactions, err := f.lots.GetTransactions(accountID,
		asOf.AddDate(0, 0, -window), asOf.AddDate(0, 0, window))
	if err != nil {
		return nil, err
	}

	allSecurities, err := f.securities.GetAllActive()
	if err != nil {
		return nil, err
	}
	secByTicker := make(map[string]domain.Security, len(allSecurities))
	for _, sec := range allSecurities {
		secByTicker[sec.Ticker] = sec
	}

	// A missing risk snapshot only degrades replacement ranking, it does not
	// block harvesting.
	var riskSnap *risk.Snapshot
	if f.riskSource != nil {
		riskSnap, err = f.riskSource.GetSnapshot(asOf)
		if err != nil {
			if !domain.IsKind(err, domain.KindDataUnavailable) {
				return nil, err
			}
			riskSnap = nil
		}
	}

	var opportunities []Opportunity
	for _, lot := range snapshot.Lots {
		price, ok := snapshot.Prices[lot.Ticker]
		if !ok {
			return nil, domain.DataUnavailablef(lot.Ticker, "no price for %s", lot.Ticker)
		}

		marketValue := lot.Quantity * price
		unrealized := marketValue - lot.CostBasis()
		if unrealized >= 0 {
			continue
		}
		if -unrealized < minLoss {
			continue
		}

		impact, err := f.taxCalc.Compute(lot, unrealized, asOf, *acct)
		if err != nil {
			return nil, err
		}

		sec, ok := secByTicker[lot.Ticker]
		if !ok {
			sec = domain.Security{ID: lot.SecurityID, Ticker: lot.Ticker}
		}

		washSale := f.detector.Check(asOf, Ref(sec), transactions)

		// Flagged lots keep a reduced, still-informative score so the ranking
		// stays useful; the penalty is explicit configuration.
		score := impact.Benefit
		if washSale.Violation {
			score *= 1 - f.cfg.WashSalePenalty
		}

		candidates := f.replacements.Find(sec, allSecurities, riskSnap, f.cfg.MaxReplacements)

		opportunities = append(opportunities, Opportunity{
			LotID:          lot.ID,
			SecurityID:     lot.SecurityID,
			Ticker:         lot.Ticker,
			Quantity:       lot.Quantity,
			CostBasis:      lot.CostBasis(),
			MarketValue:    marketValue,
			UnrealizedLoss: unrealized,
			HoldingPeriod:  impact.HoldingPeriod,
			TaxBenefit:     impact.Benefit,
			WashSale:       washSale,
			Score:          score,
			Replacements:   candidates,
			AsOf:           asOf,
		})
	}

	sort.Slice(opportunities, func(i, j int) bool {
		if opportunities[i].Score != opportunities[j].Score {
			return opportunities[i].Score > opportunities[j].Score
		}
		if opportunities[i].Ticker != opportunities[j].Ticker {
			return opportunities[i].Ticker < opportunities[j].Ticker
		}
		return opportunities[i].LotID < opportunities[j].LotID
	})

	if maxOpps > 0 && len(opportunities) > maxOpps {
		opportunities = opportunities[:maxOpps]
	}

	f.log.Info().
		Int64("account_id", accountID).
		Int("opportunities", len(opportunities)).
		Float64("min_loss", minLoss).
		Msg("Harvesting scan complete")

	return opportunities, nil
}
