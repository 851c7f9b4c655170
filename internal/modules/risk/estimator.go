package risk

import (
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/clients/marketdata"
	"github.com/meridianquant/rebalancer/pkg/formulas"
)

// minHistoryPoints is the minimum number of prices needed for a usable
// variance estimate.
const minHistoryPoints = 20

// SpecificVarEstimator fills specific-variance gaps in a snapshot from
// trailing price history when the factor model does not cover a security.
type SpecificVarEstimator struct {
	market       marketdata.Provider
	lookbackDays int
	log          zerolog.Logger
}

// NewSpecificVarEstimator creates an estimator with a one-year lookback.
func NewSpecificVarEstimator(market marketdata.Provider, log zerolog.Logger) *SpecificVarEstimator {
	return &SpecificVarEstimator{
		market:       market,
		lookbackDays: 365,
		log:          log.With().Str("component", "specific_var_estimator").Logger(),
	}
}

// Estimate returns the per-period return variance for a security, or
// (0, false) when there is not enough history.
func (e *SpecificVarEstimator) Estimate(securityID int64, asOf time.Time) (float64, bool, error) {
	start := asOf.AddDate(0, 0, -e.lookbackDays)
	history, err := e.market.PriceHistory(securityID, start, asOf)
	if err != nil {
		return 0, false, err
	}
	if len(history) < minHistoryPoints {
		return 0, false, nil
	}

	closes := make([]float64, len(history))
	for i, p := range history {
		closes[i] = p.Close
	}

	returns := formulas.CalculateReturns(closes)
	if len(returns) < minHistoryPoints-1 {
		return 0, false, nil
	}

	stdDev := talib.StdDev(returns, len(returns), 1.0)
	sigma := stdDev[len(stdDev)-1]
	return sigma * sigma, true, nil
}

// FillSpecificVariance estimates variance for every ticker the snapshot is
// missing. Securities with neither model coverage nor price history keep a
// zero variance; their risk then comes from factor exposures alone.
func (e *SpecificVarEstimator) FillSpecificVariance(snap *Snapshot, securityIDs map[string]int64) error {
	for ticker, id := range securityIDs {
		if _, ok := snap.SpecificVar[ticker]; ok {
			continue
		}
		variance, ok, err := e.Estimate(id, snap.AsOf)
		if err != nil {
			return err
		}
		if !ok {
			e.log.Debug().Str("ticker", ticker).Msg("No usable history for specific variance")
			continue
		}
		snap.SpecificVar[ticker] = variance
	}
	return nil
}
