package harvesting

import (
	"strconv"
	"time"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// TaxBenefitCalculator computes the tax impact of realizing a lot's gain or
// loss, using the account's short- and long-term rates.
type TaxBenefitCalculator struct {
	longTermDays int
}

// NewTaxBenefitCalculator creates a calculator. longTermDays is the holding
// period boundary for long-term treatment (365 by default).
func NewTaxBenefitCalculator(longTermDays int) *TaxBenefitCalculator {
	return &TaxBenefitCalculator{longTermDays: longTermDays}
}

// Classify returns the holding period of a lot as of the sale date.
func (c *TaxBenefitCalculator) Classify(acquisition, asOf time.Time) domain.HoldingPeriod {
	days := int(asOf.Sub(acquisition).Hours() / 24)
	if days >= c.longTermDays {
		return domain.HoldingLongTerm
	}
	return domain.HoldingShortTerm
}

// RateFor selects the account rate for a holding period.
func (c *TaxBenefitCalculator) RateFor(period domain.HoldingPeriod, acct domain.Account) float64 {
	if period == domain.HoldingLongTerm {
		return acct.LongTermRate
	}
	return acct.ShortTermRate
}

// Compute returns the tax impact of realizing unrealizedPnL on the given lot
// at asOf. Benefit = -pnl * rate: a loss yields a positive benefit, a gain a
// negative one (a tax cost). Zero-quantity lots are rejected.
func (c *TaxBenefitCalculator) Compute(
	lot domain.TaxLot,
	unrealizedPnL float64,
	asOf time.Time,
	acct domain.Account,
) (TaxImpact, error) {
	if lot.Quantity <= 0 {
		return TaxImpact{}, domain.Validationf(strconv.FormatInt(lot.ID, 10),
			"lot %d has zero quantity", lot.ID)
	}
	if acct.ShortTermRate < 0 || acct.ShortTermRate > 1 || acct.LongTermRate < 0 || acct.LongTermRate > 1 {
		return TaxImpact{}, domain.Validationf(strconv.FormatInt(acct.ID, 10),
			"account %d tax rates outside [0,1]", acct.ID)
	}

	period := c.Classify(lot.PurchaseDate, asOf)
	rate := c.RateFor(period, acct)

	return TaxImpact{
		HoldingPeriod: period,
		Rate:          rate,
		Benefit:       -unrealizedPnL * rate,
	}, nil
}
