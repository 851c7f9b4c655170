package risk

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// TrackingErrorResult reports active risk of a portfolio versus its benchmark.
type TrackingErrorResult struct {
	TrackingError    float64 `json:"tracking_error"`
	ActiveVariance   float64 `json:"active_variance"`
	ActiveReturn     float64 `json:"active_return"`
	InformationRatio float64 `json:"information_ratio"`
}

// TrackingErrorCalculator computes annualized tracking error from a risk
// snapshot.
type TrackingErrorCalculator struct {
	annualization float64
	log           zerolog.Logger
}

// NewTrackingErrorCalculator creates a calculator. annualization is the
// number of model periods per year (252 for a daily model).
func NewTrackingErrorCalculator(annualization float64, log zerolog.Logger) *TrackingErrorCalculator {
	return &TrackingErrorCalculator{
		annualization: annualization,
		log:           log.With().Str("component", "tracking_error").Logger(),
	}
}

// UnionUniverse returns the sorted union of tickers appearing in any of the
// given weight maps.
func UnionUniverse(weightMaps ...map[string]float64) []string {
	set := make(map[string]bool)
	for _, m := range weightMaps {
		for ticker := range m {
			set[ticker] = true
		}
	}
	tickers := make([]string, 0, len(set))
	for t := range set {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}

// ActiveWeights computes w_p - w_b aligned over the union universe; tickers
// missing from either side contribute a zero weight.
func ActiveWeights(universe []string, portfolio, benchmark map[string]float64) []float64 {
	active := make([]float64, len(universe))
	for i, ticker := range universe {
		active[i] = portfolio[ticker] - benchmark[ticker]
	}
	return active
}

// Compute calculates tracking error, active return, and information ratio.
// expectedReturns may be nil when only risk is needed; missing returns count
// as zero. Identical portfolio and benchmark weights give TE = 0 and IR = 0.
func (c *TrackingErrorCalculator) Compute(
	portfolio, benchmark map[string]float64,
	snap *Snapshot,
	expectedReturns map[string]float64,
) TrackingErrorResult {
	universe := UnionUniverse(portfolio, benchmark)
	active := ActiveWeights(universe, portfolio, benchmark)
	variance := c.ActiveVariance(universe, active, snap)

	te := 0.0
	if variance > 0 {
		te = math.Sqrt(variance * c.annualization)
	}

	activeReturn := 0.0
	for i, ticker := range universe {
		activeReturn += active[i] * expectedReturns[ticker]
	}

	ir := 0.0
	if te > 0 {
		ir = activeReturn / te
	}

	return TrackingErrorResult{
		TrackingError:    te,
		ActiveVariance:   variance,
		ActiveReturn:     activeReturn,
		InformationRatio: ir,
	}
}

// ActiveVariance computes aT(BFBT + D)a in per-period units for an active
// weight vector aligned with the universe.
func (c *TrackingErrorCalculator) ActiveVariance(universe []string, active []float64, snap *Snapshot) float64 {
	n := len(universe)
	k := len(snap.Factors)
	if n == 0 {
		return 0
	}

	// Factor contribution: x = BTa, then xT F x.
	factorVar := 0.0
	if k > 0 {
		data := make([]float64, n*k)
		for i, ticker := range universe {
			copy(data[i*k:(i+1)*k], snap.ExposureFor(ticker))
		}
		b := mat.NewDense(n, k, data)
		a := mat.NewVecDense(n, active)

		var x mat.VecDense
		x.MulVec(b.T(), a)

		var fx mat.VecDense
		fx.MulVec(snap.Covariance, &x)

		factorVar = mat.Dot(&x, &fx)
	}

	// Specific contribution: sum s_i * a_i^2.
	specificVar := 0.0
	for i, ticker := range universe {
		specificVar += snap.SpecificVar[ticker] * active[i] * active[i]
	}

	return factorVar + specificVar
}

// CovarianceMatrix assembles the full security covariance BFBT + D over the
// given universe. Used by the optimizer's quadratic term.
func (c *TrackingErrorCalculator) CovarianceMatrix(universe []string, snap *Snapshot) *mat.SymDense {
	n := len(universe)
	k := len(snap.Factors)
	sigma := mat.NewSymDense(n, nil)
	if n == 0 {
		return sigma
	}

	if k > 0 {
		data := make([]float64, n*k)
		for i, ticker := range universe {
			copy(data[i*k:(i+1)*k], snap.ExposureFor(ticker))
		}
		b := mat.NewDense(n, k, data)

		var bf mat.Dense
		bf.Mul(b, snap.Covariance)

		var bfbt mat.Dense
		bfbt.Mul(&bf, b.T())

		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				sigma.SetSym(i, j, bfbt.At(i, j))
			}
		}
	}

	for i, ticker := range universe {
		sigma.SetSym(i, i, sigma.At(i, i)+snap.SpecificVar[ticker])
	}

	return sigma
}

// Annualization exposes the calculator's periods-per-year setting.
func (c *TrackingErrorCalculator) Annualization() float64 {
	return c.annualization
}
