// Package optimizer solves the tax-aware, tracking-error-constrained
// portfolio optimization. The objective trades off active risk against
// realized tax impact and turnover:
//
//	minimize  TE^2(w) + lambda_tax * taxCost(w) + lambda_txn * turnover(w)
//
// with weights on the long-only simplex, optionally capped per position.
package optimizer

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianquant/rebalancer/internal/domain"
	"github.com/meridianquant/rebalancer/internal/modules/harvesting"
	"github.com/meridianquant/rebalancer/internal/modules/risk"
)

// Solve statuses.
const (
	StatusOptimal    = "optimal"
	StatusInfeasible = "infeasible"
	StatusError      = "error"
)

// teTolerance absorbs solver noise when checking the tracking-error cap.
const teTolerance = 1e-6

// Config carries the optimizer's tunables.
type Config struct {
	TaxLambda          float64
	TransactionLambda  float64
	ConcentrationLimit float64 // 0 disables the per-name cap
	BudgetSeconds      int
	MaxIterations      int
}

// Input is everything one solve consumes. The optimizer never reads storage.
type Input struct {
	Account          domain.Account
	CurrentWeights   map[string]float64
	BenchmarkWeights map[string]float64
	Snapshot         *risk.Snapshot
	Lots             []domain.TaxLot
	Prices           map[string]float64 // ticker -> latest price
	TotalValue       float64
	Opportunities    []harvesting.Opportunity
	MaxTrackingError *float64 // nil = uncapped
	AsOf             time.Time
}

// Result is one solve's output. Deltas are target minus current weight;
// DeltaAmounts the same in currency.
type Result struct {
	Status            string             `json:"status"`
	Weights           map[string]float64 `json:"optimal_weights,omitempty"`
	TrackingError     float64            `json:"tracking_error"`
	TaxBenefit        float64            `json:"tax_benefit"`
	ObjectiveValue    float64            `json:"objective_value"`
	Deltas            map[string]float64 `json:"deltas,omitempty"`
	DeltaAmounts      map[string]float64 `json:"delta_amounts,omitempty"`
	BindingConstraint string             `json:"binding_constraint,omitempty"`
}

// Optimizer computes tax-aware target weights.
type Optimizer struct {
	cfg     Config
	solver  Solver
	teCalc  *risk.TrackingErrorCalculator
	taxCalc *harvesting.TaxBenefitCalculator
	log     zerolog.Logger
}

// New creates an optimizer around a solver backend.
func New(
	cfg Config,
	solver Solver,
	teCalc *risk.TrackingErrorCalculator,
	taxCalc *harvesting.TaxBenefitCalculator,
	log zerolog.Logger,
) *Optimizer {
	return &Optimizer{
		cfg:     cfg,
		solver:  solver,
		teCalc:  teCalc,
		taxCalc: taxCalc,
		log:     log.With().Str("service", "optimizer").Logger(),
	}
}

// Optimize runs one solve. Harvesting opportunities seed the universe with
// their replacement candidates so freed capital has somewhere to go.
func (o *Optimizer) Optimize(ctx context.Context, input Input) (Result, error) {
	if input.TotalValue <= 0 {
		return Result{Status: StatusError}, domain.Validationf(
			strconv.FormatInt(input.Account.ID, 10), "portfolio value must be positive")
	}
	if input.Snapshot == nil {
		return Result{Status: StatusError}, domain.DataUnavailablef(
			strconv.FormatInt(input.Account.ID, 10), "no risk snapshot for optimization")
	}

	universe := o.buildUniverse(input)
	n := len(universe)
	index := make(map[string]int, n)
	for i, t := range universe {
		index[t] = i
	}

	// Per-name caps. A cap below a current holding would force a sell the
	// trade generator cannot always express; the compliance checker still
	// guards the final list.
	var upper []float64
	if o.cfg.ConcentrationLimit > 0 {
		upper = make([]float64, n)
		for i := range upper {
			upper[i] = o.cfg.ConcentrationLimit
		}
		if !FeasibleCappedSimplex(n, upper) {
			return Result{
				Status:            StatusInfeasible,
				BindingConstraint: "concentration_limit",
			}, nil
		}
	}

	w0 := make([]float64, n)
	wb := make([]float64, n)
	for i, t := range universe {
		w0[i] = input.CurrentWeights[t]
		wb[i] = input.BenchmarkWeights[t]
	}

	sigma := o.teCalc.CovarianceMatrix(universe, input.Snapshot)
	annual := o.teCalc.Annualization()
	sellTaxRate := o.sellTaxRates(universe, input)

	// Objective pieces. Tax and turnover are expressed as fractions of
	// portfolio value so all three terms share units.
	objective := func(w []float64) float64 {
		return o.quadraticTerm(w, wb, sigma, annual) +
			o.cfg.TaxLambda*taxCost(w, w0, sellTaxRate) +
			o.cfg.TransactionLambda*turnover(w, w0)
	}
	gradient := func(w, grad []float64) {
		o.quadraticGradient(w, wb, sigma, annual, grad)
		for i := range w {
			if w[i] < w0[i] {
				grad[i] -= o.cfg.TaxLambda * sellTaxRate[i]
			}
			switch {
			case w[i] > w0[i]:
				grad[i] += o.cfg.TransactionLambda
			case w[i] < w0[i]:
				grad[i] -= o.cfg.TransactionLambda
			}
		}
	}

	budget := time.Duration(o.cfg.BudgetSeconds) * time.Second
	if budget <= 0 {
		budget = 10 * time.Second
	}
	solveCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	solution, err := o.solver.Solve(solveCtx, Problem{
		N:             n,
		Objective:     objective,
		Gradient:      gradient,
		Initial:       w0,
		Upper:         upper,
		MaxIterations: o.cfg.MaxIterations,
	})
	if err != nil {
		return Result{Status: StatusError}, err
	}

	te := o.trackingError(universe, solution.Weights, input)

	if input.MaxTrackingError != nil && te > *input.MaxTrackingError+teTolerance {
		// The cap cannot be met jointly with the other constraints; never
		// silently relax it.
		o.log.Warn().
			Float64("tracking_error", te).
			Float64("max_tracking_error", *input.MaxTrackingError).
			Msg("Tracking-error cap infeasible")
		return Result{
			Status:            StatusInfeasible,
			TrackingError:     te,
			BindingConstraint: "max_tracking_error",
		}, nil
	}

	weights := make(map[string]float64, n)
	deltas := make(map[string]float64, n)
	amounts := make(map[string]float64, n)
	for i, t := range universe {
		if solution.Weights[i] > 1e-9 {
			weights[t] = solution.Weights[i]
		}
		delta := solution.Weights[i] - w0[i]
		if math.Abs(delta) > 1e-9 {
			deltas[t] = delta
			amounts[t] = delta * input.TotalValue
		}
	}

	result := Result{
		Status:         StatusOptimal,
		Weights:        weights,
		TrackingError:  te,
		TaxBenefit:     -taxCost(solution.Weights, w0, sellTaxRate) * input.TotalValue,
		ObjectiveValue: solution.Objective,
		Deltas:         deltas,
		DeltaAmounts:   amounts,
	}

	o.log.Info().
		Int("universe", n).
		Int("iterations", solution.Iterations).
		Float64("tracking_error", te).
		Float64("tax_benefit", result.TaxBenefit).
		Msg("Optimization complete")

	return result, nil
}

// buildUniverse unions current holdings, benchmark constituents, and the
// replacement candidates attached to harvesting opportunities.
func (o *Optimizer) buildUniverse(input Input) []string {
	extra := make(map[string]float64)
	for _, opp := range input.Opportunities {
		for _, rep := range opp.Replacements {
			extra[rep.Ticker] = 0
		}
	}
	return risk.UnionUniverse(input.CurrentWeights, input.BenchmarkWeights, extra)
}

// quadraticTerm computes annualized active variance aT Sigma a, a = w - wb.
func (o *Optimizer) quadraticTerm(w, wb []float64, sigma *mat.SymDense, annual float64) float64 {
	n := len(w)
	a := make([]float64, n)
	for i := range a {
		a[i] = w[i] - wb[i]
	}
	av := mat.NewVecDense(n, a)
	var sa mat.VecDense
	sa.MulVec(sigma, av)
	return annual * mat.Dot(av, &sa)
}

// quadraticGradient writes 2 * annual * Sigma (w - wb) into grad.
func (o *Optimizer) quadraticGradient(w, wb []float64, sigma *mat.SymDense, annual float64, grad []float64) {
	n := len(w)
	a := make([]float64, n)
	for i := range a {
		a[i] = w[i] - wb[i]
	}
	av := mat.NewVecDense(n, a)
	var sa mat.VecDense
	sa.MulVec(sigma, av)
	for i := range grad {
		grad[i] = 2 * annual * sa.AtVec(i)
	}
}

// sellTaxRates derives, per security, the tax owed per unit of market value
// sold, walking the account's lots through the tax calculator. Negative rates
// mark loss positions whose sale produces a benefit.
func (o *Optimizer) sellTaxRates(universe []string, input Input) []float64 {
	type agg struct {
		marketValue float64
		taxOwed     float64
	}
	byTicker := make(map[string]*agg)

	for _, lot := range input.Lots {
		if lot.Quantity <= 0 {
			continue
		}
		price, ok := input.Prices[lot.Ticker]
		if !ok {
			continue
		}
		a, ok := byTicker[lot.Ticker]
		if !ok {
			a = &agg{}
			byTicker[lot.Ticker] = a
		}
		mv := lot.Quantity * price
		pnl := mv - lot.CostBasis()
		period := o.taxCalc.Classify(lot.PurchaseDate, input.AsOf)
		rate := o.taxCalc.RateFor(period, input.Account)
		a.marketValue += mv
		a.taxOwed += pnl * rate
	}

	rates := make([]float64, len(universe))
	for i, t := range universe {
		if a, ok := byTicker[t]; ok && a.marketValue > 0 {
			rates[i] = a.taxOwed / a.marketValue
		}
	}
	return rates
}

// taxCost sums rate_i * sold fraction, in units of portfolio value.
func taxCost(w, w0, rates []float64) float64 {
	total := 0.0
	for i := range w {
		if sold := w0[i] - w[i]; sold > 0 {
			total += rates[i] * sold
		}
	}
	return total
}

// turnover is the sum of absolute weight changes.
func turnover(w, w0 []float64) float64 {
	total := 0.0
	for i := range w {
		total += math.Abs(w[i] - w0[i])
	}
	return total
}

func (o *Optimizer) trackingError(universe []string, w []float64, input Input) float64 {
	weights := make(map[string]float64, len(universe))
	for i, t := range universe {
		weights[t] = w[i]
	}
	result := o.teCalc.Compute(weights, input.BenchmarkWeights, input.Snapshot, nil)
	return result.TrackingError
}
