package optimizer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianquant/rebalancer/internal/domain"
	"github.com/meridianquant/rebalancer/internal/modules/harvesting"
	"github.com/meridianquant/rebalancer/internal/modules/risk"
)

func twoFactorSnapshot() *risk.Snapshot {
	return &risk.Snapshot{
		AsOf:       time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		Factors:    []string{"f1", "f2"},
		Covariance: mat.NewSymDense(2, []float64{0.0001, 0, 0, 0.0001}),
		Exposures: map[string][]float64{
			"AAA": {1.0, 0.0},
			"BBB": {0.0, 1.0},
		},
		SpecificVar: map[string]float64{
			"AAA": 0.00001,
			"BBB": 0.00001,
		},
	}
}

func newTestOptimizer(cfg Config) *Optimizer {
	log := zerolog.Nop()
	return New(
		cfg,
		NewProjectedGradientSolver(),
		risk.NewTrackingErrorCalculator(252, log),
		harvesting.NewTaxBenefitCalculator(365),
		log,
	)
}

func TestOptimizeSingleSecurity(t *testing.T) {
	opt := newTestOptimizer(Config{TaxLambda: 1, TransactionLambda: 0.001})

	result, err := opt.Optimize(context.Background(), Input{
		Account:          domain.Account{ID: 1, ShortTermRate: 0.37, LongTermRate: 0.20},
		CurrentWeights:   map[string]float64{"AAA": 1.0},
		BenchmarkWeights: map[string]float64{"AAA": 1.0},
		Snapshot:         twoFactorSnapshot(),
		TotalValue:       100000,
		AsOf:             time.Now(),
	})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if result.Status != StatusOptimal {
		t.Fatalf("Status = %s, want optimal", result.Status)
	}
	if math.Abs(result.Weights["AAA"]-1.0) > 1e-6 {
		t.Errorf("Weights[AAA] = %v, want 1.0", result.Weights["AAA"])
	}
	if len(result.Deltas) != 0 {
		t.Errorf("Deltas = %v, want none for an already-optimal portfolio", result.Deltas)
	}
	if result.TrackingError > 1e-6 {
		t.Errorf("TrackingError = %v, want 0", result.TrackingError)
	}
}

func TestOptimizeMovesTowardBenchmark(t *testing.T) {
	opt := newTestOptimizer(Config{MaxIterations: 5000})

	result, err := opt.Optimize(context.Background(), Input{
		Account:          domain.Account{ID: 1, ShortTermRate: 0.37, LongTermRate: 0.20},
		CurrentWeights:   map[string]float64{"AAA": 1.0},
		BenchmarkWeights: map[string]float64{"AAA": 0.5, "BBB": 0.5},
		Snapshot:         twoFactorSnapshot(),
		TotalValue:       100000,
		AsOf:             time.Now(),
	})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if result.Status != StatusOptimal {
		t.Fatalf("Status = %s, want optimal", result.Status)
	}

	// With no tax or transaction friction the benchmark is the optimum.
	if math.Abs(result.Weights["AAA"]-0.5) > 1e-3 || math.Abs(result.Weights["BBB"]-0.5) > 1e-3 {
		t.Errorf("Weights = %v, want the benchmark (0.5, 0.5)", result.Weights)
	}
	if math.Abs(result.Deltas["BBB"]-0.5) > 1e-3 {
		t.Errorf("Deltas[BBB] = %v, want +0.5", result.Deltas["BBB"])
	}
	if math.Abs(result.DeltaAmounts["BBB"]-50000) > 200 {
		t.Errorf("DeltaAmounts[BBB] = %v, want ~50000", result.DeltaAmounts["BBB"])
	}
}

func TestOptimizeTaxFrictionHoldsGains(t *testing.T) {
	asOf := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	input := Input{
		Account:          domain.Account{ID: 1, ShortTermRate: 0.37, LongTermRate: 0.20},
		CurrentWeights:   map[string]float64{"AAA": 1.0},
		BenchmarkWeights: map[string]float64{"BBB": 1.0},
		Snapshot:         twoFactorSnapshot(),
		Lots: []domain.TaxLot{
			// Large embedded short-term gain.
			{ID: 1, Ticker: "AAA", SecurityID: 1, Quantity: 100,
				PurchasePrice: 10, PurchaseDate: asOf.AddDate(0, 0, -100)},
		},
		Prices:     map[string]float64{"AAA": 100},
		TotalValue: 10000,
		AsOf:       asOf,
	}

	taxAware := newTestOptimizer(Config{TaxLambda: 1})
	result, err := taxAware.Optimize(context.Background(), input)
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if result.Weights["AAA"] < 0.9 {
		t.Errorf("tax friction should hold the gain position, Weights[AAA] = %v", result.Weights["AAA"])
	}

	taxBlind := newTestOptimizer(Config{TaxLambda: 0})
	result, err = taxBlind.Optimize(context.Background(), input)
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if result.Weights["AAA"] > 0.1 {
		t.Errorf("without tax friction the position should rotate out, Weights[AAA] = %v", result.Weights["AAA"])
	}
}

func TestOptimizeInfeasibleConcentration(t *testing.T) {
	// Two names capped at 0.3 each cannot hold a full budget.
	opt := newTestOptimizer(Config{ConcentrationLimit: 0.3})

	result, err := opt.Optimize(context.Background(), Input{
		Account:          domain.Account{ID: 1, ShortTermRate: 0.37, LongTermRate: 0.20},
		CurrentWeights:   map[string]float64{"AAA": 0.5, "BBB": 0.5},
		BenchmarkWeights: map[string]float64{"AAA": 0.5, "BBB": 0.5},
		Snapshot:         twoFactorSnapshot(),
		TotalValue:       100000,
		AsOf:             time.Now(),
	})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if result.Status != StatusInfeasible {
		t.Errorf("Status = %s, want infeasible", result.Status)
	}
	if result.BindingConstraint != "concentration_limit" {
		t.Errorf("BindingConstraint = %s, want concentration_limit", result.BindingConstraint)
	}
}

func TestOptimizeInfeasibleTrackingErrorCap(t *testing.T) {
	// The cap forces an even split while the benchmark sits entirely in AAA,
	// so some tracking error is unavoidable. A near-zero limit cannot be met
	// and must be reported, never silently relaxed.
	opt := newTestOptimizer(Config{ConcentrationLimit: 0.5})

	maxTE := 1e-9
	result, err := opt.Optimize(context.Background(), Input{
		Account:          domain.Account{ID: 1, ShortTermRate: 0.37, LongTermRate: 0.20},
		CurrentWeights:   map[string]float64{"AAA": 0.5, "BBB": 0.5},
		BenchmarkWeights: map[string]float64{"AAA": 1.0},
		Snapshot:         twoFactorSnapshot(),
		TotalValue:       100000,
		MaxTrackingError: &maxTE,
		AsOf:             time.Now(),
	})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if result.Status != StatusInfeasible {
		t.Fatalf("Status = %s, want infeasible", result.Status)
	}
	if result.BindingConstraint != "max_tracking_error" {
		t.Errorf("BindingConstraint = %s, want max_tracking_error", result.BindingConstraint)
	}
	if result.TrackingError <= maxTE {
		t.Errorf("reported TE %v should exceed the cap", result.TrackingError)
	}
}

func TestOptimizeRejectsBadInput(t *testing.T) {
	opt := newTestOptimizer(Config{})

	_, err := opt.Optimize(context.Background(), Input{
		Account:    domain.Account{ID: 1},
		TotalValue: 0,
		Snapshot:   twoFactorSnapshot(),
	})
	if !domain.IsKind(err, domain.KindValidation) {
		t.Errorf("zero portfolio value: expected validation error, got %v", err)
	}

	_, err = opt.Optimize(context.Background(), Input{
		Account:    domain.Account{ID: 1},
		TotalValue: 1000,
		Snapshot:   nil,
	})
	if !domain.IsKind(err, domain.KindDataUnavailable) {
		t.Errorf("missing snapshot: expected data_unavailable error, got %v", err)
	}
}

func TestBuildUniverseIncludesReplacements(t *testing.T) {
	opt := newTestOptimizer(Config{})
	universe := opt.buildUniverse(Input{
		CurrentWeights:   map[string]float64{"AAA": 1.0},
		BenchmarkWeights: map[string]float64{"BBB": 1.0},
		Opportunities: []harvesting.Opportunity{
			{Ticker: "AAA", Replacements: []domain.Security{{Ticker: "CCC"}}},
		},
	})
	want := []string{"AAA", "BBB", "CCC"}
	if len(universe) != len(want) {
		t.Fatalf("buildUniverse() = %v, want %v", universe, want)
	}
	for i := range want {
		if universe[i] != want[i] {
			t.Errorf("universe[%d] = %s, want %s", i, universe[i], want[i])
		}
	}
}
