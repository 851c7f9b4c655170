package rebalancing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianquant/rebalancer/internal/clients/marketdata"
	"github.com/meridianquant/rebalancer/internal/database"
	"github.com/meridianquant/rebalancer/internal/domain"
	"github.com/meridianquant/rebalancer/internal/events"
	"github.com/meridianquant/rebalancer/internal/modules/benchmark"
	"github.com/meridianquant/rebalancer/internal/modules/harvesting"
	"github.com/meridianquant/rebalancer/internal/modules/optimizer"
	"github.com/meridianquant/rebalancer/internal/modules/portfolio"
	"github.com/meridianquant/rebalancer/internal/modules/risk"
	"github.com/meridianquant/rebalancer/internal/modules/universe"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

type testEnv struct {
	db      *database.DB
	service *Service
	events  *EventRepository
	lots    *portfolio.LotRepository
}

func setupService(t *testing.T, db *database.DB, optCfg optimizer.Config) *testEnv {
	t.Helper()
	return setupServiceWithLimits(t, db, optCfg, 1.5, 0)
}

func setupServiceWithLimits(
	t *testing.T,
	db *database.DB,
	optCfg optimizer.Config,
	turnoverLimit, concentrationLimit float64,
) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	conn := db.Conn()

	market := marketdata.NewSQLiteProvider(conn, log)
	lots := portfolio.NewLotRepository(conn, log)
	accounts := portfolio.NewAccountRepository(conn, log)
	securities := universe.NewSecurityRepository(conn, log)
	benchmarks := benchmark.NewRepository(conn, log)
	riskRepo := risk.NewRepository(conn, log)
	portfolioSvc := portfolio.NewService(lots, market, log)

	teCalc := risk.NewTrackingErrorCalculator(252, log)
	taxCalc := harvesting.NewTaxBenefitCalculator(365)
	detector := harvesting.NewWashSaleDetector(30, nil)
	finder := harvesting.NewFinder(
		harvesting.FinderConfig{
			MinLossThreshold: 100,
			MaxOpportunities: 20,
			WashSalePenalty:  0.5,
			MaxReplacements:  5,
		},
		portfolioSvc, lots, accounts, securities, riskRepo,
		detector, taxCalc, harvesting.NewReplacementFinder(nil, log), log,
	)

	opt := optimizer.New(optCfg, optimizer.NewProjectedGradientSolver(), teCalc, taxCalc, log)
	eventRepo := NewEventRepository(conn, log)

	svc := NewService(
		ServiceConfig{TEThreshold: 0.02},
		accounts, portfolioSvc, lots, securities, benchmarks,
		riskRepo, risk.NewSpecificVarEstimator(market, log), teCalc, finder, opt,
		NewTradeGenerator(log),
		NewComplianceChecker(detector, turnoverLimit, concentrationLimit, log),
		eventRepo, events.NewManager(log), log,
	)

	return &testEnv{db: db, service: svc, events: eventRepo, lots: lots}
}

// seedBase loads a benchmark, two securities, prices, and a one-factor risk
// model dated well in the past so any as-of resolves it.
func seedBase(t *testing.T, db *database.DB, benchmarkWeights map[int64]float64) {
	t.Helper()
	conn := db.Conn()

	exec := func(query string, args ...interface{}) {
		t.Helper()
		_, err := conn.Exec(query, args...)
		require.NoError(t, err)
	}

	exec(`INSERT INTO benchmarks (id, name) VALUES (1, 'Total Market')`)
	exec(`INSERT INTO accounts (id, name, benchmark_id, short_term_rate, long_term_rate, active)
	      VALUES (1, 'Taxable', 1, 0.37, 0.20, 1)`)

	exec(`INSERT INTO securities (id, ticker, name, sector, industry, active)
	      VALUES (1, 'VTI', 'VTI', 'Equity', 'Total Market', 1)`)
	exec(`INSERT INTO securities (id, ticker, name, sector, industry, active)
	      VALUES (2, 'VXUS', 'VXUS', 'Equity', 'International', 1)`)

	exec(`INSERT INTO prices (security_id, date, close) VALUES (1, '2024-06-14', 100)`)
	exec(`INSERT INTO prices (security_id, date, close) VALUES (2, '2024-06-14', 50)`)

	for securityID, weight := range benchmarkWeights {
		exec(`INSERT INTO benchmark_weights (benchmark_id, security_id, effective_date, weight)
		      VALUES (1, ?, '2020-01-01', ?)`, securityID, weight)
	}

	exec(`INSERT INTO factor_covariance (as_of, factor_i, factor_j, value)
	      VALUES ('2020-01-01', 'market', 'market', 0.0001)`)
	exec(`INSERT INTO factor_exposures (security_id, as_of, factor, exposure)
	      VALUES (1, '2020-01-01', 'market', 1.0)`)
	exec(`INSERT INTO factor_exposures (security_id, as_of, factor, exposure)
	      VALUES (2, '2020-01-01', 'market', 0.2)`)
	exec(`INSERT INTO specific_variance (security_id, as_of, variance) VALUES (1, '2020-01-01', 0.00002)`)
	exec(`INSERT INTO specific_variance (security_id, as_of, variance) VALUES (2, '2020-01-01', 0.00003)`)
}

func seedLot(t *testing.T, db *database.DB, securityID int64, date string, price, qty float64) {
	t.Helper()
	_, err := db.Conn().Exec(
		`INSERT INTO tax_lots (account_id, security_id, purchase_date, purchase_price, quantity, original_quantity, closed)
		 VALUES (1, ?, ?, ?, ?, ?, 0)`,
		securityID, date, price, qty, qty)
	require.NoError(t, err)
}

func TestRebalanceSkippedWithinThreshold(t *testing.T) {
	db := setupTestDB(t)
	seedBase(t, db, map[int64]float64{1: 1.0})
	// A gain lot: never a harvesting opportunity, and weights match the
	// benchmark exactly.
	seedLot(t, db, 1, "2022-01-01", 50, 100)

	env := setupService(t, db, optimizer.Config{TaxLambda: 1})

	result, err := env.service.RebalanceAccount(context.Background(), 1, Request{RebalancingType: TypeThreshold})
	require.NoError(t, err)

	if result.Status != StateSkipped {
		t.Fatalf("Status = %s, want skipped", result.Status)
	}
	if len(result.Trades) != 0 {
		t.Errorf("skipped rebalance must propose no trades, got %d", len(result.Trades))
	}

	// Skips leave no event behind.
	recorded, err := env.events.GetByAccount(1, 10)
	require.NoError(t, err)
	if len(recorded) != 0 {
		t.Errorf("got %d events, want 0", len(recorded))
	}
}

func TestRebalanceCompletes(t *testing.T) {
	db := setupTestDB(t)
	seedBase(t, db, map[int64]float64{1: 0.5, 2: 0.5})
	// All in VTI against a 50/50 benchmark: well above the TE threshold.
	// The lot carries a gain, so no wash-sale exposure on the sell.
	seedLot(t, db, 1, "2022-01-01", 50, 100)

	env := setupService(t, db, optimizer.Config{MaxIterations: 5000})

	result, err := env.service.RebalanceAccount(context.Background(), 1, Request{
		RebalancingType: TypeUnconditional,
	})
	require.NoError(t, err)

	if result.Status != StateCompleted {
		t.Fatalf("Status = %s (%s), want completed", result.Status, result.Message)
	}
	if result.EventID == "" {
		t.Error("completed rebalance must reference its event")
	}
	if len(result.Trades) == 0 {
		t.Fatal("expected trades toward the benchmark")
	}

	var soldVTI, boughtVXUS bool
	for _, trade := range result.Trades {
		if trade.Ticker == "VTI" && trade.Side == "SELL" {
			soldVTI = true
		}
		if trade.Ticker == "VXUS" && trade.Side == "BUY" {
			boughtVXUS = true
		}
	}
	if !soldVTI || !boughtVXUS {
		t.Errorf("expected a VTI sell and a VXUS buy, got %+v", result.Trades)
	}

	if result.TrackingErrorAfter >= result.TrackingErrorBefore {
		t.Errorf("TE after %v should improve on TE before %v",
			result.TrackingErrorAfter, result.TrackingErrorBefore)
	}

	// The event is persisted; without auto_execute the lots are untouched.
	recorded, err := env.events.GetByAccount(1, 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	if recorded[0].Status != StateCompleted {
		t.Errorf("event status = %s, want completed", recorded[0].Status)
	}

	lots, err := env.lots.GetOpenLots(1)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	if lots[0].Quantity != 100 {
		t.Errorf("lot quantity = %v, want untouched 100 without auto_execute", lots[0].Quantity)
	}
}

func TestRebalanceAutoExecuteAppliesTrades(t *testing.T) {
	db := setupTestDB(t)
	seedBase(t, db, map[int64]float64{1: 0.5, 2: 0.5})
	seedLot(t, db, 1, "2022-01-01", 50, 100)

	env := setupService(t, db, optimizer.Config{MaxIterations: 5000})

	result, err := env.service.RebalanceAccount(context.Background(), 1, Request{
		RebalancingType: TypeUnconditional,
		AutoExecute:     true,
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, result.Status)

	// The VTI lot shrank and a VXUS lot appeared.
	lots, err := env.lots.GetOpenLots(1)
	require.NoError(t, err)

	var vtiQty, vxusQty float64
	for _, l := range lots {
		switch l.Ticker {
		case "VTI":
			vtiQty += l.Quantity
		case "VXUS":
			vxusQty += l.Quantity
		}
	}
	if vtiQty >= 100 {
		t.Errorf("VTI quantity = %v, want reduced below 100", vtiQty)
	}
	if vxusQty <= 0 {
		t.Error("expected a new VXUS lot after execution")
	}
}

func TestRebalanceRejectedInfeasible(t *testing.T) {
	db := setupTestDB(t)
	seedBase(t, db, map[int64]float64{1: 0.5, 2: 0.5})
	seedLot(t, db, 1, "2022-01-01", 50, 100)

	// Two names capped at 0.4 each cannot sum to 1.
	env := setupService(t, db, optimizer.Config{ConcentrationLimit: 0.4})

	result, err := env.service.RebalanceAccount(context.Background(), 1, Request{
		RebalancingType: TypeUnconditional,
	})
	require.NoError(t, err)

	if result.Status != StateRejected {
		t.Fatalf("Status = %s, want rejected", result.Status)
	}
	if len(result.Trades) != 0 {
		t.Errorf("rejected rebalance must release no trades, got %d", len(result.Trades))
	}

	// Rejections are part of the account history too.
	recorded, err := env.events.GetByAccount(1, 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	if recorded[0].Status != StateRejected {
		t.Errorf("event status = %s, want rejected", recorded[0].Status)
	}
}

func TestRebalanceRejectedWhenPruningEmptiesTrades(t *testing.T) {
	db := setupTestDB(t)
	seedBase(t, db, map[int64]float64{1: 0.5, 2: 0.5})
	seedLot(t, db, 1, "2022-01-01", 50, 100)

	// Correcting the all-in-VTI drift needs far more than 1% turnover, so the
	// violation implicates every trade and pruning would empty the list. That
	// must surface as a rejection, never as a zero-trade completion.
	env := setupServiceWithLimits(t, db, optimizer.Config{MaxIterations: 5000}, 0.01, 0)

	result, err := env.service.RebalanceAccount(context.Background(), 1, Request{
		RebalancingType: TypeUnconditional,
	})
	require.NoError(t, err)

	if result.Status != StateRejected {
		t.Fatalf("Status = %s (%s), want rejected", result.Status, result.Message)
	}

	recorded, err := env.events.GetByAccount(1, 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	if recorded[0].Status != StateRejected {
		t.Errorf("event status = %s, want rejected", recorded[0].Status)
	}
	if recorded[0].Turnover <= 0.01 {
		t.Errorf("recorded turnover %v should reflect the violating list, not an emptied one",
			recorded[0].Turnover)
	}

	// Nothing executed: the lot is untouched.
	lots, err := env.lots.GetOpenLots(1)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	if lots[0].Quantity != 100 {
		t.Errorf("lot quantity = %v, want untouched 100", lots[0].Quantity)
	}
}

func TestPostTradeTrackingError(t *testing.T) {
	teCalc := risk.NewTrackingErrorCalculator(252, zerolog.Nop())
	svc := &Service{teCalc: teCalc}

	snap := &risk.Snapshot{
		Factors:     []string{"market"},
		Exposures:   map[string][]float64{"VTI": {1.0}, "VXUS": {0.2}},
		Covariance:  mat.NewSymDense(1, []float64{0.0001}),
		SpecificVar: map[string]float64{"VTI": 0.00002, "VXUS": 0.00003},
	}
	eval := &evaluation{
		snapshot: &portfolio.Snapshot{
			Weights:    map[string]float64{"VTI": 1.0},
			TotalValue: 10000,
		},
		benchmarkWeights: map[string]float64{"VTI": 0.5, "VXUS": 0.5},
		riskSnap:         snap,
	}

	before := teCalc.Compute(eval.snapshot.Weights, eval.benchmarkWeights, snap, nil).TrackingError

	// No trades leave the tracking error where it is.
	if got := svc.postTradeTE(eval, nil); got != before {
		t.Errorf("postTradeTE with no trades = %v, want %v", got, before)
	}

	// Selling half the VTI into VXUS lands on the benchmark: TE goes to zero.
	trades := []domain.Trade{
		{Ticker: "VTI", Side: domain.SideSell, Quantity: 50, Price: 100, Amount: 5000, LotID: 1},
		{Ticker: "VXUS", Side: domain.SideBuy, Quantity: 100, Price: 50, Amount: 5000},
	}
	after := svc.postTradeTE(eval, trades)
	if after > 1e-9 {
		t.Errorf("postTradeTE at the benchmark = %v, want 0", after)
	}
	if after >= before {
		t.Errorf("TE after %v should improve on %v", after, before)
	}
}

func TestRebalanceUnknownType(t *testing.T) {
	db := setupTestDB(t)
	seedBase(t, db, map[int64]float64{1: 1.0})
	env := setupService(t, db, optimizer.Config{})

	_, err := env.service.RebalanceAccount(context.Background(), 1, Request{RebalancingType: "monthly"})
	if err == nil {
		t.Fatal("expected an error for an unknown rebalancing type")
	}
}

func TestCheckRebalancingNeededIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	seedBase(t, db, map[int64]float64{1: 0.5, 2: 0.5})
	seedLot(t, db, 1, "2022-01-01", 50, 100)

	env := setupService(t, db, optimizer.Config{})

	first, err := env.service.CheckRebalancingNeeded(1, TypeThreshold)
	require.NoError(t, err)
	second, err := env.service.CheckRebalancingNeeded(1, TypeThreshold)
	require.NoError(t, err)

	if !first.RebalancingNeeded {
		t.Error("all-in-VTI against a 50/50 benchmark should need rebalancing")
	}
	if first.RebalancingNeeded != second.RebalancingNeeded ||
		first.CurrentTrackingError != second.CurrentTrackingError ||
		first.TaxOpportunities != second.TaxOpportunities {
		t.Errorf("two checks with no intervening trades differ: %+v vs %+v", first, second)
	}

	// No events, no lot changes.
	recorded, err := env.events.GetByAccount(1, 10)
	require.NoError(t, err)
	if len(recorded) != 0 {
		t.Errorf("check must not persist events, got %d", len(recorded))
	}
}

func TestCheckRebalancingUnconditional(t *testing.T) {
	db := setupTestDB(t)
	seedBase(t, db, map[int64]float64{1: 1.0})
	env := setupService(t, db, optimizer.Config{})

	// Unconditional with no lots: nothing to rebalance.
	result, err := env.service.CheckRebalancingNeeded(1, TypeUnconditional)
	require.NoError(t, err)
	if result.RebalancingNeeded {
		t.Error("an empty account has nothing to rebalance")
	}

	seedLot(t, db, 1, "2022-01-01", 50, 100)
	result, err = env.service.CheckRebalancingNeeded(1, TypeUnconditional)
	require.NoError(t, err)
	if !result.RebalancingNeeded {
		t.Error("unconditional check with holdings must fire")
	}
}

func TestRebalanceSerializesPerAccount(t *testing.T) {
	db := setupTestDB(t)
	seedBase(t, db, map[int64]float64{1: 0.5, 2: 0.5})
	seedLot(t, db, 1, "2022-01-01", 50, 100)

	env := setupService(t, db, optimizer.Config{MaxIterations: 2000})

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.service.RebalanceAccount(context.Background(), 1, Request{
				RebalancingType: TypeUnconditional,
			})
			done <- err
		}()
	}
	deadline := time.After(30 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("concurrent rebalances deadlocked")
		}
	}

	// Both ran to completion, one after the other.
	recorded, err := env.events.GetByAccount(1, 10)
	require.NoError(t, err)
	require.Len(t, recorded, 2)
}
