package rebalancing

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
	"github.com/meridianquant/rebalancer/internal/events"
	"github.com/meridianquant/rebalancer/internal/modules/benchmark"
	"github.com/meridianquant/rebalancer/internal/modules/harvesting"
	"github.com/meridianquant/rebalancer/internal/modules/optimizer"
	"github.com/meridianquant/rebalancer/internal/modules/portfolio"
	"github.com/meridianquant/rebalancer/internal/modules/risk"
	"github.com/meridianquant/rebalancer/internal/modules/universe"
)

// ServiceConfig carries the rebalancer's trigger thresholds.
type ServiceConfig struct {
	TEThreshold float64 // threshold-type rebalances fire above this tracking error
}

// Service orchestrates the full rebalance per account:
// evaluating -> optimizing -> generating_trades -> checking_compliance ->
// completed | rejected | failed. One rebalance runs per account at a time;
// a per-account lock serializes concurrent invocations.
type Service struct {
	cfg        ServiceConfig
	accounts   *portfolio.AccountRepository
	portfolio  *portfolio.Service
	lots       *portfolio.LotRepository
	securities *universe.SecurityRepository
	benchmarks *benchmark.Repository
	riskSource risk.SnapshotSource
	estimator  *risk.SpecificVarEstimator
	teCalc     *risk.TrackingErrorCalculator
	finder     *harvesting.Finder
	optimizer  *optimizer.Optimizer
	generator  *TradeGenerator
	checker    *ComplianceChecker
	events     *EventRepository
	bus        *events.Manager
	log        zerolog.Logger

	mu           sync.Mutex
	accountLocks map[int64]*sync.Mutex
}

// NewService creates the rebalancing orchestrator.
func NewService(
	cfg ServiceConfig,
	accounts *portfolio.AccountRepository,
	portfolioSvc *portfolio.Service,
	lots *portfolio.LotRepository,
	securities *universe.SecurityRepository,
	benchmarks *benchmark.Repository,
	riskSource risk.SnapshotSource,
	estimator *risk.SpecificVarEstimator,
	teCalc *risk.TrackingErrorCalculator,
	finder *harvesting.Finder,
	opt *optimizer.Optimizer,
	generator *TradeGenerator,
	checker *ComplianceChecker,
	eventRepo *EventRepository,
	bus *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:          cfg,
		accounts:     accounts,
		portfolio:    portfolioSvc,
		lots:         lots,
		securities:   securities,
		benchmarks:   benchmarks,
		riskSource:   riskSource,
		estimator:    estimator,
		teCalc:       teCalc,
		finder:       finder,
		optimizer:    opt,
		generator:    generator,
		checker:      checker,
		events:       eventRepo,
		bus:          bus,
		log:          log.With().Str("service", "rebalancing").Logger(),
		accountLocks: make(map[int64]*sync.Mutex),
	}
}

// lockAccount serializes rebalances per account; distinct accounts proceed
// independently.
func (s *Service) lockAccount(accountID int64) func() {
	s.mu.Lock()
	lock, ok := s.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.accountLocks[accountID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// evaluation is the priced, risk-modeled view of an account one rebalance
// works from.
type evaluation struct {
	account          *domain.Account
	snapshot         *portfolio.Snapshot
	benchmarkWeights map[string]float64
	riskSnap         *risk.Snapshot
	teBefore         risk.TrackingErrorResult
	securityIDs      map[string]int64
}

// evaluate loads everything the pipeline needs, read-only.
func (s *Service) evaluate(accountID int64, asOf time.Time) (*evaluation, error) {
	acct, err := s.accounts.GetByID(accountID)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.portfolio.GetSnapshot(accountID)
	if err != nil {
		return nil, err
	}

	benchWeights, err := s.benchmarks.GetWeights(acct.BenchmarkID, asOf)
	if err != nil {
		return nil, err
	}

	riskSnap, err := s.riskSource.GetSnapshot(asOf)
	if err != nil {
		return nil, err
	}

	securities, err := s.securities.GetAllActive()
	if err != nil {
		return nil, err
	}
	securityIDs := make(map[string]int64, len(securities))
	for _, sec := range securities {
		securityIDs[sec.Ticker] = sec.ID
	}

	// Securities the factor model does not cover get an estimated specific
	// variance from price history.
	if s.estimator != nil {
		if err := s.estimator.FillSpecificVariance(riskSnap, securityIDs); err != nil {
			return nil, err
		}
	}

	teBefore := s.teCalc.Compute(snapshot.Weights, benchWeights, riskSnap, nil)

	return &evaluation{
		account:          acct,
		snapshot:         snapshot,
		benchmarkWeights: benchWeights,
		riskSnap:         riskSnap,
		teBefore:         teBefore,
		securityIDs:      securityIDs,
	}, nil
}

// RebalanceAccount runs the full pipeline for one account.
func (s *Service) RebalanceAccount(ctx context.Context, accountID int64, req Request) (Result, error) {
	unlock := s.lockAccount(accountID)
	defer unlock()

	asOf := time.Now().UTC()
	rebalancingType := req.RebalancingType
	if rebalancingType == "" {
		rebalancingType = TypeThreshold
	}
	if rebalancingType != TypeThreshold && rebalancingType != TypeUnconditional {
		return Result{Status: StateFailed}, domain.Validationf(
			strconv.FormatInt(accountID, 10), "unknown rebalancing type %q", rebalancingType)
	}

	s.bus.Emit(events.RebalanceStarted, "rebalancing", map[string]interface{}{
		"account_id": accountID,
		"type":       rebalancingType,
	})
	s.log.Info().
		Int64("account_id", accountID).
		Str("state", StateEvaluating).
		Str("type", rebalancingType).
		Msg("Rebalance started")

	eval, err := s.evaluate(accountID, asOf)
	if err != nil {
		return s.failed(accountID, err)
	}

	opportunities, err := s.finder.FindOpportunities(accountID, asOf, harvesting.Options{})
	if err != nil {
		return s.failed(accountID, err)
	}

	if rebalancingType == TypeThreshold &&
		eval.teBefore.TrackingError <= s.cfg.TEThreshold &&
		len(opportunities) == 0 {
		s.bus.Emit(events.RebalanceSkipped, "rebalancing", map[string]interface{}{
			"account_id":     accountID,
			"tracking_error": eval.teBefore.TrackingError,
		})
		return Result{
			Status:              StateSkipped,
			TrackingErrorBefore: eval.teBefore.TrackingError,
			TrackingErrorAfter:  eval.teBefore.TrackingError,
			Trades:              []domain.Trade{},
			Message: fmt.Sprintf("tracking error %.4f within threshold %.4f and no harvesting opportunities",
				eval.teBefore.TrackingError, s.cfg.TEThreshold),
		}, nil
	}

	// optimizing
	s.log.Info().Int64("account_id", accountID).Str("state", StateOptimizing).Msg("Solving target weights")
	optResult, err := s.optimizer.Optimize(ctx, optimizer.Input{
		Account:          *eval.account,
		CurrentWeights:   eval.snapshot.Weights,
		BenchmarkWeights: eval.benchmarkWeights,
		Snapshot:         eval.riskSnap,
		Lots:             eval.snapshot.Lots,
		Prices:           eval.snapshot.Prices,
		TotalValue:       eval.snapshot.TotalValue,
		Opportunities:    opportunities,
		MaxTrackingError: req.MaxTrackingError,
		AsOf:             asOf,
	})
	if err != nil {
		return s.failed(accountID, err)
	}
	if optResult.Status == optimizer.StatusInfeasible {
		message := fmt.Sprintf("optimization infeasible: binding constraint %s", optResult.BindingConstraint)
		return s.rejected(accountID, rebalancingType, eval, optResult.TrackingError, 0, 0, nil, message)
	}

	// generating_trades
	s.log.Info().Int64("account_id", accountID).Str("state", StateGeneratingTrades).Msg("Generating trades")
	policy := PolicyHighestCostFirst
	harvestLots := make(map[int64]bool)
	if len(opportunities) > 0 {
		policy = PolicyHarvestFirst
		for _, opp := range opportunities {
			harvestLots[opp.LotID] = true
		}
	}
	prices, securityIDs := s.pricingUniverse(eval)
	trades, err := s.generator.Generate(GenerateInput{
		DeltaAmounts: optResult.DeltaAmounts,
		Prices:       prices,
		Lots:         eval.snapshot.Lots,
		SecurityIDs:  securityIDs,
		Policy:       policy,
		HarvestLots:  harvestLots,
	})
	if err != nil {
		return s.failed(accountID, err)
	}

	// checking_compliance
	s.log.Info().Int64("account_id", accountID).Str("state", StateCheckingCompliance).Msg("Checking compliance")
	trades, violations, err := s.checkWithPrune(accountID, eval, trades, asOf)
	if err != nil {
		return s.failed(accountID, err)
	}
	if len(violations) > 0 {
		message := fmt.Sprintf("compliance failed: %s", violations[0].Reason)
		return s.rejected(accountID, rebalancingType, eval, s.postTradeTE(eval, trades),
			optResult.TaxBenefit, tradesTurnover(trades, eval.snapshot.TotalValue), trades, message)
	}

	turnover := tradesTurnover(trades, eval.snapshot.TotalValue)
	event := domain.RebalancingEvent{
		ID:                  uuid.New().String(),
		AccountID:           accountID,
		Status:              StateCompleted,
		RebalancingType:     rebalancingType,
		TrackingErrorBefore: eval.teBefore.TrackingError,
		TrackingErrorAfter:  s.postTradeTE(eval, trades),
		TaxBenefit:          optResult.TaxBenefit,
		Turnover:            turnover,
		Trades:              trades,
		CreatedAt:           asOf,
	}

	if req.AutoExecute {
		if err := s.lots.ApplyTrades(accountID, trades, asOf); err != nil {
			return s.failed(accountID, err)
		}
	} else {
		event.Message = "proposed trades not executed (auto_execute=false)"
	}

	if err := s.events.Append(event); err != nil {
		return s.failed(accountID, err)
	}

	s.bus.Emit(events.RebalanceCompleted, "rebalancing", map[string]interface{}{
		"account_id":  accountID,
		"event_id":    event.ID,
		"trades":      len(trades),
		"tax_benefit": event.TaxBenefit,
	})
	s.log.Info().
		Int64("account_id", accountID).
		Str("event_id", event.ID).
		Int("trades", len(trades)).
		Float64("te_before", event.TrackingErrorBefore).
		Float64("te_after", event.TrackingErrorAfter).
		Msg("Rebalance completed")

	return Result{
		EventID:             event.ID,
		Status:              StateCompleted,
		Trades:              trades,
		TrackingErrorBefore: event.TrackingErrorBefore,
		TrackingErrorAfter:  event.TrackingErrorAfter,
		TaxBenefit:          event.TaxBenefit,
		Turnover:            turnover,
		Message:             event.Message,
	}, nil
}

// CheckRebalancingNeeded evaluates triggers without running the pipeline.
// It is side-effect free: calling it twice with no intervening trades
// returns identical results.
func (s *Service) CheckRebalancingNeeded(accountID int64, rebalancingType string) (CheckResult, error) {
	if rebalancingType == "" {
		rebalancingType = TypeThreshold
	}

	asOf := time.Now().UTC()
	eval, err := s.evaluate(accountID, asOf)
	if err != nil {
		return CheckResult{}, err
	}

	opportunities, err := s.finder.FindOpportunities(accountID, asOf, harvesting.Options{})
	if err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{
		CurrentTrackingError: eval.teBefore.TrackingError,
		TaxOpportunities:     len(opportunities),
		Details: map[string]interface{}{
			"te_threshold":    s.cfg.TEThreshold,
			"positions":       len(eval.snapshot.Positions),
			"portfolio_value": eval.snapshot.TotalValue,
		},
	}

	switch {
	case rebalancingType == TypeUnconditional:
		result.RebalancingNeeded = len(eval.snapshot.Lots) > 0
		result.Reason = "unconditional rebalance requested"
	case eval.teBefore.TrackingError > s.cfg.TEThreshold:
		result.RebalancingNeeded = true
		result.Reason = fmt.Sprintf("tracking error %.4f above threshold %.4f",
			eval.teBefore.TrackingError, s.cfg.TEThreshold)
	case len(opportunities) > 0:
		result.RebalancingNeeded = true
		result.Reason = fmt.Sprintf("%d tax-loss harvesting opportunities", len(opportunities))
	default:
		result.Reason = "tracking error within threshold and no harvesting opportunities"
	}

	return result, nil
}

// checkWithPrune runs compliance, and on failure drops the offending trades
// once and re-checks. Violations surviving the retry are returned.
func (s *Service) checkWithPrune(
	accountID int64,
	eval *evaluation,
	trades []domain.Trade,
	asOf time.Time,
) ([]domain.Trade, []Violation, error) {
	window := s.checker.detector.WindowDays()
	transactions, err := s.lots.GetTransactions(accountID,
		asOf.AddDate(0, 0, -window), asOf.AddDate(0, 0, window))
	if err != nil {
		return nil, nil, err
	}

	lotsByID := make(map[int64]domain.TaxLot, len(eval.snapshot.Lots))
	for _, lot := range eval.snapshot.Lots {
		lotsByID[lot.ID] = lot
	}

	input := CheckInput{
		Trades:         trades,
		Transactions:   transactions,
		LotsByID:       lotsByID,
		CurrentWeights: eval.snapshot.Weights,
		TotalValue:     eval.snapshot.TotalValue,
		AsOf:           asOf,
	}

	violations := s.checker.Check(input)
	if len(violations) == 0 {
		return trades, nil, nil
	}

	// Single prune-and-recheck retry before failing outright. A violation
	// that implicates every trade cannot be pruned away: an emptied list
	// would trivially re-pass, hiding the breach behind a no-op completion,
	// so it is rejected with the original violations instead.
	pruned := pruneTrades(trades, violations)
	if len(pruned) == 0 {
		return trades, violations, nil
	}
	s.bus.Emit(events.TradesPruned, "rebalancing", map[string]interface{}{
		"account_id": accountID,
		"dropped":    len(trades) - len(pruned),
	})
	s.log.Warn().
		Int64("account_id", accountID).
		Int("dropped", len(trades)-len(pruned)).
		Str("rule", violations[0].Rule).
		Msg("Pruning non-compliant trades")

	input.Trades = pruned
	violations = s.checker.Check(input)
	if len(violations) == 0 {
		return pruned, nil, nil
	}

	return pruned, violations, nil
}

// postTradeTE recomputes tracking error from the weights the trade list
// actually produces. The solver's TE describes its ideal weights; share
// flooring, dust filtering, and pruning can all move the released list away
// from them, so the recorded after-state comes from the trades, never from
// the solve.
func (s *Service) postTradeTE(eval *evaluation, trades []domain.Trade) float64 {
	weights := make(map[string]float64, len(eval.snapshot.Weights))
	for ticker, weight := range eval.snapshot.Weights {
		weights[ticker] = weight
	}
	if eval.snapshot.TotalValue > 0 {
		for _, trade := range trades {
			delta := trade.Amount / eval.snapshot.TotalValue
			if trade.Side == domain.SideSell {
				delta = -delta
			}
			weights[trade.Ticker] += delta
		}
	}
	return s.teCalc.Compute(weights, eval.benchmarkWeights, eval.riskSnap, nil).TrackingError
}

// pricingUniverse merges held-position prices with latest prices for
// replacement buys outside current holdings.
func (s *Service) pricingUniverse(eval *evaluation) (map[string]float64, map[string]int64) {
	prices := make(map[string]float64, len(eval.snapshot.Prices))
	for ticker, price := range eval.snapshot.Prices {
		prices[ticker] = price
	}
	for ticker, id := range eval.securityIDs {
		if _, ok := prices[ticker]; ok {
			continue
		}
		price, found, err := s.portfolio.LatestPrice(id)
		if err != nil || !found {
			continue
		}
		prices[ticker] = price
	}
	return prices, eval.securityIDs
}

func (s *Service) failed(accountID int64, err error) (Result, error) {
	s.bus.EmitError("rebalancing", err, map[string]interface{}{"account_id": accountID})
	s.log.Error().Err(err).Int64("account_id", accountID).Msg("Rebalance failed")
	return Result{Status: StateFailed, Trades: []domain.Trade{}, Message: err.Error()}, err
}

// rejected persists a rejected event so history is preserved, then returns
// the diagnostic to the caller.
func (s *Service) rejected(
	accountID int64,
	rebalancingType string,
	eval *evaluation,
	teAfter, taxBenefit, turnover float64,
	trades []domain.Trade,
	message string,
) (Result, error) {
	if trades == nil {
		trades = []domain.Trade{}
	}
	event := domain.RebalancingEvent{
		ID:                  uuid.New().String(),
		AccountID:           accountID,
		Status:              StateRejected,
		RebalancingType:     rebalancingType,
		TrackingErrorBefore: eval.teBefore.TrackingError,
		TrackingErrorAfter:  teAfter,
		TaxBenefit:          taxBenefit,
		Turnover:            turnover,
		Trades:              trades,
		Message:             message,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.events.Append(event); err != nil {
		return s.failed(accountID, err)
	}

	s.bus.Emit(events.RebalanceRejected, "rebalancing", map[string]interface{}{
		"account_id": accountID,
		"event_id":   event.ID,
		"reason":     message,
	})
	s.log.Warn().Int64("account_id", accountID).Str("reason", message).Msg("Rebalance rejected")

	return Result{
		EventID:             event.ID,
		Status:              StateRejected,
		Trades:              trades,
		TrackingErrorBefore: eval.teBefore.TrackingError,
		TrackingErrorAfter:  teAfter,
		TaxBenefit:          taxBenefit,
		Turnover:            turnover,
		Message:             message,
	}, nil
}

func tradesTurnover(trades []domain.Trade, totalValue float64) float64 {
	if totalValue <= 0 {
		return 0
	}
	traded := 0.0
	for _, trade := range trades {
		if trade.Amount < 0 {
			traded -= trade.Amount
		} else {
			traded += trade.Amount
		}
	}
	return traded / totalValue
}
