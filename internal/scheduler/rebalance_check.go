package scheduler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/events"
	"github.com/meridianquant/rebalancer/internal/modules/portfolio"
	"github.com/meridianquant/rebalancer/internal/modules/rebalancing"
)

// RebalanceCheckJob scans every active account for rebalancing triggers.
// The scan is read-only; acting on a trigger stays a caller decision.
type RebalanceCheckJob struct {
	accounts *portfolio.AccountRepository
	service  *rebalancing.Service
	bus      *events.Manager
	log      zerolog.Logger
}

// NewRebalanceCheckJob creates the nightly trigger scan.
func NewRebalanceCheckJob(
	accounts *portfolio.AccountRepository,
	service *rebalancing.Service,
	bus *events.Manager,
	log zerolog.Logger,
) *RebalanceCheckJob {
	return &RebalanceCheckJob{
		accounts: accounts,
		service:  service,
		bus:      bus,
		log:      log.With().Str("job", "rebalance_check").Logger(),
	}
}

// Name returns the job name.
func (j *RebalanceCheckJob) Name() string {
	return "rebalance_check"
}

// Run checks every active account and emits an event per triggered account.
func (j *RebalanceCheckJob) Run() error {
	accounts, err := j.accounts.GetAllActive()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	triggered := 0
	for _, acct := range accounts {
		result, err := j.service.CheckRebalancingNeeded(acct.ID, rebalancing.TypeThreshold)
		if err != nil {
			// One broken account does not stop the scan.
			j.log.Error().Err(err).Int64("account_id", acct.ID).Msg("Rebalance check failed")
			continue
		}
		if !result.RebalancingNeeded {
			continue
		}
		triggered++
		j.bus.Emit(events.HarvestScanComplete, "scheduler", map[string]interface{}{
			"account_id":        acct.ID,
			"reason":            result.Reason,
			"tracking_error":    result.CurrentTrackingError,
			"tax_opportunities": result.TaxOpportunities,
		})
	}

	j.log.Info().
		Int("accounts", len(accounts)).
		Int("triggered", triggered).
		Msg("Rebalance check scan complete")

	return nil
}
