package rebalancing

import (
	"github.com/meridianquant/rebalancer/internal/domain"
)

// Rebalance pipeline states.
const (
	StateEvaluating         = "evaluating"
	StateOptimizing         = "optimizing"
	StateGeneratingTrades   = "generating_trades"
	StateCheckingCompliance = "checking_compliance"
	StateCompleted          = "completed"
	StateRejected           = "rejected"
	StateFailed             = "failed"
	StateSkipped            = "skipped"
)

// Rebalancing types.
const (
	TypeThreshold     = "threshold"
	TypeUnconditional = "unconditional"
)

// Lot selection policies for sells.
const (
	PolicyHighestCostFirst = "highest_cost_first"
	PolicyHarvestFirst     = "harvest_first"
)

// Request is the rebalance entry point payload.
type Request struct {
	RebalancingType  string   `json:"rebalancing_type"`
	MaxTrackingError *float64 `json:"max_tracking_error,omitempty"`
	AutoExecute      bool     `json:"auto_execute"`
}

// Result is the outcome of one rebalance invocation.
type Result struct {
	EventID             string         `json:"rebalancing_event_id,omitempty"`
	Status              string         `json:"status"`
	Trades              []domain.Trade `json:"trades"`
	TrackingErrorBefore float64        `json:"tracking_error_before"`
	TrackingErrorAfter  float64        `json:"tracking_error_after"`
	TaxBenefit          float64        `json:"tax_benefit"`
	Turnover            float64        `json:"turnover"`
	Message             string         `json:"message,omitempty"`
}

// CheckResult answers check_rebalancing_needed without running the pipeline.
type CheckResult struct {
	RebalancingNeeded    bool                   `json:"rebalancing_needed"`
	Reason               string                 `json:"reason"`
	CurrentTrackingError float64                `json:"current_tracking_error"`
	TaxOpportunities     int                    `json:"tax_opportunities"`
	Details              map[string]interface{} `json:"details,omitempty"`
}

// Violation is one failed compliance rule with the implicated trades.
type Violation struct {
	Rule   string         `json:"rule"`
	Reason string         `json:"reason"`
	Trades []domain.Trade `json:"trades,omitempty"`
}
