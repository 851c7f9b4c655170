package harvesting

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// Handlers provides HTTP handlers for harvesting endpoints.
type Handlers struct {
	finder *Finder
	log    zerolog.Logger
}

// NewHandlers creates a new harvesting handlers instance.
func NewHandlers(finder *Finder, log zerolog.Logger) *Handlers {
	return &Handlers{
		finder: finder,
		log:    log.With().Str("module", "harvesting_handlers").Logger(),
	}
}

// RegisterRoutes registers all harvesting routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/harvesting", func(r chi.Router) {
		r.Get("/opportunities", h.GetOpportunities)
	})
}

// GetOpportunities scans the account for tax-loss-harvesting opportunities.
// Query parameters: min_loss (float), max (int).
func (h *Handlers) GetOpportunities(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	var opts Options
	if v := r.URL.Query().Get("min_loss"); v != "" {
		minLoss, err := strconv.ParseFloat(v, 64)
		if err != nil || minLoss < 0 {
			http.Error(w, "invalid min_loss", http.StatusBadRequest)
			return
		}
		opts.MinLossThreshold = &minLoss
	}
	if v := r.URL.Query().Get("max"); v != "" {
		max, err := strconv.Atoi(v)
		if err != nil || max <= 0 {
			http.Error(w, "invalid max", http.StatusBadRequest)
			return
		}
		opts.MaxOpportunities = max
	}

	opportunities, err := h.finder.FindOpportunities(accountID, time.Now().UTC(), opts)
	if err != nil {
		h.log.Error().Err(err).Int64("account_id", accountID).Msg("Harvesting scan failed")
		status := http.StatusInternalServerError
		switch {
		case domain.IsKind(err, domain.KindValidation):
			status = http.StatusBadRequest
		case domain.IsKind(err, domain.KindDataUnavailable):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	if opportunities == nil {
		opportunities = []Opportunity{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account_id":    accountID,
		"count":         len(opportunities),
		"opportunities": opportunities,
	})
}
