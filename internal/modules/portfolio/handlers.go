package portfolio

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// Handlers provides HTTP handlers for portfolio endpoints.
type Handlers struct {
	service *Service
	log     zerolog.Logger
}

// NewHandlers creates a new portfolio handlers instance.
func NewHandlers(service *Service, log zerolog.Logger) *Handlers {
	return &Handlers{
		service: service,
		log:     log.With().Str("module", "portfolio_handlers").Logger(),
	}
}

// RegisterRoutes registers all portfolio routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/positions", h.GetPositions)
}

// GetPositions returns the account's derived positions.
func (h *Handlers) GetPositions(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	snapshot, err := h.service.GetSnapshot(accountID)
	if err != nil {
		h.log.Error().Err(err).Int64("account_id", accountID).Msg("Failed to build snapshot")
		status := http.StatusInternalServerError
		if domain.IsKind(err, domain.KindDataUnavailable) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	sort.Slice(snapshot.Positions, func(i, j int) bool {
		return snapshot.Positions[i].Ticker < snapshot.Positions[j].Ticker
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"positions":   snapshot.Positions,
		"total_value": snapshot.TotalValue,
	})
}
