package rebalancing

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// Handlers provides HTTP handlers for rebalancing endpoints.
type Handlers struct {
	service *Service
	events  *EventRepository
	log     zerolog.Logger
}

// NewHandlers creates a new rebalancing handlers instance.
func NewHandlers(service *Service, events *EventRepository, log zerolog.Logger) *Handlers {
	return &Handlers{
		service: service,
		events:  events,
		log:     log.With().Str("module", "rebalancing_handlers").Logger(),
	}
}

// RegisterRoutes registers all rebalancing routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/rebalance", func(r chi.Router) {
		r.Post("/", h.Rebalance)
		r.Get("/check", h.Check)
		r.Get("/events", h.Events)
	})
}

// Rebalance runs the full pipeline for an account.
func (h *Handlers) Rebalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.RebalanceAccount(r.Context(), accountID, req)
	if err != nil {
		h.log.Error().Err(err).Int64("account_id", accountID).Msg("Rebalance failed")
		h.writeJSON(w, errorStatus(err), result)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// Check evaluates rebalancing triggers without side effects.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	result, err := h.service.CheckRebalancingNeeded(accountID, r.URL.Query().Get("rebalancing_type"))
	if err != nil {
		h.log.Error().Err(err).Int64("account_id", accountID).Msg("Rebalance check failed")
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// Events returns the account's rebalancing history, newest first.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	eventList, err := h.events.GetByAccount(accountID, limit)
	if err != nil {
		h.log.Error().Err(err).Int64("account_id", accountID).Msg("Failed to load events")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if eventList == nil {
		eventList = []domain.RebalancingEvent{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"events":     eventList,
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// errorStatus maps structured engine errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.KindValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.KindDataUnavailable):
		return http.StatusConflict
	case domain.IsKind(err, domain.KindSolverTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
