package rebalancing

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// EventRepository appends and reads rebalancing events. Events are immutable
// history: there is no update path.
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{
		db:  db,
		log: log.With().Str("repo", "rebalancing_event").Logger(),
	}
}

// Append writes a new event.
func (r *EventRepository) Append(event domain.RebalancingEvent) error {
	trades, err := json.Marshal(event.Trades)
	if err != nil {
		return fmt.Errorf("failed to marshal trades: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO rebalancing_events
		 (id, account_id, status, rebalancing_type, tracking_error_before, tracking_error_after,
		  tax_benefit, turnover, trades, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.AccountID, event.Status, event.RebalancingType,
		event.TrackingErrorBefore, event.TrackingErrorAfter,
		event.TaxBenefit, event.Turnover, string(trades), event.Message,
		event.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append rebalancing event: %w", err)
	}

	return nil
}

// GetByAccount returns the account's events, newest first.
func (r *EventRepository) GetByAccount(accountID int64, limit int) ([]domain.RebalancingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, account_id, status, rebalancing_type, tracking_error_before, tracking_error_after,
		        tax_benefit, turnover, trades, message, created_at
		 FROM rebalancing_events
		 WHERE account_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rebalancing events: %w", err)
	}
	defer rows.Close()

	var events []domain.RebalancingEvent
	for rows.Next() {
		var event domain.RebalancingEvent
		var trades, createdAt string
		var message sql.NullString
		if err := rows.Scan(&event.ID, &event.AccountID, &event.Status, &event.RebalancingType,
			&event.TrackingErrorBefore, &event.TrackingErrorAfter,
			&event.TaxBenefit, &event.Turnover, &trades, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rebalancing event: %w", err)
		}
		if err := json.Unmarshal([]byte(trades), &event.Trades); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trades for event %s: %w", event.ID, err)
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("bad event timestamp %q: %w", createdAt, err)
		}
		event.CreatedAt = ts
		event.Message = message.String
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rebalancing events: %w", err)
	}

	return events, nil
}
