package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const dateLayout = "2006-01-02"

// SQLiteProvider reads prices from the local prices table.
type SQLiteProvider struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteProvider creates a price provider backed by the local database.
func NewSQLiteProvider(db *sql.DB, log zerolog.Logger) *SQLiteProvider {
	return &SQLiteProvider{
		db:  db,
		log: log.With().Str("client", "marketdata").Logger(),
	}
}

// LatestPrice returns the most recent close for a security.
func (p *SQLiteProvider) LatestPrice(securityID int64) (float64, bool, error) {
	var close float64
	err := p.db.QueryRow(
		`SELECT close FROM prices WHERE security_id = ? ORDER BY date DESC LIMIT 1`,
		securityID,
	).Scan(&close)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query latest price: %w", err)
	}
	return close, true, nil
}

// PriceHistory returns closes in [start, end], ordered by date ascending.
func (p *SQLiteProvider) PriceHistory(securityID int64, start, end time.Time) ([]PricePoint, error) {
	rows, err := p.db.Query(
		`SELECT date, close FROM prices
		 WHERE security_id = ? AND date >= ? AND date <= ?
		 ORDER BY date ASC`,
		securityID, start.Format(dateLayout), end.Format(dateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var points []PricePoint
	for rows.Next() {
		var dateStr string
		var close float64
		if err := rows.Scan(&dateStr, &close); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		date, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			return nil, fmt.Errorf("bad price date %q: %w", dateStr, err)
		}
		points = append(points, PricePoint{Date: date, Close: close})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}

	return points, nil
}
