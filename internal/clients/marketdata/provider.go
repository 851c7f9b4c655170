// Package marketdata exposes the price contract the engine consumes.
// Ingestion (vendor feeds, EOD syncs) is an external collaborator; the engine
// only reads what has already been loaded.
package marketdata

import (
	"time"
)

// PricePoint is one observed closing price.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// Provider supplies current and historical prices.
// LatestPrice returns (0, false, nil) when no price is known for the security;
// the caller decides whether that is fatal.
type Provider interface {
	LatestPrice(securityID int64) (price float64, ok bool, err error)
	PriceHistory(securityID int64, start, end time.Time) ([]PricePoint, error)
}
