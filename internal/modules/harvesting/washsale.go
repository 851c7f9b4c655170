package harvesting

import (
	"time"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// WashSaleDetector flags sales where a substantially identical security was
// bought inside [saleDate - window, saleDate + window]. It is a pure query
// over the transaction history handed to it; no side effects.
type WashSaleDetector struct {
	windowDays int
	identical  IdentityFunc
}

// NewWashSaleDetector creates a detector. identical may be nil, in which case
// DefaultIdentity is used.
func NewWashSaleDetector(windowDays int, identical IdentityFunc) *WashSaleDetector {
	if identical == nil {
		identical = DefaultIdentity
	}
	return &WashSaleDetector{
		windowDays: windowDays,
		identical:  identical,
	}
}

// WindowDays returns the configured window size.
func (d *WashSaleDetector) WindowDays() int {
	return d.windowDays
}

// Check examines whether buying the replacement around the sale date would
// disallow the loss. When the replacement is the sold security itself, this
// detects a repurchase of the same name. The transactions slice is the
// account history covering at least the full window.
func (d *WashSaleDetector) Check(
	saleDate time.Time,
	replacement SecurityRef,
	transactions []domain.Transaction,
) WashSaleResult {
	windowStart := saleDate.AddDate(0, 0, -d.windowDays)
	windowEnd := saleDate.AddDate(0, 0, d.windowDays)

	var conflicts []domain.Transaction
	for _, txn := range transactions {
		if txn.Side != domain.SideBuy {
			continue
		}
		if txn.TradeDate.Before(windowStart) || txn.TradeDate.After(windowEnd) {
			continue
		}
		if d.identical(replacement, SecurityRef{ID: txn.SecurityID, Ticker: txn.Ticker}) {
			conflicts = append(conflicts, txn)
		}
	}

	return WashSaleResult{
		Violation: len(conflicts) > 0,
		Conflicts: conflicts,
	}
}
