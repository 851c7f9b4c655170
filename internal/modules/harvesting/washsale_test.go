package harvesting

import (
	"testing"
	"time"

	"github.com/meridianquant/rebalancer/internal/domain"
)

func TestWashSaleDetectorCheck(t *testing.T) {
	saleDate := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	target := SecurityRef{ID: 1, Ticker: "VTI"}

	tests := []struct {
		name         string
		transactions []domain.Transaction
		want         bool
	}{
		{
			name: "Buy 10 days before sale is flagged",
			transactions: []domain.Transaction{
				{SecurityID: 1, Ticker: "VTI", Side: domain.SideBuy,
					TradeDate: saleDate.AddDate(0, 0, -10)},
			},
			want: true,
		},
		{
			name: "Buy 10 days after sale is flagged",
			transactions: []domain.Transaction{
				{SecurityID: 1, Ticker: "VTI", Side: domain.SideBuy,
					TradeDate: saleDate.AddDate(0, 0, 10)},
			},
			want: true,
		},
		{
			name: "Buy exactly at window edge is flagged",
			transactions: []domain.Transaction{
				{SecurityID: 1, Ticker: "VTI", Side: domain.SideBuy,
					TradeDate: saleDate.AddDate(0, 0, -30)},
			},
			want: true,
		},
		{
			name: "Buy 31 days before sale is clean",
			transactions: []domain.Transaction{
				{SecurityID: 1, Ticker: "VTI", Side: domain.SideBuy,
					TradeDate: saleDate.AddDate(0, 0, -31)},
			},
			want: false,
		},
		{
			name: "Buy 31 days after sale is clean",
			transactions: []domain.Transaction{
				{SecurityID: 1, Ticker: "VTI", Side: domain.SideBuy,
					TradeDate: saleDate.AddDate(0, 0, 31)},
			},
			want: false,
		},
		{
			name: "Sell inside window does not flag",
			transactions: []domain.Transaction{
				{SecurityID: 1, Ticker: "VTI", Side: domain.SideSell,
					TradeDate: saleDate.AddDate(0, 0, -5)},
			},
			want: false,
		},
		{
			name: "Different security inside window does not flag",
			transactions: []domain.Transaction{
				{SecurityID: 2, Ticker: "VOO", Side: domain.SideBuy,
					TradeDate: saleDate.AddDate(0, 0, -5)},
			},
			want: false,
		},
		{
			name:         "No history is clean",
			transactions: nil,
			want:         false,
		},
	}

	detector := NewWashSaleDetector(30, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detector.Check(saleDate, target, tt.transactions)
			if got.Violation != tt.want {
				t.Errorf("Check() violation = %v, want %v", got.Violation, tt.want)
			}
			if tt.want && len(got.Conflicts) == 0 {
				t.Error("flagged result should carry the conflicting transactions")
			}
		})
	}
}

func TestWashSaleDetectorCollectsAllConflicts(t *testing.T) {
	saleDate := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	detector := NewWashSaleDetector(30, nil)

	history := []domain.Transaction{
		{SecurityID: 1, Ticker: "VTI", Side: domain.SideBuy, TradeDate: saleDate.AddDate(0, 0, -20)},
		{SecurityID: 1, Ticker: "VTI", Side: domain.SideBuy, TradeDate: saleDate.AddDate(0, 0, 3)},
		{SecurityID: 1, Ticker: "VTI", Side: domain.SideBuy, TradeDate: saleDate.AddDate(0, 0, 45)},
	}

	result := detector.Check(saleDate, SecurityRef{ID: 1, Ticker: "VTI"}, history)
	if !result.Violation {
		t.Fatal("expected a violation")
	}
	if len(result.Conflicts) != 2 {
		t.Errorf("Conflicts = %d, want 2 (the buy outside the window must not count)", len(result.Conflicts))
	}
}

func TestDefaultIdentity(t *testing.T) {
	tests := []struct {
		name string
		a, b SecurityRef
		want bool
	}{
		{"Same ID", SecurityRef{ID: 1, Ticker: "VTI"}, SecurityRef{ID: 1, Ticker: "VTI.X"}, true},
		{"Different IDs", SecurityRef{ID: 1, Ticker: "VTI"}, SecurityRef{ID: 2, Ticker: "VTI"}, false},
		{"Ticker fallback when ID missing", SecurityRef{Ticker: "VTI"}, SecurityRef{ID: 1, Ticker: "VTI"}, true},
		{"Ticker mismatch without IDs", SecurityRef{Ticker: "VTI"}, SecurityRef{Ticker: "VOO"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultIdentity(tt.a, tt.b); got != tt.want {
				t.Errorf("DefaultIdentity(%+v, %+v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
