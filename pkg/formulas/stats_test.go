package formulas

import (
	"math"
	"testing"
)

func TestCalculateReturns(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   []float64
	}{
		{
			name:   "Simple sequence",
			prices: []float64{100, 110, 99},
			want:   []float64{0.10, -0.10},
		},
		{
			name:   "Single price has no returns",
			prices: []float64{100},
			want:   []float64{},
		},
		{
			name:   "Zero price contributes a zero return",
			prices: []float64{0, 100},
			want:   []float64{0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateReturns(tt.prices)
			if len(got) != len(tt.want) {
				t.Fatalf("CalculateReturns() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if math.Abs(got[i]-tt.want[i]) > 1e-9 {
					t.Errorf("returns[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
