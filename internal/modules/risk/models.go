package risk

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// Snapshot is a point-in-time view of the factor risk model: exposures per
// security, factor covariance, and specific (idiosyncratic) variance.
// The engine consumes snapshots; it never recomputes the factor model.
type Snapshot struct {
	AsOf        time.Time
	Factors     []string
	Exposures   map[string][]float64 // ticker -> exposure vector, aligned with Factors
	Covariance  *mat.SymDense        // factor covariance, per-period units
	SpecificVar map[string]float64   // ticker -> per-period idiosyncratic variance
}

// ExposureFor returns the exposure vector for a ticker, or a zero vector when
// the model does not cover it.
func (s *Snapshot) ExposureFor(ticker string) []float64 {
	if exp, ok := s.Exposures[ticker]; ok {
		return exp
	}
	return make([]float64, len(s.Factors))
}

// SnapshotSource supplies risk snapshots for an as-of date.
type SnapshotSource interface {
	GetSnapshot(asOf time.Time) (*Snapshot, error)
}
