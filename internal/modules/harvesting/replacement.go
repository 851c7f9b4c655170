package harvesting

import (
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/meridianquant/rebalancer/internal/domain"
	"github.com/meridianquant/rebalancer/internal/modules/risk"
)

// Classification match scores. Industry beats sector beats nothing; factor
// proximity then orders candidates within the same tier.
const (
	industryMatchScore = 2.0
	sectorMatchScore   = 1.0
)

// ReplacementFinder proposes substitute securities that keep factor exposure
// close to the sold name without being substantially identical to it.
type ReplacementFinder struct {
	identical IdentityFunc
	log       zerolog.Logger
}

// NewReplacementFinder creates a finder. identical may be nil for the default
// identity rule.
func NewReplacementFinder(identical IdentityFunc, log zerolog.Logger) *ReplacementFinder {
	if identical == nil {
		identical = DefaultIdentity
	}
	return &ReplacementFinder{
		identical: identical,
		log:       log.With().Str("component", "replacement_finder").Logger(),
	}
}

// Find ranks candidates from the universe for replacing target. snap may be
// nil, in which case classification alone drives the ranking. The result is
// deterministic: equal scores break ties by lexicographic ticker.
func (f *ReplacementFinder) Find(
	target domain.Security,
	universe []domain.Security,
	snap *risk.Snapshot,
	max int,
) []domain.Security {
	type scored struct {
		sec   domain.Security
		score float64
	}

	var targetExposure []float64
	if snap != nil {
		targetExposure = snap.ExposureFor(target.Ticker)
	}

	var candidates []scored
	for _, sec := range universe {
		if !sec.Active {
			continue
		}
		if f.identical(Ref(target), Ref(sec)) {
			continue
		}
		// Same ISIN or CUSIP is substantially identical regardless of ticker.
		if (target.ISIN != "" && sec.ISIN == target.ISIN) ||
			(target.CUSIP != "" && sec.CUSIP == target.CUSIP) {
			continue
		}

		score := 0.0
		if target.Industry != "" && sec.Industry == target.Industry {
			score = industryMatchScore
		} else if target.Sector != "" && sec.Sector == target.Sector {
			score = sectorMatchScore
		}

		if snap != nil {
			score -= floats.Distance(targetExposure, snap.ExposureFor(sec.Ticker), 2)
		}

		candidates = append(candidates, scored{sec: sec, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].sec.Ticker < candidates[j].sec.Ticker
	})

	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	result := make([]domain.Security, len(candidates))
	for i, c := range candidates {
		result[i] = c.sec
	}
	return result
}
