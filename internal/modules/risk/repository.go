package risk

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianquant/rebalancer/internal/domain"
)

const dateLayout = "2006-01-02"

// Repository reads factor-model snapshots loaded by the external factor
// engine: exposures, factor covariance, and specific variance.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new risk repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "risk").Logger(),
	}
}

// GetSnapshot loads the latest snapshot at or before asOf.
func (r *Repository) GetSnapshot(asOf time.Time) (*Snapshot, error) {
	var effective sql.NullString
	err := r.db.QueryRow(
		`SELECT MAX(as_of) FROM factor_covariance WHERE as_of <= ?`,
		asOf.Format(dateLayout),
	).Scan(&effective)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve risk snapshot date: %w", err)
	}
	if !effective.Valid || effective.String == "" {
		return nil, domain.DataUnavailablef("", "no risk model snapshot at or before %s", asOf.Format(dateLayout))
	}

	snapDate, err := time.Parse(dateLayout, effective.String)
	if err != nil {
		return nil, fmt.Errorf("bad snapshot date %q: %w", effective.String, err)
	}

	factors, cov, err := r.loadCovariance(effective.String)
	if err != nil {
		return nil, err
	}

	exposures, err := r.loadExposures(effective.String, factors)
	if err != nil {
		return nil, err
	}

	specific, err := r.loadSpecificVariance(effective.String)
	if err != nil {
		return nil, err
	}

	r.log.Debug().
		Str("as_of", effective.String).
		Int("factors", len(factors)).
		Int("securities", len(exposures)).
		Msg("Loaded risk snapshot")

	return &Snapshot{
		AsOf:        snapDate,
		Factors:     factors,
		Exposures:   exposures,
		Covariance:  cov,
		SpecificVar: specific,
	}, nil
}

func (r *Repository) loadCovariance(asOf string) ([]string, *mat.SymDense, error) {
	rows, err := r.db.Query(
		`SELECT factor_i, factor_j, value FROM factor_covariance WHERE as_of = ?`, asOf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query factor covariance: %w", err)
	}
	defer rows.Close()

	type cell struct {
		i, j string
		v    float64
	}
	var cells []cell
	factorSet := make(map[string]bool)
	for rows.Next() {
		var c cell
		if err := rows.Scan(&c.i, &c.j, &c.v); err != nil {
			return nil, nil, fmt.Errorf("failed to scan covariance cell: %w", err)
		}
		cells = append(cells, c)
		factorSet[c.i] = true
		factorSet[c.j] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating covariance: %w", err)
	}
	if len(cells) == 0 {
		return nil, nil, domain.DataUnavailablef("", "empty factor covariance at %s", asOf)
	}

	factors := make([]string, 0, len(factorSet))
	for f := range factorSet {
		factors = append(factors, f)
	}
	sort.Strings(factors)
	index := make(map[string]int, len(factors))
	for i, f := range factors {
		index[f] = i
	}

	cov := mat.NewSymDense(len(factors), nil)
	for _, c := range cells {
		cov.SetSym(index[c.i], index[c.j], c.v)
	}

	return factors, cov, nil
}

func (r *Repository) loadExposures(asOf string, factors []string) (map[string][]float64, error) {
	index := make(map[string]int, len(factors))
	for i, f := range factors {
		index[f] = i
	}

	rows, err := r.db.Query(
		`SELECT s.ticker, e.factor, e.exposure
		 FROM factor_exposures e
		 JOIN securities s ON s.id = e.security_id
		 WHERE e.as_of = ?`, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query factor exposures: %w", err)
	}
	defer rows.Close()

	exposures := make(map[string][]float64)
	for rows.Next() {
		var ticker, factor string
		var value float64
		if err := rows.Scan(&ticker, &factor, &value); err != nil {
			return nil, fmt.Errorf("failed to scan exposure: %w", err)
		}
		idx, ok := index[factor]
		if !ok {
			// Exposure to a factor absent from the covariance matrix carries
			// no risk contribution; skip it.
			continue
		}
		vec, ok := exposures[ticker]
		if !ok {
			vec = make([]float64, len(factors))
			exposures[ticker] = vec
		}
		vec[idx] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exposures: %w", err)
	}

	return exposures, nil
}

func (r *Repository) loadSpecificVariance(asOf string) (map[string]float64, error) {
	rows, err := r.db.Query(
		`SELECT s.ticker, v.variance
		 FROM specific_variance v
		 JOIN securities s ON s.id = v.security_id
		 WHERE v.as_of = ?`, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query specific variance: %w", err)
	}
	defer rows.Close()

	specific := make(map[string]float64)
	for rows.Next() {
		var ticker string
		var variance float64
		if err := rows.Scan(&ticker, &variance); err != nil {
			return nil, fmt.Errorf("failed to scan specific variance: %w", err)
		}
		specific[ticker] = variance
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating specific variance: %w", err)
	}

	return specific, nil
}
