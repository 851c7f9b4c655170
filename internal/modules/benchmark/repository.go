// Package benchmark reads benchmark constituent weights. Constituent
// maintenance is an external collaborator; the engine only consumes the
// weights effective at an as-of date.
package benchmark

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
)

const dateLayout = "2006-01-02"

// Repository handles benchmark database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new benchmark repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "benchmark").Logger(),
	}
}

// GetWeights returns ticker -> weight for the latest effective date at or
// before asOf. Weights for one date should sum to ~1; deviations are not
// rejected here — the tracking-error model treats them as an active bet.
func (r *Repository) GetWeights(benchmarkID int64, asOf time.Time) (map[string]float64, error) {
	var effective sql.NullString
	err := r.db.QueryRow(
		`SELECT MAX(effective_date) FROM benchmark_weights
		 WHERE benchmark_id = ? AND effective_date <= ?`,
		benchmarkID, asOf.Format(dateLayout),
	).Scan(&effective)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve benchmark effective date: %w", err)
	}
	if !effective.Valid || effective.String == "" {
		return nil, domain.DataUnavailablef(strconv.FormatInt(benchmarkID, 10),
			"no benchmark weights for benchmark %d at %s", benchmarkID, asOf.Format(dateLayout))
	}
	effectiveDate := effective.String

	rows, err := r.db.Query(
		`SELECT s.ticker, w.weight
		 FROM benchmark_weights w
		 JOIN securities s ON s.id = w.security_id
		 WHERE w.benchmark_id = ? AND w.effective_date = ?`,
		benchmarkID, effectiveDate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query benchmark weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var ticker string
		var weight float64
		if err := rows.Scan(&ticker, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan benchmark weight: %w", err)
		}
		weights[ticker] = weight
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating benchmark weights: %w", err)
	}

	if len(weights) == 0 {
		return nil, domain.DataUnavailablef(strconv.FormatInt(benchmarkID, 10),
			"benchmark %d has no constituents at %s", benchmarkID, effectiveDate)
	}

	return weights, nil
}
