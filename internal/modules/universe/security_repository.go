package universe

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// SecurityRepository handles security database operations.
type SecurityRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSecurityRepository creates a new security repository.
func NewSecurityRepository(db *sql.DB, log zerolog.Logger) *SecurityRepository {
	return &SecurityRepository{
		db:  db,
		log: log.With().Str("repo", "security").Logger(),
	}
}

const securityColumns = "id, ticker, cusip, isin, name, sector, industry, active"

// GetByID returns a security by primary key, or nil when not found.
func (r *SecurityRepository) GetByID(id int64) (*domain.Security, error) {
	row := r.db.QueryRow("SELECT "+securityColumns+" FROM securities WHERE id = ?", id)
	sec, err := scanSecurity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query security by id: %w", err)
	}
	return &sec, nil
}

// GetByTicker returns a security by ticker, or nil when not found.
func (r *SecurityRepository) GetByTicker(ticker string) (*domain.Security, error) {
	row := r.db.QueryRow(
		"SELECT "+securityColumns+" FROM securities WHERE ticker = ?",
		strings.ToUpper(strings.TrimSpace(ticker)),
	)
	sec, err := scanSecurity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query security by ticker: %w", err)
	}
	return &sec, nil
}

// GetAllActive returns every active security, ordered by ticker for
// reproducible downstream ranking.
func (r *SecurityRepository) GetAllActive() ([]domain.Security, error) {
	rows, err := r.db.Query("SELECT " + securityColumns + " FROM securities WHERE active = 1 ORDER BY ticker")
	if err != nil {
		return nil, fmt.Errorf("failed to query securities: %w", err)
	}
	defer rows.Close()

	var securities []domain.Security
	for rows.Next() {
		sec, err := scanSecurity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security: %w", err)
		}
		securities = append(securities, sec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating securities: %w", err)
	}

	return securities, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSecurity(s scanner) (domain.Security, error) {
	var sec domain.Security
	var cusip, isin, sector, industry sql.NullString
	if err := s.Scan(&sec.ID, &sec.Ticker, &cusip, &isin, &sec.Name, &sector, &industry, &sec.Active); err != nil {
		return domain.Security{}, err
	}
	sec.CUSIP = cusip.String
	sec.ISIN = isin.String
	sec.Sector = sector.String
	sec.Industry = industry.String
	return sec, nil
}
