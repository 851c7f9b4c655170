package portfolio

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// AccountRepository handles account database operations.
type AccountRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAccountRepository creates a new account repository.
func NewAccountRepository(db *sql.DB, log zerolog.Logger) *AccountRepository {
	return &AccountRepository{
		db:  db,
		log: log.With().Str("repo", "account").Logger(),
	}
}

// GetByID returns an account by id. Tax rates are validated on read so a
// malformed row surfaces as a validation error instead of a bad computation.
func (r *AccountRepository) GetByID(id int64) (*domain.Account, error) {
	var acct domain.Account
	err := r.db.QueryRow(
		`SELECT id, name, benchmark_id, short_term_rate, long_term_rate, cash_balance, active
		 FROM accounts WHERE id = ?`,
		id,
	).Scan(&acct.ID, &acct.Name, &acct.BenchmarkID, &acct.ShortTermRate, &acct.LongTermRate, &acct.CashBalance, &acct.Active)
	if err == sql.ErrNoRows {
		return nil, domain.DataUnavailablef(strconv.FormatInt(id, 10), "account %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}

	if err := validateRates(&acct); err != nil {
		return nil, err
	}

	return &acct, nil
}

// GetAllActive returns every active account.
func (r *AccountRepository) GetAllActive() ([]domain.Account, error) {
	rows, err := r.db.Query(
		`SELECT id, name, benchmark_id, short_term_rate, long_term_rate, cash_balance, active
		 FROM accounts WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var acct domain.Account
		if err := rows.Scan(&acct.ID, &acct.Name, &acct.BenchmarkID, &acct.ShortTermRate,
			&acct.LongTermRate, &acct.CashBalance, &acct.Active); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if err := validateRates(&acct); err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

func validateRates(acct *domain.Account) error {
	id := strconv.FormatInt(acct.ID, 10)
	if acct.ShortTermRate < 0 || acct.ShortTermRate > 1 {
		return domain.Validationf(id, "short-term tax rate %.4f outside [0,1]", acct.ShortTermRate)
	}
	if acct.LongTermRate < 0 || acct.LongTermRate > 1 {
		return domain.Validationf(id, "long-term tax rate %.4f outside [0,1]", acct.LongTermRate)
	}
	return nil
}
