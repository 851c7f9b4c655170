package portfolio

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianquant/rebalancer/internal/domain"
)

const dateLayout = "2006-01-02"

// LotRepository handles tax lot and transaction database operations.
// The account exclusively owns its lots; everything here is scoped by account.
type LotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLotRepository creates a new lot repository.
func NewLotRepository(db *sql.DB, log zerolog.Logger) *LotRepository {
	return &LotRepository{
		db:  db,
		log: log.With().Str("repo", "lot").Logger(),
	}
}

// GetOpenLots returns all open lots for an account, joined with tickers,
// oldest purchase first.
func (r *LotRepository) GetOpenLots(accountID int64) ([]domain.TaxLot, error) {
	rows, err := r.db.Query(
		`SELECT l.id, l.account_id, l.security_id, s.ticker, l.purchase_date,
		        l.purchase_price, l.quantity, l.original_quantity, l.closed
		 FROM tax_lots l
		 JOIN securities s ON s.id = l.security_id
		 WHERE l.account_id = ? AND l.closed = 0
		 ORDER BY l.purchase_date ASC, l.id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open lots: %w", err)
	}
	defer rows.Close()

	var lots []domain.TaxLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, lot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lots: %w", err)
	}

	return lots, nil
}

// GetTransactions returns the account's transactions in [start, end],
// ordered by trade date.
func (r *LotRepository) GetTransactions(accountID int64, start, end time.Time) ([]domain.Transaction, error) {
	rows, err := r.db.Query(
		`SELECT t.id, t.account_id, t.security_id, s.ticker, t.side, t.quantity, t.price, t.trade_date
		 FROM transactions t
		 JOIN securities s ON s.id = t.security_id
		 WHERE t.account_id = ? AND t.trade_date >= ? AND t.trade_date <= ?
		 ORDER BY t.trade_date ASC, t.id ASC`,
		accountID, start.Format(dateLayout), end.Format(dateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		var txn domain.Transaction
		var dateStr string
		if err := rows.Scan(&txn.ID, &txn.AccountID, &txn.SecurityID, &txn.Ticker,
			&txn.Side, &txn.Quantity, &txn.Price, &dateStr); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		date, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			return nil, fmt.Errorf("bad transaction date %q: %w", dateStr, err)
		}
		txn.TradeDate = date
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txns, nil
}

// ApplyTrades executes accepted trades against lot state inside one
// transaction: sells reduce (and possibly close) their lots, buys create new
// lots, and every trade is appended to the transaction history.
func (r *LotRepository) ApplyTrades(accountID int64, trades []domain.Trade, tradeDate time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, trade := range trades {
		switch trade.Side {
		case domain.SideSell:
			if err := r.applySell(tx, trade); err != nil {
				return err
			}
		case domain.SideBuy:
			if _, err := tx.Exec(
				`INSERT INTO tax_lots (account_id, security_id, purchase_date, purchase_price, quantity, original_quantity, closed)
				 VALUES (?, ?, ?, ?, ?, ?, 0)`,
				accountID, trade.SecurityID, tradeDate.Format(dateLayout), trade.Price, trade.Quantity, trade.Quantity,
			); err != nil {
				return fmt.Errorf("failed to insert buy lot: %w", err)
			}
		default:
			return domain.Validationf(trade.Ticker, "unknown trade side %q", trade.Side)
		}

		if _, err := tx.Exec(
			`INSERT INTO transactions (account_id, security_id, side, quantity, price, trade_date)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			accountID, trade.SecurityID, string(trade.Side), trade.Quantity, trade.Price, tradeDate.Format(dateLayout),
		); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}

	return tx.Commit()
}

// applySell reduces a lot's quantity. A lot that hits zero is closed and
// never written again.
func (r *LotRepository) applySell(tx *sql.Tx, trade domain.Trade) error {
	lotID := strconv.FormatInt(trade.LotID, 10)

	var remaining float64
	var closed bool
	err := tx.QueryRow(`SELECT quantity, closed FROM tax_lots WHERE id = ?`, trade.LotID).
		Scan(&remaining, &closed)
	if err == sql.ErrNoRows {
		return domain.DataUnavailablef(lotID, "lot %d not found", trade.LotID)
	}
	if err != nil {
		return fmt.Errorf("failed to read lot %d: %w", trade.LotID, err)
	}
	if closed {
		return domain.Validationf(lotID, "lot %d is closed", trade.LotID)
	}
	if trade.Quantity > remaining+1e-9 {
		return domain.Validationf(lotID, "sell quantity %.4f exceeds lot remaining %.4f", trade.Quantity, remaining)
	}

	newQty := remaining - trade.Quantity
	if newQty < 1e-9 {
		newQty = 0
	}
	closeFlag := 0
	if newQty == 0 {
		closeFlag = 1
	}

	if _, err := tx.Exec(
		`UPDATE tax_lots SET quantity = ?, closed = ? WHERE id = ?`,
		newQty, closeFlag, trade.LotID,
	); err != nil {
		return fmt.Errorf("failed to update lot %d: %w", trade.LotID, err)
	}

	return nil
}

func scanLot(rows *sql.Rows) (domain.TaxLot, error) {
	var lot domain.TaxLot
	var dateStr string
	if err := rows.Scan(&lot.ID, &lot.AccountID, &lot.SecurityID, &lot.Ticker,
		&dateStr, &lot.PurchasePrice, &lot.Quantity, &lot.OriginalQuantity, &lot.Closed); err != nil {
		return domain.TaxLot{}, err
	}
	date, err := time.Parse(dateLayout, dateStr)
	if err != nil {
		return domain.TaxLot{}, fmt.Errorf("bad purchase date %q: %w", dateStr, err)
	}
	lot.PurchaseDate = date
	return lot, nil
}
