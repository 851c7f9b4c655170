package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps the database connection.
type DB struct {
	conn *sql.DB
	path string
}

// New creates a new database connection.
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode for better concurrency
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	return &DB{
		conn: conn,
		path: dbPath,
	}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Begin starts a new transaction.
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// Migrate creates the schema if it does not exist. The engine owns this
// schema; market data and the factor model are loaded in by external
// collaborators and only read here.
func (db *DB) Migrate() error {
	for _, stmt := range schema {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS securities (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker    TEXT NOT NULL UNIQUE,
		cusip     TEXT,
		isin      TEXT,
		name      TEXT NOT NULL DEFAULT '',
		sector    TEXT,
		industry  TEXT,
		active    INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL,
		benchmark_id    INTEGER NOT NULL,
		short_term_rate REAL NOT NULL,
		long_term_rate  REAL NOT NULL,
		cash_balance    REAL NOT NULL DEFAULT 0,
		active          INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS tax_lots (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id        INTEGER NOT NULL REFERENCES accounts(id),
		security_id       INTEGER NOT NULL REFERENCES securities(id),
		purchase_date     TEXT NOT NULL,
		purchase_price    REAL NOT NULL,
		quantity          REAL NOT NULL CHECK (quantity >= 0),
		original_quantity REAL NOT NULL,
		closed            INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tax_lots_account ON tax_lots(account_id, closed)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id  INTEGER NOT NULL REFERENCES accounts(id),
		security_id INTEGER NOT NULL REFERENCES securities(id),
		side        TEXT NOT NULL CHECK (side IN ('BUY','SELL')),
		quantity    REAL NOT NULL,
		price       REAL NOT NULL,
		trade_date  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account_date ON transactions(account_id, trade_date)`,
	`CREATE TABLE IF NOT EXISTS benchmarks (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS benchmark_weights (
		benchmark_id   INTEGER NOT NULL REFERENCES benchmarks(id),
		security_id    INTEGER NOT NULL REFERENCES securities(id),
		effective_date TEXT NOT NULL,
		weight         REAL NOT NULL,
		PRIMARY KEY (benchmark_id, security_id, effective_date)
	)`,
	`CREATE TABLE IF NOT EXISTS prices (
		security_id INTEGER NOT NULL REFERENCES securities(id),
		date        TEXT NOT NULL,
		close       REAL NOT NULL,
		PRIMARY KEY (security_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS factor_exposures (
		security_id INTEGER NOT NULL REFERENCES securities(id),
		as_of       TEXT NOT NULL,
		factor      TEXT NOT NULL,
		exposure    REAL NOT NULL,
		PRIMARY KEY (security_id, as_of, factor)
	)`,
	`CREATE TABLE IF NOT EXISTS factor_covariance (
		as_of    TEXT NOT NULL,
		factor_i TEXT NOT NULL,
		factor_j TEXT NOT NULL,
		value    REAL NOT NULL,
		PRIMARY KEY (as_of, factor_i, factor_j)
	)`,
	`CREATE TABLE IF NOT EXISTS specific_variance (
		security_id INTEGER NOT NULL REFERENCES securities(id),
		as_of       TEXT NOT NULL,
		variance    REAL NOT NULL,
		PRIMARY KEY (security_id, as_of)
	)`,
	`CREATE TABLE IF NOT EXISTS rebalancing_events (
		id                    TEXT PRIMARY KEY,
		account_id            INTEGER NOT NULL REFERENCES accounts(id),
		status                TEXT NOT NULL,
		rebalancing_type      TEXT NOT NULL,
		tracking_error_before REAL NOT NULL,
		tracking_error_after  REAL NOT NULL,
		tax_benefit           REAL NOT NULL,
		turnover              REAL NOT NULL,
		trades                TEXT NOT NULL,
		message               TEXT,
		created_at            TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_account ON rebalancing_events(account_id, created_at)`,
}
