// Package sqlite is the primary store: financial transactions plus the
// read-only student and teacher directory, on an embedded SQLite database.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DB wraps the database handle.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies
// every migration.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("Open: creating directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: opening database: %w", err)
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) migrate() error {
	for i, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: statement %d: %w", i, err)
		}
	}
	return nil
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements, one SQL statement each.
// Money is stored as decimal text; dates as YYYY-MM-DD; timestamps as
// fixed-width UTC text so that they sort lexically.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS students (
			id       TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			email    TEXT NOT NULL DEFAULT '',
			document TEXT NOT NULL DEFAULT '',
			active   INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS teachers (
			id       TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			email    TEXT NOT NULL DEFAULT '',
			document TEXT NOT NULL DEFAULT '',
			salary   TEXT NOT NULL DEFAULT '0',
			active   INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS financial_transactions (
			id                 TEXT PRIMARY KEY,
			transaction_type   TEXT NOT NULL,
			amount             TEXT NOT NULL,
			discount           TEXT NOT NULL DEFAULT '0',
			late_fee           TEXT NOT NULL DEFAULT '0',
			final_amount       TEXT NOT NULL,
			due_date           TEXT NOT NULL,
			paid_date          TEXT,
			status             TEXT NOT NULL,
			payment_method     TEXT,
			reference_type     TEXT,
			reference_id       TEXT,
			billing_period     TEXT,
			description        TEXT NOT NULL DEFAULT '',
			observation        TEXT NOT NULL DEFAULT '',
			invoice_id         TEXT,
			invoice_kind       TEXT,
			invoice_status     TEXT,
			boleto_url         TEXT,
			pix_qr_code        TEXT,
			pix_qr_code_url    TEXT,
			invoice_paid_at    TEXT,
			invoice_last_error TEXT,
			invoice_updated_at TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			version            INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ft_billing_period
			ON financial_transactions(transaction_type, reference_id, billing_period)
			WHERE billing_period IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_ft_due_date ON financial_transactions(due_date)`,
		`CREATE INDEX IF NOT EXISTS idx_ft_paid_date ON financial_transactions(paid_date)`,
		`CREATE INDEX IF NOT EXISTS idx_ft_updated_at ON financial_transactions(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ft_invoice ON financial_transactions(invoice_id)`,
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
