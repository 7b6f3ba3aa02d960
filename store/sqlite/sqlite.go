/*
Package sqlite provides the SQLite-backed store of the reconciler.

PURPOSE:
  Keeps invoices with their collection state, the settlement runs that
  touched them and an audit trail of every payment result. Used as the
  local invoice store when no Redis order hash is configured, and always
  as run recorder and audit sink.

INTERFACES IMPLEMENTED:
  reconcile.InvoiceStore:  FetchCreditInvoices
  reconcile.InvoiceWriter: SaveInvoices
  reconcile.RunRecorder:   StartRun / FinishRun
  reconcile.ReportSink:    Emit (audit trail)

KEY TABLES:
  invoices:         One row per invoice, collection state included
  settlement_runs:  One row per (run), status and counters
  payment_results:  One row per allocated payment
  allocations:      Amount applied per (payment, invoice)

AMOUNTS AND DATES:
  Amounts are stored as decimal strings, days as YYYY-MM-DD, instants as
  RFC3339. Nothing is stored as a float.

CONCURRENCY:
  Uses sync.RWMutex around the connection. SQLite is opened in WAL mode:
  readers don't block, one writer at a time.

USAGE:
  store, err := sqlite.New("./data/reconciler.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - reconcile/ports.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements the reconciler's persistence using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		tax_id TEXT NOT NULL,
		fulfillment_status INTEGER NOT NULL,
		credit_days INTEGER NOT NULL DEFAULT 0,
		net_amount TEXT NOT NULL,
		issue_date TEXT,
		customer_name TEXT NOT NULL DEFAULT '',
		payment_status TEXT NOT NULL DEFAULT 'pending',
		collected TEXT NOT NULL DEFAULT '0',
		collection_dates TEXT NOT NULL DEFAULT '[]',
		completed_on TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_tax_id
		ON invoices(tax_id);

	-- Hot path: FetchCreditInvoices
	CREATE INDEX IF NOT EXISTS idx_invoices_credit
		ON invoices(credit_days, issue_date) WHERE credit_days > 0;

	CREATE TABLE IF NOT EXISTS settlement_runs (
		id TEXT PRIMARY KEY,
		settlement_date TEXT NOT NULL,
		account_type TEXT NOT NULL,
		status TEXT NOT NULL,
		payments INTEGER NOT NULL DEFAULT 0,
		applied INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_date_account
		ON settlement_runs(settlement_date, account_type, status);

	CREATE TABLE IF NOT EXISTS payment_results (
		payment_id TEXT PRIMARY KEY,
		run_id TEXT,
		tax_id TEXT NOT NULL,
		account_type TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		payment_amount TEXT NOT NULL,
		customer_type TEXT NOT NULL,
		total_debt_before TEXT NOT NULL,
		remaining_debt TEXT NOT NULL,
		remaining_balance TEXT NOT NULL,
		paid_count INTEGER NOT NULL,
		partial_count INTEGER NOT NULL,
		pending_count INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_run
		ON payment_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_results_tax_id
		ON payment_results(tax_id);

	CREATE TABLE IF NOT EXISTS allocations (
		payment_id TEXT NOT NULL REFERENCES payment_results(payment_id) ON DELETE CASCADE,
		invoice_id TEXT NOT NULL,
		applied TEXT NOT NULL,
		status TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (payment_id, invoice_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_invoice
		ON allocations(invoice_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data. Used by tests and the demo seeding.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"allocations", "payment_results", "settlement_runs", "invoices"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
