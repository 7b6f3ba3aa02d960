package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/reconcile"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SETTLEMENT RUNS (reconcile.RunRecorder)
// =============================================================================

// StartRun inserts a new run. Starting the same run ID twice is an error.
func (s *Store) StartRun(ctx context.Context, run reconcile.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO settlement_runs (id, settlement_date, account_type, status,
			payments, applied, skipped, failed, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, runArgs(run)...)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("run %s already started", run.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run started with StartRun.
func (s *Store) FinishRun(ctx context.Context, run reconcile.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO settlement_runs (id, settlement_date, account_type, status,
			payments, applied, skipped, failed, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payments = excluded.payments,
			applied = excluded.applied,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error,
			finished_at = excluded.finished_at
	`
	if _, err := s.db.ExecContext(ctx, query, runArgs(run)...); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

func runArgs(run reconcile.RunRecord) []any {
	var finishedAt sql.NullString
	if run.FinishedAt != nil {
		finishedAt = nullString(formatTime(*run.FinishedAt))
	}
	return []any{
		run.ID, run.SettlementDate.String(), string(run.Account), string(run.Status),
		run.Payments, run.Applied, run.Skipped, run.Failed, run.Error,
		formatTime(run.StartedAt), finishedAt,
	}
}

// ListRuns returns runs, most recent first. An empty status returns all.
func (s *Store) ListRuns(ctx context.Context, status reconcile.RunStatus) ([]reconcile.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, settlement_date, account_type, status, payments, applied,
			skipped, failed, error, started_at, finished_at
		FROM settlement_runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []reconcile.RunRecord
	for rows.Next() {
		var (
			r          reconcile.RunRecord
			date       string
			account    string
			runStatus  string
			startedAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &date, &account, &runStatus, &r.Payments, &r.Applied,
			&r.Skipped, &r.Failed, &r.Error, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		r.SettlementDate, _ = credit.ParseDate(credit.LayoutISO, date)
		r.Account = credit.AccountType(account)
		r.Status = reconcile.RunStatus(runStatus)
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAt.String)
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run or credit.ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*reconcile.RunRecord, error) {
	runs, err := s.ListRuns(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == id {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", id, credit.ErrNotFound)
}

// IsRunComplete reports whether a (date, account) pair already has a
// completed run.
func (s *Store) IsRunComplete(ctx context.Context, date credit.Date, account credit.AccountType) (bool, error) {
	return s.hasRun(ctx, date, account, reconcile.RunCompleted)
}

// IsRunInProgress reports whether a (date, account) pair has a run that
// started and has not finished.
func (s *Store) IsRunInProgress(ctx context.Context, date credit.Date, account credit.AccountType) (bool, error) {
	return s.hasRun(ctx, date, account, reconcile.RunRunning)
}

func (s *Store) hasRun(ctx context.Context, date credit.Date, account credit.AccountType, status reconcile.RunStatus) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT COUNT(*) FROM settlement_runs
		WHERE settlement_date = ? AND account_type = ? AND status = ?
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, date.String(), string(account), string(status)).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// AbandonRuns marks every running run as failed. Called at startup, when
// no run of a previous process can still be alive.
func (s *Store) AbandonRuns(ctx context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE settlement_runs
		SET status = 'failed', error = ?, finished_at = ?
		WHERE status = 'running'
	`
	res, err := s.db.ExecContext(ctx, query, reason, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to abandon runs: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// PAYMENT RESULTS (reconcile.ReportSink)
// =============================================================================

// ResultRecord is the stored audit row of one allocated payment.
type ResultRecord struct {
	PaymentID        string              `json:"payment_id"`
	RunID            string              `json:"run_id,omitempty"`
	TaxID            string              `json:"nit"`
	Account          credit.AccountType  `json:"account_type"`
	PaymentDate      credit.Date         `json:"payment_date"`
	PaymentAmount    decimal.Decimal     `json:"payment_amount"`
	CustomerType     credit.CustomerType `json:"customer_type"`
	TotalDebtBefore  decimal.Decimal     `json:"total_debt_before"`
	RemainingDebt    decimal.Decimal     `json:"remaining_debt"`
	RemainingBalance decimal.Decimal     `json:"remaining_balance"`
	PaidCount        int                 `json:"paid"`
	PartialCount     int                 `json:"partial"`
	PendingCount     int                 `json:"pending"`
	Allocations      []AllocationRecord  `json:"allocations"`
}

type AllocationRecord struct {
	InvoiceID string               `json:"invoice_id"`
	Applied   decimal.Decimal      `json:"applied"`
	Status    credit.PaymentStatus `json:"status"`
}

// Emit stores the result and its allocations. The run ID is taken from
// the context. Re-emitting a payment replaces its previous record.
func (s *Store) Emit(ctx context.Context, r *credit.PaymentResult, account credit.AccountType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM allocations WHERE payment_id = ?`, r.PaymentID); err != nil {
		return fmt.Errorf("failed to clear allocations: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_results (payment_id, run_id, tax_id, account_type, payment_date,
			payment_amount, customer_type, total_debt_before, remaining_debt, remaining_balance,
			paid_count, partial_count, pending_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payment_id) DO UPDATE SET
			run_id = excluded.run_id,
			account_type = excluded.account_type,
			total_debt_before = excluded.total_debt_before,
			remaining_debt = excluded.remaining_debt,
			remaining_balance = excluded.remaining_balance,
			paid_count = excluded.paid_count,
			partial_count = excluded.partial_count,
			pending_count = excluded.pending_count,
			created_at = excluded.created_at`,
		r.PaymentID, nullString(reconcile.RunIDFrom(ctx)), r.TaxID, string(account), r.PaymentDate.String(),
		r.PaymentAmount.String(), string(r.CustomerType), r.TotalDebtBefore.String(),
		r.RemainingDebt.String(), r.RemainingBalance.String(),
		len(r.Paid), len(r.Partial), len(r.Pending), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save result for payment %s: %w", r.PaymentID, err)
	}

	for i, a := range r.Allocations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO allocations (payment_id, invoice_id, applied, status, position)
			VALUES (?, ?, ?, ?, ?)`,
			r.PaymentID, a.InvoiceID, a.Applied.String(), string(a.Status), i,
		)
		if err != nil {
			return fmt.Errorf("failed to save allocation %s/%s: %w", r.PaymentID, a.InvoiceID, err)
		}
	}

	return tx.Commit()
}

// ListResults returns the results recorded for a run, in emission order.
func (s *Store) ListResults(ctx context.Context, runID string) ([]ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, err := s.queryResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	// Allocations are read after the result cursor is closed: the
	// in-memory database runs on a single connection.
	for i := range results {
		if results[i].Allocations, err = s.queryAllocations(ctx, results[i].PaymentID); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *Store) queryResults(ctx context.Context, runID string) ([]ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_id, run_id, tax_id, account_type, payment_date, payment_amount,
			customer_type, total_debt_before, remaining_debt, remaining_balance,
			paid_count, partial_count, pending_count
		FROM payment_results
		WHERE run_id = ?
		ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var results []ResultRecord
	for rows.Next() {
		var (
			r                                        ResultRecord
			run                                      sql.NullString
			account, date, customerType              string
			amount, debtBefore, debtAfter, remaining string
		)
		if err := rows.Scan(
			&r.PaymentID, &run, &r.TaxID, &account, &date, &amount,
			&customerType, &debtBefore, &debtAfter, &remaining,
			&r.PaidCount, &r.PartialCount, &r.PendingCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.RunID = run.String
		r.Account = credit.AccountType(account)
		r.CustomerType = credit.CustomerType(customerType)
		r.PaymentDate, _ = credit.ParseDate(credit.LayoutISO, date)
		if err := parseDecimals(
			decimalField{amount, &r.PaymentAmount},
			decimalField{debtBefore, &r.TotalDebtBefore},
			decimalField{debtAfter, &r.RemainingDebt},
			decimalField{remaining, &r.RemainingBalance},
		); err != nil {
			return nil, fmt.Errorf("result %s: %w", r.PaymentID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) queryAllocations(ctx context.Context, paymentID string) ([]AllocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id, applied, status FROM allocations
		WHERE payment_id = ?
		ORDER BY position ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	out := []AllocationRecord{}
	for rows.Next() {
		var (
			a       AllocationRecord
			applied string
			status  string
		)
		if err := rows.Scan(&a.InvoiceID, &applied, &status); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		if a.Applied, err = decimal.NewFromString(applied); err != nil {
			return nil, fmt.Errorf("allocation %s/%s: %w", paymentID, a.InvoiceID, err)
		}
		a.Status = credit.PaymentStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

type decimalField struct {
	raw string
	dst *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	var errs []error
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.dst = d
	}
	return errors.Join(errs...)
}
