package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/emes/credit-reconciler/credit"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE STORE (reconcile.InvoiceStore, reconcile.InvoiceWriter)
// =============================================================================

const invoiceColumns = `id, tax_id, fulfillment_status, credit_days, net_amount, issue_date,
	customer_name, payment_status, collected, collection_dates, completed_on`

// FetchCreditInvoices returns every invoice with a credit term.
func (s *Store) FetchCreditInvoices(ctx context.Context) ([]*credit.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE credit_days > 0
		ORDER BY issue_date ASC, id ASC`
	return s.queryInvoices(ctx, query)
}

// SaveInvoices writes invoices in full, collection state included.
func (s *Store) SaveInvoices(ctx context.Context, invoices []*credit.Invoice) error {
	return s.writeInvoices(ctx, invoices, `
		ON CONFLICT(id) DO UPDATE SET
			tax_id = excluded.tax_id,
			fulfillment_status = excluded.fulfillment_status,
			credit_days = excluded.credit_days,
			net_amount = excluded.net_amount,
			issue_date = excluded.issue_date,
			customer_name = excluded.customer_name,
			payment_status = excluded.payment_status,
			collected = excluded.collected,
			collection_dates = excluded.collection_dates,
			completed_on = excluded.completed_on,
			updated_at = excluded.updated_at`)
}

// UpsertInvoices imports invoices from the order system. Existing rows
// keep their collection state; only the order fields are refreshed.
func (s *Store) UpsertInvoices(ctx context.Context, invoices []*credit.Invoice) error {
	return s.writeInvoices(ctx, invoices, `
		ON CONFLICT(id) DO UPDATE SET
			tax_id = excluded.tax_id,
			fulfillment_status = excluded.fulfillment_status,
			credit_days = excluded.credit_days,
			net_amount = excluded.net_amount,
			issue_date = excluded.issue_date,
			customer_name = excluded.customer_name,
			updated_at = excluded.updated_at`)
}

func (s *Store) writeInvoices(ctx context.Context, invoices []*credit.Invoice, onConflict string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO invoices (` + invoiceColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)` + onConflict

	now := formatTime(s.now())
	for _, inv := range invoices {
		if inv == nil {
			continue
		}
		if err := inv.Validate(); err != nil {
			return err
		}
		if err := insertInvoice(ctx, tx, query, inv, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertInvoice(ctx context.Context, db execer, query string, inv *credit.Invoice, now string) error {
	dates := inv.CollectionDates
	if dates == nil {
		dates = []credit.Date{}
	}
	datesJSON, err := json.Marshal(dates)
	if err != nil {
		return fmt.Errorf("failed to encode collection dates: %w", err)
	}
	var completedOn sql.NullString
	if inv.CompletedOn != nil {
		completedOn = nullString(inv.CompletedOn.String())
	}
	status := inv.PaymentStatus
	if status == "" {
		status = credit.StatusPending
	}

	_, err = db.ExecContext(ctx, query,
		inv.ID,
		inv.TaxID,
		int(inv.FulfillmentStatus),
		inv.CreditDays,
		inv.NetAmount.String(),
		nullString(inv.IssueDate.String()),
		inv.CustomerName,
		string(status),
		inv.Collected.String(),
		string(datesJSON),
		completedOn,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save invoice %s: %w", inv.ID, err)
	}
	return nil
}

// GetInvoice returns one invoice or credit.ErrNotFound.
func (s *Store) GetInvoice(ctx context.Context, id string) (*credit.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoices, err := s.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, fmt.Errorf("invoice %s: %w", id, credit.ErrNotFound)
	}
	return invoices[0], nil
}

// ListInvoicesByTaxID returns a customer's invoices, oldest first.
func (s *Store) ListInvoicesByTaxID(ctx context.Context, taxID string) ([]*credit.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE tax_id = ?
		ORDER BY issue_date ASC, id ASC`
	return s.queryInvoices(ctx, query, taxID)
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]*credit.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*credit.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(rows *sql.Rows) (*credit.Invoice, error) {
	var (
		inv         credit.Invoice
		fulfillment int
		netAmount   string
		issueDate   sql.NullString
		status      string
		collected   string
		datesJSON   string
		completedOn sql.NullString
	)
	err := rows.Scan(
		&inv.ID, &inv.TaxID, &fulfillment, &inv.CreditDays, &netAmount, &issueDate,
		&inv.CustomerName, &status, &collected, &datesJSON, &completedOn,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}

	if inv.FulfillmentStatus, err = credit.ParseFulfillmentStatus(fulfillment); err != nil {
		return nil, fmt.Errorf("invoice %s: %w", inv.ID, err)
	}
	if inv.PaymentStatus, err = credit.ParsePaymentStatus(status); err != nil {
		return nil, fmt.Errorf("invoice %s: %w", inv.ID, err)
	}
	if inv.NetAmount, err = decimal.NewFromString(netAmount); err != nil {
		return nil, fmt.Errorf("invoice %s net amount: %w", inv.ID, err)
	}
	if inv.Collected, err = decimal.NewFromString(collected); err != nil {
		return nil, fmt.Errorf("invoice %s collected: %w", inv.ID, err)
	}
	if issueDate.Valid {
		if inv.IssueDate, err = credit.ParseDate(credit.LayoutISO, issueDate.String); err != nil {
			return nil, fmt.Errorf("invoice %s issue date: %w", inv.ID, err)
		}
	}
	if completedOn.Valid {
		d, err := credit.ParseDate(credit.LayoutISO, completedOn.String)
		if err != nil {
			return nil, fmt.Errorf("invoice %s completed on: %w", inv.ID, err)
		}
		inv.CompletedOn = &d
	}
	if err := json.Unmarshal([]byte(datesJSON), &inv.CollectionDates); err != nil {
		return nil, fmt.Errorf("invoice %s collection dates: %w", inv.ID, err)
	}
	if len(inv.CollectionDates) == 0 {
		inv.CollectionDates = nil
	}
	return &inv, nil
}
