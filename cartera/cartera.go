/*
Package cartera enriches invoices with the receivables ledger ("cartera")
exported by the accounting system as CSV.

PURPOSE:
  The order system does not know about payments recorded directly in
  accounting. The ledger's "aplicado" column does: an invoice with an
  applied amount there starts the run with that amount already collected.
  The ledger only moves invoices forward: an "aplicado" below what the
  store already holds is ignored, and paid invoices stay paid.

FILE FORMAT:
  Comma-separated, header row first. Headers are normalized (accents
  folded, spaces to underscores, periods dropped), so "Número" and
  "numero" both work. Required: nit, numero. Used when present: valor,
  aplicado, saldo. Files that are not valid UTF-8 are read as
  Windows-1252.

USAGE:
  ledger, err := cartera.Load("./data/cartera.csv", logger)
  store := cartera.Wrap(redisStore, ledger, logger)
*/
package cartera

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/logging"
	"github.com/emes/credit-reconciler/normalize"
	"github.com/emes/credit-reconciler/reconcile"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrEmptyFile     = errors.New("cartera file is empty")
	ErrMissingColumn = errors.New("cartera column missing")
)

// Row is one ledger line.
type Row struct {
	TaxID   string
	Number  string
	Value   decimal.Decimal
	Applied decimal.Decimal
	Balance decimal.Decimal
}

type key struct {
	taxID  string
	number string
}

// Ledger is the parsed export, indexed by (nit, numero).
type Ledger struct {
	rows  map[key]Row
	count int
}

// Load reads and indexes the CSV export at path.
func Load(path string, logger *zap.Logger) (*Ledger, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cartera: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}
	text, err := normalize.LegacyText(raw)
	if err != nil {
		return nil, err
	}
	ledger, err := Parse(bytes.NewReader(text), logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logging.OrNop(logger).Info("cartera loaded", zap.String("path", path), zap.Int("rows", ledger.count))
	return ledger, nil
}

// Parse reads an already-decoded CSV export. When the same (nit, numero)
// appears twice the first row wins.
func Parse(r io.Reader, logger *zap.Logger) (*Ledger, error) {
	log := logging.OrNop(logger)

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[normalize.Header(h)] = i
	}
	for _, required := range []string{"nit", "numero"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	cell := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	ledger := &Ledger{rows: make(map[key]Row)}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		row := Row{
			TaxID:  normalize.TaxID(cell(record, "nit")),
			Number: cell(record, "numero"),
		}
		if row.TaxID == "" || row.Number == "" {
			log.Debug("cartera row without nit or numero", zap.Int("line", line))
			continue
		}
		if row.Value, err = normalize.Amount(cell(record, "valor")); err != nil {
			return nil, fmt.Errorf("line %d valor: %w", line, err)
		}
		if row.Applied, err = normalize.Amount(cell(record, "aplicado")); err != nil {
			return nil, fmt.Errorf("line %d aplicado: %w", line, err)
		}
		if row.Balance, err = normalize.Amount(cell(record, "saldo")); err != nil {
			return nil, fmt.Errorf("line %d saldo: %w", line, err)
		}

		k := key{row.TaxID, row.Number}
		if _, dup := ledger.rows[k]; dup {
			log.Warn("duplicate cartera row, keeping the first",
				zap.String("nit", row.TaxID), zap.String("numero", row.Number), zap.Int("line", line))
			continue
		}
		ledger.rows[k] = row
		ledger.count++
	}
	return ledger, nil
}

// Lookup returns the ledger row of an invoice.
func (l *Ledger) Lookup(taxID, number string) (Row, bool) {
	row, ok := l.rows[key{taxID, number}]
	return row, ok
}

func (l *Ledger) Len() int { return l.count }

// =============================================================================
// STORE DECORATOR
// =============================================================================

// Store wraps an invoice store and applies the ledger to what it returns.
type Store struct {
	inner  reconcile.InvoiceStore
	ledger *Ledger
	logger *zap.Logger
}

func Wrap(inner reconcile.InvoiceStore, ledger *Ledger, logger *zap.Logger) *Store {
	return &Store{inner: inner, ledger: ledger, logger: logging.OrNop(logger)}
}

// FetchCreditInvoices returns the inner store's invoices with the ledger
// applied. Invoices absent from the ledger pass through unchanged.
func (s *Store) FetchCreditInvoices(ctx context.Context) ([]*credit.Invoice, error) {
	invoices, err := s.inner.FetchCreditInvoices(ctx)
	if err != nil {
		return nil, err
	}

	var matched, synced int
	for _, inv := range invoices {
		row, ok := s.ledger.Lookup(inv.TaxID, inv.ID)
		if !ok {
			continue
		}
		matched++
		if s.apply(inv, row) {
			synced++
		}
	}
	s.logger.Info("cartera applied",
		zap.Int("invoices", len(invoices)),
		zap.Int("matched", matched),
		zap.Int("synced", synced),
	)
	return invoices, nil
}

func (s *Store) apply(inv *credit.Invoice, row Row) bool {
	log := s.logger.With(zap.String("invoice_id", inv.ID), zap.String("nit", inv.TaxID))

	if !row.Value.IsZero() && !row.Value.Equal(inv.NetAmount) {
		log.Warn("net amount differs from cartera",
			zap.String("invoice", inv.NetAmount.String()),
			zap.String("cartera", row.Value.String()))
	}
	previous := inv.Collected
	if !inv.SyncCollected(row.Applied) {
		if row.Applied.LessThan(previous) || (inv.PaymentStatus == credit.StatusPaid && row.Applied.LessThan(inv.NetAmount)) {
			log.Warn("cartera behind stored collection, keeping stored state",
				zap.String("collected", previous.String()),
				zap.String("status", string(inv.PaymentStatus)),
				zap.String("aplicado", row.Applied.String()))
		}
		return false
	}

	log.Info("collected amount taken from cartera",
		zap.String("previous", previous.String()),
		zap.String("aplicado", row.Applied.String()))
	if row.Applied.GreaterThan(inv.NetAmount) {
		log.Warn("cartera applied amount exceeds invoice net",
			zap.String("net", inv.NetAmount.String()))
	}
	return true
}

// SaveInvoices forwards to the inner store when it persists invoices.
func (s *Store) SaveInvoices(ctx context.Context, invoices []*credit.Invoice) error {
	if w, ok := s.inner.(reconcile.InvoiceWriter); ok {
		return w.SaveInvoices(ctx, invoices)
	}
	return nil
}
