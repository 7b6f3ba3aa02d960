/*
Package statement reads bank statement exports and turns them into payments.

FILE LAYOUT:
  <dir>/<account>/<YYYYMMDD>.txt, one file per settlement date and account
  type ("ahorros" or "corriente"). The file is the text export of the bank's
  statement: one movement per line, e.g.

    2025/03/31  PAGO PROVEEDOR ACH   900123456  0  1,250,000.00

  The second number is the payer reference. References with leading zeros
  are internal codes and resolve to a NIT through the reference table.

RULES:
  - only positive amounts are payments
  - interest credits ("ABONO INTERESES AHORROS") are ignored
  - amounts of the same NIT are summed into one payment, first-seen order
*/
package statement

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/logging"
	"github.com/emes/credit-reconciler/normalize"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrStatementNotFound = errors.New("statement not found")

var rowPattern = regexp.MustCompile(`(\d{4}/\d{2}/\d{2})\s+.*?\s+(\d+)\s+\d+\s+([-\d.,]+)`)

const interestMarker = "ABONO INTERESES AHORROS"

// Total is the sum of one payer's movements in a statement.
type Total struct {
	TaxID     string
	Amount    decimal.Decimal
	Reference string
	Rows      int
}

// Source implements reconcile.PaymentSource over a statement directory.
type Source struct {
	dir    string
	refs   map[string]string
	logger *zap.Logger
}

// New returns a source reading statements under dir. refs maps internal
// references (without leading zeros) to NITs; nil means none resolve.
func New(dir string, refs map[string]string, logger *zap.Logger) *Source {
	if refs == nil {
		refs = map[string]string{}
	}
	return &Source{dir: dir, refs: refs, logger: logging.OrNop(logger)}
}

// LoadReferences reads a JSON object {"reference": "nit"}. An empty path
// yields an empty table.
func LoadReferences(path string) (map[string]string, error) {
	refs := map[string]string{}
	if path == "" {
		return refs, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read references: %w", err)
	}
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("parse references %s: %w", path, err)
	}
	return refs, nil
}

// Path returns where the statement of (date, account) is expected.
func (s *Source) Path(date credit.Date, account credit.AccountType) string {
	return filepath.Join(s.dir, string(account), date.Compact()+".txt")
}

// FetchPayments reads the statement of (date, account). Payments are dated
// at the settlement date.
func (s *Source) FetchPayments(ctx context.Context, date credit.Date, account credit.AccountType) ([]credit.Payment, error) {
	path := s.Path(date, account)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrStatementNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read statement: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := normalize.LegacyText(raw)
	if err != nil {
		return nil, err
	}

	totals, err := s.Extract(bytes.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	payments := make([]credit.Payment, 0, len(totals))
	for _, t := range totals {
		payments = append(payments, credit.NewPayment(t.TaxID, t.Amount, date).WithReference(t.Reference))
	}
	s.logger.Info("statement read",
		zap.String("path", path),
		zap.Int("payers", len(payments)),
	)
	return payments, nil
}

// Extract parses statement text into per-NIT totals.
func (s *Source) Extract(r io.Reader) ([]Total, error) {
	var (
		totals []Total
		index  = make(map[string]int)
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.Contains(line, interestMarker) {
			continue
		}
		m := rowPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		reference, rawAmount := m[2], m[3]

		amount, err := normalize.Amount(rawAmount)
		if err != nil {
			s.logger.Warn("unreadable statement amount", zap.Int("line", lineNo), zap.String("amount", rawAmount))
			continue
		}
		if !amount.IsPositive() {
			continue
		}

		taxID, ok := s.resolve(reference)
		if !ok {
			s.logger.Warn("unresolved statement reference", zap.Int("line", lineNo), zap.String("reference", reference))
			continue
		}

		if i, seen := index[taxID]; seen {
			totals[i].Amount = totals[i].Amount.Add(amount)
			totals[i].Rows++
			continue
		}
		index[taxID] = len(totals)
		totals = append(totals, Total{TaxID: taxID, Amount: amount, Reference: reference, Rows: 1})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan statement: %w", err)
	}
	return totals, nil
}

func (s *Source) resolve(reference string) (string, bool) {
	if !strings.HasPrefix(reference, "0") {
		return reference, true
	}
	nit, ok := s.refs[strings.TrimLeft(reference, "0")]
	return nit, ok && nit != ""
}

// ListDates returns the settlement dates with a statement for account,
// oldest first.
func (s *Source) ListDates(account credit.AccountType) ([]credit.Date, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, string(account)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list statements: %w", err)
	}

	var dates []credit.Date
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".txt" {
			continue
		}
		d, err := credit.ParseDate(credit.LayoutCompact, strings.TrimSuffix(name, ".txt"))
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}
