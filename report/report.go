/*
Package report writes the flat accounting files the ERP imports.

LAYOUT:
  <root>/<account>/<YYYYMMDD>/<nit>_<i>.txt

  One file per invoice touched by a payment (paid first, then partial). i
  counts the files written for a NIT on that date and account, from 1.
  Numbers already taken on disk are skipped, so a rerun in a new process
  adds files instead of replacing them.

FILE FORMAT:
  One line per ledger account of the bank account type, 16 comma-separated
  columns, all empty except:
    0  ledger account
    1  NIT
    3  invoice id
    5  amount applied by the payment; negated unless the ledger account
       starts with "11" (bank accounts are debited, receivables credited)
*/
package report

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/logging"
	"go.uber.org/zap"
)

const columns = 16

// DefaultAccounts are the ledger accounts posted per bank account type.
func DefaultAccounts() map[credit.AccountType][]string {
	return map[credit.AccountType][]string{
		credit.AccountSavings:  {"11200501", "130505"},
		credit.AccountChecking: {"11100501", "130505"},
	}
}

// Writer implements reconcile.ReportSink.
type Writer struct {
	root     string
	accounts map[credit.AccountType][]string
	logger   *zap.Logger

	mu       sync.Mutex
	counters map[string]int
}

func New(root string, accounts map[credit.AccountType][]string, logger *zap.Logger) *Writer {
	if accounts == nil {
		accounts = DefaultAccounts()
	}
	return &Writer{
		root:     root,
		accounts: accounts,
		logger:   logging.OrNop(logger),
		counters: make(map[string]int),
	}
}

// Dir returns the directory holding the files of (account, date).
func (w *Writer) Dir(account credit.AccountType, date credit.Date) string {
	return filepath.Join(w.root, string(account), date.Compact())
}

// Emit writes one file per paid or partial invoice of the result.
func (w *Writer) Emit(ctx context.Context, result *credit.PaymentResult, account credit.AccountType) error {
	ledgerAccounts, ok := w.accounts[account]
	if !ok || len(ledgerAccounts) == 0 {
		return fmt.Errorf("%w: no ledger accounts for %q", credit.ErrUnknownAccountType, account)
	}
	settled := result.Settled()
	if len(settled) == 0 {
		return nil
	}

	dir := w.Dir(account, result.PaymentDate)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, inv := range settled {
		if err := ctx.Err(); err != nil {
			return err
		}
		applied := inv.Collected
		if a, ok := result.AllocationFor(inv.ID); ok {
			applied = a.Applied
		}

		var b strings.Builder
		for _, acct := range ledgerAccounts {
			row := make([]string, columns)
			row[0] = acct
			row[1] = result.TaxID
			row[3] = inv.ID
			if strings.HasPrefix(acct, "11") {
				row[5] = applied.String()
			} else {
				row[5] = applied.Neg().String()
			}
			b.WriteString(strings.Join(row, ","))
			b.WriteByte('\n')
		}
		path, err := w.create(dir, result.TaxID, []byte(b.String()))
		if err != nil {
			return err
		}
		w.logger.Debug("report written",
			zap.String("path", path),
			zap.String("invoice_id", inv.ID),
			zap.String("applied", applied.String()),
		)
	}
	return nil
}

// create writes data to the next free <nit>_<i>.txt of dir. Existing files,
// including those of an earlier process, are never overwritten.
func (w *Writer) create(dir, nit string, data []byte) (string, error) {
	key := dir + "|" + nit
	for {
		w.counters[key]++
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.txt", nit, w.counters[key]))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create report %s: %w", path, err)
		}
		_, err = f.Write(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return "", fmt.Errorf("write report %s: %w", path, err)
		}
		return path, nil
	}
}
