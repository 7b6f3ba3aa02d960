// Package memory provides an in-memory implementation of every reconcile
// port. Used by tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/reconcile"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps invoices, payments, emitted results and run records. Reads
// return copies so callers never alias the stored state.
type Store struct {
	mu       sync.RWMutex
	invoices map[string]credit.Invoice
	order    []string
	payments map[paymentKey][]credit.Payment
	results  []Emitted
	runs     map[string]reconcile.RunRecord
	runOrder []string
}

type paymentKey struct {
	Date    string
	Account credit.AccountType
}

// Emitted is one result received through Emit.
type Emitted struct {
	Account credit.AccountType
	Result  *credit.PaymentResult
}

func New() *Store {
	return &Store{
		invoices: make(map[string]credit.Invoice),
		payments: make(map[paymentKey][]credit.Payment),
		runs:     make(map[string]reconcile.RunRecord),
	}
}

// =============================================================================
// INVOICES
// =============================================================================

// PutInvoices inserts or replaces invoices by ID.
func (s *Store) PutInvoices(invoices ...*credit.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(invoices)
}

func (s *Store) putLocked(invoices []*credit.Invoice) {
	for _, inv := range invoices {
		if inv == nil {
			continue
		}
		if _, ok := s.invoices[inv.ID]; !ok {
			s.order = append(s.order, inv.ID)
		}
		s.invoices[inv.ID] = inv.Snapshot()
	}
}

// FetchCreditInvoices returns copies of the invoices with a credit term, in
// insertion order.
func (s *Store) FetchCreditInvoices(_ context.Context) ([]*credit.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*credit.Invoice
	for _, id := range s.order {
		inv := s.invoices[id]
		if inv.CustomerType() != credit.CustomerCredit {
			continue
		}
		cp := inv.Snapshot()
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) SaveInvoices(_ context.Context, invoices []*credit.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(invoices)
	return nil
}

func (s *Store) Invoice(id string) (credit.Invoice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return credit.Invoice{}, false
	}
	return inv.Snapshot(), true
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) AddPayments(date credit.Date, account credit.AccountType, payments ...credit.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := paymentKey{Date: date.Compact(), Account: account}
	s.payments[k] = append(s.payments[k], payments...)
}

func (s *Store) FetchPayments(_ context.Context, date credit.Date, account credit.AccountType) ([]credit.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := paymentKey{Date: date.Compact(), Account: account}
	out := make([]credit.Payment, len(s.payments[k]))
	copy(out, s.payments[k])
	return out, nil
}

// =============================================================================
// RESULTS
// =============================================================================

func (s *Store) Emit(_ context.Context, result *credit.PaymentResult, account credit.AccountType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, Emitted{Account: account, Result: result})
	return nil
}

func (s *Store) Results() []Emitted {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Emitted(nil), s.results...)
}

// =============================================================================
// RUNS
// =============================================================================

func (s *Store) StartRun(_ context.Context, run reconcile.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		s.runOrder = append(s.runOrder, run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run reconcile.RunRecord) error {
	return s.StartRun(ctx, run)
}

// IsRunComplete reports whether the pair has a completed run.
func (s *Store) IsRunComplete(_ context.Context, date credit.Date, account credit.AccountType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.Status == reconcile.RunCompleted && run.Account == account && run.SettlementDate.Equal(date) {
			return true, nil
		}
	}
	return false, nil
}

// Runs returns run records, most recently started first.
func (s *Store) Runs() []reconcile.RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]reconcile.RunRecord, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		out = append(out, s.runs[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
