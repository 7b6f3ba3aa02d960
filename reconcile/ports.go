/*
Package reconcile runs settlement batches: it matches bank payments to
customers' open invoices and hands every allocation to the report sinks.

PURPOSE:
  The allocator in package credit knows how to apply one payment to one
  customer. This package does everything around that call: fetch, group,
  order, call, forward, persist and record.

COLLABORATORS (ports.go):
  PaymentSource: payments extracted from a bank statement
  InvoiceStore:  every credit-term invoice, unfiltered
  ReportSink:    receives each PaymentResult with its account type
  InvoiceWriter: optional, persists invoices touched by a run
  RunRecorder:   optional, records run start and outcome
  RunChecker:    optional on the recorder, refuses completed pairs

IMPLEMENTATIONS:
  - statement:          PaymentSource over statement text exports
  - store/redisstore:   InvoiceStore over the order hash
  - store/sqlite:       InvoiceStore, InvoiceWriter, RunRecorder, ReportSink
  - store/memory:       all of the above, for tests
  - cartera:            InvoiceStore decorator applying the receivables ledger
  - report:             ReportSink writing flat accounting files

SEE ALSO:
  - orchestrator.go: the run loop
  - portfolio.go: invoices grouped by customer for one run
*/
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/emes/credit-reconciler/credit"
)

// =============================================================================
// REQUIRED COLLABORATORS
// =============================================================================

// PaymentSource returns the payments for one settlement date and account
// type. An empty list is a valid answer.
type PaymentSource interface {
	FetchPayments(ctx context.Context, date credit.Date, account credit.AccountType) ([]credit.Payment, error)
}

// InvoiceStore returns all invoices flagged as credit-term, regardless of
// customer, status or age. The allocator does the narrowing.
type InvoiceStore interface {
	FetchCreditInvoices(ctx context.Context) ([]*credit.Invoice, error)
}

// ReportSink receives every allocation result of a run.
type ReportSink interface {
	Emit(ctx context.Context, result *credit.PaymentResult, account credit.AccountType) error
}

// =============================================================================
// OPTIONAL COLLABORATORS
// =============================================================================

// InvoiceWriter is implemented by stores that persist collection state.
// The orchestrator detects it on the InvoiceStore.
type InvoiceWriter interface {
	SaveInvoices(ctx context.Context, invoices []*credit.Invoice) error
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the persisted trace of one settlement run.
type RunRecord struct {
	ID             string             `json:"id"`
	SettlementDate credit.Date        `json:"settlement_date"`
	Account        credit.AccountType `json:"account_type"`
	Status         RunStatus          `json:"status"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
	Payments       int                `json:"payments"`
	Applied        int                `json:"applied"`
	Skipped        int                `json:"skipped"`
	Failed         int                `json:"failed"`
	Error          string             `json:"error,omitempty"`
}

// RunRecorder stores run records. FinishRun receives the same ID that was
// passed to StartRun.
type RunRecorder interface {
	StartRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, run RunRecord) error
}

// RunChecker is implemented by recorders that know whether a (date,
// account) pair already settled. The orchestrator asks it while holding the
// pair, so a completed pair is not settled twice.
type RunChecker interface {
	IsRunComplete(ctx context.Context, date credit.Date, account credit.AccountType) (bool, error)
}

var (
	// ErrRunInProgress is returned when the pair is already being settled.
	ErrRunInProgress = errors.New("settlement run already in progress")

	// ErrRunCompleted is returned when the pair already has a completed
	// run and the caller did not force a rerun.
	ErrRunCompleted = errors.New("settlement run already completed")
)

type runIDKey struct{}

type forceKey struct{}

// ContextWithForce lets a run proceed over a completed run of the same pair.
func ContextWithForce(ctx context.Context) context.Context {
	return context.WithValue(ctx, forceKey{}, true)
}

func forced(ctx context.Context) bool {
	f, _ := ctx.Value(forceKey{}).(bool)
	return f
}

// ContextWithRunID tags ctx with the run being processed. Sinks use it to
// link results to their run.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run ID carried by ctx, or "".
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
