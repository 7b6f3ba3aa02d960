/*
orchestrator.go - One settlement run

FLOW:
  1. Fetch payments (date, account) and credit invoices, concurrently
  2. Group invoices by tax ID (Portfolio)
  3. Sort payments by date, stable
  4. For each payment:
       no invoices for the tax ID -> skipped
       otherwise -> customer from first invoice, allocate
  5. Persist touched invoices (when the store is an InvoiceWriter)
  6. Emit every result to the sink
  7. Record the run outcome (when a RunRecorder is set)

Nothing is emitted before the invoice state is saved. A run that fails
during allocation or persistence leaves no postings, so retrying it is
safe. Once the state is saved the run is committed: a sink error from then
on is a per-payment failure, whatever the isolation setting.

CONCURRENCY:
  One run at a time per Orchestrator. A second run for a pair that is
  already running fails with ErrRunInProgress; runs for other pairs wait
  their turn. When the recorder is a RunChecker, a completed pair fails
  with ErrRunCompleted unless ctx was built with ContextWithForce.

FAILURES:
  Invariant violations always abort the run: the invoice data can no longer
  be trusted. Validation errors either abort (isolation off) or are logged,
  counted and skipped (isolation on, the default).
*/
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunSummary reports what a run did.
type RunSummary struct {
	RunID          string                  `json:"run_id"`
	SettlementDate credit.Date             `json:"settlement_date"`
	Account        credit.AccountType      `json:"account_type"`
	Payments       int                     `json:"payments"`
	Applied        int                     `json:"applied"`
	Skipped        int                     `json:"skipped"`
	Failed         int                     `json:"failed"`
	Results        []*credit.PaymentResult `json:"-"`
	Failures       []PaymentFailure        `json:"failures,omitempty"`
}

// PaymentFailure is a payment that was isolated instead of aborting the run.
type PaymentFailure struct {
	PaymentID string `json:"payment_id"`
	TaxID     string `json:"nit"`
	Amount    string `json:"amount"`
	Stage     string `json:"stage"` // allocate or emit
	Reason    string `json:"reason"`
	Err       error  `json:"-"`
}

type Orchestrator struct {
	allocator *credit.Allocator
	payments  PaymentSource
	invoices  InvoiceStore
	sink      ReportSink

	recorder RunRecorder
	logger   *zap.Logger
	isolate  bool
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	slot     chan struct{}
}

type Option func(*Orchestrator)

func WithRunRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

// WithIsolation controls whether a failing payment aborts the run.
func WithIsolation(enabled bool) Option {
	return func(o *Orchestrator) { o.isolate = enabled }
}

func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(allocator *credit.Allocator, payments PaymentSource, invoices InvoiceStore, sink ReportSink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		allocator: allocator,
		payments:  payments,
		invoices:  invoices,
		sink:      sink,
		logger:    zap.NewNop(),
		isolate:   true,
		now:       time.Now,
		inflight:  make(map[string]struct{}),
		slot:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes one settlement date for one account type.
func (o *Orchestrator) Run(ctx context.Context, date credit.Date, account credit.AccountType) (*RunSummary, error) {
	release, err := o.acquire(ctx, date, account)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.checkPending(ctx, date, account); err != nil {
		return nil, err
	}

	summary := &RunSummary{RunID: uuid.NewString(), SettlementDate: date, Account: account}
	ctx = ContextWithRunID(ctx, summary.RunID)
	log := o.logger.With(
		zap.String("run_id", summary.RunID),
		zap.String("date", date.String()),
		zap.String("account_type", string(account)),
	)

	record := RunRecord{
		ID:             summary.RunID,
		SettlementDate: date,
		Account:        account,
		Status:         RunRunning,
		StartedAt:      o.now(),
	}
	if o.recorder != nil {
		if err := o.recorder.StartRun(ctx, record); err != nil {
			return nil, fmt.Errorf("record run start: %w", err)
		}
	}

	err = o.run(ctx, summary, log)

	record.Payments, record.Applied = summary.Payments, summary.Applied
	record.Skipped, record.Failed = summary.Skipped, summary.Failed
	finished := o.now()
	record.FinishedAt = &finished
	record.Status = RunCompleted
	if err != nil {
		record.Status = RunFailed
		record.Error = err.Error()
	}
	if o.recorder != nil {
		// The run's own error matters more than a failed bookkeeping write.
		if rerr := o.recorder.FinishRun(context.WithoutCancel(ctx), record); rerr != nil {
			log.Error("record run finish", zap.Error(rerr))
			if err == nil {
				err = fmt.Errorf("record run finish: %w", rerr)
			}
		}
	}

	if err != nil {
		log.Error("settlement run failed", zap.Error(err))
		return nil, err
	}
	log.Info("settlement run completed",
		zap.Int("payments", summary.Payments),
		zap.Int("applied", summary.Applied),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// acquire claims the pair and then the run slot. The returned func
// releases both.
func (o *Orchestrator) acquire(ctx context.Context, date credit.Date, account credit.AccountType) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := date.String() + "|" + string(account)

	o.mu.Lock()
	if _, busy := o.inflight[key]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", ErrRunInProgress, date, account)
	}
	o.inflight[key] = struct{}{}
	o.mu.Unlock()

	unclaim := func() {
		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()
	}

	select {
	case o.slot <- struct{}{}:
	case <-ctx.Done():
		unclaim()
		return nil, ctx.Err()
	}
	return func() {
		<-o.slot
		unclaim()
	}, nil
}

func (o *Orchestrator) checkPending(ctx context.Context, date credit.Date, account credit.AccountType) error {
	checker, ok := o.recorder.(RunChecker)
	if !ok || forced(ctx) {
		return nil
	}
	done, err := checker.IsRunComplete(ctx, date, account)
	if err != nil {
		return fmt.Errorf("check previous runs: %w", err)
	}
	if done {
		return fmt.Errorf("%w: %s %s", ErrRunCompleted, date, account)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, summary *RunSummary, log *zap.Logger) error {
	// 1. Fetch
	payments, invoices, err := o.fetch(ctx, summary.SettlementDate, summary.Account)
	if err != nil {
		return err
	}
	summary.Payments = len(payments)

	// 2. Group
	portfolio := NewPortfolio(invoices)
	log.Debug("invoices loaded", zap.Int("invoices", len(invoices)), zap.Int("customers", portfolio.Len()))

	// 3. Order
	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].Date.Before(payments[j].Date)
	})

	// 4. Allocate
	for _, payment := range payments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.allocate(portfolio, payment, summary, log); err != nil {
			return err
		}
	}

	// 5. Persist
	if writer, ok := o.invoices.(InvoiceWriter); ok {
		if touched := portfolio.Touched(); len(touched) > 0 {
			if err := writer.SaveInvoices(ctx, touched); err != nil {
				return fmt.Errorf("save invoices: %w", err)
			}
		}
	}

	// 6. Emit
	o.emit(context.WithoutCancel(ctx), summary, log)
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context, date credit.Date, account credit.AccountType) ([]credit.Payment, []*credit.Invoice, error) {
	var (
		payments []credit.Payment
		invoices []*credit.Invoice
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		payments, err = o.payments.FetchPayments(gctx, date, account)
		if err != nil {
			return fmt.Errorf("fetch payments: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		invoices, err = o.invoices.FetchCreditInvoices(gctx)
		if err != nil {
			return fmt.Errorf("fetch invoices: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return payments, invoices, nil
}

func (o *Orchestrator) allocate(portfolio *Portfolio, payment credit.Payment, summary *RunSummary, log *zap.Logger) error {
	plog := log.With(zap.String("payment_id", payment.ID), zap.String("nit", payment.TaxID))

	customer, ok := portfolio.Customer(payment.TaxID)
	if !ok {
		summary.Skipped++
		plog.Debug("no invoices for payer, skipping", zap.String("amount", payment.Amount.String()))
		return nil
	}

	result, err := o.allocator.Apply(portfolio.Invoices(payment.TaxID), customer, payment)
	if err != nil {
		if credit.IsInvariantViolation(err) || !o.isolate {
			return fmt.Errorf("allocate payment %s: %w", payment.ID, err)
		}
		o.isolateFailure(summary, payment.ID, payment.TaxID, payment.Amount.String(), "allocate", err, plog)
		return nil
	}
	portfolio.MarkTouched(result)
	summary.Results = append(summary.Results, result)
	return nil
}

// emit forwards the committed results. The allocations are already saved,
// so a failing sink cannot undo them.
func (o *Orchestrator) emit(ctx context.Context, summary *RunSummary, log *zap.Logger) {
	for _, result := range summary.Results {
		plog := log.With(zap.String("payment_id", result.PaymentID), zap.String("nit", result.TaxID))
		if err := o.sink.Emit(ctx, result, summary.Account); err != nil {
			o.isolateFailure(summary, result.PaymentID, result.TaxID, result.PaymentAmount.String(), "emit", err, plog)
			continue
		}
		summary.Applied++
		plog.Debug("payment applied",
			zap.Int("paid", len(result.Paid)),
			zap.Int("partial", len(result.Partial)),
			zap.String("remaining_debt", result.RemainingDebt.String()),
		)
	}
}

func (o *Orchestrator) isolateFailure(summary *RunSummary, paymentID, taxID, amount, stage string, err error, log *zap.Logger) {
	summary.Failed++
	summary.Failures = append(summary.Failures, PaymentFailure{
		PaymentID: paymentID,
		TaxID:     taxID,
		Amount:    amount,
		Stage:     stage,
		Reason:    err.Error(),
		Err:       err,
	})
	log.Warn("payment failed, continuing", zap.String("stage", stage), zap.Error(err))
}
