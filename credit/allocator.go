/*
allocator.go - Applies one payment to one customer's invoices

PURPOSE:
  Decides which invoices a payment settles, which it partially pays and
  which it leaves pending, then reports the customer's debt before and
  after the payment.

ALGORITHM:
  1. Filter:    same tax ID, eligible fulfillment status, not paid, issued
                within MaximumInvoiceAgeDays, positive net amount.
                Sort by (issue date, net amount) ascending.
  2. Partition: overdue invoices first, then current ones. Order inside
                each group is kept.
  3. Allocate:  walk the list with a running balance:
                  - issued after the payment date -> pending
                  - balance exhausted             -> stays partial/pending
                  - balance >= outstanding - tolerance -> paid
                  - otherwise                     -> partial, balance = 0
  4. Debt:      before = sum(net), after = before - (amount - balance)

EXAMPLE:
  Invoices 300,000 / 200,000 / 500,000 (oldest first), payment 400,000:
    #1 paid (balance 100,000)
    #2 partial, collected 100,000 (balance 0)
    #3 pending
    debt 1,000,000 -> 600,000

TOLERANCE:
  A payment that falls short of an invoice by no more than
  MaximumTolerance closes it. The shortfall drives the running balance
  negative, so the remaining debt reflects the absorbed difference.

SEE ALSO:
  - invoice.go: settle / applyPartial transitions
  - policy.go: options and defaults
  - reconcile/orchestrator.go: calls Apply once per payment
*/
package credit

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Allocator applies payments under a fixed Policy. It keeps no state
// between calls and is safe to share.
type Allocator struct {
	policy Policy
	clock  Clock
}

// NewAllocator validates the policy. A nil clock reads the system clock.
func NewAllocator(policy Policy, clock Clock) (*Allocator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Allocator{policy: policy, clock: clock}, nil
}

func (a *Allocator) Policy() Policy { return a.policy }

// Apply allocates payment across invoices, mutating the eligible invoices
// in place. Validation errors are returned before any invoice changes.
func (a *Allocator) Apply(invoices []*Invoice, customer Customer, payment Payment) (*PaymentResult, error) {
	today := a.clock.Today()
	if err := checkPreconditions(invoices, customer, payment, today); err != nil {
		return nil, err
	}

	aging := a.policy.Aging(today)

	// 1. Filter and sort
	eligible := a.filterAndSort(invoices, customer, today)
	for _, inv := range eligible {
		inv.RefreshOverdue(aging)
	}

	// 2. Overdue first
	ordered := partitionByUrgency(eligible)

	// 3. Allocate
	out, err := a.allocate(ordered, payment, aging)
	if err != nil {
		return nil, err
	}

	// 4. Debt before and after
	totalDebt := decimal.Zero
	for _, inv := range eligible {
		totalDebt = totalDebt.Add(inv.NetAmount)
	}
	remainingDebt := totalDebt.Sub(payment.Amount.Sub(out.balance))

	// 5. Result
	return &PaymentResult{
		PaymentID:        payment.ID,
		TaxID:            customer.TaxID,
		PaymentDate:      payment.Date,
		PaymentAmount:    payment.Amount,
		Paid:             snapshots(out.paid),
		Partial:          snapshots(out.partial),
		Pending:          snapshots(out.pending),
		CustomerType:     customer.Type(),
		TotalDebtBefore:  totalDebt,
		RemainingDebt:    remainingDebt,
		RemainingBalance: out.balance,
		Allocations:      out.allocations,
	}, nil
}

func checkPreconditions(invoices []*Invoice, customer Customer, payment Payment, today Date) error {
	if len(invoices) == 0 {
		return ErrNoInvoices
	}
	if err := customer.Validate(); err != nil {
		return err
	}
	if err := payment.Validate(); err != nil {
		return err
	}
	if !payment.Amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrNonPositiveAmount, payment.Amount)
	}
	if payment.Date.After(today) {
		return fmt.Errorf("%w: %s is after %s", ErrFuturePayment, payment.Date, today)
	}
	return nil
}

// =============================================================================
// STEP 1 - FILTER AND SORT
// =============================================================================

func (a *Allocator) filterAndSort(invoices []*Invoice, customer Customer, today Date) []*Invoice {
	oldest := a.policy.OldestEligible(today)

	var out []*Invoice
	for _, inv := range invoices {
		if inv == nil || inv.ID == "" || inv.IssueDate.IsZero() {
			continue
		}
		if inv.TaxID != customer.TaxID ||
			!inv.FulfillmentStatus.Eligible() ||
			inv.PaymentStatus == StatusPaid ||
			inv.IssueDate.Before(oldest) ||
			!inv.NetAmount.IsPositive() {
			continue
		}
		out = append(out, inv)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].IssueDate.Before(out[j].IssueDate)
		}
		return out[i].NetAmount.LessThan(out[j].NetAmount)
	})
	return out
}

// =============================================================================
// STEP 2 - PARTITION BY URGENCY
// =============================================================================

func partitionByUrgency(invoices []*Invoice) []*Invoice {
	overdue := make([]*Invoice, 0, len(invoices))
	var current []*Invoice
	for _, inv := range invoices {
		if inv.Overdue {
			overdue = append(overdue, inv)
		} else {
			current = append(current, inv)
		}
	}
	return append(overdue, current...)
}

// =============================================================================
// STEP 3 - SEQUENTIAL ALLOCATION
// =============================================================================

type allocationOutcome struct {
	balance     decimal.Decimal
	paid        []*Invoice
	partial     []*Invoice
	pending     []*Invoice
	allocations []Allocation
}

func (a *Allocator) allocate(invoices []*Invoice, payment Payment, aging Aging) (*allocationOutcome, error) {
	out := &allocationOutcome{balance: payment.Amount}

	for _, inv := range invoices {
		// Paid invoices were filtered out; seeing one here means the same
		// invoice appears twice or the store handed over corrupted state.
		if inv.PaymentStatus == StatusPaid {
			return nil, &InvariantViolationError{
				InvoiceID: inv.ID,
				TaxID:     inv.TaxID,
				Reason:    "already paid invoice reached allocation",
			}
		}

		if inv.IssueDate.After(payment.Date) {
			out.pending = append(out.pending, inv)
			continue
		}

		if !out.balance.IsPositive() {
			if inv.PaymentStatus == StatusPartial {
				out.partial = append(out.partial, inv)
			} else {
				out.pending = append(out.pending, inv)
			}
			continue
		}

		outstanding := inv.Outstanding()
		if out.balance.GreaterThanOrEqual(outstanding.Sub(a.policy.MaximumTolerance)) {
			applied := inv.settle(payment.Date, aging)
			out.balance = out.balance.Sub(applied)
			out.paid = append(out.paid, inv)
			out.allocations = append(out.allocations, Allocation{InvoiceID: inv.ID, Applied: applied, Status: StatusPaid})
			continue
		}

		applied := out.balance
		inv.applyPartial(applied, payment.Date, a.policy.MinimumPaidFraction, aging)
		out.balance = decimal.Zero
		out.partial = append(out.partial, inv)
		out.allocations = append(out.allocations, Allocation{InvoiceID: inv.ID, Applied: applied, Status: StatusPartial})
	}

	return out, nil
}

func snapshots(invoices []*Invoice) []Invoice {
	out := make([]Invoice, len(invoices))
	for i, inv := range invoices {
		out[i] = inv.Snapshot()
	}
	return out
}
