/*
invoice.go - Invoice state and its transitions

STATE MACHINE:
  pending --(partial payment)--> partial --(rest paid)--> paid
  pending --(full payment)-----------------------------> paid

  Transitions only move forward. A paid invoice is never reopened and the
  allocator treats a paid invoice in its working set as corrupted data.

DERIVED FIELDS:
  DueDate = IssueDate + CreditDays + grace days
  Overdue = (CompletedOn, or today when unset) >= DueDate

  Overdue is stored on the invoice but only ever written by RefreshOverdue,
  which is called after the issue date, the credit term or the completion
  date changes. Nothing recomputes it implicitly.
*/
package credit

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Invoice struct {
	ID                string
	FulfillmentStatus FulfillmentStatus
	TaxID             string
	CreditDays        int
	NetAmount         decimal.Decimal
	IssueDate         Date
	CustomerName      string

	// Collection state, owned by the allocator during a run.
	PaymentStatus   PaymentStatus
	Collected       decimal.Decimal
	CollectionDates []Date
	CompletedOn     *Date
	Overdue         bool
}

func (inv *Invoice) Validate() error {
	switch {
	case strings.TrimSpace(inv.ID) == "":
		return &FieldError{Entity: "invoice", Field: "ID", Reason: "is required", kind: ErrInvalidInvoice}
	case strings.TrimSpace(inv.TaxID) == "":
		return &FieldError{Entity: "invoice", Field: "TaxID", Reason: "is required", kind: ErrInvalidInvoice}
	case inv.CreditDays < 0:
		return &FieldError{Entity: "invoice", Field: "CreditDays", Reason: "must not be negative", kind: ErrInvalidInvoice}
	case inv.NetAmount.IsNegative():
		return &FieldError{Entity: "invoice", Field: "NetAmount", Reason: "must not be negative", kind: ErrInvalidInvoice}
	case inv.Collected.IsNegative():
		return &FieldError{Entity: "invoice", Field: "Collected", Reason: "must not be negative", kind: ErrInvalidInvoice}
	}
	return nil
}

func (inv *Invoice) CustomerType() CustomerType {
	return CustomerTypeFor(inv.CreditDays)
}

// Outstanding is what is still owed on the invoice.
func (inv *Invoice) Outstanding() decimal.Decimal {
	return inv.NetAmount.Sub(inv.Collected)
}

// PaidFraction is Collected / NetAmount, zero for a zero net amount.
func (inv *Invoice) PaidFraction() decimal.Decimal {
	if inv.NetAmount.IsZero() {
		return decimal.Zero
	}
	return inv.Collected.Div(inv.NetAmount)
}

func (inv *Invoice) DueDate(graceDays int) Date {
	return inv.IssueDate.AddDays(inv.CreditDays + graceDays)
}

// IsOverdue is the overdue rule on its own: the reference day is the
// completion day when there is one, today otherwise.
func IsOverdue(due Date, completedOn *Date, today Date) bool {
	ref := today
	if completedOn != nil {
		ref = *completedOn
	}
	return ref.AfterOrEqual(due)
}

// RefreshOverdue recomputes the Overdue flag.
func (inv *Invoice) RefreshOverdue(aging Aging) {
	if inv.IssueDate.IsZero() {
		inv.Overdue = false
		return
	}
	inv.Overdue = IsOverdue(inv.DueDate(aging.GraceDays), inv.CompletedOn, aging.Today)
}

func (inv *Invoice) SetIssueDate(d Date, aging Aging) {
	inv.IssueDate = d
	inv.RefreshOverdue(aging)
}

func (inv *Invoice) SetCreditDays(days int, aging Aging) {
	inv.CreditDays = days
	inv.RefreshOverdue(aging)
}

// SyncCollected raises the collection state to the amount an external
// ledger reports as applied. Collection only moves forward: a paid invoice
// or an amount at or below Collected leaves the invoice untouched. It
// reports whether the invoice changed.
func (inv *Invoice) SyncCollected(applied decimal.Decimal) bool {
	if inv.PaymentStatus == StatusPaid || !applied.GreaterThan(inv.Collected) {
		return false
	}
	inv.Collected = applied
	if applied.GreaterThanOrEqual(inv.NetAmount) {
		inv.PaymentStatus = StatusPaid
	} else {
		inv.PaymentStatus = StatusPartial
	}
	return true
}

// Snapshot returns a deep copy that later transitions cannot alter.
func (inv *Invoice) Snapshot() Invoice {
	cp := *inv
	if inv.CollectionDates != nil {
		cp.CollectionDates = append([]Date(nil), inv.CollectionDates...)
	}
	if inv.CompletedOn != nil {
		d := *inv.CompletedOn
		cp.CompletedOn = &d
	}
	return cp
}

// =============================================================================
// TRANSITIONS - Only the allocator calls these
// =============================================================================

// settle closes the invoice on the given day and returns the amount that
// was outstanding before closing.
func (inv *Invoice) settle(on Date, aging Aging) decimal.Decimal {
	outstanding := inv.Outstanding()
	inv.Collected = inv.NetAmount
	inv.PaymentStatus = StatusPaid
	if outstanding.IsPositive() {
		inv.CollectionDates = append(inv.CollectionDates, on)
	}
	inv.markCompleted(on, aging)
	return outstanding
}

// applyPartial adds amount to the collected total without closing the
// invoice. Reaching minFraction marks it completed for overdue purposes.
func (inv *Invoice) applyPartial(amount decimal.Decimal, on Date, minFraction decimal.Decimal, aging Aging) {
	inv.Collected = inv.Collected.Add(amount)
	inv.PaymentStatus = StatusPartial
	inv.CollectionDates = append(inv.CollectionDates, on)
	if inv.PaidFraction().GreaterThanOrEqual(minFraction) {
		inv.markCompleted(on, aging)
	}
}

func (inv *Invoice) markCompleted(on Date, aging Aging) {
	d := on
	inv.CompletedOn = &d
	inv.RefreshOverdue(aging)
}
