package credit

import "github.com/shopspring/decimal"

// Allocation records how much of one payment went to one invoice.
type Allocation struct {
	InvoiceID string
	Applied   decimal.Decimal
	Status    PaymentStatus
}

// PaymentResult summarises one allocator call. The invoice buckets are
// snapshots taken when the call returned.
type PaymentResult struct {
	PaymentID     string
	TaxID         string
	PaymentDate   Date
	PaymentAmount decimal.Decimal

	Paid    []Invoice
	Partial []Invoice
	Pending []Invoice

	CustomerType CustomerType

	// TotalDebtBefore sums the net amounts of every invoice considered.
	TotalDebtBefore decimal.Decimal

	// RemainingDebt goes negative when the customer ends with a credit.
	RemainingDebt decimal.Decimal

	// RemainingBalance is the running balance left after the last invoice.
	RemainingBalance decimal.Decimal

	Allocations []Allocation
}

// Settled returns the invoices this payment touched, paid first.
func (r *PaymentResult) Settled() []Invoice {
	out := make([]Invoice, 0, len(r.Paid)+len(r.Partial))
	out = append(out, r.Paid...)
	return append(out, r.Partial...)
}

// AllocationFor returns the amount this payment applied to an invoice.
func (r *PaymentResult) AllocationFor(invoiceID string) (Allocation, bool) {
	for _, a := range r.Allocations {
		if a.InvoiceID == invoiceID {
			return a, true
		}
	}
	return Allocation{}, false
}

// Applied is the part of the payment consumed by invoices.
func (r *PaymentResult) Applied() decimal.Decimal {
	return r.PaymentAmount.Sub(r.RemainingBalance)
}

// Overpayment is the unapplied part of the payment, zero when none is left.
func (r *PaymentResult) Overpayment() decimal.Decimal {
	if r.RemainingBalance.IsPositive() {
		return r.RemainingBalance
	}
	return decimal.Zero
}
