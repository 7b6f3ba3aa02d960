/*
Package credit provides the payment allocation engine for credit invoices.

PURPOSE:
  This package holds the domain model of the reconciler and the one piece
  of real decision logic in it: given a customer's open invoices and one
  bank payment, decide which invoices the payment settles, which it only
  partially pays and which it leaves untouched.

KEY CONCEPTS IN THIS FILE (types.go):
  - FulfillmentStatus: where an invoice is in the dispatch workflow
  - PaymentStatus: how much of an invoice has been collected
  - CustomerType: cash vs credit, derived from the credit term
  - AccountType: which bank account a statement belongs to

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal, never a float
  2. Forward-only: pending -> partial -> paid, paid is terminal
  3. Explicit configuration: the allocator receives a Policy value
  4. Closed enums: raw status codes map through a table, unknown codes fail

USAGE:
  alloc, err := credit.NewAllocator(credit.DefaultPolicy(), credit.SystemClock{})
  result, err := alloc.Apply(invoices, customer, payment)

SEE ALSO:
  - allocator.go: The allocation algorithm
  - invoice.go: Invoice state and transitions
  - policy.go: Allocation options and defaults
*/
package credit

import "fmt"

// =============================================================================
// FULFILLMENT STATUS - Raw status codes from the order system
// =============================================================================

// FulfillmentStatus is the lifecycle state of an order in the external
// fulfillment system.
type FulfillmentStatus int

const (
	FulfillmentInvoiced         FulfillmentStatus = 0
	FulfillmentPacked           FulfillmentStatus = 1
	FulfillmentDispatched       FulfillmentStatus = 2
	FulfillmentPending          FulfillmentStatus = 3
	FulfillmentTreasury         FulfillmentStatus = 4
	FulfillmentCreditPopulation FulfillmentStatus = 5
)

var fulfillmentNames = map[FulfillmentStatus]string{
	FulfillmentInvoiced:         "invoiced",
	FulfillmentPacked:           "packed",
	FulfillmentDispatched:       "dispatched",
	FulfillmentPending:          "pending",
	FulfillmentTreasury:         "treasury",
	FulfillmentCreditPopulation: "credit_population",
}

// ParseFulfillmentStatus maps a raw integer code to a FulfillmentStatus.
// Unknown codes are rejected rather than defaulted.
func ParseFulfillmentStatus(code int) (FulfillmentStatus, error) {
	s := FulfillmentStatus(code)
	if _, ok := fulfillmentNames[s]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownFulfillmentStatus, code)
	}
	return s, nil
}

// Eligible reports whether payments may be applied to orders in this state.
func (s FulfillmentStatus) Eligible() bool {
	return s == FulfillmentDispatched || s == FulfillmentCreditPopulation
}

func (s FulfillmentStatus) String() string {
	if name, ok := fulfillmentNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// =============================================================================
// PAYMENT STATUS
// =============================================================================

type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusPartial PaymentStatus = "partial"
	StatusPaid    PaymentStatus = "paid"
)

// ParsePaymentStatus accepts the persisted form of a PaymentStatus.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch PaymentStatus(s) {
	case StatusPending, StatusPartial, StatusPaid:
		return PaymentStatus(s), nil
	case "":
		return StatusPending, nil
	}
	return "", fmt.Errorf("%w: unknown payment status %q", ErrInvalidInvoice, s)
}

// =============================================================================
// CUSTOMER TYPE
// =============================================================================

type CustomerType string

const (
	CustomerCash   CustomerType = "cash"
	CustomerCredit CustomerType = "credit"
)

// CustomerTypeFor derives the customer type from a credit term in days.
func CustomerTypeFor(creditDays int) CustomerType {
	if creditDays == 0 {
		return CustomerCash
	}
	return CustomerCredit
}

// =============================================================================
// ACCOUNT TYPE - Bank account a statement was issued for
// =============================================================================

type AccountType string

const (
	AccountSavings  AccountType = "ahorros"
	AccountChecking AccountType = "corriente"
)

// AccountTypes lists account types in the order a daily batch processes them.
var AccountTypes = []AccountType{AccountSavings, AccountChecking}

func ParseAccountType(s string) (AccountType, error) {
	switch AccountType(s) {
	case AccountSavings, AccountChecking:
		return AccountType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAccountType, s)
}
