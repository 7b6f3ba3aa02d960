/*
errors.go - Error types for the allocation engine

ERROR CATEGORIES:
  1. Validation errors - bad input, raised before any invoice is touched
  2. Invariant violations - corrupted upstream data, always fatal
  3. Mapping errors - raw collaborator data that cannot become an entity

USAGE:
  if credit.IsValidation(err) {
      // skip this payment, the rest of the run is fine
  }
  if credit.IsInvariantViolation(err) {
      // stop the run, the invoice store needs attention
  }
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of every input validation failure.
	ErrValidation = errors.New("validation failed")

	ErrNoInvoices        = fmt.Errorf("%w: invoice list is empty", ErrValidation)
	ErrInvalidCustomer   = fmt.Errorf("%w: invalid customer", ErrValidation)
	ErrInvalidPayment    = fmt.Errorf("%w: invalid payment", ErrValidation)
	ErrInvalidInvoice    = fmt.Errorf("%w: invalid invoice", ErrValidation)
	ErrNonPositiveAmount = fmt.Errorf("%w: payment amount must be greater than zero", ErrValidation)
	ErrFuturePayment     = fmt.Errorf("%w: payment date is in the future", ErrValidation)
	ErrInvalidPolicy     = fmt.Errorf("%w: invalid allocation policy", ErrValidation)

	ErrUnknownFulfillmentStatus = fmt.Errorf("%w: unknown fulfillment status", ErrValidation)
	ErrUnknownAccountType       = fmt.Errorf("%w: unknown account type", ErrValidation)

	// ErrInvariantViolation signals state that upstream filtering should have
	// made impossible, such as a paid invoice inside the allocation loop.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned by lookups that find nothing.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// FieldError describes one rejected field of an entity.
type FieldError struct {
	Entity string
	Field  string
	Reason string
	kind   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Entity, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return e.kind }

// InvariantViolationError identifies the invoice that broke the invariant.
type InvariantViolationError struct {
	InvoiceID string
	TaxID     string
	Reason    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invoice %s (tax id %s): %s", e.InvoiceID, e.TaxID, e.Reason)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
