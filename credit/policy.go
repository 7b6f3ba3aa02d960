package credit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POLICY - Allocation options
// =============================================================================

// Policy holds the options that shape allocation. It is passed to the
// allocator at construction; there is no process-wide configuration.
type Policy struct {
	// MinimumPaidFraction is the collected/net ratio at which a partially
	// paid invoice counts as completed for overdue purposes.
	MinimumPaidFraction decimal.Decimal

	// MaximumTolerance is the absolute shortfall absorbed when closing an
	// invoice: a balance this close to the outstanding amount settles it.
	MaximumTolerance decimal.Decimal

	// GracePeriodDays is added to the credit term before an invoice is overdue.
	GracePeriodDays int

	// MaximumInvoiceAgeDays excludes invoices issued longer ago than this.
	MaximumInvoiceAgeDays int
}

func DefaultPolicy() Policy {
	return Policy{
		MinimumPaidFraction:   decimal.RequireFromString("0.9"),
		MaximumTolerance:      decimal.NewFromInt(300),
		GracePeriodDays:       10,
		MaximumInvoiceAgeDays: 90,
	}
}

func (p Policy) Validate() error {
	if !p.MinimumPaidFraction.IsPositive() || p.MinimumPaidFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: minimum paid fraction %s must be in (0, 1]", ErrInvalidPolicy, p.MinimumPaidFraction)
	}
	if p.MaximumTolerance.IsNegative() {
		return fmt.Errorf("%w: maximum tolerance %s is negative", ErrInvalidPolicy, p.MaximumTolerance)
	}
	if p.GracePeriodDays < 0 {
		return fmt.Errorf("%w: grace period %d is negative", ErrInvalidPolicy, p.GracePeriodDays)
	}
	if p.MaximumInvoiceAgeDays < 0 {
		return fmt.Errorf("%w: maximum invoice age %d is negative", ErrInvalidPolicy, p.MaximumInvoiceAgeDays)
	}
	return nil
}

// Aging fixes the policy's grace period against a processing day.
func (p Policy) Aging(today Date) Aging {
	return Aging{GraceDays: p.GracePeriodDays, Today: today}
}

// OldestEligible is the earliest issue date still considered for allocation.
func (p Policy) OldestEligible(today Date) Date {
	return today.AddDays(-p.MaximumInvoiceAgeDays)
}

// Aging is the input of the overdue computation besides the invoice itself.
type Aging struct {
	GraceDays int
	Today     Date
}
