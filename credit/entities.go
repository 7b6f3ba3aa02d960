package credit

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// validate checks struct tags. Decimal and date rules are checked by hand
// next to it since the validator does not understand those types.
var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer is a projection of the invoices that share a tax ID. It is not
// persisted on its own.
type Customer struct {
	TaxID      string `validate:"required"`
	Name       string `validate:"required"`
	CreditDays int    `validate:"gte=0"`
}

func (c Customer) Type() CustomerType {
	return CustomerTypeFor(c.CreditDays)
}

func (c Customer) Validate() error {
	c.TaxID = strings.TrimSpace(c.TaxID)
	c.Name = strings.TrimSpace(c.Name)
	return structError("customer", ErrInvalidCustomer, validate.Struct(c))
}

// CustomerFromInvoice synthesizes the customer of an invoice group from its
// first invoice. A blank name falls back to the tax ID.
func CustomerFromInvoice(inv *Invoice) Customer {
	name := strings.TrimSpace(inv.CustomerName)
	if name == "" {
		name = inv.TaxID
	}
	return Customer{TaxID: inv.TaxID, Name: name, CreditDays: inv.CreditDays}
}

// =============================================================================
// PAYMENT
// =============================================================================

// Payment is one incoming bank payment attributed to a tax ID.
type Payment struct {
	ID            string `validate:"required"`
	TaxID         string `validate:"required"`
	Amount        decimal.Decimal
	Date          Date
	BankReference *string
}

// NewPayment builds a payment with a freshly generated id.
func NewPayment(taxID string, amount decimal.Decimal, date Date) Payment {
	return Payment{
		ID:     uuid.NewString(),
		TaxID:  taxID,
		Amount: amount,
		Date:   date,
	}
}

// WithReference returns a copy carrying the bank reference.
func (p Payment) WithReference(ref string) Payment {
	p.BankReference = &ref
	return p
}

func (p Payment) Validate() error {
	p.TaxID = strings.TrimSpace(p.TaxID)
	if err := structError("payment", ErrInvalidPayment, validate.Struct(p)); err != nil {
		return err
	}
	if p.Amount.IsNegative() {
		return &FieldError{Entity: "payment", Field: "Amount", Reason: "must not be negative", kind: ErrInvalidPayment}
	}
	if p.Date.IsZero() {
		return &FieldError{Entity: "payment", Field: "Date", Reason: "is required", kind: ErrInvalidPayment}
	}
	if p.BankReference != nil && strings.TrimSpace(*p.BankReference) == "" {
		return &FieldError{Entity: "payment", Field: "BankReference", Reason: "must not be blank", kind: ErrInvalidPayment}
	}
	return nil
}

// structError turns the first validator failure into a FieldError.
func structError(entity string, kind error, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &FieldError{Entity: entity, Field: fe.Field(), Reason: "failed " + fe.Tag(), kind: kind}
	}
	return &FieldError{Entity: entity, Field: "", Reason: err.Error(), kind: kind}
}
