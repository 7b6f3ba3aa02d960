/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS AND DATES:
  Amounts travel as decimal strings ("1250000.50"), never as JSON numbers.
  Days are YYYY-MM-DD.

VALIDATION:
  Request types carry validator tags, checked by decode() in handlers.go.
  Amount and enum rules that tags cannot express are checked when the
  request is converted to domain types.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"strings"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/normalize"
	"github.com/emes/credit-reconciler/reconcile"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RUNS
// =============================================================================

// TriggerRunRequest asks for one settlement run.
type TriggerRunRequest struct {
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	AccountType string `json:"account_type" validate:"required,oneof=ahorros corriente"`
	// Force reruns a (date, account type) pair that already completed.
	Force bool `json:"force"`
}

// RunSummaryDTO is the outcome of a triggered run.
type RunSummaryDTO struct {
	*reconcile.RunSummary
	Results []PaymentResultDTO `json:"results"`
}

type PaymentResultDTO struct {
	PaymentID        string          `json:"payment_id"`
	TaxID            string          `json:"nit"`
	PaymentDate      credit.Date     `json:"payment_date"`
	PaymentAmount    decimal.Decimal `json:"payment_amount"`
	CustomerType     string          `json:"customer_type"`
	TotalDebtBefore  decimal.Decimal `json:"total_debt_before"`
	RemainingDebt    decimal.Decimal `json:"remaining_debt"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	Paid             []string        `json:"paid"`
	Partial          []string        `json:"partial"`
	Pending          []string        `json:"pending"`
	Allocations      []AllocationDTO `json:"allocations"`
}

type AllocationDTO struct {
	InvoiceID string          `json:"invoice_id"`
	Applied   decimal.Decimal `json:"applied"`
	Status    string          `json:"status"`
}

func toRunSummaryDTO(s *reconcile.RunSummary) RunSummaryDTO {
	dto := RunSummaryDTO{RunSummary: s, Results: make([]PaymentResultDTO, 0, len(s.Results))}
	for _, r := range s.Results {
		dto.Results = append(dto.Results, toPaymentResultDTO(r))
	}
	return dto
}

func toPaymentResultDTO(r *credit.PaymentResult) PaymentResultDTO {
	dto := PaymentResultDTO{
		PaymentID:        r.PaymentID,
		TaxID:            r.TaxID,
		PaymentDate:      r.PaymentDate,
		PaymentAmount:    r.PaymentAmount,
		CustomerType:     string(r.CustomerType),
		TotalDebtBefore:  r.TotalDebtBefore,
		RemainingDebt:    r.RemainingDebt,
		RemainingBalance: r.RemainingBalance,
		Paid:             invoiceIDs(r.Paid),
		Partial:          invoiceIDs(r.Partial),
		Pending:          invoiceIDs(r.Pending),
		Allocations:      make([]AllocationDTO, 0, len(r.Allocations)),
	}
	for _, a := range r.Allocations {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			InvoiceID: a.InvoiceID,
			Applied:   a.Applied,
			Status:    string(a.Status),
		})
	}
	return dto
}

func invoiceIDs(invoices []credit.Invoice) []string {
	ids := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}
	return ids
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceDTO represents an invoice with its derived dates.
type InvoiceDTO struct {
	ID                string          `json:"id"`
	TaxID             string          `json:"nit"`
	CustomerName      string          `json:"customer_name"`
	FulfillmentStatus string          `json:"fulfillment_status"`
	CreditDays        int             `json:"credit_days"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	IssueDate         credit.Date     `json:"issue_date"`
	DueDate           credit.Date     `json:"due_date"`
	PaymentStatus     string          `json:"payment_status"`
	Collected         decimal.Decimal `json:"collected"`
	Outstanding       decimal.Decimal `json:"outstanding"`
	CollectionDates   []credit.Date   `json:"collection_dates"`
	CompletedOn       *credit.Date    `json:"completed_on,omitempty"`
	Overdue           bool            `json:"overdue"`
}

func toInvoiceDTO(inv *credit.Invoice, graceDays int) InvoiceDTO {
	dates := inv.CollectionDates
	if dates == nil {
		dates = []credit.Date{}
	}
	return InvoiceDTO{
		ID:                inv.ID,
		TaxID:             inv.TaxID,
		CustomerName:      inv.CustomerName,
		FulfillmentStatus: inv.FulfillmentStatus.String(),
		CreditDays:        inv.CreditDays,
		NetAmount:         inv.NetAmount,
		IssueDate:         inv.IssueDate,
		DueDate:           inv.DueDate(graceDays),
		PaymentStatus:     string(inv.PaymentStatus),
		Collected:         inv.Collected,
		Outstanding:       inv.Outstanding(),
		CollectionDates:   dates,
		CompletedOn:       inv.CompletedOn,
		Overdue:           inv.Overdue,
	}
}

// CustomerInvoicesDTO is a customer's statement of account.
type CustomerInvoicesDTO struct {
	TaxID        string          `json:"nit"`
	Name         string          `json:"name"`
	CustomerType string          `json:"customer_type"`
	Outstanding  decimal.Decimal `json:"outstanding"`
	Invoices     []InvoiceDTO    `json:"invoices"`
}

// ImportInvoicesRequest imports invoices from the order system.
type ImportInvoicesRequest struct {
	Invoices []InvoiceInput `json:"invoices" validate:"required,min=1,dive"`
}

type InvoiceInput struct {
	ID                string `json:"id" validate:"required"`
	TaxID             string `json:"nit" validate:"required"`
	CustomerName      string `json:"customer_name"`
	FulfillmentStatus int    `json:"fulfillment_status" validate:"gte=0,lte=5"`
	CreditDays        int    `json:"credit_days" validate:"gte=0"`
	NetAmount         string `json:"net_amount" validate:"required"`
	IssueDate         string `json:"issue_date" validate:"required,datetime=2006-01-02"`
}

func (in InvoiceInput) toInvoice() (*credit.Invoice, error) {
	status, err := credit.ParseFulfillmentStatus(in.FulfillmentStatus)
	if err != nil {
		return nil, err
	}
	net, err := decimal.NewFromString(strings.TrimSpace(in.NetAmount))
	if err != nil {
		return nil, fmt.Errorf("%w: invoice %s net_amount %q", credit.ErrInvalidInvoice, in.ID, in.NetAmount)
	}
	issued, err := credit.ParseDate(credit.LayoutISO, in.IssueDate)
	if err != nil {
		return nil, fmt.Errorf("%w: invoice %s issue_date: %v", credit.ErrInvalidInvoice, in.ID, err)
	}
	inv := &credit.Invoice{
		ID:                strings.TrimSpace(in.ID),
		FulfillmentStatus: status,
		TaxID:             normalize.TaxID(in.TaxID),
		CreditDays:        in.CreditDays,
		NetAmount:         net,
		IssueDate:         issued,
		CustomerName:      strings.TrimSpace(in.CustomerName),
		PaymentStatus:     credit.StatusPending,
		Collected:         decimal.Zero,
	}
	return inv, inv.Validate()
}

// =============================================================================
// POLICY
// =============================================================================

type PolicyDTO struct {
	MinimumPaidFraction   decimal.Decimal `json:"minimum_paid_fraction"`
	MaximumTolerance      decimal.Decimal `json:"maximum_tolerance"`
	GracePeriodDays       int             `json:"grace_period_days"`
	MaximumInvoiceAgeDays int             `json:"maximum_invoice_age_days"`
	OldestEligible        credit.Date     `json:"oldest_eligible_issue_date"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
