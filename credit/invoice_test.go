package credit_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/emes/credit-reconciler/credit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// OVERDUE DERIVATION
// =============================================================================

func TestIsOverdue(t *testing.T) {
	due := march(15)
	before := march(10)
	after := march(20)

	tests := []struct {
		name        string
		completedOn *credit.Date
		today       credit.Date
		want        bool
	}{
		{"open, today before due", nil, march(14), false},
		{"open, today on due date", nil, due, true},
		{"open, today after due", nil, march(16), true},
		{"completed before due, today after", &before, march(31), false},
		{"completed after due", &after, march(31), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, credit.IsOverdue(due, tt.completedOn, tt.today))
		})
	}
}

func TestInvoice_DueDateIncludesGrace(t *testing.T) {
	inv := invoice("F-1", "1000", march(1))
	assert.Equal(t, credit.NewDate(2025, time.April, 10), inv.DueDate(10))
	assert.Equal(t, march(31), inv.DueDate(0))
}

func TestInvoice_SettersRefreshOverdue(t *testing.T) {
	// GIVEN: A current invoice
	// WHEN: Its issue date or credit term moves the due date into the past
	// THEN: The overdue flag follows immediately

	aging := credit.DefaultPolicy().Aging(today)
	inv := invoice("F-1", "1000", march(1))
	inv.RefreshOverdue(aging)
	assert.False(t, inv.Overdue)

	inv.SetCreditDays(0, aging)
	assert.True(t, inv.Overdue, "due Mar 11")

	inv.SetCreditDays(30, aging)
	assert.False(t, inv.Overdue)

	inv.SetIssueDate(credit.NewDate(2025, time.February, 1), aging)
	assert.True(t, inv.Overdue, "due Mar 13")
}

func TestInvoice_OverdueIsNotRecomputedImplicitly(t *testing.T) {
	inv := invoice("F-1", "1000", march(1))
	inv.CreditDays = 0
	assert.False(t, inv.Overdue, "plain field writes leave the flag alone")
}

func TestInvoice_Outstanding_And_PaidFraction(t *testing.T) {
	inv := invoice("F-1", "1000", march(1))
	inv.Collected = amt("250")

	assertAmount(t, "750", inv.Outstanding())
	assertAmount(t, "0.25", inv.PaidFraction())

	zero := invoice("F-0", "0", march(1))
	assertAmount(t, "0", zero.PaidFraction())
}

func TestInvoice_SyncCollected(t *testing.T) {
	inv := invoice("F-1", "1000", march(1))

	assert.False(t, inv.SyncCollected(amt("0")))
	assert.Equal(t, credit.StatusPending, inv.PaymentStatus)

	assert.True(t, inv.SyncCollected(amt("400")))
	assert.Equal(t, credit.StatusPartial, inv.PaymentStatus)
	assertAmount(t, "400", inv.Collected)

	assert.True(t, inv.SyncCollected(amt("1000")))
	assert.Equal(t, credit.StatusPaid, inv.PaymentStatus)
}

func TestInvoice_SyncCollected_NeverMovesBackwards(t *testing.T) {
	// GIVEN: A partial invoice and a paid one
	partial := invoice("F-1", "1000", march(1))
	partial.SyncCollected(amt("600"))
	paid := invoice("F-2", "1000", march(1))
	paid.SyncCollected(amt("1000"))

	// WHEN: A stale ledger reports less than what was collected
	changedPartial := partial.SyncCollected(amt("400"))
	changedPaid := paid.SyncCollected(amt("400"))

	// THEN: Neither invoice is reverted
	assert.False(t, changedPartial)
	assert.Equal(t, credit.StatusPartial, partial.PaymentStatus)
	assertAmount(t, "600", partial.Collected)

	assert.False(t, changedPaid)
	assert.Equal(t, credit.StatusPaid, paid.PaymentStatus)
	assertAmount(t, "1000", paid.Collected)
}

func TestInvoice_Snapshot_IsDeepCopy(t *testing.T) {
	completed := march(10)
	inv := invoice("F-1", "1000", march(1))
	inv.CollectionDates = []credit.Date{march(5)}
	inv.CompletedOn = &completed

	snap := inv.Snapshot()
	inv.CollectionDates[0] = march(6)
	*inv.CompletedOn = march(11)

	assert.Equal(t, march(5), snap.CollectionDates[0])
	assert.Equal(t, march(10), *snap.CompletedOn)
}

func TestInvoice_Validate(t *testing.T) {
	inv := invoice("F-1", "1000", march(1))
	require.NoError(t, inv.Validate())

	inv.CreditDays = -1
	err := inv.Validate()
	assert.ErrorIs(t, err, credit.ErrInvalidInvoice)

	var fieldErr *credit.FieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "CreditDays", fieldErr.Field)
}

// =============================================================================
// ENUMS
// =============================================================================

func TestParseFulfillmentStatus(t *testing.T) {
	for code, eligible := range map[int]bool{0: false, 1: false, 2: true, 3: false, 4: false, 5: true} {
		s, err := credit.ParseFulfillmentStatus(code)
		require.NoError(t, err)
		assert.Equal(t, eligible, s.Eligible(), "code %d", code)
	}

	_, err := credit.ParseFulfillmentStatus(9)
	assert.ErrorIs(t, err, credit.ErrUnknownFulfillmentStatus)
	assert.Equal(t, "unknown(9)", credit.FulfillmentStatus(9).String())
}

func TestParsePaymentStatus(t *testing.T) {
	s, err := credit.ParsePaymentStatus("")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusPending, s)

	s, err = credit.ParsePaymentStatus("partial")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusPartial, s)

	_, err = credit.ParsePaymentStatus("settled")
	assert.Error(t, err)
}

func TestParseAccountType(t *testing.T) {
	a, err := credit.ParseAccountType("ahorros")
	require.NoError(t, err)
	assert.Equal(t, credit.AccountSavings, a)

	_, err = credit.ParseAccountType("nomina")
	assert.ErrorIs(t, err, credit.ErrUnknownAccountType)
}

func TestCustomerTypeFor(t *testing.T) {
	assert.Equal(t, credit.CustomerCash, credit.CustomerTypeFor(0))
	assert.Equal(t, credit.CustomerCredit, credit.CustomerTypeFor(30))
}

// =============================================================================
// ENTITIES
// =============================================================================

func TestCustomerFromInvoice(t *testing.T) {
	inv := invoice("F-1", "1000", march(1))
	c := credit.CustomerFromInvoice(inv)
	assert.Equal(t, credit.Customer{TaxID: "900123", Name: "Tienda La Esquina", CreditDays: 30}, c)

	inv.CustomerName = "  "
	assert.Equal(t, "900123", credit.CustomerFromInvoice(inv).Name)
}

func TestPayment_WithReference(t *testing.T) {
	p := payment("100", today)
	withRef := p.WithReference("REF-77")

	assert.Nil(t, p.BankReference)
	require.NotNil(t, withRef.BankReference)
	assert.Equal(t, "REF-77", *withRef.BankReference)
	assert.NotEmpty(t, p.ID)
	assert.NoError(t, withRef.Validate())
}

func TestPayment_Validate_RequiresDate(t *testing.T) {
	p := credit.NewPayment("900123", amt("100"), credit.Date{})
	assert.ErrorIs(t, p.Validate(), credit.ErrInvalidPayment)
}

// =============================================================================
// POLICY
// =============================================================================

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, credit.DefaultPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(*credit.Policy)
	}{
		{"zero fraction", func(p *credit.Policy) { p.MinimumPaidFraction = amt("0") }},
		{"fraction above one", func(p *credit.Policy) { p.MinimumPaidFraction = amt("1.01") }},
		{"negative tolerance", func(p *credit.Policy) { p.MaximumTolerance = amt("-1") }},
		{"negative grace", func(p *credit.Policy) { p.GracePeriodDays = -1 }},
		{"negative age", func(p *credit.Policy) { p.MaximumInvoiceAgeDays = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := credit.DefaultPolicy()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), credit.ErrInvalidPolicy)
		})
	}

	full := credit.DefaultPolicy()
	full.MinimumPaidFraction = amt("1")
	assert.NoError(t, full.Validate())
}

func TestPolicy_OldestEligible(t *testing.T) {
	assert.Equal(t, credit.NewDate(2024, time.December, 31), credit.DefaultPolicy().OldestEligible(today))
}

// =============================================================================
// DATE
// =============================================================================

func TestDate_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		D credit.Date  `json:"d"`
		Z credit.Date  `json:"z"`
		P *credit.Date `json:"p"`
	}{D: march(5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2025-03-05","z":null,"p":null}`, string(b))

	var d credit.Date
	require.NoError(t, json.Unmarshal([]byte(`"2025-03-05"`), &d))
	assert.Equal(t, march(5), d)

	require.NoError(t, json.Unmarshal([]byte(`null`), &d))
	assert.True(t, d.IsZero())
}

func TestDate_Helpers(t *testing.T) {
	d, err := credit.ParseDate(credit.LayoutCompact, "20250305")
	require.NoError(t, err)
	assert.Equal(t, march(5), d)
	assert.Equal(t, "20250305", d.Compact())
	assert.Equal(t, 26, credit.DaysBetween(d, today))
	assert.Equal(t, march(5), credit.DateOf(time.Date(2025, 3, 5, 23, 59, 0, 0, time.UTC)))
}
