/*
sqlite_test.go - Tests for the SQLite store

Tests for:
- Invoice round trip, upsert vs full save
- Run start/finish and completion lookup
- Result audit trail linked to its run
*/
package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/reconcile"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	t.Cleanup(func() { s.Close() })
	return s
}

func testInvoice(id, taxID string, creditDays int, net int64, issued credit.Date) *credit.Invoice {
	return &credit.Invoice{
		ID:                id,
		FulfillmentStatus: credit.FulfillmentDispatched,
		TaxID:             taxID,
		CreditDays:        creditDays,
		NetAmount:         decimal.NewFromInt(net),
		IssueDate:         issued,
		CustomerName:      "Ferreteria El Tornillo",
		PaymentStatus:     credit.StatusPending,
		Collected:         decimal.Zero,
	}
}

func TestInvoices_RoundTrip(t *testing.T) {
	// GIVEN: A partially collected invoice
	s := newTestStore(t)
	ctx := context.Background()

	inv := testInvoice("F-1", "900123", 30, 1000, credit.NewDate(2025, 3, 1))
	inv.PaymentStatus = credit.StatusPartial
	inv.Collected = decimal.RequireFromString("250.50")
	inv.CollectionDates = []credit.Date{credit.NewDate(2025, 3, 10)}
	completed := credit.NewDate(2025, 3, 10)
	inv.CompletedOn = &completed

	// WHEN: Saved and read back
	require.NoError(t, s.SaveInvoices(ctx, []*credit.Invoice{inv}))
	got, err := s.GetInvoice(ctx, "F-1")

	// THEN: Every field survives, amounts exactly
	require.NoError(t, err)
	assert.Equal(t, "900123", got.TaxID)
	assert.Equal(t, credit.FulfillmentDispatched, got.FulfillmentStatus)
	assert.Equal(t, 30, got.CreditDays)
	assert.True(t, got.NetAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, got.Collected.Equal(decimal.RequireFromString("250.50")))
	assert.Equal(t, credit.StatusPartial, got.PaymentStatus)
	assert.True(t, got.IssueDate.Equal(credit.NewDate(2025, 3, 1)))
	require.Len(t, got.CollectionDates, 1)
	assert.True(t, got.CollectionDates[0].Equal(completed))
	require.NotNil(t, got.CompletedOn)
	assert.True(t, got.CompletedOn.Equal(completed))
}

func TestGetInvoice_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetInvoice(context.Background(), "missing")

	assert.True(t, credit.IsNotFound(err))
}

func TestFetchCreditInvoices_OnlyCreditTerms(t *testing.T) {
	// GIVEN: A cash invoice and two credit invoices saved out of order
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveInvoices(ctx, []*credit.Invoice{
		testInvoice("F-3", "900123", 30, 300, credit.NewDate(2025, 3, 20)),
		testInvoice("F-cash", "900123", 0, 100, credit.NewDate(2025, 3, 1)),
		testInvoice("F-1", "800555", 60, 100, credit.NewDate(2025, 2, 1)),
	}))

	// WHEN: Fetching credit invoices
	got, err := s.FetchCreditInvoices(ctx)

	// THEN: Cash invoices are left out, oldest first
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "F-1", got[0].ID)
	assert.Equal(t, "F-3", got[1].ID)
}

func TestSaveInvoices_RejectsInvalid(t *testing.T) {
	// GIVEN: A batch whose second invoice has no tax ID
	s := newTestStore(t)
	ctx := context.Background()
	bad := testInvoice("F-2", "", 30, 100, credit.NewDate(2025, 3, 1))

	// WHEN: Saving the batch
	err := s.SaveInvoices(ctx, []*credit.Invoice{
		testInvoice("F-1", "900123", 30, 100, credit.NewDate(2025, 3, 1)),
		bad,
	})

	// THEN: Nothing is written
	assert.True(t, credit.IsValidation(err))
	_, err = s.GetInvoice(ctx, "F-1")
	assert.True(t, credit.IsNotFound(err))
}

func TestUpsertInvoices_KeepsCollectionState(t *testing.T) {
	// GIVEN: An invoice already partially collected
	s := newTestStore(t)
	ctx := context.Background()
	inv := testInvoice("F-1", "900123", 30, 1000, credit.NewDate(2025, 3, 1))
	inv.PaymentStatus = credit.StatusPartial
	inv.Collected = decimal.NewFromInt(400)
	require.NoError(t, s.SaveInvoices(ctx, []*credit.Invoice{inv}))

	// WHEN: The order system re-imports it with a corrected amount
	reimport := testInvoice("F-1", "900123", 45, 1200, credit.NewDate(2025, 3, 1))
	require.NoError(t, s.UpsertInvoices(ctx, []*credit.Invoice{reimport}))

	// THEN: Order fields change, collection state does not
	got, err := s.GetInvoice(ctx, "F-1")
	require.NoError(t, err)
	assert.Equal(t, 45, got.CreditDays)
	assert.True(t, got.NetAmount.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, credit.StatusPartial, got.PaymentStatus)
	assert.True(t, got.Collected.Equal(decimal.NewFromInt(400)))
}

func TestListInvoicesByTaxID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveInvoices(ctx, []*credit.Invoice{
		testInvoice("F-1", "900123", 30, 100, credit.NewDate(2025, 3, 5)),
		testInvoice("F-2", "800555", 30, 100, credit.NewDate(2025, 3, 1)),
		testInvoice("F-3", "900123", 30, 100, credit.NewDate(2025, 3, 1)),
	}))

	got, err := s.ListInvoicesByTaxID(ctx, "900123")

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "F-3", got[0].ID)
	assert.Equal(t, "F-1", got[1].ID)
}

func TestRuns_StartFinishAndComplete(t *testing.T) {
	// GIVEN: A started run
	s := newTestStore(t)
	ctx := context.Background()
	date := credit.NewDate(2025, 3, 31)
	run := reconcile.RunRecord{
		ID:             "run-1",
		SettlementDate: date,
		Account:        credit.AccountSavings,
		Status:         reconcile.RunRunning,
		StartedAt:      fixedNow,
	}
	require.NoError(t, s.StartRun(ctx, run))

	complete, err := s.IsRunComplete(ctx, date, credit.AccountSavings)
	require.NoError(t, err)
	assert.False(t, complete, "a running run is not complete")

	// WHEN: The run finishes
	finished := fixedNow.Add(time.Minute)
	run.Status = reconcile.RunCompleted
	run.FinishedAt = &finished
	run.Payments, run.Applied, run.Skipped = 3, 2, 1
	require.NoError(t, s.FinishRun(ctx, run))

	// THEN: The pair is complete and the counters are stored
	complete, err = s.IsRunComplete(ctx, date, credit.AccountSavings)
	require.NoError(t, err)
	assert.True(t, complete)

	complete, err = s.IsRunComplete(ctx, date, credit.AccountChecking)
	require.NoError(t, err)
	assert.False(t, complete, "other account type is independent")

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.RunCompleted, got.Status)
	assert.Equal(t, 3, got.Payments)
	assert.Equal(t, 2, got.Applied)
	assert.Equal(t, 1, got.Skipped)
	assert.True(t, got.SettlementDate.Equal(date))
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))
}

func TestRuns_InProgressAndAbandon(t *testing.T) {
	// GIVEN: A run left running by a process that died
	s := newTestStore(t)
	ctx := context.Background()
	date := credit.NewDate(2025, 3, 31)
	require.NoError(t, s.StartRun(ctx, reconcile.RunRecord{
		ID:             "run-stale",
		SettlementDate: date,
		Account:        credit.AccountChecking,
		Status:         reconcile.RunRunning,
		StartedAt:      fixedNow,
	}))

	running, err := s.IsRunInProgress(ctx, date, credit.AccountChecking)
	require.NoError(t, err)
	assert.True(t, running)

	other, err := s.IsRunInProgress(ctx, date, credit.AccountSavings)
	require.NoError(t, err)
	assert.False(t, other)

	// WHEN: Abandoning at startup
	n, err := s.AbandonRuns(ctx, "process restarted")
	require.NoError(t, err)

	// THEN: The pair is free again and the run is failed
	assert.EqualValues(t, 1, n)
	running, err = s.IsRunInProgress(ctx, date, credit.AccountChecking)
	require.NoError(t, err)
	assert.False(t, running)

	run, err := s.GetRun(ctx, "run-stale")
	require.NoError(t, err)
	assert.Equal(t, reconcile.RunFailed, run.Status)
	assert.Equal(t, "process restarted", run.Error)
	require.NotNil(t, run.FinishedAt)
}

func TestStartRun_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := reconcile.RunRecord{
		ID:             "run-1",
		SettlementDate: credit.NewDate(2025, 3, 31),
		Account:        credit.AccountSavings,
		Status:         reconcile.RunRunning,
		StartedAt:      fixedNow,
	}
	require.NoError(t, s.StartRun(ctx, run))

	err := s.StartRun(ctx, run)

	assert.ErrorContains(t, err, "already started")
}

func TestListRuns_FilterByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, status := range []reconcile.RunStatus{reconcile.RunCompleted, reconcile.RunFailed, reconcile.RunCompleted} {
		require.NoError(t, s.StartRun(ctx, reconcile.RunRecord{
			ID:             "run-" + string(rune('a'+i)),
			SettlementDate: credit.NewDate(2025, 3, 31),
			Account:        credit.AccountChecking,
			Status:         status,
			StartedAt:      fixedNow.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := s.ListRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-c", all[0].ID, "most recent first")

	failed, err := s.ListRuns(ctx, reconcile.RunFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "run-b", failed[0].ID)
}

func testResult(paymentID string) *credit.PaymentResult {
	inv1 := testInvoice("F-1", "900123", 30, 1000, credit.NewDate(2025, 3, 1))
	inv1.PaymentStatus = credit.StatusPaid
	inv2 := testInvoice("F-2", "900123", 30, 1000, credit.NewDate(2025, 3, 2))
	inv2.PaymentStatus = credit.StatusPartial
	return &credit.PaymentResult{
		PaymentID:        paymentID,
		TaxID:            "900123",
		PaymentDate:      credit.NewDate(2025, 3, 31),
		PaymentAmount:    decimal.NewFromInt(1500),
		Paid:             []credit.Invoice{*inv1},
		Partial:          []credit.Invoice{*inv2},
		CustomerType:     credit.CustomerCredit,
		TotalDebtBefore:  decimal.NewFromInt(2000),
		RemainingDebt:    decimal.NewFromInt(500),
		RemainingBalance: decimal.Zero,
		Allocations: []credit.Allocation{
			{InvoiceID: "F-1", Applied: decimal.NewFromInt(1000), Status: credit.StatusPaid},
			{InvoiceID: "F-2", Applied: decimal.NewFromInt(500), Status: credit.StatusPartial},
		},
	}
}

func TestEmit_LinksResultToRun(t *testing.T) {
	// GIVEN: A context tagged with a run ID
	s := newTestStore(t)
	ctx := reconcile.ContextWithRunID(context.Background(), "run-1")

	// WHEN: A result is emitted
	require.NoError(t, s.Emit(ctx, testResult("pay-1"), credit.AccountSavings))

	// THEN: The result and its allocations are listed under the run
	results, err := s.ListResults(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "pay-1", r.PaymentID)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, credit.AccountSavings, r.Account)
	assert.Equal(t, credit.CustomerCredit, r.CustomerType)
	assert.True(t, r.PaymentAmount.Equal(decimal.NewFromInt(1500)))
	assert.True(t, r.RemainingDebt.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 1, r.PaidCount)
	assert.Equal(t, 1, r.PartialCount)
	assert.Equal(t, 0, r.PendingCount)

	require.Len(t, r.Allocations, 2)
	assert.Equal(t, "F-1", r.Allocations[0].InvoiceID)
	assert.Equal(t, credit.StatusPaid, r.Allocations[0].Status)
	assert.True(t, r.Allocations[1].Applied.Equal(decimal.NewFromInt(500)))
}

func TestEmit_ReplacesPreviousRecord(t *testing.T) {
	// GIVEN: A payment already emitted
	s := newTestStore(t)
	ctx := reconcile.ContextWithRunID(context.Background(), "run-1")
	require.NoError(t, s.Emit(ctx, testResult("pay-1"), credit.AccountSavings))

	// WHEN: The same payment is emitted again with fewer allocations
	again := testResult("pay-1")
	again.Allocations = again.Allocations[:1]
	require.NoError(t, s.Emit(ctx, again, credit.AccountSavings))

	// THEN: Only the latest allocations remain
	results, err := s.ListResults(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Allocations, 1)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := reconcile.ContextWithRunID(context.Background(), "run-1")
	require.NoError(t, s.SaveInvoices(ctx, []*credit.Invoice{
		testInvoice("F-1", "900123", 30, 100, credit.NewDate(2025, 3, 1)),
	}))
	require.NoError(t, s.Emit(ctx, testResult("pay-1"), credit.AccountSavings))

	require.NoError(t, s.Reset(ctx))

	invoices, err := s.FetchCreditInvoices(ctx)
	require.NoError(t, err)
	assert.Empty(t, invoices)
	results, err := s.ListResults(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
