package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDates map[credit.AccountType][]credit.Date

func (f fakeDates) ListDates(account credit.AccountType) ([]credit.Date, error) {
	return f[account], nil
}

type runKey struct {
	date    string
	account credit.AccountType
}

// fakeRuns is both the RunChecker and the Runner: a successful run marks
// its pair completed.
type fakeRuns struct {
	mu        sync.Mutex
	completed map[runKey]bool
	running   map[runKey]bool
	failing   map[runKey]error
	calls     []runKey
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{completed: map[runKey]bool{}, running: map[runKey]bool{}, failing: map[runKey]error{}}
}

func (f *fakeRuns) IsRunInProgress(_ context.Context, date credit.Date, account credit.AccountType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[runKey{date.String(), account}], nil
}

func (f *fakeRuns) IsRunComplete(_ context.Context, date credit.Date, account credit.AccountType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[runKey{date.String(), account}], nil
}

func (f *fakeRuns) Run(_ context.Context, date credit.Date, account credit.AccountType) (*reconcile.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := runKey{date.String(), account}
	f.calls = append(f.calls, k)
	if err := f.failing[k]; err != nil {
		return nil, err
	}
	f.completed[k] = true
	return &reconcile.RunSummary{SettlementDate: date, Account: account}, nil
}

func (f *fakeRuns) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScheduler_RunsPendingPairs(t *testing.T) {
	// GIVEN: Statements for two savings dates, one already settled, and
	// one checking date that fails
	d1, d2 := credit.NewDate(2025, 3, 28), credit.NewDate(2025, 3, 31)
	dates := fakeDates{
		credit.AccountSavings:  {d1, d2},
		credit.AccountChecking: {d2},
	}
	runs := newFakeRuns()
	runs.completed[runKey{d1.String(), credit.AccountSavings}] = true
	runs.failing[runKey{d2.String(), credit.AccountChecking}] = errors.New("statement unreadable")

	s := NewSettlementScheduler(dates, runs, runs, nil)

	// WHEN: Checking
	res := s.RunNow(context.Background())

	// THEN: Only the pending pairs are run, savings first
	assert.Equal(t, CheckResult{Processed: 1, Skipped: 1, Failed: 1}, res)
	assert.Equal(t, []runKey{
		{d2.String(), credit.AccountSavings},
		{d2.String(), credit.AccountChecking},
	}, runs.calls)

	// AND: A second check only retries the failure
	res = s.RunNow(context.Background())
	assert.Equal(t, CheckResult{Skipped: 2, Failed: 1}, res)
}

func TestScheduler_SkipsRunningPairs(t *testing.T) {
	// GIVEN: One pair recorded as running and one claimed by a manual run
	// between the check and the call
	d1, d2 := credit.NewDate(2025, 3, 28), credit.NewDate(2025, 3, 31)
	runs := newFakeRuns()
	runs.running[runKey{d1.String(), credit.AccountSavings}] = true
	runs.failing[runKey{d2.String(), credit.AccountSavings}] = reconcile.ErrRunInProgress

	s := NewSettlementScheduler(fakeDates{credit.AccountSavings: {d1, d2}}, runs, runs, nil)

	// WHEN: Checking
	res := s.RunNow(context.Background())

	// THEN: Neither counts as a failure and the running pair is not called
	assert.Equal(t, CheckResult{Skipped: 2}, res)
	assert.Equal(t, []runKey{{d2.String(), credit.AccountSavings}}, runs.calls)
}

func TestScheduler_StartStop(t *testing.T) {
	// GIVEN: A started scheduler with one pending statement
	runs := newFakeRuns()
	s := NewSettlementScheduler(fakeDates{credit.AccountSavings: {credit.NewDate(2025, 3, 31)}}, runs, runs, nil)
	s.CheckInterval = time.Hour

	// WHEN: Started, the first check runs immediately
	s.Start()
	require.Eventually(t, func() bool { return runs.callCount() == 1 }, time.Second, 10*time.Millisecond)

	// THEN: Stop returns and is safe to repeat
	s.Stop()
	s.Stop()
	assert.Equal(t, 1, runs.callCount())
}

func TestScheduler_Disabled(t *testing.T) {
	runs := newFakeRuns()
	s := NewSettlementScheduler(fakeDates{credit.AccountSavings: {credit.NewDate(2025, 3, 31)}}, runs, runs, nil)
	s.Enabled = false

	s.Start()
	s.Stop()

	assert.Equal(t, 0, runs.callCount())
}
