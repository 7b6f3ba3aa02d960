/*
scheduler.go - Automated settlement scheduler

PURPOSE:
  Periodically looks for bank statements that have not been settled yet
  and runs them, so that dropping a statement export in the statements
  directory is enough to get it processed.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Lists statement dates per account type (savings first, then checking)
  - Skips (date, account type) pairs that already have a completed run
    or one still running
  - Failed runs are retried on the next check

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active

USAGE:
  scheduler := NewSettlementScheduler(statements, store, orchestrator, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerRun endpoint (manual settlement)
  - statement/statement.go: ListDates
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/logging"
	"github.com/emes/credit-reconciler/reconcile"
	"go.uber.org/zap"
)

// DateLister lists the settlement dates with a statement available.
type DateLister interface {
	ListDates(account credit.AccountType) ([]credit.Date, error)
}

// RunChecker reports whether a settlement already completed or is still
// running.
type RunChecker interface {
	IsRunComplete(ctx context.Context, date credit.Date, account credit.AccountType) (bool, error)
	IsRunInProgress(ctx context.Context, date credit.Date, account credit.AccountType) (bool, error)
}

// SettlementScheduler runs pending settlements in the background.
type SettlementScheduler struct {
	Dates         DateLister
	Runs          RunChecker
	Runner        Runner
	Accounts      []credit.AccountType
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSettlementScheduler creates a new scheduler.
func NewSettlementScheduler(dates DateLister, runs RunChecker, runner Runner, logger *zap.Logger) *SettlementScheduler {
	return &SettlementScheduler{
		Dates:         dates,
		Runs:          runs,
		Runner:        runner,
		Accounts:      credit.AccountTypes,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logging.OrNop(logger).Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *SettlementScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.logger.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and cancels a check in progress.
func (s *SettlementScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *SettlementScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndProcess(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess(ctx)
		case <-s.stop:
			return
		}
	}
}

// CheckResult counts what one check did.
type CheckResult struct {
	Processed int
	Skipped   int
	Failed    int
}

func (s *SettlementScheduler) checkAndProcess(ctx context.Context) CheckResult {
	var res CheckResult

	for _, account := range s.Accounts {
		dates, err := s.Dates.ListDates(account)
		if err != nil {
			s.logger.Error("list statement dates", zap.String("account_type", string(account)), zap.Error(err))
			continue
		}

		for _, date := range dates {
			if ctx.Err() != nil {
				return res
			}
			log := s.logger.With(zap.String("date", date.String()), zap.String("account_type", string(account)))

			pending, err := s.pending(ctx, date, account)
			if err != nil {
				log.Error("check run status", zap.Error(err))
				res.Failed++
				continue
			}
			if !pending {
				res.Skipped++
				continue
			}

			_, err = s.Runner.Run(ctx, date, account)
			switch {
			case errors.Is(err, reconcile.ErrRunInProgress), errors.Is(err, reconcile.ErrRunCompleted):
				log.Debug("settled elsewhere meanwhile", zap.Error(err))
				res.Skipped++
			case err != nil:
				log.Error("scheduled settlement failed", zap.Error(err))
				res.Failed++
			default:
				res.Processed++
			}
		}
	}

	if res.Processed > 0 || res.Failed > 0 {
		s.logger.Info("check completed",
			zap.Int("processed", res.Processed),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	return res
}

func (s *SettlementScheduler) pending(ctx context.Context, date credit.Date, account credit.AccountType) (bool, error) {
	done, err := s.Runs.IsRunComplete(ctx, date, account)
	if err != nil || done {
		return false, err
	}
	running, err := s.Runs.IsRunInProgress(ctx, date, account)
	if err != nil {
		return false, err
	}
	return !running, nil
}

// RunNow triggers an immediate check (for testing/admin).
func (s *SettlementScheduler) RunNow(ctx context.Context) CheckResult {
	return s.checkAndProcess(ctx)
}
