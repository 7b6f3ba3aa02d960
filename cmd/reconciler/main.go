/*
main.go - Application entry point

PURPOSE:
  Wires the reconciler and runs it either as a one-shot batch for a
  settlement date or as an HTTP server with the background scheduler.

STARTUP SEQUENCE:
  1. Load configuration (RECONCILER_* environment variables)
  2. Build the logger
  3. Open SQLite (run recorder, audit trail, local invoice store)
  4. Pick the invoice store: Redis order hash when REDIS_ADDR is set,
     SQLite otherwise; wrapped by the cartera ledger when CARTERA_CSV is set
  5. Build statement source, sinks (report files, audit trail, log) and
     orchestrator
  6. Batch: run savings then checking accounts for -date and exit
     Serve: start HTTP API and scheduler, shut down on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -date    Settlement date, YYYYMMDD
  -serve   Start the HTTP API and the scheduler

EXAMPLES:
  # Settle March 31 and exit
  ./reconciler -date=20250331

  # Serve with the scheduler on
  RECONCILER_SCHEDULER_ENABLED=true ./reconciler -serve

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - reconcile/orchestrator.go: The run itself
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/emes/credit-reconciler/api"
	"github.com/emes/credit-reconciler/cartera"
	"github.com/emes/credit-reconciler/config"
	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/logging"
	"github.com/emes/credit-reconciler/reconcile"
	"github.com/emes/credit-reconciler/report"
	"github.com/emes/credit-reconciler/statement"
	"github.com/emes/credit-reconciler/store/redisstore"
	"github.com/emes/credit-reconciler/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	// Flags
	dateFlag := flag.String("date", "", "settlement date to process, YYYYMMDD")
	serve := flag.Bool("serve", false, "start the HTTP API and scheduler")
	flag.Parse()

	if *dateFlag == "" && !*serve {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*dateFlag, *serve); err != nil {
		fmt.Fprintln(os.Stderr, "reconciler:", err)
		os.Exit(1)
	}
}

func run(dateFlag string, serve bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	allocator, err := credit.NewAllocator(policy, credit.SystemClock{})
	if err != nil {
		return err
	}

	// Initialize store
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	invoices, closeInvoices, err := invoiceStore(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeInvoices()

	refs, err := statement.LoadReferences(cfg.ReferencesFile)
	if err != nil {
		return err
	}
	statements := statement.New(cfg.StatementsDir, refs, logger.Named("statement"))
	sink := reconcile.MultiSink{
		report.New(cfg.ReportsDir, cfg.LedgerAccounts(), logger.Named("report")),
		db,
		reconcile.LogSink{Logger: logger.Named("postings")},
	}

	orch := reconcile.New(allocator, statements, invoices, sink,
		reconcile.WithRunRecorder(db),
		reconcile.WithLogger(logger.Named("reconcile")),
		reconcile.WithIsolation(cfg.IsolateFailures),
	)

	if dateFlag != "" {
		if err := runBatch(ctx, orch, dateFlag, logger); err != nil {
			return err
		}
	}
	if serve {
		return runServer(ctx, cfg, db, orch, statements, policy, logger)
	}
	return nil
}

// invoiceStore picks the invoice backend and applies the cartera ledger.
func invoiceStore(ctx context.Context, cfg *config.Config, db *sqlite.Store, logger *zap.Logger) (reconcile.InvoiceStore, func(), error) {
	var (
		store   reconcile.InvoiceStore = db
		closeFn                        = func() {}
	)

	if cfg.RedisAddr != "" {
		client, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		store = redisstore.New(client, cfg.RedisKey, logger.Named("redis"))
		closeFn = func() { client.Close() }
		logger.Info("invoice store: redis", zap.String("addr", cfg.RedisAddr), zap.String("key", cfg.RedisKey))
	} else {
		logger.Info("invoice store: sqlite", zap.String("path", cfg.DBPath))
	}

	if cfg.CarteraCSV != "" {
		ledger, err := cartera.Load(cfg.CarteraCSV, logger.Named("cartera"))
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		store = cartera.Wrap(store, ledger, logger.Named("cartera"))
	}
	return store, closeFn, nil
}

// runBatch settles one date for every account type, savings first. An
// explicit -date reruns pairs that already completed.
func runBatch(ctx context.Context, orch *reconcile.Orchestrator, dateFlag string, logger *zap.Logger) error {
	date, err := credit.ParseDate(credit.LayoutCompact, dateFlag)
	if err != nil {
		return fmt.Errorf("invalid -date %q (use YYYYMMDD): %w", dateFlag, err)
	}

	var errs []error
	for _, account := range credit.AccountTypes {
		summary, err := orch.Run(reconcile.ContextWithForce(ctx), date, account)
		switch {
		case errors.Is(err, statement.ErrStatementNotFound):
			logger.Warn("no statement, skipping", zap.String("account_type", string(account)), zap.Error(err))
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", account, err))
		default:
			logger.Info("settled",
				zap.String("account_type", string(account)),
				zap.Int("applied", summary.Applied),
				zap.Int("skipped", summary.Skipped),
				zap.Int("failed", summary.Failed),
			)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

func runServer(ctx context.Context, cfg *config.Config, db *sqlite.Store, orch *reconcile.Orchestrator, statements *statement.Source, policy credit.Policy, logger *zap.Logger) error {
	// Runs left running belong to a process that is gone.
	abandoned, err := db.AbandonRuns(ctx, "process restarted")
	if err != nil {
		return err
	}
	if abandoned > 0 {
		logger.Warn("abandoned unfinished runs", zap.Int64("runs", abandoned))
	}

	handler := api.NewHandler(db, orch, policy, credit.SystemClock{}, logger.Named("http"))
	router := api.NewRouter(handler)

	scheduler := api.NewSettlementScheduler(statements, db, orch, logger)
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
