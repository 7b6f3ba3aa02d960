package reconcile

import (
	"context"
	"errors"

	"github.com/emes/credit-reconciler/credit"
	"go.uber.org/zap"
)

// MultiSink forwards each result to every sink in order. All sinks are
// tried; their errors are joined.
type MultiSink []ReportSink

func (m MultiSink) Emit(ctx context.Context, result *credit.PaymentResult, account credit.AccountType) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, result, account); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to ReportSink.
type SinkFunc func(ctx context.Context, result *credit.PaymentResult, account credit.AccountType) error

func (f SinkFunc) Emit(ctx context.Context, result *credit.PaymentResult, account credit.AccountType) error {
	return f(ctx, result, account)
}

// LogSink writes one log line per result. A nil Logger discards them.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Emit(_ context.Context, r *credit.PaymentResult, account credit.AccountType) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("payment allocated",
		zap.String("payment_id", r.PaymentID),
		zap.String("nit", r.TaxID),
		zap.String("account_type", string(account)),
		zap.String("amount", r.PaymentAmount.String()),
		zap.Int("paid", len(r.Paid)),
		zap.Int("partial", len(r.Partial)),
		zap.Int("pending", len(r.Pending)),
		zap.String("debt_before", r.TotalDebtBefore.String()),
		zap.String("debt_after", r.RemainingDebt.String()),
	)
	return nil
}
