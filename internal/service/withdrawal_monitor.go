package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// AutoWithdrawer evaluates the policy and executes a due withdrawal.
type AutoWithdrawer interface {
	AutoWithdraw(ctx context.Context) (*domain.WithdrawalRecord, error)
}

// WithdrawalMonitor evaluates the withdrawal policy on a timer and whenever
// Trigger is called, for instance after a verification.
type WithdrawalMonitor struct {
	svc      AutoWithdrawer
	interval time.Duration
	wake     chan struct{}
	logger   *slog.Logger
}

// NewWithdrawalMonitor creates a WithdrawalMonitor.
func NewWithdrawalMonitor(svc AutoWithdrawer, interval time.Duration, logger *slog.Logger) *WithdrawalMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &WithdrawalMonitor{
		svc:      svc,
		interval: interval,
		wake:     make(chan struct{}, 1),
		logger:   logger.With(slog.String("component", "withdrawal_monitor")),
	}
}

// Trigger asks for an evaluation as soon as possible. Calls coalesce.
func (m *WithdrawalMonitor) Trigger() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run evaluates until ctx is cancelled.
func (m *WithdrawalMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.wake:
		}
		m.Evaluate(ctx)
	}
}

// Evaluate runs a single evaluation.
func (m *WithdrawalMonitor) Evaluate(ctx context.Context) {
	rec, err := m.svc.AutoWithdraw(ctx)
	switch {
	case err == nil && rec == nil:
		return
	case err == nil:
		m.logger.InfoContext(ctx, "auto withdrawal submitted",
			slog.String("id", rec.ID),
			slog.String("amount", rec.Amount.String()),
		)
	case errors.Is(err, domain.ErrHalted), errors.Is(err, domain.ErrCooldown),
		errors.Is(err, domain.ErrDailyLimit), errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrStaleProposal):
		m.logger.DebugContext(ctx, "auto withdrawal deferred", slog.String("reason", err.Error()))
	default:
		m.logger.ErrorContext(ctx, "auto withdrawal failed", slog.String("error", err.Error()))
	}
}
