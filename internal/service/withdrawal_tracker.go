package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// WithdrawalSettler is the part of the withdrawal service the tracker
// drives.
type WithdrawalSettler interface {
	InFlight() []domain.WithdrawalRecord
	Confirm(ctx context.Context, id, txHash string) (domain.WithdrawalRecord, error)
	Reject(ctx context.Context, id, reason string) (domain.WithdrawalRecord, error)
}

// WithdrawalTracker follows broadcast withdrawal transactions to finality
// and settles or releases their reservations.
type WithdrawalTracker struct {
	svc      WithdrawalSettler
	poller   StatusPoller
	interval time.Duration
	logger   *slog.Logger
}

// NewWithdrawalTracker creates a WithdrawalTracker.
func NewWithdrawalTracker(svc WithdrawalSettler, poller StatusPoller, interval time.Duration, logger *slog.Logger) *WithdrawalTracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &WithdrawalTracker{
		svc:      svc,
		poller:   poller,
		interval: interval,
		logger:   logger.With(slog.String("component", "withdrawal_tracker")),
	}
}

// Run sweeps until ctx is cancelled.
func (t *WithdrawalTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep checks every in-flight withdrawal once.
func (t *WithdrawalTracker) Sweep(ctx context.Context) {
	for _, rec := range t.svc.InFlight() {
		if ctx.Err() != nil {
			return
		}
		res, err := t.poller.PollStatus(ctx, rec.TxHash)
		if err != nil {
			return
		}
		switch res.Status {
		case domain.StatusConfirmed:
			_, err = t.svc.Confirm(ctx, rec.ID, "")
		case domain.StatusFailed:
			_, err = t.svc.Reject(ctx, rec.ID, "transaction reverted")
		default:
			continue
		}
		if err != nil && !resolvedElsewhere(err) {
			t.logger.ErrorContext(ctx, "settle withdrawal failed",
				slog.String("id", rec.ID),
				slog.String("tx_hash", rec.TxHash),
				slog.String("error", err.Error()),
			)
		}
	}
}
