// Package service runs the periodic and event-driven work around the ledger:
// recording trade results, confirming them on chain, triggering withdrawals
// and publishing certificates.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
	"github.com/alanyoungcy/profitledger/internal/events"
	"github.com/alanyoungcy/profitledger/internal/platform/chainref"
)

// ProfitLedger is the part of the ledger the services drive.
type ProfitLedger interface {
	Record(ctx context.Context, ref string, amount decimal.Decimal) (domain.ProfitEntry, bool, error)
	MarkVerified(ctx context.Context, id string) (domain.ProfitEntry, error)
	MarkFailed(ctx context.Context, id, reason string) (domain.ProfitEntry, error)
	NotePoll(id string, attempts int)
	Pending() []domain.ProfitEntry
}

// ProfitService records trade results and resolves them, publishing an
// event and writing an audit row for every change.
type ProfitService struct {
	ledger     ProfitLedger
	audit      domain.AuditStore
	pub        *events.Publisher
	strict     bool
	onVerified func(ctx context.Context, e domain.ProfitEntry)
	logger     *slog.Logger
}

// NewProfitService creates a ProfitService. audit and pub may be nil. With
// requireTxHash set, references that are not transaction hashes are refused
// at intake.
func NewProfitService(ledger ProfitLedger, audit domain.AuditStore, pub *events.Publisher, requireTxHash bool, logger *slog.Logger) *ProfitService {
	return &ProfitService{
		ledger: ledger,
		audit:  audit,
		pub:    pub,
		strict: requireTxHash,
		logger: logger.With(slog.String("component", "profit_service")),
	}
}

// OnVerified registers fn to run after each successful verification.
func (s *ProfitService) OnVerified(fn func(ctx context.Context, e domain.ProfitEntry)) {
	s.onVerified = fn
}

// Record adds a pending entry for a trade result. created is false when the
// reference was already recorded.
func (s *ProfitService) Record(ctx context.Context, ref string, amount decimal.Decimal) (domain.ProfitEntry, bool, error) {
	if s.strict {
		if _, err := chainref.ParseTxHash(ref); err != nil {
			return domain.ProfitEntry{}, false, fmt.Errorf("profit_service: record: %w", err)
		}
	}
	e, created, err := s.ledger.Record(ctx, ref, amount)
	if err != nil {
		return domain.ProfitEntry{}, false, err
	}
	if created {
		s.logger.InfoContext(ctx, "profit recorded",
			slog.String("id", e.ID),
			slog.String("amount", e.Amount.String()),
		)
		s.publish(ctx, events.ProfitRecorded, "profit.recorded", e)
	}
	return e, created, nil
}

// MarkVerified resolves a pending entry as verified.
func (s *ProfitService) MarkVerified(ctx context.Context, id string) (domain.ProfitEntry, error) {
	e, err := s.ledger.MarkVerified(ctx, id)
	if err != nil {
		return domain.ProfitEntry{}, err
	}
	s.publish(ctx, events.ProfitVerified, "profit.verified", e)
	if s.onVerified != nil {
		s.onVerified(ctx, e)
	}
	return e, nil
}

// MarkFailed resolves a pending entry as failed.
func (s *ProfitService) MarkFailed(ctx context.Context, id, reason string) (domain.ProfitEntry, error) {
	e, err := s.ledger.MarkFailed(ctx, id, reason)
	if err != nil {
		return domain.ProfitEntry{}, err
	}
	s.publish(ctx, events.ProfitFailed, "profit.failed", e)
	return e, nil
}

func (s *ProfitService) publish(ctx context.Context, channel, auditEvent string, e domain.ProfitEntry) {
	data := events.EntryData(e)
	if s.pub != nil {
		s.pub.Publish(ctx, channel, data)
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, auditEvent, data); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", auditEvent),
				slog.String("error", err.Error()),
			)
		}
	}
}

// resolvedElsewhere reports whether a transition failed only because the
// entry is already terminal.
func resolvedElsewhere(err error) bool {
	return errors.Is(err, domain.ErrInvalidTransition)
}
