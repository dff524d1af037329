package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/profitledger/internal/config"
	"github.com/alanyoungcy/profitledger/internal/confirm"
	"github.com/alanyoungcy/profitledger/internal/domain"
	"github.com/alanyoungcy/profitledger/internal/events"
	"github.com/alanyoungcy/profitledger/internal/ledger"
	"github.com/alanyoungcy/profitledger/internal/policy"
	"github.com/alanyoungcy/profitledger/internal/server"
	"github.com/alanyoungcy/profitledger/internal/server/handler"
	"github.com/alanyoungcy/profitledger/internal/server/ws"
	"github.com/alanyoungcy/profitledger/internal/service"
	"github.com/alanyoungcy/profitledger/internal/withdrawal"
)

// services is the composed domain layer shared by every mode.
type services struct {
	publisher    *events.Publisher
	ledger       *ledger.Ledger
	policy       *policy.Engine
	withdrawals  *withdrawal.Service
	profits      *service.ProfitService
	confirmer    *service.Confirmer
	monitor      *service.WithdrawalMonitor
	tracker      *service.WithdrawalTracker
	ingestor     *service.Ingestor
	certificates *service.CertificateService
	status       *handler.StatusHandler
	hub          *ws.Hub
}

// initialPolicy converts the [withdrawal] section into a policy.
func initialPolicy(w config.WithdrawalConfig) domain.WithdrawalPolicy {
	return domain.WithdrawalPolicy{
		Mode:               domain.WithdrawalMode(w.Mode),
		Threshold:          w.Threshold,
		WithdrawalFraction: w.WithdrawalFraction,
		MinAmount:          w.MinAmount,
		MaxAmount:          w.MaxAmount,
		Destination:        w.Destination,
		Cooldown:           w.Cooldown.Duration,
		DailyLimit:         w.DailyLimit,
	}
}

// buildServices composes the domain services over deps, restores persisted
// state and connects the event callbacks.
func buildServices(ctx context.Context, cfg *config.Config, deps *Dependencies, startedAt time.Time, logger *slog.Logger) (*services, error) {
	s := &services{publisher: events.NewPublisher(deps.SignalBus, logger)}

	s.ledger = ledger.New(deps.EntryStore, logger)
	n, err := s.ledger.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	s.policy, err = policy.NewEngine(initialPolicy(cfg.Withdrawal), deps.PolicyStore, logger)
	if err != nil {
		return nil, fmt.Errorf("app: initial policy: %w", err)
	}
	if err := s.policy.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	s.withdrawals = withdrawal.NewService(s.ledger, s.policy, withdrawal.Config{
		Store:    deps.WithdrawalStore,
		Executor: deps.Executor,
		Locks:    deps.LockManager,
		LockTTL:  cfg.Withdrawal.LockTTL.Duration,
	}, logger)
	if err := s.withdrawals.Restore(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	pv := s.policy.Current()
	logger.InfoContext(ctx, "state restored",
		slog.Int("entries", n),
		slog.Int64("policy_version", pv.Version),
		slog.String("withdrawal_mode", string(pv.Policy.Mode)),
		slog.String("verified_total", s.ledger.VerifiedTotal().String()),
	)

	s.profits = service.NewProfitService(s.ledger, deps.AuditStore, s.publisher, cfg.Ledger.RequireTxHash, logger)

	pcfg := confirm.DefaultConfig()
	pcfg.MinConfirmations = cfg.Chain.MinConfirmations
	pcfg.MaxAttempts = cfg.Chain.MaxAttempts
	pcfg.BaseDelay = cfg.Chain.BaseDelay.Duration
	pcfg.MaxDelay = cfg.Chain.MaxDelay.Duration
	pcfg.RateKey = "chain:" + deps.ChainName
	poller := confirm.NewPoller(deps.Chain, deps.RateLimiter, pcfg, logger)

	s.confirmer = service.NewConfirmer(s.profits, s.ledger, poller, cfg.Chain.PollInterval.Duration, cfg.Chain.Concurrency, logger)
	s.monitor = service.NewWithdrawalMonitor(s.withdrawals, cfg.Withdrawal.EvaluateInterval.Duration, logger)
	s.tracker = service.NewWithdrawalTracker(s.withdrawals, poller, cfg.Withdrawal.TrackInterval.Duration, logger)
	if deps.SignalBus != nil && cfg.Ingest.Enabled {
		s.ingestor = service.NewIngestor(deps.SignalBus, s.profits, cfg.Ingest.Stream, cfg.Ingest.Batch, logger)
	}
	if deps.BlobWriter != nil {
		method := deps.ChainName + "_receipt_status"
		s.certificates = service.NewCertificateService(s.ledger, deps.BlobWriter, deps.BlobReader, method, logger)
	}

	s.status = handler.NewStatusHandler(cfg.Mode, deps.ChainName, startedAt, s.policy, s.withdrawals)
	s.hub = ws.NewHub(deps.SignalBus, s.status.Snapshot, cfg.Server.CORSOrigins, logger)
	if deps.Notifier.Enabled() {
		s.publisher.AddSink(deps.Notifier)
	}

	s.connect(deps.AuditStore, logger)
	return s, nil
}

// connect routes domain callbacks to the publisher, the audit log and the
// withdrawal monitor.
func (s *services) connect(audit domain.AuditStore, logger *slog.Logger) {
	record := func(ctx context.Context, event string, detail map[string]any) {
		if audit == nil {
			return
		}
		if err := audit.Log(ctx, event, detail); err != nil {
			logger.WarnContext(ctx, "audit log failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}

	s.profits.OnVerified(func(context.Context, domain.ProfitEntry) {
		s.monitor.Trigger()
	})

	s.policy.OnUpdate(func(ctx context.Context, v domain.PolicyVersion) {
		data := events.PolicyData(v)
		s.publisher.Publish(ctx, events.PolicyUpdated, data)
		record(ctx, "policy.updated", data)
		s.monitor.Trigger()
	})

	s.withdrawals.OnChange(func(ctx context.Context, rec domain.WithdrawalRecord) {
		data := events.WithdrawalData(rec)
		s.publisher.Publish(ctx, events.WithdrawalChannel(rec.Status), data)
		record(ctx, "withdrawal."+string(rec.Status), data)
	})

	s.withdrawals.OnHalt(func(ctx context.Context, halted bool, reason string) {
		data := map[string]any{"halted": halted, "reason": reason}
		s.publisher.Publish(ctx, events.WithdrawalsHalted, data)
		record(ctx, "withdrawal.halt", data)
	})
}

// serverHandlers builds the HTTP handlers over the composed services.
func (s *services) serverHandlers(deps *Dependencies, logger *slog.Logger) server.Handlers {
	h := server.Handlers{
		Health:      handler.NewHealthHandler(deps.HealthChecks, logger),
		Status:      s.status,
		Ledger:      handler.NewLedgerHandler(s.ledger, s.profits, s.confirmer, logger),
		Policy:      handler.NewPolicyHandler(s.policy, logger),
		Withdrawals: handler.NewWithdrawalHandler(s.withdrawals, logger),
	}
	if s.certificates != nil {
		h.Certificates = handler.NewCertificateHandler(s.certificates, logger)
	}
	if deps.Balances != nil {
		h.Wallet = handler.NewWalletHandler(deps.Balances, deps.WalletAddress, logger)
	}
	return h
}
