package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

const executeLockKey = "withdrawal:execute"

// Ledger is the subset of the profit ledger the service needs.
type Ledger interface {
	Snapshot() domain.LedgerSnapshot
	Reserve(amount decimal.Decimal) error
	Release(amount decimal.Decimal)
	Settle(amount decimal.Decimal)
	SeedWithdrawals(withdrawn, reserved decimal.Decimal)
}

// PolicySource provides the active policy version.
type PolicySource interface {
	Current() domain.PolicyVersion
}

// ChangeFunc is invoked after a withdrawal record changes status.
type ChangeFunc func(ctx context.Context, rec domain.WithdrawalRecord)

// HaltFunc is invoked when withdrawals are halted or resumed.
type HaltFunc func(ctx context.Context, halted bool, reason string)

// Config holds optional collaborators. Any of them may be nil.
type Config struct {
	Store    domain.WithdrawalStore
	Executor domain.TransferExecutor
	Locks    domain.LockManager
	LockTTL  time.Duration
}

// Service creates withdrawal records, reserves funds against the ledger and
// moves records from REQUESTED to CONFIRMED or REJECTED.
type Service struct {
	ledger   Ledger
	policy   PolicySource
	store    domain.WithdrawalStore
	executor domain.TransferExecutor
	locks    domain.LockManager
	lockTTL  time.Duration
	onChange ChangeFunc
	onHalt   HaltFunc
	logger   *slog.Logger
	now      func() time.Time

	// execMu serializes submissions within this process.
	execMu sync.Mutex

	mu      sync.RWMutex
	records map[string]*domain.WithdrawalRecord

	halted     atomic.Bool
	haltReason atomic.Value
}

// NewService creates a withdrawal Service.
func NewService(ledger Ledger, policy PolicySource, cfg Config, logger *slog.Logger) *Service {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		ledger:   ledger,
		policy:   policy,
		store:    cfg.Store,
		executor: cfg.Executor,
		locks:    cfg.Locks,
		lockTTL:  ttl,
		logger:   logger.With(slog.String("component", "withdrawal")),
		now:      time.Now,
		records:  make(map[string]*domain.WithdrawalRecord),
	}
}

// OnChange registers fn to be called after every status change.
func (s *Service) OnChange(fn ChangeFunc) {
	s.onChange = fn
}

// OnHalt registers fn to be called from Halt and Resume.
func (s *Service) OnHalt(fn HaltFunc) {
	s.onHalt = fn
}

// Proposal evaluates the current ledger against the current policy.
func (s *Service) Proposal() (domain.WithdrawalProposal, bool) {
	return Evaluate(s.ledger.Snapshot(), s.policy.Current())
}

// AutoWithdraw evaluates and, if an executable proposal results, executes
// it under the same policy version. It returns (nil, nil) when nothing is
// due.
func (s *Service) AutoWithdraw(ctx context.Context) (*domain.WithdrawalRecord, error) {
	pv := s.policy.Current()
	prop, ok := Evaluate(s.ledger.Snapshot(), pv)
	if !ok || !prop.Executable {
		return nil, nil
	}
	rec, err := s.execute(ctx, prop, pv)
	if err != nil {
		return &rec, err
	}
	return &rec, nil
}

// Execute carries out an AUTO-mode proposal. A proposal evaluated under a
// policy version other than the current one fails with ErrStaleProposal.
func (s *Service) Execute(ctx context.Context, prop domain.WithdrawalProposal) (domain.WithdrawalRecord, error) {
	return s.execute(ctx, prop, s.policy.Current())
}

func (s *Service) execute(ctx context.Context, prop domain.WithdrawalProposal, pv domain.PolicyVersion) (domain.WithdrawalRecord, error) {
	if !prop.Executable {
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: proposal in %s mode: %w", prop.Mode, domain.ErrModeMismatch)
	}
	if prop.PolicyVersion != pv.Version {
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: proposal from policy v%d, current v%d: %w",
			prop.PolicyVersion, pv.Version, domain.ErrStaleProposal)
	}
	if pv.Policy.Mode != domain.ModeAuto {
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: policy v%d is %s: %w", pv.Version, pv.Policy.Mode, domain.ErrModeMismatch)
	}
	return s.submit(ctx, prop.Amount, "", domain.ModeAuto, pv)
}

// RequestManual records an explicit withdrawal request. It is only allowed
// in MANUAL mode. A zero amount withdraws the full verified total, capped at
// the policy maximum.
func (s *Service) RequestManual(ctx context.Context, amount decimal.Decimal, destination string) (domain.WithdrawalRecord, error) {
	pv := s.policy.Current()
	if pv.Policy.Mode != domain.ModeManual {
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: manual request: %w", domain.ErrModeMismatch)
	}
	if amount.IsNegative() {
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: manual request %s: %w", amount, domain.ErrInvalidAmount)
	}
	if amount.IsZero() {
		amount = decimal.Min(s.ledger.Snapshot().VerifiedTotal, pv.Policy.MaxAmount)
		if !amount.IsPositive() {
			return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: manual request: nothing verified: %w", domain.ErrInsufficientFunds)
		}
	}
	return s.submit(ctx, amount, destination, domain.ModeManual, pv)
}

func (s *Service) submit(ctx context.Context, amount decimal.Decimal, destination string, mode domain.WithdrawalMode, pv domain.PolicyVersion) (domain.WithdrawalRecord, error) {
	if s.halted.Load() {
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: %s: %w", s.HaltReason(), domain.ErrHalted)
	}
	p := pv.Policy
	if !amount.IsPositive() || amount.LessThan(p.MinAmount) || amount.GreaterThan(p.MaxAmount) {
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: amount %s outside [%s, %s]: %w",
			amount, p.MinAmount, p.MaxAmount, domain.ErrInvalidAmount)
	}
	if destination == "" {
		destination = p.Destination
	}
	if destination == "" && s.executor != nil {
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: no destination configured: %w", domain.ErrInvalidPolicy)
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, executeLockKey, s.lockTTL)
		if err != nil {
			return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: acquire lock: %w", err)
		}
		defer unlock()
	}

	now := s.now().UTC()
	if err := s.checkLimits(now, amount, p); err != nil {
		return domain.WithdrawalRecord{}, err
	}

	rec := domain.WithdrawalRecord{
		ID:            uuid.NewString(),
		Amount:        amount,
		Destination:   destination,
		Mode:          mode,
		Status:        domain.WithdrawalRequested,
		PolicyVersion: pv.Version,
		InitiatedAt:   now,
	}

	if err := s.ledger.Reserve(amount); err != nil {
		rec.Status = domain.WithdrawalRejected
		rec.Reason = err.Error()
		if serr := s.persistNew(ctx, rec); serr != nil {
			s.logger.ErrorContext(ctx, "persist rejected withdrawal", slog.String("error", serr.Error()))
		}
		s.logger.WarnContext(ctx, "withdrawal rejected",
			slog.String("id", rec.ID),
			slog.String("amount", amount.String()),
			slog.String("reason", rec.Reason),
		)
		s.emit(ctx, rec)
		return rec, fmt.Errorf("withdrawal: %w", err)
	}

	if err := s.persistNew(ctx, rec); err != nil {
		s.ledger.Release(amount)
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: create record: %w", err)
	}
	s.logger.InfoContext(ctx, "withdrawal requested",
		slog.String("id", rec.ID),
		slog.String("amount", amount.String()),
		slog.String("mode", string(mode)),
	)
	s.emit(ctx, rec)

	if s.executor == nil {
		return rec, nil
	}

	txHash, err := s.executor.Transfer(ctx, destination, amount)
	if err != nil {
		reason := fmt.Sprintf("transfer: %v", err)
		rejected, rerr := s.Reject(ctx, rec.ID, reason)
		if rerr != nil {
			s.logger.ErrorContext(ctx, "reject after failed transfer", slog.String("error", rerr.Error()))
			return rec, fmt.Errorf("withdrawal: %w: %v", domain.ErrTransferFailed, err)
		}
		return rejected, fmt.Errorf("withdrawal: %w: %v", domain.ErrTransferFailed, err)
	}

	s.mu.Lock()
	stored := s.records[rec.ID]
	stored.TxHash = txHash
	rec = *stored
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.UpdateStatus(ctx, rec); err != nil {
			s.logger.ErrorContext(ctx, "persist tx hash",
				slog.String("id", rec.ID),
				slog.String("tx_hash", txHash),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.InfoContext(ctx, "withdrawal broadcast", slog.String("id", rec.ID), slog.String("tx_hash", txHash))
	return rec, nil
}

// checkLimits applies the cooldown and daily limit. Rejected records do not
// count against either.
func (s *Service) checkLimits(now time.Time, amount decimal.Decimal, p domain.WithdrawalPolicy) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayStart := now.Truncate(24 * time.Hour)
	var last time.Time
	var today decimal.Decimal
	for _, r := range s.records {
		if r.Status == domain.WithdrawalRejected {
			continue
		}
		if r.InitiatedAt.After(last) {
			last = r.InitiatedAt
		}
		if !r.InitiatedAt.Before(dayStart) {
			today = today.Add(r.Amount)
		}
	}
	if p.Cooldown > 0 && !last.IsZero() && now.Sub(last) < p.Cooldown {
		return fmt.Errorf("withdrawal: last at %s, cooldown %s: %w", last.Format(time.RFC3339), p.Cooldown, domain.ErrCooldown)
	}
	if p.DailyLimit.IsPositive() && today.Add(amount).GreaterThan(p.DailyLimit) {
		return fmt.Errorf("withdrawal: %s today + %s exceeds %s: %w", today, amount, p.DailyLimit, domain.ErrDailyLimit)
	}
	return nil
}

// Confirm marks a REQUESTED withdrawal as CONFIRMED and settles its
// reservation. txHash may be empty if it was already recorded.
func (s *Service) Confirm(ctx context.Context, id, txHash string) (domain.WithdrawalRecord, error) {
	return s.resolve(ctx, id, func(r *domain.WithdrawalRecord) {
		at := s.now().UTC()
		r.Status = domain.WithdrawalConfirmed
		r.ConfirmedAt = &at
		if txHash != "" {
			r.TxHash = txHash
		}
	})
}

// Reject marks a REQUESTED withdrawal as REJECTED and releases its
// reservation.
func (s *Service) Reject(ctx context.Context, id, reason string) (domain.WithdrawalRecord, error) {
	return s.resolve(ctx, id, func(r *domain.WithdrawalRecord) {
		r.Status = domain.WithdrawalRejected
		r.Reason = reason
	})
}

func (s *Service) resolve(ctx context.Context, id string, apply func(*domain.WithdrawalRecord)) (domain.WithdrawalRecord, error) {
	s.mu.Lock()
	cur, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: %s: %w", id, domain.ErrNotFound)
	}
	if cur.Status != domain.WithdrawalRequested {
		status := cur.Status
		s.mu.Unlock()
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: %s is %s: %w", id, status, domain.ErrInvalidTransition)
	}

	next := *cur
	apply(&next)
	if s.store != nil {
		if err := s.store.UpdateStatus(ctx, next); err != nil {
			s.mu.Unlock()
			return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: update %s: %w", id, err)
		}
	}
	*cur = next
	s.mu.Unlock()

	switch next.Status {
	case domain.WithdrawalConfirmed:
		s.ledger.Settle(next.Amount)
	case domain.WithdrawalRejected:
		s.ledger.Release(next.Amount)
	}
	s.logger.InfoContext(ctx, "withdrawal resolved",
		slog.String("id", id),
		slog.String("status", string(next.Status)),
		slog.String("amount", next.Amount.String()),
	)
	s.emit(ctx, next)
	return next, nil
}

// Get returns a withdrawal record by id.
func (s *Service) Get(id string) (domain.WithdrawalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return domain.WithdrawalRecord{}, fmt.Errorf("withdrawal: %s: %w", id, domain.ErrNotFound)
	}
	return *r, nil
}

// List returns records newest first.
func (s *Service) List(opts domain.ListOpts) []domain.WithdrawalRecord {
	s.mu.RLock()
	out := make([]domain.WithdrawalRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.After(out[j].InitiatedAt) })
	start := min(max(opts.Offset, 0), len(out))
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end]
}

// InFlight returns REQUESTED records that already carry a tx hash.
func (s *Service) InFlight() []domain.WithdrawalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WithdrawalRecord
	for _, r := range s.records {
		if r.Status == domain.WithdrawalRequested && r.TxHash != "" {
			out = append(out, *r)
		}
	}
	return out
}

// Halt stops all new withdrawals until Resume is called.
func (s *Service) Halt(ctx context.Context, reason string) {
	s.haltReason.Store(reason)
	s.halted.Store(true)
	s.logger.WarnContext(ctx, "withdrawals halted", slog.String("reason", reason))
	if s.onHalt != nil {
		s.onHalt(ctx, true, reason)
	}
}

// Resume re-enables withdrawals.
func (s *Service) Resume(ctx context.Context) {
	s.halted.Store(false)
	s.logger.InfoContext(ctx, "withdrawals resumed")
	if s.onHalt != nil {
		s.onHalt(ctx, false, "")
	}
}

// Halted reports whether withdrawals are currently halted.
func (s *Service) Halted() bool {
	return s.halted.Load()
}

// HaltReason returns the reason given to the last Halt call.
func (s *Service) HaltReason() string {
	r, _ := s.haltReason.Load().(string)
	return r
}

// Restore loads persisted records and seeds the ledger's withdrawn and
// reserved totals from them.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.List(ctx, domain.ListOpts{})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("withdrawal: restore: %w", err)
	}

	var withdrawn, reserved decimal.Decimal
	s.mu.Lock()
	for i := range recs {
		r := recs[i]
		s.records[r.ID] = &r
		switch r.Status {
		case domain.WithdrawalConfirmed:
			withdrawn = withdrawn.Add(r.Amount)
		case domain.WithdrawalRequested:
			reserved = reserved.Add(r.Amount)
		}
	}
	s.mu.Unlock()

	s.ledger.SeedWithdrawals(withdrawn, reserved)
	s.logger.InfoContext(ctx, "withdrawals restored",
		slog.Int("records", len(recs)),
		slog.String("withdrawn", withdrawn.String()),
		slog.String("reserved", reserved.String()),
	)
	return nil
}

func (s *Service) persistNew(ctx context.Context, rec domain.WithdrawalRecord) error {
	if s.store != nil {
		if err := s.store.Create(ctx, rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.records[rec.ID] = &rec
	s.mu.Unlock()
	return nil
}

func (s *Service) emit(ctx context.Context, rec domain.WithdrawalRecord) {
	if s.onChange != nil {
		s.onChange(ctx, rec)
	}
}
