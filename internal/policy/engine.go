// Package policy owns the active withdrawal policy. Readers always see a
// complete version; updates are validated before they become visible.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// UpdateFunc is invoked after a new version becomes active.
type UpdateFunc func(ctx context.Context, v domain.PolicyVersion)

// Engine holds the current policy version.
type Engine struct {
	current  atomic.Pointer[domain.PolicyVersion]
	store    domain.PolicyStore
	onUpdate UpdateFunc
	logger   *slog.Logger

	// writeMu serializes updates so version numbers are strictly increasing.
	writeMu sync.Mutex
}

// NewEngine creates an Engine whose version 1 is initial. The initial policy
// must be valid. store may be nil.
func NewEngine(initial domain.WithdrawalPolicy, store domain.PolicyStore, logger *slog.Logger) (*Engine, error) {
	if err := Validate(initial); err != nil {
		return nil, err
	}
	e := &Engine{
		store:  store,
		logger: logger.With(slog.String("component", "policy")),
	}
	e.current.Store(&domain.PolicyVersion{
		Version:   1,
		Policy:    normalize(initial),
		UpdatedAt: time.Now().UTC(),
	})
	return e, nil
}

// OnUpdate registers fn to be called after each successful update.
func (e *Engine) OnUpdate(fn UpdateFunc) {
	e.onUpdate = fn
}

// Load replaces the initial version with the latest persisted one, if any.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	v, err := e.store.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("policy: load: %w", err)
	}
	if err := Validate(v.Policy); err != nil {
		e.logger.WarnContext(ctx, "ignoring invalid persisted policy",
			slog.Int64("version", v.Version),
			slog.String("error", err.Error()),
		)
		return nil
	}
	e.current.Store(&v)
	e.logger.InfoContext(ctx, "policy loaded", slog.Int64("version", v.Version))
	return nil
}

// Current returns the active version. The returned value is a copy and is
// never mutated by later updates.
func (e *Engine) Current() domain.PolicyVersion {
	return *e.current.Load()
}

// UpdatePolicy validates p and, if valid, makes it the active policy under
// the next version number. An invalid policy leaves the current one in place.
func (e *Engine) UpdatePolicy(ctx context.Context, p domain.WithdrawalPolicy) (domain.PolicyVersion, error) {
	if err := Validate(p); err != nil {
		return domain.PolicyVersion{}, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next := domain.PolicyVersion{
		Version:   e.current.Load().Version + 1,
		Policy:    normalize(p),
		UpdatedAt: time.Now().UTC(),
	}
	if e.store != nil {
		if err := e.store.Save(ctx, next); err != nil {
			return domain.PolicyVersion{}, fmt.Errorf("policy: save version %d: %w", next.Version, err)
		}
	}
	e.current.Store(&next)

	e.logger.InfoContext(ctx, "policy updated",
		slog.Int64("version", next.Version),
		slog.String("mode", string(next.Policy.Mode)),
		slog.String("threshold", next.Policy.Threshold.String()),
	)
	if e.onUpdate != nil {
		e.onUpdate(ctx, next)
	}
	return next, nil
}

// Validate reports every rule p violates, wrapped in ErrInvalidPolicy.
func Validate(p domain.WithdrawalPolicy) error {
	var errs []string

	switch p.Mode {
	case domain.ModeManual, domain.ModeAuto:
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", p.Mode))
	}
	if p.Threshold.IsNegative() {
		errs = append(errs, "threshold must be >= 0")
	}
	if !p.WithdrawalFraction.IsPositive() || p.WithdrawalFraction.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, "withdrawal_fraction must be in (0, 1]")
	}
	if p.MinAmount.IsNegative() {
		errs = append(errs, "min_amount must be >= 0")
	}
	if p.MinAmount.GreaterThan(p.MaxAmount) {
		errs = append(errs, "min_amount must not exceed max_amount")
	}
	if p.Cooldown < 0 {
		errs = append(errs, "cooldown must be >= 0")
	}
	if p.DailyLimit.IsNegative() {
		errs = append(errs, "daily_limit must be >= 0")
	}
	if p.Destination != "" && !common.IsHexAddress(p.Destination) {
		errs = append(errs, fmt.Sprintf("destination %q is not a hex address", p.Destination))
	}

	if len(errs) > 0 {
		return fmt.Errorf("policy: %s: %w", strings.Join(errs, "; "), domain.ErrInvalidPolicy)
	}
	return nil
}

func normalize(p domain.WithdrawalPolicy) domain.WithdrawalPolicy {
	if p.Destination != "" {
		p.Destination = common.HexToAddress(p.Destination).Hex()
	}
	return p
}
