// Package confirm decides whether a transaction reference has reached
// finality by polling a chain status source with bounded retries.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// Config controls retry and finality behaviour.
type Config struct {
	MinConfirmations uint64
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64
	// RateKey is the limiter key consulted before each request.
	RateKey string
}

// DefaultConfig returns conservative defaults for a public explorer API.
func DefaultConfig() Config {
	return Config{
		MinConfirmations: 12,
		MaxAttempts:      5,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         15 * time.Second,
		Jitter:           0.2,
		RateKey:          "chain:status",
	}
}

type pollState int

const (
	stateQuery pollState = iota
	stateBackoff
	stateDone
)

// Poller runs poll cycles against a ChainStatusSource.
type Poller struct {
	source  domain.ChainStatusSource
	limiter domain.RateLimiter
	cfg     Config
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a Poller. limiter may be nil.
func NewPoller(source domain.ChainStatusSource, limiter domain.RateLimiter, cfg Config, logger *slog.Logger) *Poller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.RateKey == "" {
		cfg.RateKey = DefaultConfig().RateKey
	}
	return &Poller{
		source:  source,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "confirm")),
		sleep:   sleepCtx,
	}
}

// PollStatus runs one poll cycle for ref.
//
// CONFIRMED is returned only for an explicit success with enough
// confirmations. A reverted transaction yields FAILED without retry.
// Transport errors are retried with exponential backoff; once MaxAttempts is
// spent the result is PENDING with Err wrapping ErrConfirmationTimeout. If
// ctx ends, the result is PENDING and ctx.Err() is returned.
func (p *Poller) PollStatus(ctx context.Context, ref string) (domain.PollResult, error) {
	res := domain.PollResult{Reference: ref, Status: domain.StatusPending}
	var lastErr error
	state := stateQuery

	for state != stateDone {
		if err := ctx.Err(); err != nil {
			res.Reason = "cancelled"
			return res, err
		}

		switch state {
		case stateQuery:
			res.Attempts++
			report, err := p.query(ctx, ref)
			switch {
			case err == nil:
				p.classify(&res, report)
				state = stateDone
			case ctx.Err() != nil:
				res.Reason = "cancelled"
				return res, ctx.Err()
			case errors.Is(err, domain.ErrInvalidReference):
				res.Reason = err.Error()
				state = stateDone
			default:
				lastErr = err
				if res.Attempts >= p.cfg.MaxAttempts {
					res.Reason = "retries exhausted"
					res.Err = fmt.Errorf("confirm: %s after %d attempts: %w: %v",
						ref, res.Attempts, domain.ErrConfirmationTimeout, lastErr)
					p.logger.WarnContext(ctx, "confirmation retries exhausted",
						slog.String("ref", ref),
						slog.Int("attempts", res.Attempts),
						slog.String("error", lastErr.Error()),
					)
					state = stateDone
				} else {
					state = stateBackoff
				}
			}

		case stateBackoff:
			delay := p.backoff(res.Attempts)
			p.logger.DebugContext(ctx, "retrying status query",
				slog.String("ref", ref),
				slog.Int("attempt", res.Attempts),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			if err := p.sleep(ctx, delay); err != nil {
				res.Reason = "cancelled"
				return res, err
			}
			state = stateQuery
		}
	}
	return res, nil
}

func (p *Poller) query(ctx context.Context, ref string) (domain.ChainReport, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, p.cfg.RateKey); err != nil {
			return domain.ChainReport{}, fmt.Errorf("confirm: rate limiter: %w", err)
		}
	}
	return p.source.TxStatus(ctx, ref)
}

func (p *Poller) classify(res *domain.PollResult, r domain.ChainReport) {
	res.Confirmations = r.Confirmations
	switch r.Status {
	case domain.ChainTxSuccess:
		if r.Confirmations >= p.cfg.MinConfirmations {
			res.Status = domain.StatusConfirmed
			return
		}
		res.Reason = fmt.Sprintf("awaiting confirmations (%d/%d)", r.Confirmations, p.cfg.MinConfirmations)
	case domain.ChainTxReverted:
		res.Status = domain.StatusFailed
		res.Reason = "reverted"
		res.Err = fmt.Errorf("confirm: %s: %w", res.Reference, domain.ErrChainRejected)
	case domain.ChainTxNotFound:
		res.Reason = "not found"
	case domain.ChainTxPending:
		res.Reason = "not yet mined"
	default:
		res.Reason = fmt.Sprintf("unrecognised status %q", r.Status)
	}
}

// backoff returns the delay after the given 1-based attempt.
func (p *Poller) backoff(attempt int) time.Duration {
	delay := p.cfg.BaseDelay
	for i := 1; i < attempt && delay < p.cfg.MaxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, p.cfg.MaxDelay)
	if p.cfg.Jitter > 0 {
		spread := float64(delay) * p.cfg.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
