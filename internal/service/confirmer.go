package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// StatusPoller runs one confirmation cycle for a reference.
type StatusPoller interface {
	PollStatus(ctx context.Context, ref string) (domain.PollResult, error)
}

// Confirmer periodically polls every pending entry and resolves those the
// chain has settled. Entries the chain cannot yet decide stay pending and
// are polled again next sweep.
type Confirmer struct {
	profits     *ProfitService
	ledger      ProfitLedger
	poller      StatusPoller
	interval    time.Duration
	concurrency int
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewConfirmer creates a Confirmer.
func NewConfirmer(profits *ProfitService, ledger ProfitLedger, poller StatusPoller, interval time.Duration, concurrency int, logger *slog.Logger) *Confirmer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Confirmer{
		profits:     profits,
		ledger:      ledger,
		poller:      poller,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "confirmer")),
		inflight:    make(map[string]context.CancelFunc),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (c *Confirmer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep polls all pending entries not already being polled and returns
// when every poll has finished.
func (c *Confirmer) Sweep(ctx context.Context) {
	pending := c.ledger.Pending()
	if len(pending) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, e := range pending {
		pctx, ok := c.claim(ctx, e.ID)
		if !ok {
			continue
		}
		g.Go(func() error {
			defer c.release(e.ID)
			c.check(pctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

// Cancel aborts an in-flight poll for id. The entry stays pending.
func (c *Confirmer) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.inflight[id]
	if ok {
		cancel()
	}
	return ok
}

func (c *Confirmer) claim(ctx context.Context, id string) (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return nil, false
	}
	pctx, cancel := context.WithCancel(ctx)
	c.inflight[id] = cancel
	return pctx, true
}

func (c *Confirmer) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.inflight[id]; ok {
		cancel()
		delete(c.inflight, id)
	}
}

func (c *Confirmer) check(ctx context.Context, e domain.ProfitEntry) {
	res, err := c.poller.PollStatus(ctx, e.SourceReference)
	c.ledger.NotePoll(e.ID, res.Attempts)
	if err != nil {
		c.logger.DebugContext(ctx, "poll interrupted", slog.String("id", e.ID), slog.String("error", err.Error()))
		return
	}

	switch res.Status {
	case domain.StatusConfirmed:
		_, err = c.profits.MarkVerified(ctx, e.ID)
	case domain.StatusFailed:
		_, err = c.profits.MarkFailed(ctx, e.ID, res.Reason)
	default:
		if res.Err != nil {
			c.logger.WarnContext(ctx, "entry still pending",
				slog.String("id", e.ID),
				slog.Int("attempts", res.Attempts),
				slog.String("error", res.Err.Error()),
			)
		}
		return
	}
	if err != nil && !resolvedElsewhere(err) {
		c.logger.ErrorContext(ctx, "resolve entry failed",
			slog.String("id", e.ID),
			slog.String("status", string(res.Status)),
			slog.String("error", err.Error()),
		)
	}
}
