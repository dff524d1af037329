// Package ledger holds the authoritative record of profit entries and the
// aggregate totals derived from them.
//
// Entries are append-only. Each entry has its own mutex that serializes
// transitions, and a single aggregate lock protects the totals together with
// entry state so a Snapshot never observes a half-applied transition. No lock
// other than the per-entry mutex is held across store I/O.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

type record struct {
	mu    sync.Mutex
	entry domain.ProfitEntry // writes hold both mu and Ledger.mu
	seq   int64
}

// Ledger tracks profit entries and their aggregate totals. It is safe for
// concurrent use.
type Ledger struct {
	store  domain.EntryStore
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu        sync.RWMutex
	entries   map[string]*record
	seq       int64
	pending   decimal.Decimal
	verified  decimal.Decimal
	reserved  decimal.Decimal
	withdrawn decimal.Decimal
	counts    map[domain.EntryState]int
}

// New creates an empty Ledger. store may be nil, in which case the ledger is
// purely in-memory.
func New(store domain.EntryStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger.With(slog.String("component", "ledger")),
		now:     time.Now,
		entries: make(map[string]*record),
		counts:  make(map[domain.EntryState]int),
	}
}

// RecordPending appends a PENDING entry for ref. Recording the same reference
// again returns the existing entry and leaves the totals unchanged.
func (l *Ledger) RecordPending(ctx context.Context, ref string, amount decimal.Decimal) (domain.ProfitEntry, error) {
	e, _, err := l.Record(ctx, ref, amount)
	return e, err
}

// Record is RecordPending that also reports whether this call created the
// entry. Exactly one of any set of concurrent callers for a reference sees
// created == true.
func (l *Ledger) Record(ctx context.Context, ref string, amount decimal.Decimal) (entry domain.ProfitEntry, created bool, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.ProfitEntry{}, false, fmt.Errorf("ledger: record pending: empty source reference: %w", domain.ErrInvalidAmount)
	}
	if !amount.IsPositive() {
		return domain.ProfitEntry{}, false, fmt.Errorf("ledger: record pending %s: amount %s: %w", ref, amount, domain.ErrInvalidAmount)
	}

	if e, ok := l.lookup(ref); ok {
		return e, false, nil
	}

	v, err, _ := l.group.Do(ref, func() (any, error) {
		if e, ok := l.lookup(ref); ok {
			return e, nil
		}

		entry := domain.ProfitEntry{
			ID:              ref,
			SourceReference: ref,
			Amount:          amount,
			State:           domain.EntryPending,
			CreatedAt:       l.now().UTC(),
		}

		if l.store != nil {
			if err := l.store.Insert(ctx, entry); err != nil {
				if !errors.Is(err, domain.ErrAlreadyExists) {
					return domain.ProfitEntry{}, fmt.Errorf("ledger: record pending %s: %w", ref, err)
				}
				// Another process journaled it first; adopt the stored row.
				stored, gerr := l.store.GetByID(ctx, ref)
				if gerr != nil {
					return domain.ProfitEntry{}, fmt.Errorf("ledger: record pending %s: load existing: %w", ref, gerr)
				}
				return l.insert(stored), nil
			}
		}

		created = true
		return l.insert(entry), nil
	})
	if err != nil {
		return domain.ProfitEntry{}, false, err
	}
	return v.(domain.ProfitEntry), created, nil
}

// MarkVerified moves a PENDING entry to VERIFIED.
func (l *Ledger) MarkVerified(ctx context.Context, id string) (domain.ProfitEntry, error) {
	return l.transition(ctx, id, domain.EntryVerified, "")
}

// MarkFailed moves a PENDING entry to FAILED with the given reason.
func (l *Ledger) MarkFailed(ctx context.Context, id string, reason string) (domain.ProfitEntry, error) {
	return l.transition(ctx, id, domain.EntryFailed, reason)
}

func (l *Ledger) transition(ctx context.Context, id string, to domain.EntryState, reason string) (domain.ProfitEntry, error) {
	l.mu.RLock()
	rec, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return domain.ProfitEntry{}, fmt.Errorf("ledger: mark %s %s: %w", to, id, domain.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.entry.State != domain.EntryPending {
		return domain.ProfitEntry{}, fmt.Errorf("ledger: mark %s %s: entry is %s: %w",
			to, id, rec.entry.State, domain.ErrInvalidTransition)
	}

	at := l.now().UTC()
	if l.store != nil {
		var err error
		switch to {
		case domain.EntryVerified:
			err = l.store.MarkVerified(ctx, id, at)
		case domain.EntryFailed:
			err = l.store.MarkFailed(ctx, id, reason, at)
		}
		if err != nil {
			return domain.ProfitEntry{}, fmt.Errorf("ledger: mark %s %s: %w", to, id, err)
		}
	}

	l.mu.Lock()
	rec.entry.State = to
	rec.entry.ResolvedAt = &at
	l.pending = l.pending.Sub(rec.entry.Amount)
	l.counts[domain.EntryPending]--
	l.counts[to]++
	if to == domain.EntryVerified {
		rec.entry.VerifiedAt = &at
		l.verified = l.verified.Add(rec.entry.Amount)
	} else {
		rec.entry.FailureReason = reason
	}
	out := rec.entry
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "entry resolved",
		slog.String("id", id),
		slog.String("state", string(to)),
		slog.String("amount", out.Amount.String()),
	)
	return out, nil
}

// NotePoll records how many poll attempts an entry has consumed.
func (l *Ledger) NotePoll(id string, attempts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.entries[id]; ok {
		rec.entry.PollAttempts += attempts
	}
}

// VerifiedTotal returns verified profit available for withdrawal.
func (l *Ledger) VerifiedTotal() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.available()
}

// PendingTotal returns the sum of all PENDING amounts.
func (l *Ledger) PendingTotal() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pending
}

// Snapshot returns all aggregates read under a single lock.
func (l *Ledger) Snapshot() domain.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Journal returns the aggregates together with every entry in recording
// order, both taken under one lock so they always agree.
func (l *Ledger) Journal() (domain.LedgerSnapshot, []domain.ProfitEntry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked(), l.collectLocked(domain.EntryFilter{})
}

func (l *Ledger) snapshotLocked() domain.LedgerSnapshot {
	return domain.LedgerSnapshot{
		VerifiedTotal:  l.available(),
		PendingTotal:   l.pending,
		GrossVerified:  l.verified,
		ReservedTotal:  l.reserved,
		WithdrawnTotal: l.withdrawn,
		PendingCount:   l.counts[domain.EntryPending],
		VerifiedCount:  l.counts[domain.EntryVerified],
		FailedCount:    l.counts[domain.EntryFailed],
		TakenAt:        l.now().UTC(),
	}
}

// Get returns the entry with the given id.
func (l *Ledger) Get(id string) (domain.ProfitEntry, error) {
	if e, ok := l.lookup(id); ok {
		return e, nil
	}
	return domain.ProfitEntry{}, fmt.Errorf("ledger: get %s: %w", id, domain.ErrNotFound)
}

// Pending returns every PENDING entry in recording order.
func (l *Ledger) Pending() []domain.ProfitEntry {
	return l.List(domain.EntryFilter{State: domain.EntryPending})
}

// List returns entries in recording order, filtered and paginated.
func (l *Ledger) List(f domain.EntryFilter) []domain.ProfitEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collectLocked(f)
}

func (l *Ledger) collectLocked(f domain.EntryFilter) []domain.ProfitEntry {
	recs := make([]*record, 0, len(l.entries))
	for _, rec := range l.entries {
		if f.State == "" || rec.entry.State == f.State {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	start := min(max(f.Offset, 0), len(recs))
	end := len(recs)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	out := make([]domain.ProfitEntry, 0, end-start)
	for _, rec := range recs[start:end] {
		out = append(out, rec.entry)
	}
	return out
}

// Reserve earmarks amount of the verified total for an in-flight
// withdrawal. The check and the reservation happen atomically.
func (l *Ledger) Reserve(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: reserve %s: %w", amount, domain.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if avail := l.available(); amount.GreaterThan(avail) {
		return fmt.Errorf("ledger: reserve %s (available %s): %w", amount, avail, domain.ErrInsufficientFunds)
	}
	l.reserved = l.reserved.Add(amount)
	return nil
}

// Release returns a reservation to the verified total.
func (l *Ledger) Release(amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved = nonNegative(l.reserved.Sub(amount))
}

// Settle converts a reservation into a completed withdrawal.
func (l *Ledger) Settle(amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved = nonNegative(l.reserved.Sub(amount))
	l.withdrawn = l.withdrawn.Add(amount)
}

// Restore rebuilds the ledger from the entry store. It is meant to be called
// once at startup, before any other method.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	entries, err := l.store.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: restore: %w", err)
	}
	for _, e := range entries {
		l.insert(e)
	}
	l.logger.InfoContext(ctx, "ledger restored", slog.Int("entries", len(entries)))
	return len(entries), nil
}

// SeedWithdrawals sets the withdrawn and reserved totals, typically from
// persisted withdrawal records at startup.
func (l *Ledger) SeedWithdrawals(withdrawn, reserved decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withdrawn = withdrawn
	l.reserved = reserved
}

func (l *Ledger) lookup(id string) (domain.ProfitEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.entries[id]
	if !ok {
		return domain.ProfitEntry{}, false
	}
	return rec.entry, true
}

// insert adds e unless its id is already present, in which case the existing
// entry is returned.
func (l *Ledger) insert(e domain.ProfitEntry) domain.ProfitEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.entries[e.ID]; ok {
		return rec.entry
	}
	l.seq++
	l.entries[e.ID] = &record{entry: e, seq: l.seq}
	l.counts[e.State]++
	switch e.State {
	case domain.EntryPending:
		l.pending = l.pending.Add(e.Amount)
	case domain.EntryVerified:
		l.verified = l.verified.Add(e.Amount)
	}
	return e
}

// available must be called with mu held.
func (l *Ledger) available() decimal.Decimal {
	return nonNegative(l.verified.Sub(l.withdrawn).Sub(l.reserved))
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
