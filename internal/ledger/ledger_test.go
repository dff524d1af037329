package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestVerifiedAmountCounts(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())

	e, err := l.RecordPending(ctx, "tx1", d("3.0"))
	require.NoError(t, err)
	assert.Equal(t, "tx1", e.ID)
	assert.Equal(t, domain.EntryPending, e.State)
	assert.True(t, l.PendingTotal().Equal(d("3.0")))
	assert.True(t, l.VerifiedTotal().IsZero())

	v, err := l.MarkVerified(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryVerified, v.State)
	require.NotNil(t, v.VerifiedAt)
	assert.True(t, l.VerifiedTotal().Equal(d("3.0")))
	assert.True(t, l.PendingTotal().IsZero())
}

func TestFailedEntryRetainedButNotCounted(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())

	_, err := l.RecordPending(ctx, "tx2", d("2.0"))
	require.NoError(t, err)
	f, err := l.MarkFailed(ctx, "tx2", "reverted")
	require.NoError(t, err)
	assert.Equal(t, "reverted", f.FailureReason)

	assert.True(t, l.VerifiedTotal().IsZero())
	got, err := l.Get("tx2")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryFailed, got.State)
	assert.Len(t, l.List(domain.EntryFilter{}), 1)
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())

	_, err := l.RecordPending(ctx, "tx3", d("1.0"))
	require.NoError(t, err)
	_, err = l.MarkVerified(ctx, "tx3")
	require.NoError(t, err)

	_, err = l.MarkFailed(ctx, "tx3", "late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = l.MarkVerified(ctx, "tx3")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := l.Get("tx3")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryVerified, got.State)
	assert.True(t, l.VerifiedTotal().Equal(d("1.0")))
}

func TestUnknownEntry(t *testing.T) {
	l := New(nil, testLogger())
	_, err := l.MarkVerified(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = l.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordPendingRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())

	for _, amt := range []string{"0", "-1.5"} {
		_, err := l.RecordPending(ctx, "tx", d(amt))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amt)
	}
	_, err := l.RecordPending(ctx, "  ", d("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Empty(t, l.List(domain.EntryFilter{}))
}

func TestRecordPendingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())

	first, err := l.RecordPending(ctx, "tx4", d("1.25"))
	require.NoError(t, err)
	again, err := l.RecordPending(ctx, " tx4 ", d("9"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Amount.Equal(d("1.25")))
	assert.True(t, l.PendingTotal().Equal(d("1.25")))
}

func TestConcurrentDuplicateRecordCountsOnce(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())

	var (
		wg       sync.WaitGroup
		creators atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, created, err := l.Record(ctx, "dup", d("0.5")); err == nil && created {
				creators.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.True(t, l.PendingTotal().Equal(d("0.5")))
	assert.Equal(t, 1, l.Snapshot().PendingCount)
	assert.EqualValues(t, 1, creators.Load())
}

func TestConcurrentTransitionsFirstWins(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())
	_, err := l.RecordPending(ctx, "race", d("4"))
	require.NoError(t, err)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = l.MarkVerified(ctx, "race")
			} else {
				_, err = l.MarkFailed(ctx, "race", "x")
			}
			if err == nil {
				ok.Add(1)
			} else if errors.Is(err, domain.ErrInvalidTransition) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 19, rejected.Load())

	snap := l.Snapshot()
	assert.True(t, snap.PendingTotal.IsZero())
	assert.Equal(t, 1, snap.VerifiedCount+snap.FailedCount)
}

func TestTotalsMatchEntrySums(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())

	amounts := map[string]string{"a": "1.1", "b": "2.2", "c": "3.3", "e": "0.4", "f": "5"}
	for ref, amt := range amounts {
		_, err := l.RecordPending(ctx, ref, d(amt))
		require.NoError(t, err)
	}
	_, err := l.MarkVerified(ctx, "a")
	require.NoError(t, err)
	_, err = l.MarkVerified(ctx, "c")
	require.NoError(t, err)
	_, err = l.MarkFailed(ctx, "e", "reverted")
	require.NoError(t, err)

	var verified, pending decimal.Decimal
	for _, e := range l.List(domain.EntryFilter{}) {
		switch e.State {
		case domain.EntryVerified:
			verified = verified.Add(e.Amount)
		case domain.EntryPending:
			pending = pending.Add(e.Amount)
		}
	}
	snap := l.Snapshot()
	assert.True(t, snap.VerifiedTotal.Equal(verified), snap.VerifiedTotal.String())
	assert.True(t, snap.PendingTotal.Equal(pending), snap.PendingTotal.String())
	assert.True(t, verified.Equal(d("4.4")))
}

func TestSnapshotConsistentDuringTransitions(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())

	const n = 400
	unit := d("0.25")
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("tx-%03d", i)
		_, err := l.RecordPending(ctx, refs[i], unit)
		require.NoError(t, err)
	}
	recorded := unit.Mul(decimal.NewFromInt(n))

	var done atomic.Bool
	var reads, torn atomic.Int64
	var readers sync.WaitGroup
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for !done.Load() {
				s := l.Snapshot()
				reads.Add(1)
				failed := unit.Mul(decimal.NewFromInt(int64(s.FailedCount)))
				ok := s.PendingCount+s.VerifiedCount+s.FailedCount == n &&
					s.PendingTotal.Equal(unit.Mul(decimal.NewFromInt(int64(s.PendingCount)))) &&
					s.GrossVerified.Equal(unit.Mul(decimal.NewFromInt(int64(s.VerifiedCount)))) &&
					s.PendingTotal.Add(s.GrossVerified).Add(failed).Equal(recorded) &&
					s.VerifiedTotal.Equal(s.GrossVerified)
				if !ok {
					torn.Add(1)
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for w := range 8 {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for i := w; i < n; i += 8 {
				var err error
				if i%3 == 0 {
					_, err = l.MarkFailed(ctx, refs[i], "reverted")
				} else {
					_, err = l.MarkVerified(ctx, refs[i])
				}
				assert.NoError(t, err)
			}
		}()
	}
	writers.Wait()
	done.Store(true)
	readers.Wait()

	assert.Positive(t, reads.Load())
	assert.Zero(t, torn.Load(), "snapshots with a half-applied transition")

	final := l.Snapshot()
	assert.Equal(t, 0, final.PendingCount)
	assert.Equal(t, 134, final.FailedCount)
	assert.Equal(t, 266, final.VerifiedCount)
	assert.True(t, final.GrossVerified.Equal(d("66.5")), final.GrossVerified.String())
}

func TestListPreservesOrderAndPaginates(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())
	for _, ref := range []string{"r1", "r2", "r3", "r4"} {
		_, err := l.RecordPending(ctx, ref, d("1"))
		require.NoError(t, err)
	}
	_, err := l.MarkVerified(ctx, "r2")
	require.NoError(t, err)

	page := l.List(domain.EntryFilter{Limit: 2, Offset: 1})
	require.Len(t, page, 2)
	assert.Equal(t, "r2", page[0].ID)
	assert.Equal(t, "r3", page[1].ID)

	pending := l.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "r1", pending[0].ID)
	assert.Equal(t, "r4", pending[2].ID)

	assert.Empty(t, l.List(domain.EntryFilter{Offset: 10}))
}

func TestReserveNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())
	_, err := l.RecordPending(ctx, "tx", d("10"))
	require.NoError(t, err)
	_, err = l.MarkVerified(ctx, "tx")
	require.NoError(t, err)

	require.NoError(t, l.Reserve(d("6")))
	assert.True(t, l.VerifiedTotal().Equal(d("4")))
	assert.ErrorIs(t, l.Reserve(d("5")), domain.ErrInsufficientFunds)

	l.Release(d("6"))
	assert.True(t, l.VerifiedTotal().Equal(d("10")))

	require.NoError(t, l.Reserve(d("7")))
	l.Settle(d("7"))
	snap := l.Snapshot()
	assert.True(t, snap.VerifiedTotal.Equal(d("3")))
	assert.True(t, snap.WithdrawnTotal.Equal(d("7")))
	assert.True(t, snap.ReservedTotal.IsZero())
	assert.True(t, snap.GrossVerified.Equal(d("10")))
}

func TestConcurrentReservesStayWithinTotal(t *testing.T) {
	ctx := context.Background()
	l := New(nil, testLogger())
	_, err := l.RecordPending(ctx, "tx", d("10"))
	require.NoError(t, err)
	_, err = l.MarkVerified(ctx, "tx")
	require.NoError(t, err)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve(d("1")) == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 10, granted.Load())
	assert.True(t, l.VerifiedTotal().IsZero())
}

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]domain.ProfitEntry
	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]domain.ProfitEntry)}
}

func (s *fakeStore) Insert(_ context.Context, e domain.ProfitEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("db down")
	}
	if _, ok := s.rows[e.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.rows[e.ID] = e
	return nil
}

func (s *fakeStore) update(id string, fn func(*domain.ProfitEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("db down")
	}
	e, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if e.State != domain.EntryPending {
		return domain.ErrInvalidTransition
	}
	fn(&e)
	s.rows[id] = e
	return nil
}

func (s *fakeStore) MarkVerified(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(e *domain.ProfitEntry) {
		e.State = domain.EntryVerified
		e.VerifiedAt = &at
	})
}

func (s *fakeStore) MarkFailed(_ context.Context, id, reason string, _ time.Time) error {
	return s.update(id, func(e *domain.ProfitEntry) {
		e.State = domain.EntryFailed
		e.FailureReason = reason
	})
}

func (s *fakeStore) GetByID(_ context.Context, id string) (domain.ProfitEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return domain.ProfitEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) ListAll(_ context.Context) ([]domain.ProfitEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ProfitEntry, 0, len(s.rows))
	for _, e := range s.rows {
		out = append(out, e)
	}
	return out, nil
}

func TestStoreFailureLeavesLedgerUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	l := New(store, testLogger())

	_, err := l.RecordPending(ctx, "tx", d("2"))
	require.NoError(t, err)

	store.failing = true
	_, err = l.MarkVerified(ctx, "tx")
	require.Error(t, err)

	got, err := l.Get("tx")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryPending, got.State)
	assert.True(t, l.VerifiedTotal().IsZero())
	assert.True(t, l.PendingTotal().Equal(d("2")))

	_, err = l.RecordPending(ctx, "other", d("1"))
	require.Error(t, err)
	_, err = l.Get("other")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestoreRebuildsTotals(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	first := New(store, testLogger())
	_, err := first.RecordPending(ctx, "a", d("1"))
	require.NoError(t, err)
	_, err = first.RecordPending(ctx, "b", d("2"))
	require.NoError(t, err)
	_, err = first.MarkVerified(ctx, "b")
	require.NoError(t, err)

	second := New(store, testLogger())
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	second.SeedWithdrawals(d("0.5"), d("0.5"))

	snap := second.Snapshot()
	assert.True(t, snap.PendingTotal.Equal(d("1")))
	assert.True(t, snap.VerifiedTotal.Equal(d("1")))

	// Already journaled by another instance: adopt instead of duplicating.
	third := New(store, testLogger())
	e, err := third.RecordPending(ctx, "b", d("2"))
	require.NoError(t, err)
	assert.Equal(t, domain.EntryVerified, e.State)
	assert.True(t, third.VerifiedTotal().Equal(d("2")))
}
