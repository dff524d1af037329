package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/profitledger/internal/cache/redis"
	"github.com/alanyoungcy/profitledger/internal/domain"
	"github.com/alanyoungcy/profitledger/internal/events"
	"github.com/alanyoungcy/profitledger/internal/ledger"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func hash(b byte) string { return "0x" + strings.Repeat(string("0123456789abcdef"[b%16]), 64) }

type channelSink struct {
	mu  sync.Mutex
	got []string
}

func (s *channelSink) Broadcast(channel string, _ []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, channel)
}

func (s *channelSink) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fixture struct {
	ledger  *ledger.Ledger
	profits *ProfitService
	sink    *channelSink
	audit   *memAudit
}

func newFixture(strict bool) *fixture {
	l := ledger.New(nil, discard())
	sink := &channelSink{}
	pub := events.NewPublisher(nil, discard())
	pub.AddSink(sink)
	audit := &memAudit{}
	return &fixture{
		ledger:  l,
		profits: NewProfitService(l, audit, pub, strict, discard()),
		sink:    sink,
		audit:   audit,
	}
}

func TestRecordPublishesOnlyWhenCreated(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()

	_, created, err := f.profits.Record(ctx, "tx1", d("3"))
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = f.profits.Record(ctx, "tx1", d("3"))
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, []string{events.ProfitRecorded}, f.sink.channels())
	assert.Equal(t, []string{"profit.recorded"}, f.audit.events)
}

func TestStrictIntakeRequiresTxHash(t *testing.T) {
	f := newFixture(true)
	_, _, err := f.profits.Record(context.Background(), "tx1", d("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidReference)

	_, created, err := f.profits.Record(context.Background(), hash(1), d("1"))
	require.NoError(t, err)
	assert.True(t, created)
}

// scriptedPoller returns a fixed status per reference.
type scriptedPoller struct {
	mu      sync.Mutex
	results map[string]domain.ConfirmationStatus
	calls   map[string]int
}

func (p *scriptedPoller) PollStatus(_ context.Context, ref string) (domain.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[ref]++
	st, ok := p.results[ref]
	if !ok {
		st = domain.StatusPending
	}
	res := domain.PollResult{Reference: ref, Status: st, Attempts: 1}
	if st == domain.StatusFailed {
		res.Reason = "transaction reverted"
	}
	return res, nil
}

func TestConfirmerResolvesSettledEntries(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()
	for _, ref := range []string{"ok", "bad", "wait"} {
		_, _, err := f.profits.Record(ctx, ref, d("2"))
		require.NoError(t, err)
	}

	var verified atomic.Int32
	f.profits.OnVerified(func(context.Context, domain.ProfitEntry) { verified.Add(1) })

	poller := &scriptedPoller{results: map[string]domain.ConfirmationStatus{
		"ok":  domain.StatusConfirmed,
		"bad": domain.StatusFailed,
	}}
	NewConfirmer(f.profits, f.ledger, poller, time.Second, 2, discard()).Sweep(ctx)

	snap := f.ledger.Snapshot()
	assert.True(t, snap.VerifiedTotal.Equal(d("2")))
	assert.True(t, snap.PendingTotal.Equal(d("2")))
	assert.Equal(t, 1, snap.FailedCount)
	assert.EqualValues(t, 1, verified.Load())

	bad, err := f.ledger.Get("bad")
	require.NoError(t, err)
	assert.Equal(t, "transaction reverted", bad.FailureReason)

	wait, err := f.ledger.Get("wait")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryPending, wait.State)
	assert.Equal(t, 1, wait.PollAttempts)

	// Second sweep only revisits the entry that is still pending.
	NewConfirmer(f.profits, f.ledger, poller, time.Second, 2, discard()).Sweep(ctx)
	assert.Equal(t, 1, poller.calls["ok"])
	assert.Equal(t, 2, poller.calls["wait"])
}

type blockingPoller struct{ started chan struct{} }

func (p *blockingPoller) PollStatus(ctx context.Context, ref string) (domain.PollResult, error) {
	close(p.started)
	<-ctx.Done()
	return domain.PollResult{Reference: ref, Status: domain.StatusPending, Reason: "cancelled"}, ctx.Err()
}

func TestConfirmerCancelLeavesEntryPending(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()
	_, _, err := f.profits.Record(ctx, "slow", d("1"))
	require.NoError(t, err)

	p := &blockingPoller{started: make(chan struct{})}
	c := NewConfirmer(f.profits, f.ledger, p, time.Second, 1, discard())

	done := make(chan struct{})
	go func() {
		c.Sweep(ctx)
		close(done)
	}()

	<-p.started
	assert.True(t, c.Cancel("slow"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not return after cancel")
	}
	assert.False(t, c.Cancel("slow"))

	e, err := f.ledger.Get("slow")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryPending, e.State)
}

type countingWithdrawer struct {
	calls atomic.Int32
	err   error
}

func (w *countingWithdrawer) AutoWithdraw(context.Context) (*domain.WithdrawalRecord, error) {
	w.calls.Add(1)
	return nil, w.err
}

func TestWithdrawalMonitorRunsOnTrigger(t *testing.T) {
	w := &countingWithdrawer{}
	m := NewWithdrawalMonitor(w, time.Hour, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	m.Trigger()
	m.Trigger()
	require.Eventually(t, func() bool { return w.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	deferred := &countingWithdrawer{err: domain.ErrCooldown}
	NewWithdrawalMonitor(deferred, time.Hour, discard()).Evaluate(ctx)
	assert.EqualValues(t, 1, deferred.calls.Load())
}

type fakeSettler struct {
	inflight  []domain.WithdrawalRecord
	confirmed []string
	rejected  []string
}

func (s *fakeSettler) InFlight() []domain.WithdrawalRecord { return s.inflight }

func (s *fakeSettler) Confirm(_ context.Context, id, _ string) (domain.WithdrawalRecord, error) {
	s.confirmed = append(s.confirmed, id)
	return domain.WithdrawalRecord{ID: id}, nil
}

func (s *fakeSettler) Reject(_ context.Context, id, _ string) (domain.WithdrawalRecord, error) {
	s.rejected = append(s.rejected, id)
	return domain.WithdrawalRecord{ID: id}, nil
}

func TestWithdrawalTrackerSettlesByChainStatus(t *testing.T) {
	s := &fakeSettler{inflight: []domain.WithdrawalRecord{
		{ID: "w1", TxHash: hash(1)},
		{ID: "w2", TxHash: hash(2)},
		{ID: "w3", TxHash: hash(3)},
	}}
	poller := &scriptedPoller{results: map[string]domain.ConfirmationStatus{
		hash(1): domain.StatusConfirmed,
		hash(2): domain.StatusFailed,
	}}

	NewWithdrawalTracker(s, poller, time.Second, discard()).Sweep(context.Background())
	assert.Equal(t, []string{"w1"}, s.confirmed)
	assert.Equal(t, []string{"w2"}, s.rejected)
}

func TestIngestorRecordsStreamMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rc, err := redis.New(ctx, redis.ClientConfig{Addr: mr.Addr(), KeyPrefix: "pl"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	bus := redis.NewSignalBus(rc, 1000)

	for _, payload := range []string{
		`{"source_reference":"tx1","amount":"1.5"}`,
		`{"source_reference":"tx2","amount":2}`,
		`not json`,
		`{"source_reference":"tx3","amount":"-1"}`,
		`{"source_reference":"tx1","amount":"1.5"}`,
	} {
		require.NoError(t, bus.StreamAppend(ctx, "trade_results", []byte(payload)))
	}

	f := newFixture(false)
	in := NewIngestor(bus, f.profits, "trade_results", 10, discard())
	n, err := in.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = in.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	snap := f.ledger.Snapshot()
	assert.Equal(t, 2, snap.PendingCount)
	assert.True(t, snap.PendingTotal.Equal(d("3.5")))
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func TestCertificateWithoutVerifiedProfit(t *testing.T) {
	f := newFixture(false)
	_, _, err := f.profits.Record(context.Background(), "tx1", d("1"))
	require.NoError(t, err)

	blobs := &memBlobs{}
	c, err := NewCertificateService(f.ledger, blobs, blobs, "etherscan", discard()).Issue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CertificateNoVerified, c.Status)
	assert.Empty(t, c.Entries)
	assert.Equal(t, 1, c.TotalCount)
}

func TestCertificateTotalsMatchEntriesUnderConcurrentVerification(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()
	const n = 200
	for i := range n {
		_, _, err := f.profits.Record(ctx, fmt.Sprintf("tx-%03d", i), d("0.5"))
		require.NoError(t, err)
	}

	blobs := &memBlobs{}
	svc := NewCertificateService(f.ledger, blobs, blobs, "etherscan", discard())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range n {
			_, err := f.ledger.MarkVerified(ctx, fmt.Sprintf("tx-%03d", i))
			assert.NoError(t, err)
		}
	}()

	var certs []Certificate
	for range 25 {
		c, err := svc.Issue(ctx)
		require.NoError(t, err)
		certs = append(certs, c)
	}
	wg.Wait()

	for _, c := range certs {
		sum := decimal.Zero
		for _, e := range c.Entries {
			sum = sum.Add(e.Amount)
		}
		assert.True(t, sum.Equal(c.GrossVerified), "entries %s vs gross %s", sum, c.GrossVerified)
		assert.Equal(t, n, c.TotalCount)
	}
}

func TestCertificateIssueAndLoad(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()
	for _, ref := range []string{"a", "b", "c", "e"} {
		_, _, err := f.profits.Record(ctx, ref, d("1.25"))
		require.NoError(t, err)
	}
	_, err := f.profits.MarkVerified(ctx, "a")
	require.NoError(t, err)
	_, err = f.profits.MarkFailed(ctx, "b", "reverted")
	require.NoError(t, err)

	blobs := &memBlobs{}
	svc := NewCertificateService(f.ledger, blobs, blobs, "etherscan", discard())
	svc.now = func() time.Time { return time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC) }

	c, err := svc.Issue(ctx)
	require.NoError(t, err)
	assert.Equal(t, CertificateValid, c.Status)
	assert.Equal(t, 1, c.VerifiedCount)
	assert.Equal(t, "0.25", c.ValidationRate.String())
	assert.True(t, c.GrossVerified.Equal(d("1.25")))
	assert.True(t, strings.HasPrefix(c.Path, "certificates/2026/03/09/"))

	journal := blobs.objects[c.JournalPath]
	assert.Equal(t, 4, bytes.Count(journal, []byte("\n")))
	var first map[string]any
	require.NoError(t, json.Unmarshal(bytes.SplitN(journal, []byte("\n"), 2)[0], &first))
	assert.Equal(t, "verified", first["state"])

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	loaded, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, loaded.ID)
	assert.True(t, loaded.GrossVerified.Equal(d("1.25")))

	_, err = svc.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
