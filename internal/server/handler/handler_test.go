package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/profitledger/internal/domain"
	"github.com/alanyoungcy/profitledger/internal/ledger"
	"github.com/alanyoungcy/profitledger/internal/policy"
	"github.com/alanyoungcy/profitledger/internal/service"
	"github.com/alanyoungcy/profitledger/internal/withdrawal"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testAPI struct {
	ledger *ledger.Ledger
	engine *policy.Engine
	svc    *withdrawal.Service
	polls  *fakePolls
	mux    *http.ServeMux
}

type fakePolls struct{ inflight map[string]bool }

func (f *fakePolls) Cancel(id string) bool {
	ok := f.inflight[id]
	delete(f.inflight, id)
	return ok
}

func newTestAPI(t *testing.T, verified int64) *testAPI {
	t.Helper()
	ctx := context.Background()
	l := ledger.New(nil, quietLogger())
	if verified > 0 {
		_, _, err := l.Record(ctx, "seed", decimal.NewFromInt(verified))
		require.NoError(t, err)
		_, err = l.MarkVerified(ctx, "seed")
		require.NoError(t, err)
	}
	eng, err := policy.NewEngine(domain.WithdrawalPolicy{
		Mode:               domain.ModeManual,
		Threshold:          decimal.NewFromInt(1),
		WithdrawalFraction: decimal.NewFromInt(1),
		MaxAmount:          decimal.NewFromInt(100),
	}, nil, quietLogger())
	require.NoError(t, err)
	svc := withdrawal.NewService(l, eng, withdrawal.Config{}, quietLogger())

	polls := &fakePolls{inflight: map[string]bool{}}
	lh := NewLedgerHandler(l, l, polls, quietLogger())
	ph := NewPolicyHandler(eng, quietLogger())
	wh := NewWithdrawalHandler(svc, quietLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ledger/summary", lh.Summary)
	mux.HandleFunc("GET /api/ledger/entries", lh.ListEntries)
	mux.HandleFunc("POST /api/ledger/entries", lh.RecordEntry)
	mux.HandleFunc("GET /api/ledger/entries/{id}", lh.GetEntry)
	mux.HandleFunc("POST /api/ledger/entries/{id}/cancel-poll", lh.CancelPoll)
	mux.HandleFunc("GET /api/policy", ph.GetPolicy)
	mux.HandleFunc("PUT /api/policy", ph.UpdatePolicy)
	mux.HandleFunc("GET /api/withdrawals", wh.ListWithdrawals)
	mux.HandleFunc("POST /api/withdrawals", wh.RequestManual)
	mux.HandleFunc("GET /api/withdrawals/proposal", wh.GetProposal)
	mux.HandleFunc("GET /api/withdrawals/{id}", wh.GetWithdrawal)
	mux.HandleFunc("POST /api/withdrawals/{id}/confirm", wh.ConfirmWithdrawal)
	mux.HandleFunc("POST /api/withdrawals/{id}/reject", wh.RejectWithdrawal)
	mux.HandleFunc("POST /api/withdrawals/halt", wh.Halt)
	mux.HandleFunc("POST /api/withdrawals/resume", wh.Resume)

	return &testAPI{ledger: l, engine: eng, svc: svc, polls: polls, mux: mux}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.ErrNotFound:          http.StatusNotFound,
		domain.ErrInvalidAmount:     http.StatusBadRequest,
		domain.ErrInvalidPolicy:     http.StatusBadRequest,
		domain.ErrInvalidReference:  http.StatusBadRequest,
		domain.ErrInvalidTransition: http.StatusConflict,
		domain.ErrModeMismatch:      http.StatusConflict,
		domain.ErrInsufficientFunds: http.StatusConflict,
		domain.ErrHalted:            http.StatusConflict,
		domain.ErrCooldown:          http.StatusConflict,
		domain.ErrDailyLimit:        http.StatusConflict,
		domain.ErrLockHeld:          http.StatusConflict,
		domain.ErrStaleProposal:     http.StatusConflict,
		errors.New("boom"):          http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}

func TestRecordEntryCreatesThenReplays(t *testing.T) {
	a := newTestAPI(t, 0)

	code, body := a.do(t, http.MethodPost, "/api/ledger/entries", `{"source_reference":"trade-1","amount":"2.5"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["created"])
	entry := body["entry"].(map[string]any)
	assert.Equal(t, "trade-1", entry["id"])
	assert.Equal(t, "2.5", entry["amount"])
	assert.Equal(t, "pending", entry["state"])

	code, body = a.do(t, http.MethodPost, "/api/ledger/entries", `{"source_reference":"trade-1","amount":"2.5"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["created"])

	code, _ = a.do(t, http.MethodPost, "/api/ledger/entries", `{"source_reference":"trade-2","amount":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPost, "/api/ledger/entries", `{"source_reference":"x","amount":"1","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(t, http.MethodGet, "/api/ledger/summary", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2.5", body["pending_total"])
	assert.Equal(t, "0", body["verified_total"])
}

func TestListAndGetEntries(t *testing.T) {
	a := newTestAPI(t, 10)
	_, _, err := a.ledger.Record(context.Background(), "open", decimal.NewFromInt(3))
	require.NoError(t, err)

	code, body := a.do(t, http.MethodGet, "/api/ledger/entries?state=verified", "")
	require.Equal(t, http.StatusOK, code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "seed", entries[0].(map[string]any)["id"])

	code, _ = a.do(t, http.MethodGet, "/api/ledger/entries?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(t, http.MethodGet, "/api/ledger/entries/open", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "3", body["amount"])

	code, _ = a.do(t, http.MethodGet, "/api/ledger/entries/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelPollLeavesEntryPending(t *testing.T) {
	a := newTestAPI(t, 0)
	_, _, err := a.ledger.Record(context.Background(), "slow", decimal.NewFromInt(2))
	require.NoError(t, err)
	a.polls.inflight["slow"] = true

	code, body := a.do(t, http.MethodPost, "/api/ledger/entries/slow/cancel-poll", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["cancelled"])
	assert.Equal(t, "pending", body["state"])

	code, body = a.do(t, http.MethodPost, "/api/ledger/entries/slow/cancel-poll", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["cancelled"])

	code, _ = a.do(t, http.MethodPost, "/api/ledger/entries/missing/cancel-poll", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUpdatePolicyMergesOverCurrent(t *testing.T) {
	a := newTestAPI(t, 0)

	code, body := a.do(t, http.MethodPut, "/api/policy", `{"threshold":"5","cooldown":"1h"}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["version"])
	assert.Equal(t, "5", body["threshold"])
	assert.Equal(t, "1h0m0s", body["cooldown"])
	assert.Equal(t, "manual", body["mode"])
	assert.Equal(t, "100", body["max_amount"])

	code, _ = a.do(t, http.MethodPut, "/api/policy", `{"withdrawal_fraction":"1.5"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = a.do(t, http.MethodPut, "/api/policy", `{"cooldown":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.EqualValues(t, 2, a.engine.Current().Version)

	code, body = a.do(t, http.MethodGet, "/api/policy", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["version"])
}

func TestManualWithdrawalLifecycle(t *testing.T) {
	a := newTestAPI(t, 10)

	code, body := a.do(t, http.MethodGet, "/api/withdrawals/proposal", "")
	require.Equal(t, http.StatusOK, code)
	prop := body["proposal"].(map[string]any)
	assert.Equal(t, false, prop["executable"])
	assert.Equal(t, "10", prop["amount"])

	code, body = a.do(t, http.MethodPost, "/api/withdrawals", `{"amount":"0"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "10", body["amount"])
	assert.Equal(t, "requested", body["status"])
	id := body["id"].(string)
	assert.True(t, a.ledger.Snapshot().VerifiedTotal.IsZero())

	code, body = a.do(t, http.MethodPost, "/api/withdrawals/"+id+"/confirm", `{"tx_hash":"0xabc"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, "0xabc", body["tx_hash"])

	code, _ = a.do(t, http.MethodPost, "/api/withdrawals/"+id+"/reject", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = a.do(t, http.MethodGet, "/api/withdrawals/"+id, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodGet, "/api/withdrawals/nope", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = a.do(t, http.MethodGet, "/api/withdrawals", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["withdrawals"].([]any), 1)
	assert.True(t, a.ledger.Snapshot().WithdrawnTotal.Equal(decimal.NewFromInt(10)))
}

func TestRejectReleasesReservation(t *testing.T) {
	a := newTestAPI(t, 10)

	code, body := a.do(t, http.MethodPost, "/api/withdrawals", `{"amount":"4"}`)
	require.Equal(t, http.StatusCreated, code)
	id := body["id"].(string)
	assert.True(t, a.ledger.Snapshot().VerifiedTotal.Equal(decimal.NewFromInt(6)))

	code, body = a.do(t, http.MethodPost, "/api/withdrawals/"+id+"/reject", `{"reason":"wrong wallet"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "wrong wallet", body["reason"])
	assert.True(t, a.ledger.Snapshot().VerifiedTotal.Equal(decimal.NewFromInt(10)))

	code, _ = a.do(t, http.MethodPost, "/api/withdrawals", `{"amount":"50"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestHaltBlocksManualRequests(t *testing.T) {
	a := newTestAPI(t, 10)

	code, body := a.do(t, http.MethodPost, "/api/withdrawals/halt", `{"reason":"audit"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["halted"])
	assert.Equal(t, "audit", body["reason"])

	code, body = a.do(t, http.MethodPost, "/api/withdrawals", `{"amount":"1"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "halted")

	code, body = a.do(t, http.MethodPost, "/api/withdrawals/resume", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["halted"])

	code, _ = a.do(t, http.MethodPost, "/api/withdrawals", `{"amount":"1"}`)
	assert.Equal(t, http.StatusCreated, code)
}

func TestAutoModeRefusesManualRequest(t *testing.T) {
	a := newTestAPI(t, 10)
	code, _ := a.do(t, http.MethodPut, "/api/policy", `{"mode":"auto"}`)
	require.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodPost, "/api/withdrawals", `{"amount":"1"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestHealthCheckReportsDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, quietLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Dependencies["postgres"])
	assert.Equal(t, "connection refused", body.Dependencies["redis"])

	rec = httptest.NewRecorder()
	NewHealthHandler(nil, quietLogger()).HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusSnapshot(t *testing.T) {
	a := newTestAPI(t, 0)
	a.svc.Halt(context.Background(), "maintenance")

	h := NewStatusHandler("full", "etherscan", time.Now().Add(-time.Minute), a.engine, a.svc)
	snap := h.Snapshot()
	assert.Equal(t, "full", snap["mode"])
	assert.Equal(t, "manual", snap["withdrawal_mode"])
	assert.Equal(t, true, snap["halted"])
	assert.Equal(t, "maintenance", snap["halt_reason"])
	assert.GreaterOrEqual(t, snap["uptime_seconds"].(int64), int64(59))
}

type fakeBalances struct {
	got string
}

func (f *fakeBalances) Balance(_ context.Context, address string) (decimal.Decimal, error) {
	f.got = address
	if address == "bad" {
		return decimal.Zero, fmt.Errorf("balance: %w", domain.ErrInvalidReference)
	}
	return decimal.RequireFromString("1.25"), nil
}

func TestWalletBalance(t *testing.T) {
	fb := &fakeBalances{}
	h := NewWalletHandler(fb, "0xwallet", quietLogger())

	rec := httptest.NewRecorder()
	h.GetBalance(rec, httptest.NewRequest(http.MethodGet, "/api/wallet/balance", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xwallet", fb.got)
	assert.JSONEq(t, `{"address":"0xwallet","balance":"1.25"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.GetBalance(rec, httptest.NewRequest(http.MethodGet, "/api/wallet/balance?address=bad", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	NewWalletHandler(fb, "", quietLogger()).GetBalance(rec, httptest.NewRequest(http.MethodGet, "/api/wallet/balance", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeCerts struct {
	issueErr error
}

func (f *fakeCerts) Issue(context.Context) (service.Certificate, error) {
	if f.issueErr != nil {
		return service.Certificate{}, f.issueErr
	}
	return service.Certificate{ID: "c-1", Status: service.CertificateValid}, nil
}

func (f *fakeCerts) List(context.Context) ([]domain.BlobInfo, error) {
	return []domain.BlobInfo{{Path: "certificates/2026/01/02/c-1.json", Size: 42}}, nil
}

func (f *fakeCerts) Get(_ context.Context, id string) (service.Certificate, error) {
	if id != "c-1" {
		return service.Certificate{}, domain.ErrNotFound
	}
	return service.Certificate{ID: id}, nil
}

func TestCertificateEndpoints(t *testing.T) {
	fc := &fakeCerts{}
	h := NewCertificateHandler(fc, quietLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/certificates", h.IssueCertificate)
	mux.HandleFunc("GET /api/certificates", h.ListCertificates)
	mux.HandleFunc("GET /api/certificates/{id}", h.GetCertificate)

	serve := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	rec := serve(http.MethodPost, "/api/certificates")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"certificate_status":"VALID"`)

	rec = serve(http.MethodGet, "/api/certificates")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "c-1.json")

	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/api/certificates/c-1").Code)
	assert.Equal(t, http.StatusNotFound, serve(http.MethodGet, "/api/certificates/c-2").Code)

	fc.issueErr = errors.New("s3 down")
	rec = serve(http.MethodPost, "/api/certificates")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3 down")
}
