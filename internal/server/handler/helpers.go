package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v and writes it with status. Marshal failures fall back
// to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidPolicy),
		errors.Is(err, domain.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrModeMismatch),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrHalted),
		errors.Is(err, domain.ErrCooldown),
		errors.Is(err, domain.ErrDailyLimit),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrStaleProposal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeServiceError reports err with its mapped status. Client errors carry
// the error text; server errors are logged and hidden behind msg.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, msg string) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		writeError(w, status, err.Error())
		return
	}
	logger.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	writeError(w, status, msg)
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts reads limit (default 50, max 500) and offset.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	offset := 0
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		offset = n
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// entryJSON is the wire form of a profit entry.
type entryJSON struct {
	ID              string          `json:"id"`
	SourceReference string          `json:"source_reference"`
	Amount          decimal.Decimal `json:"amount"`
	State           string          `json:"state"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	PollAttempts    int             `json:"poll_attempts"`
	CreatedAt       string          `json:"created_at"`
	VerifiedAt      string          `json:"verified_at,omitempty"`
	ResolvedAt      string          `json:"resolved_at,omitempty"`
}

func toEntryJSON(e domain.ProfitEntry) entryJSON {
	return entryJSON{
		ID:              e.ID,
		SourceReference: e.SourceReference,
		Amount:          e.Amount,
		State:           string(e.State),
		FailureReason:   e.FailureReason,
		PollAttempts:    e.PollAttempts,
		CreatedAt:       formatTime(&e.CreatedAt),
		VerifiedAt:      formatTime(e.VerifiedAt),
		ResolvedAt:      formatTime(e.ResolvedAt),
	}
}

// withdrawalJSON is the wire form of a withdrawal record.
type withdrawalJSON struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Destination   string          `json:"destination,omitempty"`
	Mode          string          `json:"mode"`
	Status        string          `json:"status"`
	TxHash        string          `json:"tx_hash,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	PolicyVersion int64           `json:"policy_version"`
	InitiatedAt   string          `json:"initiated_at"`
	ConfirmedAt   string          `json:"confirmed_at,omitempty"`
}

func toWithdrawalJSON(w domain.WithdrawalRecord) withdrawalJSON {
	return withdrawalJSON{
		ID:            w.ID,
		Amount:        w.Amount,
		Destination:   w.Destination,
		Mode:          string(w.Mode),
		Status:        string(w.Status),
		TxHash:        w.TxHash,
		Reason:        w.Reason,
		PolicyVersion: w.PolicyVersion,
		InitiatedAt:   formatTime(&w.InitiatedAt),
		ConfirmedAt:   formatTime(w.ConfirmedAt),
	}
}

// snapshotJSON is the wire form of a ledger snapshot.
type snapshotJSON struct {
	VerifiedTotal  decimal.Decimal `json:"verified_total"`
	PendingTotal   decimal.Decimal `json:"pending_total"`
	GrossVerified  decimal.Decimal `json:"gross_verified"`
	ReservedTotal  decimal.Decimal `json:"reserved_total"`
	WithdrawnTotal decimal.Decimal `json:"withdrawn_total"`
	PendingCount   int             `json:"pending_count"`
	VerifiedCount  int             `json:"verified_count"`
	FailedCount    int             `json:"failed_count"`
	TakenAt        string          `json:"taken_at"`
}

func toSnapshotJSON(s domain.LedgerSnapshot) snapshotJSON {
	return snapshotJSON{
		VerifiedTotal:  s.VerifiedTotal,
		PendingTotal:   s.PendingTotal,
		GrossVerified:  s.GrossVerified,
		ReservedTotal:  s.ReservedTotal,
		WithdrawnTotal: s.WithdrawnTotal,
		PendingCount:   s.PendingCount,
		VerifiedCount:  s.VerifiedCount,
		FailedCount:    s.FailedCount,
		TakenAt:        formatTime(&s.TakenAt),
	}
}
