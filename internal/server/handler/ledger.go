package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// LedgerView is the read side of the profit ledger.
type LedgerView interface {
	Snapshot() domain.LedgerSnapshot
	List(f domain.EntryFilter) []domain.ProfitEntry
	Get(id string) (domain.ProfitEntry, error)
}

// ProfitRecorder records trade results as pending entries.
type ProfitRecorder interface {
	Record(ctx context.Context, ref string, amount decimal.Decimal) (domain.ProfitEntry, bool, error)
}

// PollCanceller aborts an in-flight confirmation poll.
type PollCanceller interface {
	Cancel(id string) bool
}

// LedgerHandler serves the profit ledger endpoints.
type LedgerHandler struct {
	ledger   LedgerView
	recorder ProfitRecorder
	polls    PollCanceller
	logger   *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler. polls may be nil when this
// process runs no confirmer.
func NewLedgerHandler(ledger LedgerView, recorder ProfitRecorder, polls PollCanceller, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, recorder: recorder, polls: polls, logger: logger}
}

// Summary returns the ledger aggregates.
// GET /api/ledger/summary
func (h *LedgerHandler) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSnapshotJSON(h.ledger.Snapshot()))
}

type listEntriesResponse struct {
	Entries []entryJSON `json:"entries"`
}

// ListEntries returns journal entries in recording order.
// GET /api/ledger/entries?state=pending&limit=50&offset=0
func (h *LedgerHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	state := domain.EntryState(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state "+string(state))
		return
	}
	opts := parseListOpts(r)
	entries := h.ledger.List(domain.EntryFilter{State: state, Limit: opts.Limit, Offset: opts.Offset})

	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, listEntriesResponse{Entries: out})
}

// GetEntry returns one entry by id.
// GET /api/ledger/entries/{id}
func (h *LedgerHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.ledger.Get(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to load entry")
		return
	}
	writeJSON(w, http.StatusOK, toEntryJSON(e))
}

// CancelPoll aborts the confirmation poll running for an entry. The entry
// stays pending and is polled again on the next sweep.
// POST /api/ledger/entries/{id}/cancel-poll
func (h *LedgerHandler) CancelPoll(w http.ResponseWriter, r *http.Request) {
	e, err := h.ledger.Get(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to load entry")
		return
	}
	cancelled := h.polls != nil && h.polls.Cancel(e.ID)
	if cancelled {
		h.logger.InfoContext(r.Context(), "confirmation poll cancelled", slog.String("id", e.ID))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        e.ID,
		"state":     e.State,
		"cancelled": cancelled,
	})
}

type recordRequest struct {
	SourceReference string          `json:"source_reference"`
	Amount          decimal.Decimal `json:"amount"`
}

type recordResponse struct {
	Entry   entryJSON `json:"entry"`
	Created bool      `json:"created"`
}

// RecordEntry records a trade result. Replaying a known reference returns
// the existing entry with 200; a new entry gets 201.
// POST /api/ledger/entries
func (h *LedgerHandler) RecordEntry(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, created, err := h.recorder.Record(r.Context(), req.SourceReference, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to record entry")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, recordResponse{Entry: toEntryJSON(e), Created: created})
}
