package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// WithdrawalAPI is the withdrawal trigger as seen by operators.
type WithdrawalAPI interface {
	Proposal() (domain.WithdrawalProposal, bool)
	RequestManual(ctx context.Context, amount decimal.Decimal, destination string) (domain.WithdrawalRecord, error)
	Confirm(ctx context.Context, id, txHash string) (domain.WithdrawalRecord, error)
	Reject(ctx context.Context, id, reason string) (domain.WithdrawalRecord, error)
	Get(id string) (domain.WithdrawalRecord, error)
	List(opts domain.ListOpts) []domain.WithdrawalRecord
	Halt(ctx context.Context, reason string)
	Resume(ctx context.Context)
	Halted() bool
	HaltReason() string
}

// WithdrawalHandler serves the withdrawal endpoints.
type WithdrawalHandler struct {
	svc    WithdrawalAPI
	logger *slog.Logger
}

// NewWithdrawalHandler creates a WithdrawalHandler.
func NewWithdrawalHandler(svc WithdrawalAPI, logger *slog.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{svc: svc, logger: logger}
}

type proposalJSON struct {
	Mode          string          `json:"mode"`
	Amount        decimal.Decimal `json:"amount"`
	VerifiedTotal decimal.Decimal `json:"verified_total"`
	Excess        decimal.Decimal `json:"excess"`
	Executable    bool            `json:"executable"`
	PolicyVersion int64           `json:"policy_version"`
}

type proposalResponse struct {
	Proposal *proposalJSON `json:"proposal"`
	Halted   bool          `json:"halted"`
}

// GetProposal evaluates the active policy against the ledger. proposal is
// null when nothing exceeds the threshold.
// GET /api/withdrawals/proposal
func (h *WithdrawalHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	resp := proposalResponse{Halted: h.svc.Halted()}
	if p, ok := h.svc.Proposal(); ok {
		resp.Proposal = &proposalJSON{
			Mode:          string(p.Mode),
			Amount:        p.Amount,
			VerifiedTotal: p.VerifiedTotal,
			Excess:        p.Excess,
			Executable:    p.Executable,
			PolicyVersion: p.PolicyVersion,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type listWithdrawalsResponse struct {
	Withdrawals []withdrawalJSON `json:"withdrawals"`
}

// ListWithdrawals returns withdrawal records, newest first.
// GET /api/withdrawals?limit=50&offset=0
func (h *WithdrawalHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	recs := h.svc.List(parseListOpts(r))
	out := make([]withdrawalJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toWithdrawalJSON(rec))
	}
	writeJSON(w, http.StatusOK, listWithdrawalsResponse{Withdrawals: out})
}

// GetWithdrawal returns one record.
// GET /api/withdrawals/{id}
func (h *WithdrawalHandler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to load withdrawal")
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalJSON(rec))
}

type manualRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

// RequestManual opens a manual withdrawal. A zero amount withdraws the full
// verified total, capped by the policy maximum.
// POST /api/withdrawals
func (h *WithdrawalHandler) RequestManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.svc.RequestManual(r.Context(), req.Amount, req.Destination)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to request withdrawal")
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalJSON(rec))
}

type confirmRequest struct {
	TxHash string `json:"tx_hash"`
}

// ConfirmWithdrawal settles a requested withdrawal.
// POST /api/withdrawals/{id}/confirm
func (h *WithdrawalHandler) ConfirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	rec, err := h.svc.Confirm(r.Context(), r.PathValue("id"), req.TxHash)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to confirm withdrawal")
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalJSON(rec))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// RejectWithdrawal cancels a requested withdrawal and releases its
// reservation.
// POST /api/withdrawals/{id}/reject
func (h *WithdrawalHandler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "rejected by operator"
	}
	rec, err := h.svc.Reject(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to reject withdrawal")
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalJSON(rec))
}

type haltResponse struct {
	Halted bool   `json:"halted"`
	Reason string `json:"reason,omitempty"`
}

// Halt stops all new withdrawals until Resume.
// POST /api/withdrawals/halt
func (h *WithdrawalHandler) Halt(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "halted by operator"
	}
	h.svc.Halt(r.Context(), req.Reason)
	writeJSON(w, http.StatusOK, haltResponse{Halted: true, Reason: h.svc.HaltReason()})
}

// Resume lifts a halt.
// POST /api/withdrawals/resume
func (h *WithdrawalHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.svc.Resume(r.Context())
	writeJSON(w, http.StatusOK, haltResponse{Halted: h.svc.Halted()})
}
