package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// PolicyEngine reads and replaces the withdrawal policy.
type PolicyEngine interface {
	Current() domain.PolicyVersion
	UpdatePolicy(ctx context.Context, p domain.WithdrawalPolicy) (domain.PolicyVersion, error)
}

// PolicyHandler serves the withdrawal policy endpoints.
type PolicyHandler struct {
	engine PolicyEngine
	logger *slog.Logger
}

// NewPolicyHandler creates a PolicyHandler.
func NewPolicyHandler(engine PolicyEngine, logger *slog.Logger) *PolicyHandler {
	return &PolicyHandler{engine: engine, logger: logger}
}

type policyJSON struct {
	Version            int64           `json:"version"`
	Mode               string          `json:"mode"`
	Threshold          decimal.Decimal `json:"threshold"`
	WithdrawalFraction decimal.Decimal `json:"withdrawal_fraction"`
	MinAmount          decimal.Decimal `json:"min_amount"`
	MaxAmount          decimal.Decimal `json:"max_amount"`
	Destination        string          `json:"destination,omitempty"`
	Cooldown           string          `json:"cooldown"`
	DailyLimit         decimal.Decimal `json:"daily_limit"`
	UpdatedAt          string          `json:"updated_at"`
}

func toPolicyJSON(v domain.PolicyVersion) policyJSON {
	p := v.Policy
	return policyJSON{
		Version:            v.Version,
		Mode:               string(p.Mode),
		Threshold:          p.Threshold,
		WithdrawalFraction: p.WithdrawalFraction,
		MinAmount:          p.MinAmount,
		MaxAmount:          p.MaxAmount,
		Destination:        p.Destination,
		Cooldown:           p.Cooldown.String(),
		DailyLimit:         p.DailyLimit,
		UpdatedAt:          formatTime(&v.UpdatedAt),
	}
}

// policyPatch carries the fields a PUT may change. Absent fields keep their
// current value.
type policyPatch struct {
	Mode               *string          `json:"mode"`
	Threshold          *decimal.Decimal `json:"threshold"`
	WithdrawalFraction *decimal.Decimal `json:"withdrawal_fraction"`
	MinAmount          *decimal.Decimal `json:"min_amount"`
	MaxAmount          *decimal.Decimal `json:"max_amount"`
	Destination        *string          `json:"destination"`
	Cooldown           *string          `json:"cooldown"`
	DailyLimit         *decimal.Decimal `json:"daily_limit"`
}

func (pp policyPatch) apply(p domain.WithdrawalPolicy) (domain.WithdrawalPolicy, error) {
	if pp.Mode != nil {
		p.Mode = domain.WithdrawalMode(*pp.Mode)
	}
	if pp.Threshold != nil {
		p.Threshold = *pp.Threshold
	}
	if pp.WithdrawalFraction != nil {
		p.WithdrawalFraction = *pp.WithdrawalFraction
	}
	if pp.MinAmount != nil {
		p.MinAmount = *pp.MinAmount
	}
	if pp.MaxAmount != nil {
		p.MaxAmount = *pp.MaxAmount
	}
	if pp.Destination != nil {
		p.Destination = *pp.Destination
	}
	if pp.DailyLimit != nil {
		p.DailyLimit = *pp.DailyLimit
	}
	if pp.Cooldown != nil {
		d, err := time.ParseDuration(*pp.Cooldown)
		if err != nil {
			return p, err
		}
		p.Cooldown = d
	}
	return p, nil
}

// GetPolicy returns the active policy version.
// GET /api/policy
func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPolicyJSON(h.engine.Current()))
}

// UpdatePolicy merges the request over the active policy and installs the
// result as a new version.
// PUT /api/policy
func (h *PolicyHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var patch policyPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next, err := patch.apply(h.engine.Current().Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cooldown: "+err.Error())
		return
	}
	v, err := h.engine.UpdatePolicy(r.Context(), next)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to update policy")
		return
	}
	writeJSON(w, http.StatusOK, toPolicyJSON(v))
}
