package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// PolicySource returns the active policy.
type PolicySource interface {
	Current() domain.PolicyVersion
}

// HaltState reports whether withdrawals are halted.
type HaltState interface {
	Halted() bool
	HaltReason() string
}

// StatusHandler serves process status for dashboards.
type StatusHandler struct {
	mode      string
	chain     string
	startedAt time.Time
	policy    PolicySource
	halt      HaltState
}

// NewStatusHandler creates a StatusHandler. chain names the confirmation
// backend.
func NewStatusHandler(mode, chain string, startedAt time.Time, policy PolicySource, halt HaltState) *StatusHandler {
	return &StatusHandler{mode: mode, chain: chain, startedAt: startedAt, policy: policy, halt: halt}
}

// Snapshot returns the status payload.
func (h *StatusHandler) Snapshot() map[string]any {
	pv := h.policy.Current()
	return map[string]any{
		"mode":            h.mode,
		"chain_provider":  h.chain,
		"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
		"policy_version":  pv.Version,
		"withdrawal_mode": string(pv.Policy.Mode),
		"halted":          h.halt.Halted(),
		"halt_reason":     h.halt.HaltReason(),
	}
}

// GetStatus responds with Snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}
