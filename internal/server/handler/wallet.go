package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// WalletHandler reports on-chain balances.
type WalletHandler struct {
	balances domain.BalanceSource
	address  string
	logger   *slog.Logger
}

// NewWalletHandler creates a WalletHandler. address is the default wallet
// queried when the request names none; it may be empty.
func NewWalletHandler(balances domain.BalanceSource, address string, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{balances: balances, address: address, logger: logger}
}

// GetBalance returns the native balance of ?address=, or of the withdrawal
// wallet.
// GET /api/wallet/balance
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("address")
	if addr == "" {
		addr = h.address
	}
	if addr == "" {
		writeError(w, http.StatusBadRequest, "address query parameter required")
		return
	}
	bal, err := h.balances.Balance(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to fetch balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": addr,
		"balance": bal.String(),
	})
}
