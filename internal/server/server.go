// Package server exposes the ledger, policy and withdrawal controls over
// HTTP, plus a WebSocket feed of ledger events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/profitledger/internal/domain"
	"github.com/alanyoungcy/profitledger/internal/server/handler"
	"github.com/alanyoungcy/profitledger/internal/server/middleware"
	"github.com/alanyoungcy/profitledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	// Limiter enables per-client rate limiting when non-nil.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers. Certificates and Wallet may be nil
// when object storage or a balance source is not configured.
type Handlers struct {
	Health       *handler.HealthHandler
	Status       *handler.StatusHandler
	Ledger       *handler.LedgerHandler
	Policy       *handler.PolicyHandler
	Withdrawals  *handler.WithdrawalHandler
	Certificates *handler.CertificateHandler
	Wallet       *handler.WalletHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in auth, rate limiting,
// request logging and CORS, innermost first.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/ledger/summary", handlers.Ledger.Summary)
	mux.HandleFunc("GET /api/ledger/entries", handlers.Ledger.ListEntries)
	mux.HandleFunc("POST /api/ledger/entries", handlers.Ledger.RecordEntry)
	mux.HandleFunc("GET /api/ledger/entries/{id}", handlers.Ledger.GetEntry)
	mux.HandleFunc("POST /api/ledger/entries/{id}/cancel-poll", handlers.Ledger.CancelPoll)

	mux.HandleFunc("GET /api/policy", handlers.Policy.GetPolicy)
	mux.HandleFunc("PUT /api/policy", handlers.Policy.UpdatePolicy)

	mux.HandleFunc("GET /api/withdrawals", handlers.Withdrawals.ListWithdrawals)
	mux.HandleFunc("POST /api/withdrawals", handlers.Withdrawals.RequestManual)
	mux.HandleFunc("GET /api/withdrawals/proposal", handlers.Withdrawals.GetProposal)
	mux.HandleFunc("POST /api/withdrawals/halt", handlers.Withdrawals.Halt)
	mux.HandleFunc("POST /api/withdrawals/resume", handlers.Withdrawals.Resume)
	mux.HandleFunc("GET /api/withdrawals/{id}", handlers.Withdrawals.GetWithdrawal)
	mux.HandleFunc("POST /api/withdrawals/{id}/confirm", handlers.Withdrawals.ConfirmWithdrawal)
	mux.HandleFunc("POST /api/withdrawals/{id}/reject", handlers.Withdrawals.RejectWithdrawal)

	if handlers.Certificates != nil {
		mux.HandleFunc("POST /api/certificates", handlers.Certificates.IssueCertificate)
		mux.HandleFunc("GET /api/certificates", handlers.Certificates.ListCertificates)
		mux.HandleFunc("GET /api/certificates/{id}", handlers.Certificates.GetCertificate)
	}
	if handlers.Wallet != nil {
		mux.HandleFunc("GET /api/wallet/balance", handlers.Wallet.GetBalance)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
