package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"payday/auth"
	"payday/confirmation"
	"payday/escrow"
	"payday/gig"
	"payday/ledger"
	"payday/middleware"
	"payday/provider"
	"payday/recon"
	"payday/webhook"
)

// Config bundles the dependencies for constructing the HTTP server.
type Config struct {
	DB            *gorm.DB
	Ledger        *ledger.Store
	Escrow        *escrow.Engine
	Confirmations *confirmation.Machine
	Gigs          *gig.Registry
	Auth          *auth.Verifier
	Webhooks      *webhook.Verifier
	Recon         *recon.Reconciler
	RateLimits    map[string]middleware.RateLimit
	Logger        *slog.Logger
}

// Server is the HTTP surface over the ledger, escrow, and confirmation
// engines.
type Server struct {
	db            *gorm.DB
	ledger        *ledger.Store
	escrow        *escrow.Engine
	confirmations *confirmation.Machine
	gigs          *gig.Registry
	auth          *auth.Verifier
	webhooks      *webhook.Verifier
	recon         *recon.Reconciler
	limiter       *middleware.RateLimiter
	logger        *slog.Logger
	router        http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency,
// and rate limiting support.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:            cfg.DB,
		ledger:        cfg.Ledger,
		escrow:        cfg.Escrow,
		confirmations: cfg.Confirmations,
		gigs:          cfg.Gigs,
		auth:          cfg.Auth,
		webhooks:      cfg.Webhooks,
		recon:         cfg.Recon,
		limiter:       middleware.NewRateLimiter(cfg.RateLimits, logger),
		logger:        logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Post("/webhooks/provider/{name}", s.ProviderWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Authenticate)
		api.Use(middleware.Idempotency(s.db))

		api.Get("/wallet", s.GetWallet)
		api.Get("/wallet/transactions", s.ListTransactions)

		api.Get("/banks", s.ListBanks)
		api.Get("/banks/resolve", s.ResolveBankAccount)

		api.Group(func(money chi.Router) {
			money.Use(s.limiter.Middleware("money"))
			money.Post("/deposits", s.InitializeDeposit)
			money.Post("/deposits/{reference}/verify", s.VerifyDeposit)
			money.Post("/withdrawals", s.Withdraw)
			money.Get("/withdrawals/{reference}", s.VerifyWithdrawal)

			money.Post("/gigs/{id}/fund", s.FundGig)
			money.Post("/gigs/{id}/refund", s.RefundGig)
		})

		api.Get("/gigs/{id}/escrow", s.GetEscrow)
		api.Post("/gigs/{id}/completion", s.InitiateCompletion)
		api.Post("/gigs/{id}/completion/confirm", s.ConfirmCompletion)
		api.Get("/gigs/{id}/completion", s.GetCompletion)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.RequireRole(auth.RoleAdmin))
			admin.Post("/recon/run", s.RunReconciliation)
		})
	})

	return r
}

// Healthz reports liveness and database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetWallet returns the authenticated user's wallet, creating it on first
// touch.
func (s *Server) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	wallet, err := s.ledger.CreateWallet(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wallet)
}

// ListTransactions returns a page of the user's ledger history, newest
// first.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	transactions, total, err := s.ledger.History(r.Context(), userID, page, pageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"transactions": transactions,
		"total":        total,
		"page":         page,
		"page_size":    pageSize,
	})
}

// InitializeDeposit starts a provider checkout session for the wallet.
func (s *Server) InitializeDeposit(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		Amount int64  `json:"amount"`
		Email  string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	intent, err := s.escrow.InitializeDeposit(r.Context(), claims.UserID, req.Email, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, intent)
}

// VerifyDeposit settles a previously initialized deposit.
func (s *Server) VerifyDeposit(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	record, err := s.escrow.VerifyDeposit(r.Context(), userID, chi.URLParam(r, "reference"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// ListBanks proxies the provider's supported bank list.
func (s *Server) ListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.escrow.Banks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"banks": banks})
}

// ResolveBankAccount resolves the holder name behind an account number.
func (s *Server) ResolveBankAccount(w http.ResponseWriter, r *http.Request) {
	detail, err := s.escrow.ResolveAccount(r.Context(), r.URL.Query().Get("account_number"), r.URL.Query().Get("bank_code"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

// Withdraw pays wallet funds out to a bank account.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		Amount        int64  `json:"amount"`
		AccountNumber string `json:"account_number"`
		BankCode      string `json:"bank_code"`
		AccountName   string `json:"account_name"`
		Reason        string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	receipt, err := s.escrow.Withdraw(r.Context(), escrow.WithdrawalRequest{
		UserID:        userID,
		Amount:        req.Amount,
		AccountNumber: req.AccountNumber,
		BankCode:      req.BankCode,
		AccountName:   req.AccountName,
		Reason:        req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, receipt)
}

// VerifyWithdrawal reports the provider-side transfer state.
func (s *Server) VerifyWithdrawal(w http.ResponseWriter, r *http.Request) {
	result, err := s.escrow.VerifyWithdrawal(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// FundGig places the poster's hold for an assigned gig.
func (s *Server) FundGig(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	gigID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid gig id", http.StatusBadRequest)
		return
	}
	var req struct {
		Amount  int64      `json:"amount"`
		PayeeID *uuid.UUID `json:"payee_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	esc, err := s.escrow.Fund(r.Context(), gigID, userID, req.Amount, req.PayeeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, esc)
}

// RefundGig returns the full hold to the poster.
func (s *Server) RefundGig(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	gigID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid gig id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.escrow.Refund(r.Context(), gigID, userID, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

// GetEscrow returns the escrow record for a gig.
func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	gigID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid gig id", http.StatusBadRequest)
		return
	}
	esc, err := s.escrow.Status(r.Context(), gigID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, esc)
}

// InitiateCompletion opens the completion handshake for a gig.
func (s *Server) InitiateCompletion(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	gigID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid gig id", http.StatusBadRequest)
		return
	}
	record, err := s.confirmations.Initiate(r.Context(), gigID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// ConfirmCompletion records one party's confirmation and, when mutual,
// settles the escrow.
func (s *Server) ConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	gigID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid gig id", http.StatusBadRequest)
		return
	}
	result, err := s.confirmations.Confirm(r.Context(), gigID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// GetCompletion reports the confirmation state and available actions.
func (s *Server) GetCompletion(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	gigID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid gig id", http.StatusBadRequest)
		return
	}
	state, err := s.confirmations.Query(r.Context(), gigID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// RunReconciliation triggers an on-demand reconciliation sweep covering the
// past window_hours (default 24). Admin only.
func (s *Server) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	if s.recon == nil {
		http.Error(w, "reconciliation not configured", http.StatusServiceUnavailable)
		return
	}
	hours := queryInt(r, "window_hours", 24)
	end := time.Now()
	result, err := s.recon.Run(r.Context(), recon.RunOptions{
		Start: end.Add(-time.Duration(hours) * time.Hour),
		End:   end,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotParty), errors.Is(err, confirmation.ErrNotParty):
		status = http.StatusForbidden
	case errors.Is(err, gig.ErrGigNotFound),
		errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, confirmation.ErrNotInitiated):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrAlreadyFunded),
		errors.Is(err, escrow.ErrAlreadyProcessed),
		errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrPayeeNotAssigned),
		errors.Is(err, confirmation.ErrAlreadyProcessed),
		errors.Is(err, confirmation.ErrNotReady),
		errors.Is(err, gig.ErrTransitionDenied):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrDepositNotSettled):
		status = http.StatusPaymentRequired
	case errors.Is(err, provider.ErrProviderFailure), errors.Is(err, provider.ErrUnknownProvider):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", status)
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return def
	}
	return value
}
