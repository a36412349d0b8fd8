// Package httpapi exposes the account pool manager over a REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/poolkit/accountpool"
)

// PoolService is the manager surface the REST façade needs. *accountpool.Manager
// satisfies it.
type PoolService interface {
	Running() bool
	Allocate(ctx context.Context, sessionID string, count int) (accountpool.AllocationResult, error)
	Release(ctx context.Context, sessionID string) (int, error)
	MarkQuotaExhausted(ctx context.Context, email string) (bool, error)
	Status(ctx context.Context) (accountpool.PoolStatus, error)
	ManualReplenish(ctx context.Context, count int) (int, accountpool.ReplenishResult, error)
	RefreshPool(ctx context.Context) (int, error)
	RefreshTokens(ctx context.Context, email string, force bool) (accountpool.TokenRefreshReport, error)
	Account(ctx context.Context, email string) (accountpool.Account, error)
	ExhaustedAccounts(ctx context.Context) ([]accountpool.Account, error)
	QuotaCooldown() time.Duration
}

// Handler serves the pool REST API.
type Handler struct {
	pool   PoolService
	logger *slog.Logger
}

// NewHandler creates a Handler backed by pool.
func NewHandler(pool PoolService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pool: pool, logger: logger}
}

// Router returns the chi router with all routes registered.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.With(h.requireRunning).Post("/allocate", h.Allocate)
			r.With(h.requireRunning).Post("/release", h.Release)
			r.Post("/mark_quota_exhausted", h.MarkQuotaExhausted)
			r.With(h.requireRunning).Post("/refresh-tokens", h.RefreshTokens)
			r.With(h.requireRunning).Post("/replenish", h.ManualReplenish)
			r.Get("/status", h.Status)
			r.Get("/quota_status", h.QuotaStatus)
			r.Get("/quota_exhausted", h.QuotaExhausted)
			r.Get("/{email}", h.AccountInfo)
		})
		r.With(h.requireRunning).Post("/pool/refresh", h.RefreshPool)
	})

	return r
}

// requireRunning rejects requests while the manager's background loop is not
// active.
func (h *Handler) requireRunning(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.pool.Running() {
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health reports liveness and the pool's health classification.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.pool.Running() {
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	status, err := h.pool.Status(r.Context())
	if err != nil {
		h.logger.Error("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		PoolHealth: status.Health,
	})
}

// Allocate leases accounts to a session. An insufficient pool is not an
// error: the response reports success=false with no accounts.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.pool.Allocate(r.Context(), req.SessionID, req.Count)
	if err != nil {
		h.logger.Error("allocation failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	resp := allocateResponse{
		Success:   result.Success,
		SessionID: result.SessionID,
		Accounts:  result.Accounts,
	}
	if resp.Accounts == nil {
		resp.Accounts = []accountpool.Account{}
	}
	if !result.Success {
		resp.Message = "insufficient accounts available"
	}
	writeJSON(w, http.StatusOK, resp)
}

// Release returns a session's accounts to the pool. Unknown sessions report
// success=false without an error status.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	released, err := h.pool.Release(r.Context(), req.SessionID)
	if err != nil {
		h.logger.Error("release failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	if released == 0 {
		writeJSON(w, http.StatusOK, simpleResponse{Success: false, Message: "no accounts held by session"})
		return
	}
	writeJSON(w, http.StatusOK, simpleResponse{Success: true})
}

// MarkQuotaExhausted retires an account whose allowance is depleted.
func (h *Handler) MarkQuotaExhausted(w http.ResponseWriter, r *http.Request) {
	var req markQuotaExhaustedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	ok, err := h.pool.MarkQuotaExhausted(r.Context(), req.Email)
	if err != nil {
		h.logger.Error("mark quota exhausted failed", "email", req.Email, "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	if !ok {
		writeJSON(w, http.StatusOK, simpleResponse{Success: false, Message: "account not found"})
		return
	}
	writeJSON(w, http.StatusOK, simpleResponse{Success: true})
}

// Status returns a point-in-time snapshot of the pool.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.pool.Status(r.Context())
	if err != nil {
		h.logger.Error("status query failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{PoolStatus: status, Timestamp: time.Now().UTC()})
}

// RefreshTokens refreshes one account's tokens or all stale ones.
func (h *Handler) RefreshTokens(w http.ResponseWriter, r *http.Request) {
	var req refreshTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report, err := h.pool.RefreshTokens(r.Context(), req.Email, req.Force)
	if err != nil {
		if errors.Is(err, accountpool.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.Error("token refresh failed", "email", req.Email, "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, refreshTokensResponse{
		Success: report.Refreshed > 0,
		Result:  report,
	})
}

// ManualReplenish runs one replenishment pass.
func (h *Handler) ManualReplenish(w http.ResponseWriter, r *http.Request) {
	var req replenishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	available, result, err := h.pool.ManualReplenish(r.Context(), req.Count)
	if err != nil {
		h.logger.Error("manual replenish failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, replenishResponse{
		Success:        true,
		AvailableCount: available,
		Result:         result,
	})
}

// RefreshPool runs a full maintenance cycle immediately.
func (h *Handler) RefreshPool(w http.ResponseWriter, r *http.Request) {
	available, err := h.pool.RefreshPool(r.Context())
	if err != nil {
		h.logger.Error("pool refresh failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, poolRefreshResponse{Success: true, AvailableCount: available})
}

// QuotaStatus reports one account's quota standing with its projected reset.
func (h *Handler) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	acct, err := h.pool.Account(r.Context(), email)
	if err != nil {
		if errors.Is(err, accountpool.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.Error("quota status query failed", "email", email, "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	resp := quotaStatusResponse{
		Email:  acct.Email,
		Status: string(acct.Status),
	}
	if acct.Status == accountpool.StatusQuotaExhausted && !acct.QuotaExhaustedAt.IsZero() {
		resetAt := acct.QuotaExhaustedAt.Add(h.pool.QuotaCooldown())
		exhaustedAt := acct.QuotaExhaustedAt
		resp.IsExhausted = true
		resp.ExhaustedAt = &exhaustedAt
		resp.ResetAt = &resetAt
		resp.DaysUntilReset = daysUntil(resetAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

// QuotaExhausted lists every exhausted account with its reset projection.
func (h *Handler) QuotaExhausted(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.pool.ExhaustedAccounts(r.Context())
	if err != nil {
		h.logger.Error("exhausted accounts query failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	cooldown := h.pool.QuotaCooldown()
	resp := exhaustedAccountsResponse{
		Success:  true,
		Count:    len(accounts),
		Accounts: make([]exhaustedAccount, 0, len(accounts)),
	}
	for _, acct := range accounts {
		resetAt := acct.QuotaExhaustedAt.Add(cooldown)
		resp.Accounts = append(resp.Accounts, exhaustedAccount{
			Email:          acct.Email,
			ExhaustedAt:    acct.QuotaExhaustedAt,
			ResetAt:        resetAt,
			DaysUntilReset: daysUntil(resetAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AccountInfo returns a single pooled account by email.
func (h *Handler) AccountInfo(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	acct, err := h.pool.Account(r.Context(), email)
	if err != nil {
		if errors.Is(err, accountpool.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.Error("account query failed", "email", email, "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func daysUntil(t time.Time) int {
	days := int(time.Until(t).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
