package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/poolkit/accountpool"
)

// writeJSON marshals v to JSON and writes it with the given status code. If
// marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and
// message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, Timestamp: time.Now().UTC()})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type allocateRequest struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`
}

type allocateResponse struct {
	Success   bool                  `json:"success"`
	SessionID string                `json:"session_id"`
	Accounts  []accountpool.Account `json:"accounts"`
	Message   string                `json:"message,omitempty"`
}

type releaseRequest struct {
	SessionID string `json:"session_id"`
}

type markQuotaExhaustedRequest struct {
	Email string `json:"email"`
}

type refreshTokensRequest struct {
	Email string `json:"email"`
	Force bool   `json:"force"`
}

type refreshTokensResponse struct {
	Success bool                           `json:"success"`
	Result  accountpool.TokenRefreshReport `json:"result"`
}

type replenishRequest struct {
	Count int `json:"count"`
}

type replenishResponse struct {
	Success        bool                        `json:"success"`
	AvailableCount int                         `json:"available_count"`
	Result         accountpool.ReplenishResult `json:"result"`
}

type poolRefreshResponse struct {
	Success        bool `json:"success"`
	AvailableCount int  `json:"available_count"`
}

type statusResponse struct {
	accountpool.PoolStatus
	Timestamp time.Time `json:"timestamp"`
}

type healthResponse struct {
	Status     string             `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	PoolHealth accountpool.Health `json:"pool_health"`
}

// quotaStatusResponse reports one account's quota standing, including the
// projected reset when the account is exhausted.
type quotaStatusResponse struct {
	Email          string     `json:"email"`
	Status         string     `json:"status"`
	IsExhausted    bool       `json:"is_exhausted"`
	ExhaustedAt    *time.Time `json:"exhausted_at"`
	ResetAt        *time.Time `json:"reset_at"`
	DaysUntilReset int        `json:"days_until_reset"`
}

type exhaustedAccount struct {
	Email          string    `json:"email"`
	ExhaustedAt    time.Time `json:"exhausted_at"`
	ResetAt        time.Time `json:"reset_at"`
	DaysUntilReset int       `json:"days_until_reset"`
}

type exhaustedAccountsResponse struct {
	Success  bool               `json:"success"`
	Count    int                `json:"count"`
	Accounts []exhaustedAccount `json:"accounts"`
}

type simpleResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
