package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolkit/accountpool"
)

// fakePoolService scripts manager responses for handler tests.
type fakePoolService struct {
	running   bool
	accounts  map[string]accountpool.Account
	allocated accountpool.AllocationResult
	released  int
	marked    bool
	status    accountpool.PoolStatus
	statusErr error
	report    accountpool.TokenRefreshReport
	cooldown  time.Duration
}

func (f *fakePoolService) Running() bool { return f.running }

func (f *fakePoolService) Allocate(ctx context.Context, sessionID string, count int) (accountpool.AllocationResult, error) {
	return f.allocated, nil
}

func (f *fakePoolService) Release(ctx context.Context, sessionID string) (int, error) {
	return f.released, nil
}

func (f *fakePoolService) MarkQuotaExhausted(ctx context.Context, email string) (bool, error) {
	return f.marked, nil
}

func (f *fakePoolService) Status(ctx context.Context) (accountpool.PoolStatus, error) {
	return f.status, f.statusErr
}

func (f *fakePoolService) ManualReplenish(ctx context.Context, count int) (int, accountpool.ReplenishResult, error) {
	return 7, accountpool.ReplenishResult{Succeeded: count}, nil
}

func (f *fakePoolService) RefreshPool(ctx context.Context) (int, error) {
	return 5, nil
}

func (f *fakePoolService) RefreshTokens(ctx context.Context, email string, force bool) (accountpool.TokenRefreshReport, error) {
	if email != "" {
		if _, ok := f.accounts[email]; !ok {
			return accountpool.TokenRefreshReport{}, accountpool.ErrAccountNotFound
		}
	}
	return f.report, nil
}

func (f *fakePoolService) Account(ctx context.Context, email string) (accountpool.Account, error) {
	acct, ok := f.accounts[email]
	if !ok {
		return accountpool.Account{}, accountpool.ErrAccountNotFound
	}
	return acct, nil
}

func (f *fakePoolService) ExhaustedAccounts(ctx context.Context) ([]accountpool.Account, error) {
	var out []accountpool.Account
	for _, acct := range f.accounts {
		if acct.Status == accountpool.StatusQuotaExhausted {
			out = append(out, acct)
		}
	}
	return out, nil
}

func (f *fakePoolService) QuotaCooldown() time.Duration { return f.cooldown }

func newTestServer(t *testing.T, pool *fakePoolService) *httptest.Server {
	t.Helper()
	handler := NewHandler(pool, nil)
	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandler_Allocate(t *testing.T) {
	pool := &fakePoolService{
		running: true,
		allocated: accountpool.AllocationResult{
			Success:   true,
			SessionID: "session-1",
			Accounts:  []accountpool.Account{{Email: "a@example.com", Status: accountpool.StatusInUse}},
		},
	}
	server := newTestServer(t, pool)

	resp := postJSON(t, server.URL+"/api/accounts/allocate", `{"count":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[allocateResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "session-1", body.SessionID)
	require.Len(t, body.Accounts, 1)
	assert.Equal(t, "a@example.com", body.Accounts[0].Email)
}

func TestHandler_Allocate_Insufficient(t *testing.T) {
	pool := &fakePoolService{
		running:   true,
		allocated: accountpool.AllocationResult{Success: false, SessionID: "session-2"},
	}
	server := newTestServer(t, pool)

	resp := postJSON(t, server.URL+"/api/accounts/allocate", `{"count":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode,
		"an insufficient pool is a domain outcome, not an HTTP error")

	body := decode[allocateResponse](t, resp)
	assert.False(t, body.Success)
	assert.Empty(t, body.Accounts)
	assert.NotEmpty(t, body.Message)
}

func TestHandler_Allocate_NotRunning(t *testing.T) {
	server := newTestServer(t, &fakePoolService{running: false})

	resp := postJSON(t, server.URL+"/api/accounts/allocate", `{"count":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_Allocate_BadBody(t *testing.T) {
	server := newTestServer(t, &fakePoolService{running: true})

	resp := postJSON(t, server.URL+"/api/accounts/allocate", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_Release(t *testing.T) {
	pool := &fakePoolService{running: true, released: 2}
	server := newTestServer(t, pool)

	resp := postJSON(t, server.URL+"/api/accounts/release", `{"session_id":"session-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[simpleResponse](t, resp)
	assert.True(t, body.Success)
}

func TestHandler_Release_UnknownSession(t *testing.T) {
	pool := &fakePoolService{running: true, released: 0}
	server := newTestServer(t, pool)

	resp := postJSON(t, server.URL+"/api/accounts/release", `{"session_id":"ghost"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[simpleResponse](t, resp)
	assert.False(t, body.Success, "releasing an unknown session should report success=false")
}

func TestHandler_Release_MissingSessionID(t *testing.T) {
	server := newTestServer(t, &fakePoolService{running: true})

	resp := postJSON(t, server.URL+"/api/accounts/release", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_MarkQuotaExhausted(t *testing.T) {
	pool := &fakePoolService{running: true, marked: true}
	server := newTestServer(t, pool)

	resp := postJSON(t, server.URL+"/api/accounts/mark_quota_exhausted", `{"email":"a@example.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[simpleResponse](t, resp)
	assert.True(t, body.Success)

	resp = postJSON(t, server.URL+"/api/accounts/mark_quota_exhausted", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_Status(t *testing.T) {
	pool := &fakePoolService{
		running: true,
		status: accountpool.PoolStatus{
			Stats:          accountpool.PoolStats{Available: 3, InUse: 1},
			ActiveSessions: 1,
			Running:        true,
			MinPoolSize:    2,
			Health:         accountpool.HealthHealthy,
		},
	}
	server := newTestServer(t, pool)

	resp := getJSON(t, server.URL+"/api/accounts/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[statusResponse](t, resp)
	assert.Equal(t, 3, body.Stats.Available)
	assert.Equal(t, accountpool.HealthHealthy, body.Health)
	assert.False(t, body.Timestamp.IsZero())
}

func TestHandler_Status_StoreFault(t *testing.T) {
	pool := &fakePoolService{running: true, statusErr: errors.New("connection refused")}
	server := newTestServer(t, pool)

	resp := getJSON(t, server.URL+"/api/accounts/status")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode,
		"a store fault should surface as service unavailable")
}

func TestHandler_Health(t *testing.T) {
	pool := &fakePoolService{
		running: true,
		status:  accountpool.PoolStatus{Health: accountpool.HealthDegraded},
	}
	server := newTestServer(t, pool)

	resp := getJSON(t, server.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[healthResponse](t, resp)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, accountpool.HealthDegraded, body.PoolHealth)
}

func TestHandler_Health_NotRunning(t *testing.T) {
	server := newTestServer(t, &fakePoolService{running: false})

	resp := getJSON(t, server.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_RefreshTokens(t *testing.T) {
	pool := &fakePoolService{
		running:  true,
		accounts: map[string]accountpool.Account{"a@example.com": {Email: "a@example.com"}},
		report:   accountpool.TokenRefreshReport{Refreshed: 1},
	}
	server := newTestServer(t, pool)

	resp := postJSON(t, server.URL+"/api/accounts/refresh-tokens", `{"email":"a@example.com","force":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[refreshTokensResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Result.Refreshed)

	resp = postJSON(t, server.URL+"/api/accounts/refresh-tokens", `{"email":"ghost@example.com"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_ManualReplenish(t *testing.T) {
	server := newTestServer(t, &fakePoolService{running: true})

	resp := postJSON(t, server.URL+"/api/accounts/replenish", `{"count":3}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[replenishResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, 7, body.AvailableCount)
	assert.Equal(t, 3, body.Result.Succeeded)
}

func TestHandler_RefreshPool(t *testing.T) {
	server := newTestServer(t, &fakePoolService{running: true})

	resp := postJSON(t, server.URL+"/api/pool/refresh", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[poolRefreshResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, 5, body.AvailableCount)
}

func TestHandler_QuotaStatus(t *testing.T) {
	exhaustedAt := time.Now().UTC().Add(-24 * time.Hour)
	pool := &fakePoolService{
		running:  true,
		cooldown: 30 * 24 * time.Hour,
		accounts: map[string]accountpool.Account{
			"used-up@example.com": {
				Email:            "used-up@example.com",
				Status:           accountpool.StatusQuotaExhausted,
				QuotaExhaustedAt: exhaustedAt,
			},
			"fresh@example.com": {
				Email:  "fresh@example.com",
				Status: accountpool.StatusAvailable,
			},
		},
	}
	server := newTestServer(t, pool)

	resp := getJSON(t, server.URL+"/api/accounts/quota_status?email=used-up@example.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[quotaStatusResponse](t, resp)
	assert.True(t, body.IsExhausted)
	require.NotNil(t, body.ResetAt)
	assert.Equal(t, 28, body.DaysUntilReset)

	resp = getJSON(t, server.URL+"/api/accounts/quota_status?email=fresh@example.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode[quotaStatusResponse](t, resp)
	assert.False(t, body.IsExhausted)
	assert.Nil(t, body.ResetAt)

	resp = getJSON(t, server.URL+"/api/accounts/quota_status?email=ghost@example.com")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = getJSON(t, server.URL+"/api/accounts/quota_status")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_QuotaExhausted(t *testing.T) {
	pool := &fakePoolService{
		running:  true,
		cooldown: 30 * 24 * time.Hour,
		accounts: map[string]accountpool.Account{
			"used-up@example.com": {
				Email:            "used-up@example.com",
				Status:           accountpool.StatusQuotaExhausted,
				QuotaExhaustedAt: time.Now().UTC().Add(-time.Hour),
			},
		},
	}
	server := newTestServer(t, pool)

	resp := getJSON(t, server.URL+"/api/accounts/quota_exhausted")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[exhaustedAccountsResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Accounts, 1)
	assert.Equal(t, "used-up@example.com", body.Accounts[0].Email)
	assert.Equal(t, 29, body.Accounts[0].DaysUntilReset)
}

func TestHandler_AccountInfo(t *testing.T) {
	pool := &fakePoolService{
		running: true,
		accounts: map[string]accountpool.Account{
			"a@example.com": {Email: "a@example.com", LocalID: "uid-1", Status: accountpool.StatusAvailable},
		},
	}
	server := newTestServer(t, pool)

	resp := getJSON(t, server.URL+"/api/accounts/a@example.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[accountpool.Account](t, resp)
	assert.Equal(t, "uid-1", body.LocalID)

	resp = getJSON(t, server.URL+"/api/accounts/ghost@example.com")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
