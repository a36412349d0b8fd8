package accountpool

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/poolkit/accountpool/internal/sqlc"
)

// Status is the lifecycle state of a pooled account.
type Status string

const (
	// StatusAvailable means the account is free for allocation.
	StatusAvailable Status = "available"
	// StatusInUse means the account is leased to a session.
	StatusInUse Status = "in_use"
	// StatusQuotaExhausted means the provider reported the account's usage
	// allowance as depleted. The account becomes available again once the
	// quota cooldown has elapsed.
	StatusQuotaExhausted Status = "quota_exhausted"
)

// Account is a pooled credential for the target external service.
type Account struct {
	Email        string `json:"email"`
	LocalID      string `json:"local_id"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	Status       Status `json:"status"`

	// SessionID is the owning session while the account is in use,
	// empty otherwise.
	SessionID string `json:"session_id,omitempty"`

	UseCount         int       `json:"use_count"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsed         time.Time `json:"last_used,omitzero"`
	LastRefreshTime  time.Time `json:"last_refresh_time,omitzero"`
	QuotaExhaustedAt time.Time `json:"quota_exhausted_at,omitzero"`
}

// PoolStats holds per-status account counts, computed on demand.
type PoolStats struct {
	Available      int `json:"available"`
	InUse          int `json:"in_use"`
	QuotaExhausted int `json:"quota_exhausted"`
}

// Total returns the number of accounts across all states.
func (s PoolStats) Total() int {
	return s.Available + s.InUse + s.QuotaExhausted
}

// Health classifies the pool's ability to serve allocations.
type Health string

const (
	// HealthHealthy means available >= the configured minimum pool size.
	HealthHealthy Health = "healthy"
	// HealthDegraded means some accounts are available but fewer than the
	// configured minimum.
	HealthDegraded Health = "degraded"
	// HealthCritical means no accounts are available.
	HealthCritical Health = "critical"
)

func accountFromRow(row sqlc.Account) Account {
	return Account{
		Email:            row.Email,
		LocalID:          row.LocalID,
		IDToken:          row.IDToken,
		RefreshToken:     row.RefreshToken,
		Status:           Status(row.Status),
		SessionID:        row.SessionID.String,
		UseCount:         int(row.UseCount),
		CreatedAt:        row.CreatedAt.Time,
		LastUsed:         row.LastUsed.Time,
		LastRefreshTime:  row.LastRefreshTime.Time,
		QuotaExhaustedAt: row.QuotaExhaustedAt.Time,
	}
}

func accountsFromRows(rows []sqlc.Account) []Account {
	accounts := make([]Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, accountFromRow(row))
	}
	return accounts
}

func pgText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
