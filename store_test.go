package accountpool_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolkit/accountpool"
)

func TestStore_Add_Duplicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	acct := accountpool.Account{
		Email:        "dup@example.com",
		LocalID:      "uid-dup",
		IDToken:      "id-token",
		RefreshToken: "refresh-token",
	}
	require.NoError(t, store.Add(ctx, acct), "first insert should succeed")

	err := store.Add(ctx, acct)
	require.ErrorIs(t, err, accountpool.ErrDuplicateAccount,
		"second insert with same email should report a duplicate")
}

func TestStore_GetByEmail_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetByEmail(context.Background(), "missing@example.com")
	require.ErrorIs(t, err, accountpool.ErrAccountNotFound)
}

func TestStore_Claim(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedAccounts(t, store, "claim", 3)

	claimed, err := store.Claim(ctx, "session-1", 2)
	require.NoError(t, err, "claim should succeed with enough supply")
	require.Len(t, claimed, 2, "claim should return exactly the requested count")
	for _, acct := range claimed {
		assert.Equal(t, accountpool.StatusInUse, acct.Status)
		assert.Equal(t, "session-1", acct.SessionID)
		assert.Equal(t, 1, acct.UseCount, "claim should increment use_count")
		assert.False(t, acct.LastUsed.IsZero(), "claim should stamp last_used")
	}

	available, err := store.CountAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, available)

	inUse, err := store.ListByStatus(ctx, accountpool.StatusInUse)
	require.NoError(t, err)
	assert.Len(t, inUse, 2)
}

func TestStore_Claim_AllOrNothing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedAccounts(t, store, "short", 2)

	_, err := store.Claim(ctx, "session-short", 3)
	require.ErrorIs(t, err, accountpool.ErrInsufficientAccounts,
		"claiming more than available should fail")

	// The partial claim must have been rolled back.
	available, err := store.CountAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, available, "no accounts should change state on a failed claim")

	held, err := store.AccountsBySession(ctx, "session-short")
	require.NoError(t, err)
	assert.Empty(t, held, "failed claim should leave no session binding")
}

// TestStore_Claim_Exclusive runs more concurrent claims than there is supply
// and verifies no account is handed to two sessions.
func TestStore_Claim_Exclusive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedAccounts(t, store, "race", 5)

	const claimers = 8
	var (
		mu      sync.Mutex
		byEmail = make(map[string]string)
		wins    int
	)
	var wg sync.WaitGroup
	wg.Add(claimers)
	for i := 0; i < claimers; i++ {
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("racer-%d", i)
			claimed, err := store.Claim(ctx, session, 1)
			if err != nil {
				assert.ErrorIs(t, err, accountpool.ErrInsufficientAccounts)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			wins++
			for _, acct := range claimed {
				owner, seen := byEmail[acct.Email]
				assert.False(t, seen, "account %s claimed by both %s and %s", acct.Email, owner, session)
				byEmail[acct.Email] = session
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, wins, "exactly one claim per available account should succeed")
}

func TestStore_ReleaseSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedAccounts(t, store, "rel", 2)

	_, err := store.Claim(ctx, "session-rel", 2)
	require.NoError(t, err)

	released, err := store.ReleaseSession(ctx, "session-rel")
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	// Second release is a no-op, not an error.
	released, err = store.ReleaseSession(ctx, "session-rel")
	require.NoError(t, err)
	assert.Zero(t, released, "releasing an already-released session should release nothing")

	released, err = store.ReleaseSession(ctx, "never-existed")
	require.NoError(t, err)
	assert.Zero(t, released, "releasing an unknown session should release nothing")

	available, err := store.CountAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, available)
}

func TestStore_MarkQuotaExhausted_WinsOverRelease(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	emails := seedAccounts(t, store, "quota", 2)

	_, err := store.Claim(ctx, "session-q", 2)
	require.NoError(t, err)

	// Exhaust one account while the session still holds it.
	ok, err := store.MarkQuotaExhausted(ctx, emails[0], time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	// Release only returns the remaining in_use account; the exhausted one
	// keeps its state.
	released, err := store.ReleaseSession(ctx, "session-q")
	require.NoError(t, err)
	assert.Equal(t, 1, released, "release should not touch the exhausted account")

	acct, err := store.GetByEmail(ctx, emails[0])
	require.NoError(t, err)
	assert.Equal(t, accountpool.StatusQuotaExhausted, acct.Status)
	assert.Empty(t, acct.SessionID, "exhaustion should clear the session binding")
	assert.False(t, acct.QuotaExhaustedAt.IsZero())
}

func TestStore_MarkQuotaExhausted_UnknownAccount(t *testing.T) {
	store, _ := newTestStore(t)

	ok, err := store.MarkQuotaExhausted(context.Background(), "ghost@example.com", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok, "marking an unknown account should report false")
}

func TestStore_MarkStatus_GuardedTransition(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	emails := seedAccounts(t, store, "cas", 1)

	// Expected state matches: transition succeeds.
	ok, err := store.MarkStatus(ctx, emails[0], accountpool.StatusAvailable, accountpool.StatusInUse, "session-cas")
	require.NoError(t, err)
	assert.True(t, ok)

	// Expected state no longer matches: no-op.
	ok, err = store.MarkStatus(ctx, emails[0], accountpool.StatusAvailable, accountpool.StatusInUse, "session-other")
	require.NoError(t, err)
	assert.False(t, ok, "mismatched expected state should be a no-op")

	acct, err := store.GetByEmail(ctx, emails[0])
	require.NoError(t, err)
	assert.Equal(t, "session-cas", acct.SessionID, "the no-op must not overwrite the binding")
}

func TestStore_ReclaimExpired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	emails := seedAccounts(t, store, "reclaim", 2)

	now := time.Now().UTC()
	cooldown := 30 * 24 * time.Hour

	// One account rested past the cooldown, one still resting.
	ok, err := store.MarkQuotaExhausted(ctx, emails[0], now.Add(-cooldown-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkQuotaExhausted(ctx, emails[1], now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	reclaimed, err := store.ReclaimExpired(ctx, now.Add(-cooldown))
	require.NoError(t, err)
	require.Equal(t, []string{emails[0]}, reclaimed, "only the rested account should be reclaimed")

	acct, err := store.GetByEmail(ctx, emails[0])
	require.NoError(t, err)
	assert.Equal(t, accountpool.StatusAvailable, acct.Status)
	assert.True(t, acct.QuotaExhaustedAt.IsZero(), "reclaim should clear the exhaustion stamp")

	acct, err = store.GetByEmail(ctx, emails[1])
	require.NoError(t, err)
	assert.Equal(t, accountpool.StatusQuotaExhausted, acct.Status, "resting account should stay exhausted")
}

func TestStore_UpdateTokens(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	emails := seedAccounts(t, store, "tok", 1)

	at := time.Now().UTC()
	ok, err := store.UpdateTokens(ctx, emails[0], "new-id", "new-refresh", at)
	require.NoError(t, err)
	require.True(t, ok)

	acct, err := store.GetByEmail(ctx, emails[0])
	require.NoError(t, err)
	assert.Equal(t, "new-id", acct.IDToken)
	assert.Equal(t, "new-refresh", acct.RefreshToken)
	assert.WithinDuration(t, at, acct.LastRefreshTime, time.Second)

	ok, err = store.UpdateTokens(ctx, "ghost@example.com", "x", "y", at)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ListStaleTokens(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	emails := seedAccounts(t, store, "stale", 3)

	now := time.Now().UTC()
	// emails[0] refreshed just now, emails[1] an hour ago, emails[2] never.
	_, err := store.UpdateTokens(ctx, emails[0], "id", "rt", now)
	require.NoError(t, err)
	_, err = store.UpdateTokens(ctx, emails[1], "id", "rt", now.Add(-time.Hour))
	require.NoError(t, err)

	stale, err := store.ListStaleTokens(ctx, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, emails[2], stale[0].Email, "never-refreshed accounts should come first")
	assert.Equal(t, emails[1], stale[1].Email)
}

func TestStore_Stats(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	emails := seedAccounts(t, store, "stats", 4)

	_, err := store.Claim(ctx, "session-a", 1)
	require.NoError(t, err)
	_, err = store.Claim(ctx, "session-b", 1)
	require.NoError(t, err)
	_, err = store.MarkQuotaExhausted(ctx, emails[3], time.Now().UTC())
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	// Claims take the oldest accounts, so emails[3] was still available when
	// it was exhausted.
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, 1, stats.QuotaExhausted)
	assert.Equal(t, 4, stats.Total())

	sessions, err := store.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sessions)
}
