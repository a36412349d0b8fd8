package accountpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poolkit/accountpool/internal/tokenex"
)

// Token is the result of exchanging a refresh token.
// This is an alias for the internal token exchange result.
type Token = tokenex.Token

// TokenExchange derives access tokens from refresh tokens against the
// external identity provider.
type TokenExchange interface {
	Exchange(ctx context.Context, refreshToken string) (Token, error)
}

// Allocator is the subset of Manager operations the broker needs. It is
// satisfied by *Manager directly and by HTTP clients of the pool service.
type Allocator interface {
	Allocate(ctx context.Context, sessionID string, count int) (AllocationResult, error)
	Release(ctx context.Context, sessionID string) (int, error)
	MarkQuotaExhausted(ctx context.Context, email string) (bool, error)
}

// ErrLeaseUnavailable is returned by the broker when the pool cannot cover
// an allocation request.
var ErrLeaseUnavailable = errors.New("no accounts available for lease")

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	// Pool allocates and releases account leases. Required.
	Pool Allocator

	// Exchange derives bearer tokens from refresh tokens. Required.
	Exchange TokenExchange

	// AccountsPerRequest is the lease size requested per allocation.
	// Defaults to 1.
	AccountsPerRequest int

	// LeaseTTL bounds how long a cached lease is trusted before a fresh
	// allocation. Defaults to 30 minutes.
	LeaseTTL time.Duration

	Logger *slog.Logger
}

func (c *BrokerConfig) applyDefaults() {
	if c.AccountsPerRequest <= 0 {
		c.AccountsPerRequest = 1
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// lease is the broker's process-local cache of one allocation. It is a
// best-effort optimization only: the store remains the source of truth, so
// the lease is revalidated on every use and dropped whenever it looks stale.
type lease struct {
	sessionID   string
	accounts    []Account
	index       int
	accessToken string
	createdAt   time.Time
}

func (l *lease) current() Account {
	return l.accounts[l.index]
}

// Broker turns pool leases into usable bearer tokens for one process.
// It caches at most one active lease and rotates through the lease's
// accounts as their quotas run out, only allocating again once every
// account in the lease is exhausted.
//
// All methods are guarded by a single mutex, so at most one allocation is in
// flight per process; concurrent callers wait for and reuse its outcome.
type Broker struct {
	mu  sync.Mutex
	cfg BrokerConfig

	lease *lease
}

// NewBroker returns a Broker using cfg.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.Pool == nil {
		return nil, errors.New("pool cannot be nil")
	}
	if cfg.Exchange == nil {
		return nil, errors.New("exchange cannot be nil")
	}
	cfg.applyDefaults()
	return &Broker{cfg: cfg}, nil
}

// AcquireToken returns a bearer token for the target service, reusing the
// cached lease when it is still valid and allocating a fresh lease
// otherwise.
func (b *Broker) AcquireToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.leaseValid() {
		return b.lease.accessToken, nil
	}
	return b.acquireLocked(ctx)
}

// acquireLocked allocates a fresh lease and derives a token from its first
// account. Callers must hold b.mu.
func (b *Broker) acquireLocked(ctx context.Context) (string, error) {
	b.lease = nil

	res, err := b.cfg.Pool.Allocate(ctx, "", b.cfg.AccountsPerRequest)
	if err != nil {
		return "", fmt.Errorf("failed to allocate accounts: %w", err)
	}
	if !res.Success || len(res.Accounts) == 0 {
		return "", ErrLeaseUnavailable
	}

	token, err := b.tokenForAccount(ctx, res.Accounts[0])
	if err != nil {
		// The lease is held but unusable; give it back.
		if _, relErr := b.cfg.Pool.Release(ctx, res.SessionID); relErr != nil {
			b.cfg.Logger.Warn("failed to release unusable lease",
				"session_id", res.SessionID, "error", relErr)
		}
		return "", err
	}

	b.lease = &lease{
		sessionID:   res.SessionID,
		accounts:    res.Accounts,
		accessToken: token,
		createdAt:   time.Now(),
	}
	b.cfg.Logger.Info("acquired account lease",
		"session_id", res.SessionID, "accounts", len(res.Accounts))
	return token, nil
}

// OnQuotaExhausted reports the currently active account as exhausted and
// advances to the next account within the same lease. Only when every
// account in the lease has been exhausted does it allocate a fresh lease.
// It returns the next usable bearer token.
func (b *Broker) OnQuotaExhausted(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lease == nil {
		return b.acquireLocked(ctx)
	}

	exhausted := b.lease.current()
	if _, err := b.cfg.Pool.MarkQuotaExhausted(ctx, exhausted.Email); err != nil {
		b.cfg.Logger.Error("failed to mark quota exhausted",
			"email", exhausted.Email, "error", err)
	}

	// Advance within the lease, skipping accounts whose token derivation
	// fails.
	for b.lease.index+1 < len(b.lease.accounts) {
		b.lease.index++
		next := b.lease.current()
		token, err := b.tokenForAccount(ctx, next)
		if err != nil {
			b.cfg.Logger.Warn("failed to derive token for next account",
				"email", next.Email, "error", err)
			continue
		}
		b.lease.accessToken = token
		b.cfg.Logger.Info("rotated to next leased account",
			"email", next.Email,
			"position", fmt.Sprintf("%d/%d", b.lease.index+1, len(b.lease.accounts)),
		)
		return token, nil
	}

	// Lease exhausted: release it and start over.
	b.cfg.Logger.Warn("all leased accounts exhausted, allocating fresh lease",
		"session_id", b.lease.sessionID)
	if _, err := b.cfg.Pool.Release(ctx, b.lease.sessionID); err != nil {
		b.cfg.Logger.Warn("failed to release exhausted lease",
			"session_id", b.lease.sessionID, "error", err)
	}
	return b.acquireLocked(ctx)
}

// Release gives the held lease back to the pool and clears the local cache.
// It is a no-op without an active lease.
func (b *Broker) Release(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lease == nil {
		return nil
	}
	sessionID := b.lease.sessionID
	b.lease = nil

	if _, err := b.cfg.Pool.Release(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to release session %s: %w", sessionID, err)
	}
	b.cfg.Logger.Info("released account lease", "session_id", sessionID)
	return nil
}

// CurrentAccount returns the account backing the active lease, if any.
func (b *Broker) CurrentAccount() (Account, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lease == nil {
		return Account{}, false
	}
	return b.lease.current(), true
}

// leaseValid revalidates the cached lease: it must be young enough and its
// derived token must not be expired. Callers must hold b.mu.
func (b *Broker) leaseValid() bool {
	if b.lease == nil {
		return false
	}
	if time.Since(b.lease.createdAt) > b.cfg.LeaseTTL {
		return false
	}
	if b.lease.accessToken == "" {
		return false
	}
	return !tokenex.IsExpired(b.lease.accessToken, time.Minute)
}

// tokenForAccount derives a bearer token from the account's refresh token,
// falling back to the stored primary token when the exchange fails.
func (b *Broker) tokenForAccount(ctx context.Context, acct Account) (string, error) {
	if acct.RefreshToken != "" {
		token, err := b.cfg.Exchange.Exchange(ctx, acct.RefreshToken)
		if err == nil && token.AccessToken != "" {
			return token.AccessToken, nil
		}
		if err != nil {
			b.cfg.Logger.Warn("token exchange failed, falling back to primary token",
				"email", acct.Email, "error", err)
		}
	}
	if acct.IDToken != "" {
		return acct.IDToken, nil
	}
	return "", fmt.Errorf("account %s has no usable token", acct.Email)
}
