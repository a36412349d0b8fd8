package accountpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/poolkit/accountpool/internal/sqlc"
)

var (
	// ErrDuplicateAccount is returned by Add when an account with the same
	// email already exists.
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrAccountNotFound is returned when no account matches the given email.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientAccounts is returned by Claim when fewer accounts are
	// available than requested. Allocation is all-or-nothing: the claim is
	// rolled back and no accounts change state.
	ErrInsufficientAccounts = errors.New("insufficient available accounts")
)

// Store provides durable, atomic state transitions for pooled accounts.
// All mutations go through single SQL statements or transactions, so
// concurrent callers observe the accounts table as if operations were
// serialized.
type Store struct {
	db *pgxpool.Pool
}

// NewStore returns a Store backed by the given connection pool.
// The pool's lifetime is managed by the caller.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Add inserts a freshly registered account in the available state.
// It returns ErrDuplicateAccount if the email is already present.
func (s *Store) Add(ctx context.Context, acct Account) error {
	status := acct.Status
	if status == "" {
		status = StatusAvailable
	}
	err := sqlc.New(s.db).AddAccount(ctx, sqlc.AddAccountParams{
		Email:        acct.Email,
		LocalID:      acct.LocalID,
		IDToken:      acct.IDToken,
		RefreshToken: acct.RefreshToken,
		Status:       sqlc.AccountStatus(status),
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, acct.Email)
		}
		return fmt.Errorf("failed to add account: %w", err)
	}
	return nil
}

// GetByEmail returns the account with the given email, or ErrAccountNotFound.
func (s *Store) GetByEmail(ctx context.Context, email string) (Account, error) {
	row, err := sqlc.New(s.db).GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, email)
		}
		return Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return accountFromRow(row), nil
}

// ListByStatus returns all accounts in the given state, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Account, error) {
	rows, err := sqlc.New(s.db).ListAccountsByStatus(ctx, sqlc.AccountStatus(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accountsFromRows(rows), nil
}

// Claim atomically transitions up to count available accounts to in_use,
// bound to sessionID, and returns exactly the transitioned rows. The claim
// runs in one transaction with FOR UPDATE SKIP LOCKED so concurrent claims
// never select the same row. If fewer than count accounts are available the
// transaction is rolled back and ErrInsufficientAccounts is returned.
func (s *Store) Claim(ctx context.Context, sessionID string, count int) ([]Account, error) {
	if sessionID == "" {
		return nil, errors.New("session id cannot be empty")
	}
	if count <= 0 {
		return nil, fmt.Errorf("claim count must be positive: given %d", count)
	}

	var claimed []Account
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := sqlc.New(tx).ClaimAccounts(ctx, sqlc.ClaimAccountsParams{
			SessionID:  pgText(sessionID),
			ClaimCount: int32(count),
		})
		if err != nil {
			return fmt.Errorf("failed to claim accounts: %w", err)
		}
		if len(rows) < count {
			// Returning an error aborts the transaction, so the partial
			// claim never becomes visible.
			return fmt.Errorf("%w: requested %d, available %d",
				ErrInsufficientAccounts, count, len(rows),
			)
		}
		claimed = accountsFromRows(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// AccountsBySession returns the in_use accounts currently bound to sessionID.
func (s *Store) AccountsBySession(ctx context.Context, sessionID string) ([]Account, error) {
	if sessionID == "" {
		return nil, nil
	}
	rows, err := sqlc.New(s.db).ListSessionAccounts(ctx, pgText(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list session accounts: %w", err)
	}
	return accountsFromRows(rows), nil
}

// ReleaseSession transitions every in_use account bound to sessionID back to
// available and clears the binding. It returns the number of accounts
// released; releasing an unknown or already-released session releases zero
// rows and is not an error.
func (s *Store) ReleaseSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, nil
	}
	affected, err := sqlc.New(s.db).ReleaseSessionAccounts(ctx, pgText(sessionID))
	if err != nil {
		return 0, fmt.Errorf("failed to release session: %w", err)
	}
	return int(affected), nil
}

// MarkQuotaExhausted transitions the account to quota_exhausted regardless of
// its current state, clears any session binding, and records the exhaustion
// time. It reports whether a row was updated.
//
// The update is unconditional on status while release only matches in_use
// rows, so when the two race for the same account quota_exhausted wins.
func (s *Store) MarkQuotaExhausted(ctx context.Context, email string, at time.Time) (bool, error) {
	affected, err := sqlc.New(s.db).MarkAccountQuotaExhausted(ctx, sqlc.MarkAccountQuotaExhaustedParams{
		ExhaustedAt: pgTime(at),
		Email:       email,
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark quota exhausted: %w", err)
	}
	return affected > 0, nil
}

// MarkStatus performs a guarded compare-and-set transition from one status to
// another, optionally binding a session. A mismatched expected state is a
// no-op, reported as false.
func (s *Store) MarkStatus(ctx context.Context, email string, from, to Status, sessionID string) (bool, error) {
	affected, err := sqlc.New(s.db).UpdateAccountStatus(ctx, sqlc.UpdateAccountStatusParams{
		ToStatus:   sqlc.AccountStatus(to),
		SessionID:  pgText(sessionID),
		Email:      email,
		FromStatus: sqlc.AccountStatus(from),
	})
	if err != nil {
		return false, fmt.Errorf("failed to update account status: %w", err)
	}
	return affected > 0, nil
}

// ReclaimExpired returns quota_exhausted accounts whose exhaustion time is
// before cutoff to the available state, and reports the reclaimed emails.
func (s *Store) ReclaimExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	emails, err := sqlc.New(s.db).ReclaimExpiredAccounts(ctx, pgTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim expired accounts: %w", err)
	}
	return emails, nil
}

// UpdateTokens replaces the account's tokens and stamps the refresh time.
// It reports whether the account exists.
func (s *Store) UpdateTokens(ctx context.Context, email, idToken, refreshToken string, at time.Time) (bool, error) {
	affected, err := sqlc.New(s.db).UpdateAccountTokens(ctx, sqlc.UpdateAccountTokensParams{
		IDToken:      idToken,
		RefreshToken: refreshToken,
		RefreshedAt:  pgTime(at),
		Email:        email,
	})
	if err != nil {
		return false, fmt.Errorf("failed to update tokens: %w", err)
	}
	return affected > 0, nil
}

// ListStaleTokens returns up to limit available or in_use accounts whose
// tokens have not been refreshed since olderThan, never-refreshed first.
func (s *Store) ListStaleTokens(ctx context.Context, olderThan time.Time, limit int) ([]Account, error) {
	rows, err := sqlc.New(s.db).ListStaleTokenAccounts(ctx, sqlc.ListStaleTokenAccountsParams{
		OlderThan: pgTime(olderThan),
		RowLimit:  int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale token accounts: %w", err)
	}
	return accountsFromRows(rows), nil
}

// ListExhausted returns all quota_exhausted accounts, most recently
// exhausted first.
func (s *Store) ListExhausted(ctx context.Context) ([]Account, error) {
	rows, err := sqlc.New(s.db).ListExhaustedAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted accounts: %w", err)
	}
	return accountsFromRows(rows), nil
}

// Stats returns per-status account counts.
func (s *Store) Stats(ctx context.Context) (PoolStats, error) {
	rows, err := sqlc.New(s.db).CountAccountsByStatus(ctx)
	if err != nil {
		return PoolStats{}, fmt.Errorf("failed to count accounts: %w", err)
	}
	var stats PoolStats
	for _, row := range rows {
		switch Status(row.Status) {
		case StatusAvailable:
			stats.Available = int(row.Count)
		case StatusInUse:
			stats.InUse = int(row.Count)
		case StatusQuotaExhausted:
			stats.QuotaExhausted = int(row.Count)
		}
	}
	return stats, nil
}

// CountAvailable returns the number of accounts free for allocation.
func (s *Store) CountAvailable(ctx context.Context) (int, error) {
	count, err := sqlc.New(s.db).CountAvailableAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count available accounts: %w", err)
	}
	return int(count), nil
}

// ActiveSessions returns the number of distinct sessions holding accounts.
func (s *Store) ActiveSessions(ctx context.Context) (int, error) {
	count, err := sqlc.New(s.db).CountActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return int(count), nil
}
