package accountpool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/poolkit/accountpool/internal/sqlc"
)

// Setup initializes the accounts table in the database.
// It uses PostgreSQL advisory locks to prevent concurrent setup attempts.
// If the table already exists, it does nothing.
// This function should be called once at application startup to ensure the
// schema is ready for use.
func Setup(ctx context.Context, db *pgxpool.Pool) error {
	// Use advisory lock to prevent concurrent schema creation
	// Lock ID 74021 is arbitrary but must be consistent across all processes
	const lockID int64 = 74021

	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		// Try to acquire exclusive advisory lock
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
			return fmt.Errorf("failed to acquire advisory lock: %w", err)
		}

		q := sqlc.New(tx)
		ok, err := q.DoesAccountsTableExist(ctx)
		if err != nil {
			return fmt.Errorf("failed to check if accounts table exists: %w", err)
		}
		if ok {
			return nil // Table already exists, no need to set up
		}
		if err := q.CreateTable(ctx); err != nil {
			return fmt.Errorf("failed to create accounts table: %w", err)
		}
		return nil
	})
}
