package internal

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/poolkit/accountpool/internal/sqlc"
)

// GetConnection returns a connection to the PostgreSQL database.
// The returned connection must have privileges to create the accounts table.
func GetConnection(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, GetConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database")
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// MustGetConnection returns a connection to the PostgreSQL database and panics
// if the connection cannot be established.
func MustGetConnection(ctx context.Context) *pgx.Conn {
	conn, err := GetConnection(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to get database connection: %v", err))
	}
	return conn
}

func MustGetConnectionWithCleanup(t *testing.T) *pgx.Conn {
	t.Helper()
	ctx := context.Background()
	conn := MustGetConnection(ctx)
	t.Cleanup(func() { _ = conn.Close(ctx) })
	return conn
}

// GetPool returns a connection pool to the PostgreSQL database.
func GetPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, GetConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// MustGetPoolWithCleanup returns a connection pool to the PostgreSQL database
// and automatically cleans it up when the test completes.
func MustGetPoolWithCleanup(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := GetPool(context.Background())
	if err != nil {
		t.Fatalf("failed to get connection pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// GetConnectionTo returns a connection to the named database, reusing the
// environment's connection parameters.
func GetConnectionTo(ctx context.Context, dbname string) (*pgx.Conn, error) {
	config, err := pgx.ParseConfig(GetConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	config.Database = dbname
	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database %s: %w", dbname, err)
	}
	return conn, nil
}

// MustGetConnectionWithCleanupTo is GetConnectionTo with test cleanup.
func MustGetConnectionWithCleanupTo(t *testing.T, dbname string) *pgx.Conn {
	t.Helper()
	conn, err := GetConnectionTo(context.Background(), dbname)
	if err != nil {
		t.Fatalf("failed to get database connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

// SetupTestDatabase recreates the named database with the accounts schema so
// a test package can run isolated from others sharing the same server.
func SetupTestDatabase(dbname string) error {
	ctx := context.Background()

	admin, err := GetConnection(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = admin.Close(ctx) }()

	if _, err := admin.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbname)); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", dbname, err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbname)); err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbname, err)
	}

	conn, err := GetConnectionTo(ctx, dbname)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	if err := sqlc.New(conn).CreateTable(ctx); err != nil {
		return fmt.Errorf("failed to create accounts table in %s: %w", dbname, err)
	}
	return nil
}

// MustTruncateAccounts empties the accounts table so each test starts from a
// clean pool.
func MustTruncateAccounts(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	if err := sqlc.New(pool).TruncateAccounts(context.Background()); err != nil {
		t.Fatalf("failed to truncate accounts table: %v", err)
	}
}

// GetConnString builds the connection string from standard PostgreSQL
// environment variables, DATABASE_URL taking precedence.
func GetConnString() string {
	if connStr := os.Getenv("DATABASE_URL"); connStr != "" {
		return connStr
	}

	host := GetEnvOrDefault("PGHOST", "localhost")
	port := GetEnvOrDefault("PGPORT", "5432")
	user := GetEnvOrDefault("PGUSER", "postgres")
	password := GetEnvOrDefault("PGPASSWORD", "postgres")
	database := GetEnvOrDefault("PGDATABASE", "postgres")

	if password != "" {
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			user, password, host, port, database,
		)
	}
	return fmt.Sprintf(
		"postgres://%s@%s:%s/%s?sslmode=disable",
		user, host, port, database,
	)
}

// GetEnvOrDefault retrieves an environment variable or returns a default value
// if the variable is not set.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
