// Package repository handles database connections and data access.
package repository

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetrovp/genforge/internal/config"
)

// migrationLockID guards the table-creation boot path so multiple
// instances can race safely.
const migrationLockID = 727274

// DB holds the database connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Connect establishes a connection to PostgreSQL using the provided database URL.
// The URL is normalized first: postgres:// prefixes are accepted and sslmode
// query parameters are stripped and translated into an explicit TLS decision.
func Connect(ctx context.Context, dbURL string) (*DB, error) {
	cleaned, sslRequired, err := config.NormalizeDatabaseURL(dbURL)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	if sslRequired {
		// Managed providers hand out certs that don't match the proxy
		// hostname; encryption matters here, endpoint identity does not.
		poolCfg.ConnConfig.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	} else {
		poolCfg.ConnConfig.TLSConfig = nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("db connected",
		slog.Int("max_conns", int(poolCfg.MaxConns)),
		slog.Bool("ssl", sslRequired),
	)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("db connection closed")
	}
}

// Health checks if the database connection is healthy.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist. A non-blocking advisory
// lock lets concurrently booting instances skip instead of colliding on DDL.
func (db *DB) Migrate(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", migrationLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	if !acquired {
		slog.Info("another instance is creating tables, skipping")
		return nil
	}
	defer func() {
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()

	for _, stmt := range schemaStatements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database tables created")
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		telegram_id BIGINT NOT NULL UNIQUE,
		username VARCHAR(255),
		first_name VARCHAR(255),
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		is_banned BOOLEAN NOT NULL DEFAULT FALSE,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		referral_code VARCHAR(32) NOT NULL UNIQUE,
		referred_by BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_users_telegram_id ON users (telegram_id)`,

	`CREATE TABLE IF NOT EXISTS generations (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL UNIQUE,
		user_id BIGINT NOT NULL REFERENCES users(id),
		tariff VARCHAR(32) NOT NULL DEFAULT 'nano_banana_pro',
		prompt TEXT,
		cost BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		amount_rub BIGINT NOT NULL,
		credits BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		provider_id VARCHAR(255) UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		paid_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS ix_payments_status_created ON payments (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS credit_ledger (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		amount BIGINT NOT NULL,
		reason VARCHAR(32) NOT NULL,
		reference_id VARCHAR(255),
		balance_after BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_credit_ledger_reason_reference UNIQUE (reason, reference_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_credit_ledger_user_created ON credit_ledger (user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS support_messages (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		ticket_id VARCHAR(16) NOT NULL UNIQUE,
		user_id BIGINT NOT NULL REFERENCES users(id),
		message_text TEXT NOT NULL,
		admin_reply TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		replied_at TIMESTAMPTZ
	)`,
}
