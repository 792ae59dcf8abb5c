// migrations.go applies the embedded schema migrations.
// Each migration runs in its own transaction and is recorded in
// schema_migrations, so reruns are no-ops.

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, migration001Credits},
	{2, migration002Votes},
}

// RunMigrations creates the tracking table and applies pending migrations in order.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	conn.Release()
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := ExecMigrationSQL(ctx, pool, m.version, m.sql)
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if applied {
			log.Infof("Migration %d applied", m.version)
		}
	}
	return nil
}

// ExecMigrationSQL runs one migration in a transaction. If the statement
// fails the transaction is rolled back.
//
// Parameters:
//   - ctx: context
//   - pool: connection pool
//   - version: migration number recorded in schema_migrations
//   - sql: migration body
func ExecMigrationSQL(ctx context.Context, pool *pgxpool.Pool, version int, sql string) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check migration: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		return false, fmt.Errorf("failed to run migration %d: %w", version, err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)", version,
	); err != nil {
		return false, fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// The CHECK constraints restate the ledger invariants so that even a buggy
// caller cannot drive a balance negative.
var migration001Credits = `
CREATE TABLE IF NOT EXISTS user_credits (
    user_id VARCHAR(128) PRIMARY KEY,
    balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    total_earned BIGINT NOT NULL DEFAULT 0 CHECK (total_earned >= 0),
    total_spent BIGINT NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
    last_replenished_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT user_credits_balance_reconciles CHECK (balance = total_earned - total_spent)
);
CREATE INDEX IF NOT EXISTS idx_user_credits_last_replenished ON user_credits(last_replenished_at);
CREATE TABLE IF NOT EXISTS credit_transactions (
    id BIGSERIAL PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL REFERENCES user_credits(user_id),
    amount BIGINT NOT NULL,
    kind VARCHAR(32) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    reference_id VARCHAR(128),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_created_at ON credit_transactions(created_at DESC);
`

var migration002Votes = `
CREATE TABLE IF NOT EXISTS vote_records (
    id UUID PRIMARY KEY,
    issue_id VARCHAR(128) NOT NULL,
    user_id VARCHAR(128) NOT NULL REFERENCES user_credits(user_id),
    votes_cast BIGINT NOT NULL CHECK (votes_cast > 0),
    credits_spent BIGINT NOT NULL CHECK (credits_spent = votes_cast * votes_cast),
    is_private BOOLEAN NOT NULL DEFAULT FALSE,
    commitment TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_vote_records_issue ON vote_records(issue_id);
CREATE INDEX IF NOT EXISTS idx_vote_records_issue_user ON vote_records(issue_id, user_id);
CREATE TABLE IF NOT EXISTS issue_vote_stats (
    issue_id VARCHAR(128) PRIMARY KEY,
    weighted_votes BIGINT NOT NULL DEFAULT 0,
    voter_count BIGINT NOT NULL DEFAULT 0,
    total_credits BIGINT NOT NULL DEFAULT 0,
    urgency_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    record_count BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_issue_vote_stats_urgency ON issue_vote_stats(urgency_score DESC, weighted_votes DESC);
`
