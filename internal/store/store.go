// Package store defines the persistence contract for the ledger and the
// voting engine. Backends: postgres (pgx, production) and sqlite (gorm,
// local runs and tests).
//
// Every balance-mutating query is a single conditional statement evaluated by
// the database, so the check and the write can never be split by a concurrent
// request for the same user.
package store

import (
	"context"
	"errors"
	"time"

	"serotonyl.ru/qvote/internal/models"
)

var (
	// ErrNotFound: the row does not exist
	ErrNotFound = errors.New("store: record not found")
	// ErrNoMatch: a conditional update matched no row
	ErrNoMatch = errors.New("store: no row matched condition")
)

// Queries is the set of operations available both on the store and inside a
// transaction.
type Queries interface {
	// CreateCredit inserts the row unless the user already has one.
	// Returns true when this call created it.
	CreateCredit(ctx context.Context, c *models.UserCredit) (bool, error)
	// GetCredit returns ErrNotFound for unknown users.
	GetCredit(ctx context.Context, userID string) (*models.UserCredit, error)
	// AddCredits adds amount to balance and total_earned.
	AddCredits(ctx context.Context, userID string, amount int64, at time.Time) (*models.UserCredit, error)
	// SpendCredits subtracts amount only if balance >= amount, else ErrNoMatch.
	SpendCredits(ctx context.Context, userID string, amount int64, at time.Time) (*models.UserCredit, error)
	// ReplenishCredits grants amount only if last_replenished_at <= dueBefore,
	// moving the timestamp to at. ErrNoMatch when not due.
	ReplenishCredits(ctx context.Context, userID string, amount int64, dueBefore, at time.Time) (*models.UserCredit, error)
	// ListCreditsDue returns up to limit users whose replenishment is due.
	ListCreditsDue(ctx context.Context, dueBefore time.Time, limit int) ([]string, error)

	InsertTransaction(ctx context.Context, t *models.CreditTransaction) error
	// ListTransactions returns the newest rows first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error)
	SumTransactions(ctx context.Context, userID string) (int64, error)

	InsertVote(ctx context.Context, v *models.VoteRecord) error
	// ListVotes returns every record for the issue, oldest first.
	ListVotes(ctx context.Context, issueID string) ([]*models.VoteRecord, error)
	// SumUserVotes returns the votes a user has cast on an issue so far.
	SumUserVotes(ctx context.Context, issueID, userID string) (int64, error)

	// SaveIssueStats upserts the row unless the stored one has a larger
	// RecordCount. Returns false when the write was skipped as stale.
	SaveIssueStats(ctx context.Context, s *models.IssueVoteStats) (bool, error)
	// GetIssueStats returns ErrNotFound when the issue has no votes yet.
	GetIssueStats(ctx context.Context, issueID string) (*models.IssueVoteStats, error)
	// ListIssueStats orders by urgency, then weighted votes, then issue id.
	ListIssueStats(ctx context.Context, limit int) ([]*models.IssueVoteStats, error)
}

// Store is a Queries bound to a connection pool plus transactions.
type Store interface {
	Queries
	// InTx runs fn in one transaction. It commits if fn returns nil and rolls
	// back otherwise.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}
