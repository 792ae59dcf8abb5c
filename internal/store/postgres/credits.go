// credits.go implements the user_credits and
// credit_transactions queries.

package postgres

import (
	"context"
	"fmt"
	"time"

	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/store"
)

const creditColumns = `user_id, balance, total_earned, total_spent, last_replenished_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredit(row rowScanner) (*models.UserCredit, error) {
	var c models.UserCredit
	err := row.Scan(
		&c.UserID, &c.Balance, &c.TotalEarned, &c.TotalSpent,
		&c.LastReplenishedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCredit inserts the row, leaving an existing one untouched.
func (q *queries) CreateCredit(ctx context.Context, c *models.UserCredit) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO user_credits (`+creditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO NOTHING
	`, c.UserID, c.Balance, c.TotalEarned, c.TotalSpent, c.LastReplenishedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create credit row: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) GetCredit(ctx context.Context, userID string) (*models.UserCredit, error) {
	c, err := scanCredit(q.db.QueryRow(ctx,
		`SELECT `+creditColumns+` FROM user_credits WHERE user_id = $1`, userID))
	if err != nil {
		return nil, noRows(err, store.ErrNotFound)
	}
	return c, nil
}

func (q *queries) AddCredits(ctx context.Context, userID string, amount int64, at time.Time) (*models.UserCredit, error) {
	c, err := scanCredit(q.db.QueryRow(ctx, `
		UPDATE user_credits
		SET balance = balance + $2, total_earned = total_earned + $2, updated_at = $3
		WHERE user_id = $1
		RETURNING `+creditColumns, userID, amount, at))
	if err != nil {
		return nil, noRows(err, store.ErrNotFound)
	}
	return c, nil
}

// SpendCredits checks and debits in one statement, so no row lock is needed.
func (q *queries) SpendCredits(ctx context.Context, userID string, amount int64, at time.Time) (*models.UserCredit, error) {
	c, err := scanCredit(q.db.QueryRow(ctx, `
		UPDATE user_credits
		SET balance = balance - $2, total_spent = total_spent + $2, updated_at = $3
		WHERE user_id = $1 AND balance >= $2
		RETURNING `+creditColumns, userID, amount, at))
	if err != nil {
		return nil, noRows(err, store.ErrNoMatch)
	}
	return c, nil
}

func (q *queries) ReplenishCredits(ctx context.Context, userID string, amount int64, dueBefore, at time.Time) (*models.UserCredit, error) {
	c, err := scanCredit(q.db.QueryRow(ctx, `
		UPDATE user_credits
		SET balance = balance + $2, total_earned = total_earned + $2,
		    last_replenished_at = $4, updated_at = $4
		WHERE user_id = $1 AND last_replenished_at <= $3
		RETURNING `+creditColumns, userID, amount, dueBefore, at))
	if err != nil {
		return nil, noRows(err, store.ErrNoMatch)
	}
	return c, nil
}

func (q *queries) ListCreditsDue(ctx context.Context, dueBefore time.Time, limit int) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT user_id FROM user_credits
		WHERE last_replenished_at <= $1
		ORDER BY last_replenished_at, user_id
		LIMIT $2
	`, dueBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *queries) InsertTransaction(ctx context.Context, t *models.CreditTransaction) error {
	err := q.db.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, amount, kind, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, t.UserID, t.Amount, string(t.Kind), t.Description, t.ReferenceID, t.CreatedAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (q *queries) ListTransactions(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, user_id, amount, kind, description, reference_id, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var txs []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var kind string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &kind, &t.Description, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = models.TransactionKind(kind)
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

func (q *queries) SumTransactions(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1`, userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}
