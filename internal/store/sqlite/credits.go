package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/store"
)

func (q *queries) CreateCredit(ctx context.Context, c *models.UserCredit) (bool, error) {
	result := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(c)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create credit row: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (q *queries) GetCredit(ctx context.Context, userID string) (*models.UserCredit, error) {
	var c models.UserCredit
	if err := q.db.WithContext(ctx).Where("user_id = ?", userID).First(&c).Error; err != nil {
		return nil, notFound(err, store.ErrNotFound)
	}
	return &c, nil
}

// update applies updates to the row matching cond and reloads it.
// Returns miss when the condition matched nothing.
func (q *queries) update(
	ctx context.Context,
	userID string,
	cond string,
	args []any,
	updates map[string]any,
	miss error,
) (*models.UserCredit, error) {
	result := q.db.WithContext(ctx).
		Model(&models.UserCredit{}).
		Where(cond, args...).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, miss
	}
	return q.GetCredit(ctx, userID)
}

func (q *queries) AddCredits(ctx context.Context, userID string, amount int64, at time.Time) (*models.UserCredit, error) {
	return q.update(ctx, userID,
		"user_id = ?", []any{userID},
		map[string]any{
			"balance":      gorm.Expr("balance + ?", amount),
			"total_earned": gorm.Expr("total_earned + ?", amount),
			"updated_at":   at.UTC(),
		},
		store.ErrNotFound,
	)
}

func (q *queries) SpendCredits(ctx context.Context, userID string, amount int64, at time.Time) (*models.UserCredit, error) {
	return q.update(ctx, userID,
		"user_id = ? AND balance >= ?", []any{userID, amount},
		map[string]any{
			"balance":     gorm.Expr("balance - ?", amount),
			"total_spent": gorm.Expr("total_spent + ?", amount),
			"updated_at":  at.UTC(),
		},
		store.ErrNoMatch,
	)
}

func (q *queries) ReplenishCredits(ctx context.Context, userID string, amount int64, dueBefore, at time.Time) (*models.UserCredit, error) {
	return q.update(ctx, userID,
		"user_id = ? AND last_replenished_at <= ?", []any{userID, dueBefore.UTC()},
		map[string]any{
			"balance":             gorm.Expr("balance + ?", amount),
			"total_earned":        gorm.Expr("total_earned + ?", amount),
			"last_replenished_at": at.UTC(),
			"updated_at":          at.UTC(),
		},
		store.ErrNoMatch,
	)
}

func (q *queries) ListCreditsDue(ctx context.Context, dueBefore time.Time, limit int) ([]string, error) {
	var ids []string
	err := q.db.WithContext(ctx).
		Model(&models.UserCredit{}).
		Where("last_replenished_at <= ?", dueBefore.UTC()).
		Order("last_replenished_at, user_id").
		Limit(limit).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due users: %w", err)
	}
	return ids, nil
}

func (q *queries) InsertTransaction(ctx context.Context, t *models.CreditTransaction) error {
	if err := q.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (q *queries) ListTransactions(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error) {
	var txs []*models.CreditTransaction
	err := q.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return txs, nil
}

func (q *queries) SumTransactions(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := q.db.WithContext(ctx).
		Model(&models.CreditTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}
