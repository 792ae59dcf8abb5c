package sqlite

import (
	"context"
	"fmt"

	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/store"
)

func (q *queries) InsertVote(ctx context.Context, v *models.VoteRecord) error {
	if err := q.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("failed to record vote: %w", err)
	}
	return nil
}

func (q *queries) ListVotes(ctx context.Context, issueID string) ([]*models.VoteRecord, error) {
	var votes []*models.VoteRecord
	err := q.db.WithContext(ctx).
		Where("issue_id = ?", issueID).
		Order("created_at, id").
		Find(&votes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	return votes, nil
}

func (q *queries) SumUserVotes(ctx context.Context, issueID, userID string) (int64, error) {
	var sum int64
	err := q.db.WithContext(ctx).
		Model(&models.VoteRecord{}).
		Where("issue_id = ? AND user_id = ?", issueID, userID).
		Select("COALESCE(SUM(votes_cast), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum votes: %w", err)
	}
	return sum, nil
}

// SaveIssueStats is raw SQL because gorm's OnConflict clause cannot carry
// the WHERE guard on the update branch.
func (q *queries) SaveIssueStats(ctx context.Context, s *models.IssueVoteStats) (bool, error) {
	result := q.db.WithContext(ctx).Exec(`
		INSERT INTO issue_vote_stats
			(issue_id, weighted_votes, voter_count, total_credits, urgency_score, record_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (issue_id) DO UPDATE SET
			weighted_votes = excluded.weighted_votes,
			voter_count = excluded.voter_count,
			total_credits = excluded.total_credits,
			urgency_score = excluded.urgency_score,
			record_count = excluded.record_count,
			updated_at = excluded.updated_at
		WHERE excluded.record_count >= issue_vote_stats.record_count
	`, s.IssueID, s.WeightedVotes, s.VoterCount, s.TotalCredits, s.UrgencyScore, s.RecordCount, s.UpdatedAt.UTC())
	if result.Error != nil {
		return false, fmt.Errorf("failed to save issue stats: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (q *queries) GetIssueStats(ctx context.Context, issueID string) (*models.IssueVoteStats, error) {
	var s models.IssueVoteStats
	if err := q.db.WithContext(ctx).Where("issue_id = ?", issueID).First(&s).Error; err != nil {
		return nil, notFound(err, store.ErrNotFound)
	}
	return &s, nil
}

func (q *queries) ListIssueStats(ctx context.Context, limit int) ([]*models.IssueVoteStats, error) {
	var out []*models.IssueVoteStats
	err := q.db.WithContext(ctx).
		Order("urgency_score DESC, weighted_votes DESC, issue_id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list issue stats: %w", err)
	}
	return out, nil
}
