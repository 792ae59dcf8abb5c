// votes.go implements the vote_records and
// issue_vote_stats queries.

package postgres

import (
	"context"
	"fmt"

	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/store"
)

const statsColumns = `issue_id, weighted_votes, voter_count, total_credits, urgency_score, record_count, updated_at`

func (q *queries) InsertVote(ctx context.Context, v *models.VoteRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO vote_records (id, issue_id, user_id, votes_cast, credits_spent, is_private, commitment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, v.ID, v.IssueID, v.UserID, v.VotesCast, v.CreditsSpent, v.IsPrivate, v.Commitment, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record vote: %w", err)
	}
	return nil
}

func (q *queries) ListVotes(ctx context.Context, issueID string) ([]*models.VoteRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id::text, issue_id, user_id, votes_cast, credits_spent, is_private, commitment, created_at
		FROM vote_records
		WHERE issue_id = $1
		ORDER BY created_at, id
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var votes []*models.VoteRecord
	for rows.Next() {
		var v models.VoteRecord
		if err := rows.Scan(&v.ID, &v.IssueID, &v.UserID, &v.VotesCast, &v.CreditsSpent,
			&v.IsPrivate, &v.Commitment, &v.CreatedAt); err != nil {
			return nil, err
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}

func (q *queries) SumUserVotes(ctx context.Context, issueID, userID string) (int64, error) {
	var sum int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(votes_cast), 0) FROM vote_records
		WHERE issue_id = $1 AND user_id = $2
	`, issueID, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum votes: %w", err)
	}
	return sum, nil
}

// SaveIssueStats upserts unless the stored row saw more records than s.
func (q *queries) SaveIssueStats(ctx context.Context, s *models.IssueVoteStats) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO issue_vote_stats (`+statsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (issue_id) DO UPDATE SET
			weighted_votes = EXCLUDED.weighted_votes,
			voter_count = EXCLUDED.voter_count,
			total_credits = EXCLUDED.total_credits,
			urgency_score = EXCLUDED.urgency_score,
			record_count = EXCLUDED.record_count,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.record_count >= issue_vote_stats.record_count
	`, s.IssueID, s.WeightedVotes, s.VoterCount, s.TotalCredits, s.UrgencyScore, s.RecordCount, s.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save issue stats: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanStats(row rowScanner) (*models.IssueVoteStats, error) {
	var s models.IssueVoteStats
	err := row.Scan(&s.IssueID, &s.WeightedVotes, &s.VoterCount, &s.TotalCredits,
		&s.UrgencyScore, &s.RecordCount, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (q *queries) GetIssueStats(ctx context.Context, issueID string) (*models.IssueVoteStats, error) {
	s, err := scanStats(q.db.QueryRow(ctx,
		`SELECT `+statsColumns+` FROM issue_vote_stats WHERE issue_id = $1`, issueID))
	if err != nil {
		return nil, noRows(err, store.ErrNotFound)
	}
	return s, nil
}

func (q *queries) ListIssueStats(ctx context.Context, limit int) ([]*models.IssueVoteStats, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+statsColumns+` FROM issue_vote_stats
		ORDER BY urgency_score DESC, weighted_votes DESC, issue_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list issue stats: %w", err)
	}
	defer rows.Close()

	var out []*models.IssueVoteStats
	for rows.Next() {
		s, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
