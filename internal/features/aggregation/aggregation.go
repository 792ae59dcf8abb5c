// Package aggregation maintains the per-issue vote statistics cache.
// Stats are always recomputed from the full set of vote records, never
// patched incrementally, so concurrent recomputes converge.
//
// Private batches stay out of the public sums. Their total is only
// available through the aggregate reveal once the voting window closes.
package aggregation

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/notify"
	"serotonyl.ru/qvote/internal/store"
)

// DefaultRankLimit caps Ranked when the caller passes no limit.
const DefaultRankLimit = 50

// Compute derives stats for one issue from its vote records. Only public
// records feed the vote, credit and voter figures; RecordCount counts all
// of them so the stale-write guard sees private casts too.
func Compute(issueID string, records []*models.VoteRecord) models.IssueVoteStats {
	stats := models.IssueVoteStats{IssueID: issueID}
	voters := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.IsPrivate {
			continue
		}
		stats.WeightedVotes += r.VotesCast
		stats.TotalCredits += r.CreditsSpent
		voters[r.UserID] = struct{}{}
	}
	stats.VoterCount = int64(len(voters))
	stats.RecordCount = int64(len(records))
	stats.UrgencyScore = Urgency(stats.TotalCredits, stats.WeightedVotes)
	return stats
}

// Urgency is credits per vote: 1 when every vote came in a batch of one,
// rising with the intensity of the batches. 0 without votes.
func Urgency(totalCredits, weightedVotes int64) float64 {
	if weightedVotes == 0 {
		return 0
	}
	return float64(totalCredits) / float64(weightedVotes)
}

// Service reads and refreshes IssueVoteStats.
type Service struct {
	store store.Store
	bus   notify.Publisher
	now   func() time.Time
}

// NewService creates the aggregation service. bus may be nil.
func NewService(st store.Store, bus notify.Publisher) *Service {
	return &Service{
		store: st,
		bus:   bus,
		now:   common.Now,
	}
}

// Recompute rescans the issue's records and saves the result unless a
// fresher scan has already been saved. The returned stats are the stored
// row, which is the fresher one in that case.
func (s *Service) Recompute(ctx context.Context, issueID string) (*models.IssueVoteStats, error) {
	if issueID == "" {
		return nil, common.ErrInvalidIssue
	}
	records, err := s.store.ListVotes(ctx, issueID)
	if err != nil {
		return nil, common.StorageError("list votes", err)
	}
	stats := Compute(issueID, records)
	stats.UpdatedAt = s.now()

	saved, err := s.store.SaveIssueStats(ctx, &stats)
	if err != nil {
		return nil, common.StorageError("save issue stats", err)
	}
	if !saved {
		log.WithFields(log.Fields{
			"issue_id": issueID,
			"records":  stats.RecordCount,
		}).Debug("Skipped stale stats write")
		return s.GetStats(ctx, issueID)
	}

	s.publish(&stats)
	return &stats, nil
}

// GetStats returns the cached stats, or zero stats for an issue nobody
// has voted on.
func (s *Service) GetStats(ctx context.Context, issueID string) (*models.IssueVoteStats, error) {
	if issueID == "" {
		return nil, common.ErrInvalidIssue
	}
	stats, err := s.store.GetIssueStats(ctx, issueID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.IssueVoteStats{IssueID: issueID}, nil
	}
	if err != nil {
		return nil, common.StorageError("get issue stats", err)
	}
	return stats, nil
}

// Ranked lists issues by urgency, then weighted votes, then issue id.
func (s *Service) Ranked(ctx context.Context, limit int) ([]*models.IssueVoteStats, error) {
	if limit <= 0 || limit > 500 {
		limit = DefaultRankLimit
	}
	list, err := s.store.ListIssueStats(ctx, limit)
	if err != nil {
		return nil, common.StorageError("list issue stats", err)
	}
	return list, nil
}

func (s *Service) publish(stats *models.IssueVoteStats) {
	if s.bus == nil {
		return
	}
	snapshot := *stats
	topic := notify.VotesTopic(stats.IssueID)
	s.bus.PublishAsync(topic, notify.NewEvent(topic, snapshot))
	s.bus.PublishAsync(notify.TopicAllVotes, notify.NewEvent(notify.TopicAllVotes, snapshot))
}
