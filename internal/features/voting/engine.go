// Package voting casts quadratic votes. A batch of n votes costs n² credits;
// the debit, its ledger row and the vote record commit in one transaction.
package voting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/features/aggregation"
	"serotonyl.ru/qvote/internal/features/ledger"
	"serotonyl.ru/qvote/internal/features/privacy"
	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/store"
)

// CastRequest is one vote batch.
type CastRequest struct {
	UserID  string
	IssueID string
	Votes   int64
	Private bool
}

// VoteReceipt is returned for a successful batch.
type VoteReceipt struct {
	VoteID           string                 `json:"voteId"`
	IssueID          string                 `json:"issueId"`
	VotesCast        int64                  `json:"votesCast"`
	CreditsSpent     int64                  `json:"creditsSpent"`
	RemainingBalance int64                  `json:"remainingBalance"`
	Private          bool                   `json:"private"`
	Commitment       *privacy.Commitment    `json:"commitment,omitempty"`
	Stats            *models.IssueVoteStats `json:"stats,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// Quote is an affordability hint for one user on one issue.
type Quote struct {
	IssueID        string `json:"issueId"`
	Balance        int64  `json:"balance"`
	VotesSoFar     int64  `json:"votesSoFar"`
	MaxAffordable  int64  `json:"maxAffordable"`
	NextVoteCost   int64  `json:"nextVoteCost"`
	MarginalCost   int64  `json:"marginalCost"`
	PricedPerBatch bool   `json:"pricedPerBatch"`
}

// Engine is the voting engine.
type Engine struct {
	store   store.Store
	ledger  *ledger.Service
	agg     *aggregation.Service
	privacy *privacy.Service
	now     func() time.Time
	metrics *metrics
}

// NewEngine wires the engine. priv may be privacy.Disabled(); reg may be nil.
func NewEngine(
	st store.Store,
	led *ledger.Service,
	agg *aggregation.Service,
	priv *privacy.Service,
	reg prometheus.Registerer,
) *Engine {
	if priv == nil {
		priv = privacy.Disabled()
	}
	return &Engine{
		store:   st,
		ledger:  led,
		agg:     agg,
		privacy: priv,
		now:     common.Now,
		metrics: newMetrics(reg),
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = func() time.Time { return now().UTC().Truncate(time.Microsecond) }
}

// CastVote spends Cost(votes) and records the batch. On any error nothing
// was written.
func (e *Engine) CastVote(ctx context.Context, req CastRequest) (*VoteReceipt, error) {
	if req.Votes <= 0 {
		e.metrics.rejected.WithLabelValues("invalid_count").Inc()
		return nil, common.ErrInvalidVoteCount
	}
	if req.Votes > MaxVotesPerCast {
		e.metrics.rejected.WithLabelValues("count_too_large").Inc()
		return nil, common.ErrVoteCountTooLarge
	}
	if req.IssueID == "" {
		e.metrics.rejected.WithLabelValues("invalid_issue").Inc()
		return nil, common.ErrInvalidIssue
	}
	if req.UserID == "" {
		e.metrics.rejected.WithLabelValues("invalid_user").Inc()
		return nil, common.ErrInvalidUser
	}
	cost := Cost(req.Votes)

	if _, err := e.ledger.GetOrInitialize(ctx, req.UserID); err != nil {
		return nil, err
	}
	if _, _, err := e.ledger.MaybeReplenish(ctx, req.UserID); err != nil {
		return nil, err
	}

	// Encrypt before the transaction so a privacy failure leaves nothing to undo
	var commitment *privacy.Commitment
	if req.Private {
		var err error
		commitment, err = e.privacy.Commit(req.IssueID, req.UserID, req.Votes)
		if err != nil {
			e.metrics.rejected.WithLabelValues("privacy_unavailable").Inc()
			return nil, err
		}
	}

	record := &models.VoteRecord{
		ID:           uuid.NewString(),
		IssueID:      req.IssueID,
		UserID:       req.UserID,
		VotesCast:    req.Votes,
		CreditsSpent: cost,
		IsPrivate:    req.Private,
		CreatedAt:    e.now(),
	}
	if commitment != nil {
		record.Commitment = commitment.Encode()
	}

	var credit *models.UserCredit
	err := e.store.InTx(ctx, func(q store.Queries) error {
		var err error
		credit, err = e.ledger.SpendInTx(ctx, q, req.UserID, cost,
			fmt.Sprintf("%s on %s", common.FormatVotes(req.Votes), req.IssueID), &record.ID)
		if err != nil {
			return err
		}
		return q.InsertVote(ctx, record)
	})
	if err != nil {
		if errors.Is(err, common.ErrInsufficientCredit) {
			e.metrics.rejected.WithLabelValues("insufficient_credit").Inc()
			return nil, err
		}
		e.metrics.rejected.WithLabelValues("storage").Inc()
		return nil, common.StorageError("cast vote", err)
	}

	fields := log.Fields{
		"user_id":  req.UserID,
		"issue_id": req.IssueID,
		"private":  req.Private,
	}
	// a private count only leaves the ledger through the reveal
	if req.Private {
		e.metrics.privateBatches.Inc()
	} else {
		e.metrics.votes.Add(float64(req.Votes))
		e.metrics.credits.Add(float64(cost))
		fields["votes"], fields["cost"] = req.Votes, cost
	}
	log.WithFields(fields).Info("Vote cast")

	e.ledger.PublishBalance(credit)

	// The vote is committed; a failed refresh heals on the next recompute.
	stats, err := e.agg.Recompute(ctx, req.IssueID)
	if err != nil {
		log.WithError(err).WithField("issue_id", req.IssueID).Warn("Stats recompute failed")
	}

	return &VoteReceipt{
		VoteID:           record.ID,
		IssueID:          req.IssueID,
		VotesCast:        req.Votes,
		CreditsSpent:     cost,
		RemainingBalance: credit.Balance,
		Private:          req.Private,
		Commitment:       commitment,
		Stats:            stats,
		CreatedAt:        record.CreatedAt,
	}, nil
}

// Quote reports what the user can still afford. Batches are priced on their
// own count, so the next single vote always costs 1; MarginalCost is the
// price of one more vote had all votes so far been cast as one batch.
func (e *Engine) Quote(ctx context.Context, userID, issueID string) (*Quote, error) {
	if issueID == "" {
		return nil, common.ErrInvalidIssue
	}
	c, err := e.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	soFar, err := e.store.SumUserVotes(ctx, issueID, userID)
	if err != nil {
		return nil, common.StorageError("sum user votes", err)
	}
	return &Quote{
		IssueID:        issueID,
		Balance:        c.Balance,
		VotesSoFar:     soFar,
		MaxAffordable:  MaxAffordableVotes(c.Balance),
		NextVoteCost:   Cost(1),
		MarginalCost:   MarginalCost(soFar),
		PricedPerBatch: true,
	}, nil
}

// ListVotes returns the issue's records oldest first. Counts and credits of
// private records are hidden unless viewer cast them.
func (e *Engine) ListVotes(ctx context.Context, issueID, viewer string) ([]*models.VoteRecord, error) {
	if issueID == "" {
		return nil, common.ErrInvalidIssue
	}
	records, err := e.store.ListVotes(ctx, issueID)
	if err != nil {
		return nil, common.StorageError("list votes", err)
	}
	for _, r := range records {
		if r.IsPrivate && r.UserID != viewer {
			r.VotesCast = 0
			r.CreditsSpent = 0
		}
	}
	return records, nil
}

// RevealPrivate aggregates every private vote on the issue and opens the
// total. Fails with common.ErrWindowOpen before closesAt.
func (e *Engine) RevealPrivate(ctx context.Context, issueID string, closesAt time.Time) (*privacy.EncryptedAggregate, *privacy.Reveal, error) {
	if issueID == "" {
		return nil, nil, common.ErrInvalidIssue
	}
	if !e.privacy.Enabled() {
		return nil, nil, common.ErrPrivacyUnavailable
	}
	closesAt = closesAt.UTC().Truncate(time.Microsecond)
	now := e.now()
	if now.Before(closesAt) {
		return nil, nil, common.ErrWindowOpen
	}
	records, err := e.store.ListVotes(ctx, issueID)
	if err != nil {
		return nil, nil, common.StorageError("list votes", err)
	}
	var commitments []*privacy.Commitment
	for _, r := range records {
		if !r.IsPrivate || r.CreatedAt.After(closesAt) {
			continue
		}
		cm, err := privacy.DecodeCommitment(r.Commitment)
		if err != nil {
			return nil, nil, fmt.Errorf("vote %s: %w", r.ID, err)
		}
		commitments = append(commitments, cm)
	}
	agg, err := e.privacy.AggregateCommitments(issueID, commitments, closesAt)
	if err != nil {
		return nil, nil, err
	}
	reveal, err := e.privacy.RevealAggregate(ctx, agg, now)
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"issue_id": issueID,
		"total":    reveal.TotalVotes,
		"voters":   reveal.VoterCount,
	}).Info("Private votes revealed")
	return agg, reveal, nil
}

