// Package storetest is a contract suite every store.Store backend must pass.
// Ids are random so the suite can run against a shared database.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/store"
)

// Run executes the suite against the store returned by open.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st store.Store)
	}{
		{"CreateCreditOnce", testCreateCreditOnce},
		{"ConditionalSpend", testConditionalSpend},
		{"Replenish", testReplenish},
		{"Transactions", testTransactions},
		{"Votes", testVotes},
		{"StatsGuard", testStatsGuard},
		{"RankOrder", testRankOrder},
		{"RollbackOnError", testRollback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func at() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newUser(t *testing.T, st store.Store, balance int64, replenished time.Time) string {
	t.Helper()
	userID := "user-" + uuid.NewString()
	now := at()
	created, err := st.CreateCredit(context.Background(), &models.UserCredit{
		UserID:            userID,
		Balance:           balance,
		TotalEarned:       balance,
		LastReplenishedAt: replenished,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	require.NoError(t, err)
	require.True(t, created)
	return userID
}

func testCreateCreditOnce(t *testing.T, st store.Store) {
	ctx := context.Background()
	userID := newUser(t, st, 100, at())

	again, err := st.CreateCredit(ctx, &models.UserCredit{
		UserID: userID, Balance: 5, TotalEarned: 5,
		LastReplenishedAt: at(), CreatedAt: at(), UpdatedAt: at(),
	})
	require.NoError(t, err)
	assert.False(t, again)

	c, err := st.GetCredit(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.Balance)
	assert.True(t, c.Consistent())

	_, err = st.GetCredit(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConditionalSpend(t *testing.T, st store.Store) {
	ctx := context.Background()
	userID := newUser(t, st, 50, at())

	_, err := st.SpendCredits(ctx, userID, 64, at())
	require.ErrorIs(t, err, store.ErrNoMatch)

	c, err := st.SpendCredits(ctx, userID, 49, at())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Balance)
	assert.Equal(t, int64(49), c.TotalSpent)

	c, err = st.AddCredits(ctx, userID, 10, at())
	require.NoError(t, err)
	assert.Equal(t, int64(11), c.Balance)
	assert.Equal(t, int64(60), c.TotalEarned)
	assert.True(t, c.Consistent())

	_, err = st.SpendCredits(ctx, "missing-"+uuid.NewString(), 1, at())
	assert.ErrorIs(t, err, store.ErrNoMatch)
}

func testReplenish(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := at()
	week := 7 * 24 * time.Hour
	stale := newUser(t, st, 0, now.Add(-2*week))
	fresh := newUser(t, st, 0, now)

	due, err := st.ListCreditsDue(ctx, now.Add(-week), 100000)
	require.NoError(t, err)
	assert.Contains(t, due, stale)
	assert.NotContains(t, due, fresh)

	c, err := st.ReplenishCredits(ctx, stale, 100, now.Add(-week), now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.Balance)
	assert.True(t, c.LastReplenishedAt.Equal(now))

	_, err = st.ReplenishCredits(ctx, stale, 100, now.Add(-week), now)
	assert.ErrorIs(t, err, store.ErrNoMatch)
	_, err = st.ReplenishCredits(ctx, fresh, 100, now.Add(-week), now)
	assert.ErrorIs(t, err, store.ErrNoMatch)
}

func testTransactions(t *testing.T, st store.Store) {
	ctx := context.Background()
	userID := newUser(t, st, 100, at())
	ref := "vote-1"

	base := at()
	rows := []*models.CreditTransaction{
		{UserID: userID, Amount: 100, Kind: models.KindMeritAward, Description: "Starting grant", CreatedAt: base},
		{UserID: userID, Amount: -25, Kind: models.KindVoteSpend, Description: "5 votes", ReferenceID: &ref, CreatedAt: base.Add(time.Second)},
	}
	for _, r := range rows {
		require.NoError(t, st.InsertTransaction(ctx, r))
	}

	list, err := st.ListTransactions(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(-25), list[0].Amount)
	require.NotNil(t, list[0].ReferenceID)
	assert.Equal(t, ref, *list[0].ReferenceID)
	assert.Nil(t, list[1].ReferenceID)

	list, err = st.ListTransactions(ctx, userID, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	sum, err := st.SumTransactions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(75), sum)

	sum, err = st.SumTransactions(ctx, "missing-"+uuid.NewString())
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func testVotes(t *testing.T, st store.Store) {
	ctx := context.Background()
	issueID := "issue-" + uuid.NewString()
	alice := newUser(t, st, 100, at())
	bob := newUser(t, st, 100, at())
	base := at()

	votes := []*models.VoteRecord{
		{ID: uuid.NewString(), IssueID: issueID, UserID: alice, VotesCast: 3, CreditsSpent: 9, CreatedAt: base},
		{ID: uuid.NewString(), IssueID: issueID, UserID: bob, VotesCast: 2, CreditsSpent: 4, IsPrivate: true, Commitment: "opaque", CreatedAt: base.Add(time.Second)},
		{ID: uuid.NewString(), IssueID: issueID, UserID: alice, VotesCast: 1, CreditsSpent: 1, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, v := range votes {
		require.NoError(t, st.InsertVote(ctx, v))
	}

	list, err := st.ListVotes(ctx, issueID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := range votes {
		assert.Equal(t, votes[i].ID, list[i].ID)
	}
	assert.True(t, list[1].IsPrivate)
	assert.Equal(t, "opaque", list[1].Commitment)
	assert.True(t, list[0].CreatedAt.Equal(base))

	n, err := st.SumUserVotes(ctx, issueID, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = st.SumUserVotes(ctx, issueID, "carol")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testStatsGuard(t *testing.T, st store.Store) {
	ctx := context.Background()
	issueID := "issue-" + uuid.NewString()

	_, err := st.GetIssueStats(ctx, issueID)
	require.ErrorIs(t, err, store.ErrNotFound)

	fresh := &models.IssueVoteStats{IssueID: issueID, WeightedVotes: 5, VoterCount: 2, TotalCredits: 13, UrgencyScore: 2.6, RecordCount: 2, UpdatedAt: at()}
	saved, err := st.SaveIssueStats(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, saved)

	stale := &models.IssueVoteStats{IssueID: issueID, WeightedVotes: 3, VoterCount: 1, TotalCredits: 9, UrgencyScore: 3, RecordCount: 1, UpdatedAt: at()}
	saved, err = st.SaveIssueStats(ctx, stale)
	require.NoError(t, err)
	assert.False(t, saved)

	got, err := st.GetIssueStats(ctx, issueID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.WeightedVotes)
	assert.Equal(t, int64(2), got.RecordCount)

	// an equal count rewrites the same data
	saved, err = st.SaveIssueStats(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, saved)
}

func testRankOrder(t *testing.T, st store.Store) {
	ctx := context.Background()
	prefix := "rank-" + uuid.NewString() + "-"
	rows := []*models.IssueVoteStats{
		{IssueID: prefix + "b", WeightedVotes: 10, UrgencyScore: 1e6, RecordCount: 1},
		{IssueID: prefix + "a", WeightedVotes: 10, UrgencyScore: 1e6, RecordCount: 1},
		{IssueID: prefix + "c", WeightedVotes: 20, UrgencyScore: 1e6, RecordCount: 1},
		{IssueID: prefix + "d", WeightedVotes: 50, UrgencyScore: 1e5, RecordCount: 1},
	}
	for _, r := range rows {
		r.UpdatedAt = at()
		_, err := st.SaveIssueStats(ctx, r)
		require.NoError(t, err)
	}

	ranked, err := st.ListIssueStats(ctx, 100000)
	require.NoError(t, err)
	var order []string
	for _, r := range ranked {
		if len(r.IssueID) > len(prefix) && r.IssueID[:len(prefix)] == prefix {
			order = append(order, r.IssueID[len(prefix):])
		}
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, order)
}

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	userID := newUser(t, st, 30, at())
	boom := errors.New("boom")

	err := st.InTx(ctx, func(q store.Queries) error {
		if _, err := q.SpendCredits(ctx, userID, 20, at()); err != nil {
			return err
		}
		if err := q.InsertTransaction(ctx, &models.CreditTransaction{
			UserID: userID, Amount: -20, Kind: models.KindVoteSpend, CreatedAt: at(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := st.GetCredit(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), c.Balance)

	sum, err := st.SumTransactions(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, sum)
}
