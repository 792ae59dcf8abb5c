package aggregation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/features/aggregation"
	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/notify"
	"serotonyl.ru/qvote/internal/store/sqlite"
)

func vote(issue, user string, n int64) *models.VoteRecord {
	return &models.VoteRecord{
		ID:           uuid.NewString(),
		IssueID:      issue,
		UserID:       user,
		VotesCast:    n,
		CreditsSpent: n * n,
		CreatedAt:    common.Now(),
	}
}

func secret(v *models.VoteRecord) *models.VoteRecord {
	v.IsPrivate = true
	v.Commitment = "opaque"
	return v
}

func TestCompute(t *testing.T) {
	testCases := []struct {
		name    string
		records []*models.VoteRecord
		want    models.IssueVoteStats
	}{
		{
			name: "no votes",
			want: models.IssueVoteStats{IssueID: "i"},
		},
		{
			name:    "single batch",
			records: []*models.VoteRecord{vote("i", "a", 5)},
			want: models.IssueVoteStats{
				IssueID: "i", WeightedVotes: 5, VoterCount: 1, TotalCredits: 25,
				UrgencyScore: 5, RecordCount: 1,
			},
		},
		{
			name: "repeat voter counted once",
			records: []*models.VoteRecord{
				vote("i", "a", 2), vote("i", "a", 2), vote("i", "b", 1),
			},
			want: models.IssueVoteStats{
				IssueID: "i", WeightedVotes: 5, VoterCount: 2, TotalCredits: 9,
				UrgencyScore: 1.8, RecordCount: 3,
			},
		},
		{
			name: "private batches stay out of the sums",
			records: []*models.VoteRecord{
				vote("i", "alice", 2), secret(vote("i", "bob", 7)),
			},
			want: models.IssueVoteStats{
				IssueID: "i", WeightedVotes: 2, VoterCount: 1, TotalCredits: 4,
				UrgencyScore: 2, RecordCount: 2,
			},
		},
		{
			name:    "only private batches",
			records: []*models.VoteRecord{secret(vote("i", "bob", 3))},
			want:    models.IssueVoteStats{IssueID: "i", RecordCount: 1},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := aggregation.Compute("i", tc.records)
			assert.Equal(t, tc.want.WeightedVotes, got.WeightedVotes)
			assert.Equal(t, tc.want.VoterCount, got.VoterCount)
			assert.Equal(t, tc.want.TotalCredits, got.TotalCredits)
			assert.InDelta(t, tc.want.UrgencyScore, got.UrgencyScore, 1e-9)
			assert.Equal(t, tc.want.RecordCount, got.RecordCount)
		})
	}
}

func TestUrgencyDifferentiatesIntensity(t *testing.T) {
	var intense, casual []*models.VoteRecord
	for i := range 5 {
		intense = append(intense, vote("A", fmt.Sprintf("u%d", i), 10))
	}
	for i := range 50 {
		casual = append(casual, vote("B", fmt.Sprintf("u%d", i), 1))
	}
	a := aggregation.Compute("A", intense)
	b := aggregation.Compute("B", casual)

	assert.Equal(t, int64(50), a.WeightedVotes)
	assert.Equal(t, int64(50), b.WeightedVotes)
	assert.InDelta(t, 10.0, a.UrgencyScore, 1e-9)
	assert.InDelta(t, 1.0, b.UrgencyScore, 1e-9)
}

func newService(t *testing.T) (*aggregation.Service, *sqlite.Store, *notify.Bus) {
	t.Helper()
	st, err := sqlite.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	bus := notify.NewBus(nil)
	t.Cleanup(bus.Stop)
	return aggregation.NewService(st, bus), st, bus
}

func TestRecomputeAndGetStats(t *testing.T) {
	svc, st, bus := newService(t)
	ctx := context.Background()
	_, issueCh := bus.Subscribe(notify.VotesTopic("pothole"))
	_, allCh := bus.Subscribe(notify.TopicAllVotes)

	stats, err := svc.GetStats(ctx, "pothole")
	require.NoError(t, err)
	assert.Zero(t, stats.WeightedVotes)
	assert.Zero(t, stats.UrgencyScore)

	require.NoError(t, st.InsertVote(ctx, vote("pothole", "a", 3)))
	require.NoError(t, st.InsertVote(ctx, vote("pothole", "b", 1)))

	stats, err = svc.Recompute(ctx, "pothole")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.WeightedVotes)
	assert.Equal(t, int64(2), stats.VoterCount)
	assert.Equal(t, int64(10), stats.TotalCredits)
	assert.InDelta(t, 2.5, stats.UrgencyScore, 1e-9)

	cached, err := svc.GetStats(ctx, "pothole")
	require.NoError(t, err)
	assert.Equal(t, stats.WeightedVotes, cached.WeightedVotes)
	assert.Equal(t, int64(2), cached.RecordCount)

	for _, ch := range []<-chan notify.Event{issueCh, allCh} {
		select {
		case evt := <-ch:
			got := evt.Data.(models.IssueVoteStats)
			assert.Equal(t, int64(4), got.WeightedVotes)
		case <-time.After(time.Second):
			t.Fatal("stats not published")
		}
	}
}

func TestRecomputeKeepsFresherStats(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, st.InsertVote(ctx, vote("bridge", "a", 1)))
	fresher := &models.IssueVoteStats{
		IssueID: "bridge", WeightedVotes: 9, VoterCount: 3, TotalCredits: 29,
		UrgencyScore: 29.0 / 9, RecordCount: 3, UpdatedAt: common.Now(),
	}
	saved, err := st.SaveIssueStats(ctx, fresher)
	require.NoError(t, err)
	require.True(t, saved)

	stats, err := svc.Recompute(ctx, "bridge")
	require.NoError(t, err)
	assert.Equal(t, int64(9), stats.WeightedVotes)
	assert.Equal(t, int64(3), stats.RecordCount)
}

func TestRecomputeConcurrentConverges(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, st.InsertVote(ctx, vote("park", fmt.Sprintf("u%d", i), int64(i%3+1))))
			_, err := svc.Recompute(ctx, "park")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := st.ListVotes(ctx, "park")
	require.NoError(t, err)
	want := aggregation.Compute("park", records)

	stats, err := svc.GetStats(ctx, "park")
	require.NoError(t, err)
	assert.Equal(t, want.WeightedVotes, stats.WeightedVotes)
	assert.Equal(t, int64(20), stats.VoterCount)
	assert.Equal(t, int64(20), stats.RecordCount)
}

func TestRanked(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, st.InsertVote(ctx, vote("low", "a", 1)))
	require.NoError(t, st.InsertVote(ctx, vote("high", "a", 4)))
	require.NoError(t, st.InsertVote(ctx, vote("mid", "a", 2)))
	require.NoError(t, st.InsertVote(ctx, vote("mid2", "a", 1)))
	require.NoError(t, st.InsertVote(ctx, vote("mid2", "b", 3)))
	for _, id := range []string{"low", "high", "mid", "mid2"} {
		_, err := svc.Recompute(ctx, id)
		require.NoError(t, err)
	}

	ranked, err := svc.Ranked(ctx, 0)
	require.NoError(t, err)
	var order []string
	for _, s := range ranked {
		order = append(order, s.IssueID)
	}
	// mid2: 10 credits / 4 votes = 2.5, mid: 4/2 = 2
	assert.Equal(t, []string{"high", "mid2", "mid", "low"}, order)
}

func TestEmptyIssueRejected(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Recompute(context.Background(), "")
	assert.ErrorIs(t, err, common.ErrInvalidIssue)
}
