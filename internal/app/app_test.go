package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/qvote/internal/config"
	"serotonyl.ru/qvote/internal/features/voting"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.StoreDriver = config.StoreDriverSQLite
	cfg.SQLitePath = ""
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.AuthJWTSecret = "secret"
	cfg.PrivacyEnabled = true
	cfg.PrivacyKeyBits = 512
	cfg.PrivacyKeyFile = filepath.Join(t.TempDir(), "key.json")
	cfg.PrivacyTagSecret = "tag"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewWiresServices(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Bot)
	assert.True(t, a.Privacy.Enabled())

	receipt, err := a.Engine.CastVote(context.Background(), voting.CastRequest{
		UserID: "alice", IssueID: "pothole", Votes: 4, Private: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(84), receipt.RemainingBalance)
	assert.NotNil(t, receipt.Commitment)
	require.NotNil(t, receipt.Stats)
	assert.Zero(t, receipt.Stats.WeightedVotes)

	_, err = a.Engine.CastVote(context.Background(), voting.CastRequest{
		UserID: "bob", IssueID: "pothole", Votes: 2,
	})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(a.statsRefreshed) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.LedgerReplenishCron = "whenever"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestLedgerOptions(t *testing.T) {
	cfg := config.Defaults()
	cfg.LedgerStartingBalance = 10
	opts := LedgerOptions(cfg)
	assert.Equal(t, int64(10), opts.StartingBalance)
	assert.Equal(t, cfg.LedgerReplenishPeriod, opts.ReplenishPeriod)
}
