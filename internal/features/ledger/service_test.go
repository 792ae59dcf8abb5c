package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/features/ledger"
	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/notify"
	"serotonyl.ru/qvote/internal/store/sqlite"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLedger(t *testing.T, opts ledger.Options) (*ledger.Service, *clock, *notify.Bus) {
	t.Helper()
	st, err := sqlite.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := notify.NewBus(nil)
	t.Cleanup(bus.Stop)

	clk := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	svc := ledger.NewService(st, bus, opts, nil)
	svc.SetClock(clk.Now)
	return svc, clk, bus
}

func TestGetOrInitializeGrantsOnce(t *testing.T) {
	svc, _, _ := newLedger(t, ledger.DefaultOptions())
	ctx := context.Background()

	c, err := svc.GetOrInitialize(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.Balance)
	assert.Equal(t, int64(100), c.TotalEarned)
	assert.Zero(t, c.TotalSpent)

	c, err = svc.GetOrInitialize(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.Balance)

	txs, err := svc.History(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.KindMeritAward, txs[0].Kind)
	assert.Equal(t, int64(100), txs[0].Amount)
}

func TestGetOrInitializeConcurrentFirstAccess(t *testing.T) {
	svc, _, _ := newLedger(t, ledger.DefaultOptions())
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := svc.GetOrInitialize(ctx, "bob")
			assert.NoError(t, err)
			if c != nil {
				assert.Equal(t, int64(100), c.Balance)
			}
		}()
	}
	wg.Wait()

	txs, err := svc.History(ctx, "bob", 50)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	report, err := svc.Audit(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestGetOrInitializeRejectsEmptyUser(t *testing.T) {
	svc, _, _ := newLedger(t, ledger.DefaultOptions())
	_, err := svc.GetOrInitialize(context.Background(), "")
	assert.ErrorIs(t, err, common.ErrInvalidUser)
}

func TestTrySpendInsufficientLeavesBalance(t *testing.T) {
	svc, _, _ := newLedger(t, ledger.DefaultOptions())
	ctx := context.Background()

	c, err := svc.TrySpend(ctx, "carol", 50, "warm-up", nil)
	require.NoError(t, err)
	require.Equal(t, int64(50), c.Balance)

	_, err = svc.TrySpend(ctx, "carol", 64, "8 votes", nil)
	require.ErrorIs(t, err, common.ErrInsufficientCredit)
	var insufficient *common.InsufficientCreditError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(50), insufficient.Have)
	assert.Equal(t, int64(64), insufficient.Need)
	assert.Equal(t, int64(14), insufficient.Short())

	c, err = svc.GetBalance(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(50), c.Balance)
	assert.Equal(t, int64(50), c.TotalSpent)

	txs, err := svc.History(ctx, "carol", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestTrySpendRejectsNonPositive(t *testing.T) {
	svc, _, _ := newLedger(t, ledger.DefaultOptions())
	_, err := svc.TrySpend(context.Background(), "dave", 0, "", nil)
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
	_, err = svc.TrySpend(context.Background(), "dave", -5, "", nil)
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
}

func TestTrySpendConcurrentNeverOverdraws(t *testing.T) {
	svc, _, _ := newLedger(t, ledger.DefaultOptions())
	ctx := context.Background()
	_, err := svc.GetOrInitialize(ctx, "erin")
	require.NoError(t, err)

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.TrySpend(ctx, "erin", 30, "burst", nil)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, common.ErrInsufficientCredit):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(7), short.Load())

	report, err := svc.Audit(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.Balance)
	assert.Equal(t, int64(90), report.TotalSpent)
}

func TestMaybeReplenishIsIdempotentWithinPeriod(t *testing.T) {
	svc, clk, _ := newLedger(t, ledger.DefaultOptions())
	ctx := context.Background()
	_, err := svc.GetOrInitialize(ctx, "frank")
	require.NoError(t, err)

	c, granted, err := svc.MaybeReplenish(ctx, "frank")
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, int64(100), c.Balance)

	clk.Advance(7*24*time.Hour + time.Minute)

	c, granted, err = svc.MaybeReplenish(ctx, "frank")
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, int64(200), c.Balance)

	c, granted, err = svc.MaybeReplenish(ctx, "frank")
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, int64(200), c.Balance)
}

func TestMaybeReplenishConcurrent(t *testing.T) {
	svc, clk, _ := newLedger(t, ledger.DefaultOptions())
	ctx := context.Background()
	_, err := svc.GetOrInitialize(ctx, "gina")
	require.NoError(t, err)
	clk.Advance(8 * 24 * time.Hour)

	var grants atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, granted, err := svc.MaybeReplenish(ctx, "gina")
			assert.NoError(t, err)
			if granted {
				grants.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), grants.Load())

	c, err := svc.GetBalance(ctx, "gina")
	require.NoError(t, err)
	assert.Equal(t, int64(200), c.Balance)
}

func TestMaybeReplenishUnknownUser(t *testing.T) {
	svc, _, _ := newLedger(t, ledger.DefaultOptions())
	_, _, err := svc.MaybeReplenish(context.Background(), "nobody")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestAward(t *testing.T) {
	svc, _, _ := newLedger(t, ledger.DefaultOptions())
	ctx := context.Background()
	ref := "report-881"

	c, err := svc.Award(ctx, ledger.AwardRequest{
		UserID:      "hank",
		Amount:      25,
		Kind:        models.KindAdminGrant,
		Description: "verified report",
		ReferenceID: &ref,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(125), c.Balance)
	assert.Equal(t, int64(125), c.TotalEarned)

	txs, err := svc.History(ctx, "hank", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, models.KindAdminGrant, txs[0].Kind)
	require.NotNil(t, txs[0].ReferenceID)
	assert.Equal(t, ref, *txs[0].ReferenceID)

	_, err = svc.Award(ctx, ledger.AwardRequest{UserID: "hank", Amount: 0})
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
	_, err = svc.Award(ctx, ledger.AwardRequest{UserID: "hank", Amount: 5, Kind: models.KindVoteSpend})
	assert.ErrorIs(t, err, common.ErrInvalidKind)
	assert.Contains(t, err.Error(), "not an award")
	_, err = svc.Award(ctx, ledger.AwardRequest{UserID: "hank", Amount: 5, Kind: "bonus"})
	assert.ErrorIs(t, err, common.ErrInvalidKind)
	assert.Contains(t, err.Error(), `unknown kind "bonus"`)
}

func TestReplenishDueSweepsInBatches(t *testing.T) {
	opts := ledger.DefaultOptions()
	opts.SweepBatch = 2
	svc, clk, _ := newLedger(t, opts)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, u := range users {
		_, err := svc.GetOrInitialize(ctx, u)
		require.NoError(t, err)
	}

	n, err := svc.ReplenishDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(7 * 24 * time.Hour)
	n, err = svc.ReplenishDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(users), n)

	n, err = svc.ReplenishDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, u := range users {
		report, err := svc.Audit(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, int64(200), report.Balance)
	}
}

func TestBalanceEventsArePublished(t *testing.T) {
	svc, _, bus := newLedger(t, ledger.DefaultOptions())
	ctx := context.Background()
	_, ch := bus.Subscribe(notify.BalanceTopic("ivy"))

	_, err := svc.GetOrInitialize(ctx, "ivy")
	require.NoError(t, err)
	_, err = svc.TrySpend(ctx, "ivy", 9, "3 votes", nil)
	require.NoError(t, err)

	// async delivery may reorder the two events
	var got []int64
	for range 2 {
		select {
		case evt := <-ch:
			data := evt.Data.(notify.BalanceChanged)
			assert.Equal(t, "ivy", data.UserID)
			got = append(got, data.Balance)
		case <-time.After(time.Second):
			t.Fatalf("balance events missing, got %v", got)
		}
	}
	assert.ElementsMatch(t, []int64{100, 91}, got)
}

func TestAuditUnknownUser(t *testing.T) {
	svc, _, _ := newLedger(t, ledger.DefaultOptions())
	_, err := svc.Audit(context.Background(), "ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
