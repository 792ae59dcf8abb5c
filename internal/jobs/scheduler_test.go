package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) ReplenishDue(context.Context) (int, error) {
	c.calls.Add(1)
	return 3, c.err
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(&countingSweeper{}, "not a cron", "UTC")
	assert.Error(t, err)

	_, err = NewScheduler(&countingSweeper{}, "@every 1h", "Europe/Moscow")
	assert.NoError(t, err)
}

func TestRunOnce(t *testing.T) {
	sw := &countingSweeper{}
	s, err := NewScheduler(sw, "0 * * * *", "UTC")
	require.NoError(t, err)

	assert.Equal(t, 3, s.RunOnce(context.Background()))

	sw.err = errors.New("db down")
	assert.Equal(t, 3, s.RunOnce(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, s.RunOnce(ctx))
	assert.Equal(t, int32(2), sw.calls.Load())
}

func TestStartStop(t *testing.T) {
	s, err := NewScheduler(&countingSweeper{}, "0 * * * *", "UTC")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
