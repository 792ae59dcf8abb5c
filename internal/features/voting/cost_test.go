package voting

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCost(t *testing.T) {
	for n := int64(0); n <= 1000; n++ {
		assert.Equal(t, n*n, Cost(n))
	}
	assert.Equal(t, int64(25), Cost(5))
	assert.Equal(t, int64(100), Cost(10))
}

func TestMaxAffordableVotes(t *testing.T) {
	testCases := []struct {
		credits int64
		want    int64
	}{
		{0, 0},
		{1, 1},
		{3, 1},
		{4, 2},
		{50, 7},
		{99, 9},
		{100, 10},
		{101, 10},
		{math.MaxInt64, 3037000499},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, MaxAffordableVotes(tc.credits), "credits=%d", tc.credits)
	}
	for n := int64(0); n <= 2000; n++ {
		got := MaxAffordableVotes(Cost(n))
		assert.GreaterOrEqual(t, got, n)
		assert.LessOrEqual(t, Cost(got), Cost(n))
		assert.Greater(t, Cost(got+1), Cost(n))
	}
}

func TestMarginalCost(t *testing.T) {
	for n := int64(0); n <= 100; n++ {
		assert.Equal(t, Cost(n+1)-Cost(n), MarginalCost(n))
	}
}

func TestNegativeInputPanics(t *testing.T) {
	assert.Panics(t, func() { Cost(-1) })
	assert.Panics(t, func() { MaxAffordableVotes(-1) })
	assert.Panics(t, func() { MarginalCost(-1) })
}

func TestMaxVotesPerCastFitsInt64(t *testing.T) {
	assert.Equal(t, int64(MaxVotesPerCast), MaxAffordableVotes(math.MaxInt64))
	assert.Positive(t, Cost(MaxVotesPerCast))
	assert.Greater(t, uint64(MaxVotesPerCast+1)*uint64(MaxVotesPerCast+1), uint64(math.MaxInt64))
}
