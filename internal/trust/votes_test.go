package trust

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredVotesHybridConcrete(t *testing.T) {
	cases := []struct {
		n        int
		thresh   float64
		expected int
	}{
		{3, 0.8, 2},
		{4, 0.8, 3},
		{5, 0.8, 4},
		{6, 0.8, 5},
		{1, 0.8, 0},
		{2, 0.5, 1},
		{10, 0.66, 7},
		{20, 1.0, 20},
	}
	for _, tc := range cases {
		got, err := RequiredVotes(tc.n, tc.thresh, StrategyHybrid)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, got, "n=%d t=%v", tc.n, tc.thresh)
	}
}

// The hybrid policy must equal floor(N*T) for N<=4 and ceil(N*T) for N>4
// across the whole supported range. Reference floor/ceil use the same
// epsilon guard: 5*0.8 is not exactly 4 in float64.
func TestRequiredVotesHybridGrid(t *testing.T) {
	for n := 1; n <= 20; n++ {
		for ti := 50; ti <= 100; ti++ {
			thresh := float64(ti) / 100
			got, err := RequiredVotes(n, thresh, StrategyHybrid)
			require.NoError(t, err)

			raw := float64(n) * thresh
			var want int
			if n <= 4 {
				want = int(math.Floor(raw + voteEpsilon))
			} else {
				want = int(math.Ceil(raw - voteEpsilon))
			}
			if want > n {
				want = n
			}
			assert.Equal(t, want, got, "n=%d t=%v", n, thresh)
		}
	}
}

func TestRequiredVotesStrategies(t *testing.T) {
	got, err := RequiredVotes(3, 0.8, StrategyFloor)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	got, err = RequiredVotes(3, 0.8, StrategyCeil)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	// unanimous_under forces unanimity for small populations.
	got, err = RequiredVotes(3, 0.8, StrategyUnanimousUnder)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	got, err = RequiredVotes(6, 0.8, StrategyUnanimousUnder)
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	// Empty strategy falls back to the hybrid default.
	got, err = RequiredVotes(5, 0.8, "")
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func TestRequiredVotesValidation(t *testing.T) {
	_, err := RequiredVotes(-1, 0.8, StrategyHybrid)
	assert.Error(t, err)

	_, err = RequiredVotes(3, 1.5, StrategyHybrid)
	assert.Error(t, err)

	_, err = RequiredVotes(3, 0.8, VoteStrategy("bogus"))
	assert.Error(t, err)
}

func TestRequiredVotesNeverExceedsPopulation(t *testing.T) {
	for n := 0; n <= 20; n++ {
		got, err := RequiredVotes(n, 1.0, StrategyCeil)
		require.NoError(t, err)
		assert.LessOrEqual(t, got, n)
		assert.GreaterOrEqual(t, got, 0)
	}
}
