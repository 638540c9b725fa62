package trust

import (
	"fmt"
	"math"
)

// VoteStrategy selects the rounding policy for consensus vote counts.
type VoteStrategy string

const (
	// StrategyHybrid floors for populations of four or fewer and ceils
	// above that. Naive ceiling forces unanimity for 3-4 agents; naive
	// floor under-shoots supermajority intent for larger groups. This is
	// the load-bearing default.
	StrategyHybrid VoteStrategy = "hybrid"
	// StrategyFloor always rounds down.
	StrategyFloor VoteStrategy = "floor"
	// StrategyCeil always rounds up.
	StrategyCeil VoteStrategy = "ceil"
	// StrategyUnanimousUnder requires unanimity for populations of four
	// or fewer and ceils above that.
	StrategyUnanimousUnder VoteStrategy = "unanimous_under"
)

// ValidVoteStrategy reports whether s is a known strategy.
func ValidVoteStrategy(s VoteStrategy) bool {
	switch s {
	case StrategyHybrid, StrategyFloor, StrategyCeil, StrategyUnanimousUnder:
		return true
	}
	return false
}

// voteEpsilon absorbs binary float error: 5*0.8 is 4.000000000000000222
// in float64 and would otherwise ceil to 5.
const voteEpsilon = 1e-9

// RequiredVotes returns how many acceptance votes a population of n needs
// to converge at threshold t under the given strategy. Results are clamped
// to [0, n].
func RequiredVotes(n int, t float64, strategy VoteStrategy) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("population must be non-negative, got %d", n)
	}
	if t < 0 || t > 1 {
		return 0, fmt.Errorf("threshold must be in [0,1], got %v", t)
	}

	raw := float64(n) * t
	var required int
	switch strategy {
	case StrategyFloor:
		required = int(math.Floor(raw + voteEpsilon))
	case StrategyCeil:
		required = int(math.Ceil(raw - voteEpsilon))
	case StrategyUnanimousUnder:
		if n <= 4 {
			required = n
		} else {
			required = int(math.Ceil(raw - voteEpsilon))
		}
	case StrategyHybrid, "":
		if n <= 4 {
			required = int(math.Floor(raw + voteEpsilon))
		} else {
			required = int(math.Ceil(raw - voteEpsilon))
		}
	default:
		return 0, fmt.Errorf("unknown vote strategy %q", strategy)
	}

	if required < 0 {
		required = 0
	}
	if required > n {
		required = n
	}
	return required, nil
}
