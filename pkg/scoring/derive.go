package scoring

import (
	"math"
	"sort"

	"github.com/openfroyo/benchlab/pkg/ledger"
)

// Derive computes the reward summary attributes from the per-round reward series.
// Attributes already reported by the algorithm itself are kept as they are.
// The returned map only contains the attributes Derive produced.
func Derive(attrs ledger.Attributes) ledger.Attributes {
	out := make(ledger.Attributes)

	rounds, ok := attrs.Floats(ledger.AttrRoundRewards)
	if !ok || len(rounds) == 0 {
		// a single-round planner may only report step rewards
		steps, hasSteps := attrs.Floats(ledger.AttrStepRewards)
		if !hasSteps || len(steps) == 0 {
			return out
		}
		rounds = []float64{sum(steps)}
	}

	if _, ok := attrs[ledger.AttrTotalReward]; !ok {
		out[ledger.AttrTotalReward] = ledger.Number(sum(rounds))
	}
	if _, ok := attrs[ledger.AttrAverageReward]; !ok {
		out[ledger.AttrAverageReward] = ledger.Number(Mean(rounds))
	}
	if _, ok := attrs[ledger.AttrRoundReward99]; !ok {
		out[ledger.AttrRoundReward99] = ledger.Number(Percentile(rounds, 99))
	}
	if _, ok := attrs[ledger.AttrNumRuns]; !ok {
		out[ledger.AttrNumRuns] = ledger.Int(len(rounds))
	}
	return out
}

// Mean returns the arithmetic mean, or NaN for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return sum(xs) / float64(len(xs))
}

// Percentile returns the p-th percentile using the nearest-rank method.
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}
