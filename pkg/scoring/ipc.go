// Package scoring normalizes raw rewards into IPC scores that are comparable
// across domains with very different reward magnitudes.
//
// Scoring is a two-phase computation. StoreRewards scans every row once and
// builds an immutable CeilingTable holding, per problem, the best observed
// average reward (ceiling) and the configured baseline (floor). AddScore is a
// pure function of a row and that table. Because AddScore needs the finished
// table, no row can be scored before every row has been seen.
//
//	ipc_score = clamp((average_reward - floor) / (ceiling - floor), 0, 1)
//
// A degenerate problem (ceiling <= floor) scores 0 for everyone. A missing
// average_reward is treated as the floor. Algorithms tied at the ceiling all
// score exactly 1.
package scoring

import (
	"math"
	"sort"

	"github.com/openfroyo/benchlab/pkg/ledger"
)

// Options configures the floor of the normalization. The floor of a problem
// is, in order: its entry in Floors, the explicit Floor, the best average
// reward of the FloorAlgorithms on it, and finally 0.
type Options struct {
	// Floor is the baseline reward for every problem. Nil means unset.
	Floor *float64 `json:"floor,omitempty" yaml:"floor"`

	// Floors overrides the baseline for individual problem IDs.
	Floors map[string]float64 `json:"floors,omitempty" yaml:"floors"`

	// FloorAlgorithms names baseline policies (e.g. random, noop). Without an
	// explicit floor, the floor of a problem is the best of their averages.
	FloorAlgorithms []string `json:"floor_algorithms,omitempty" yaml:"floor_algorithms"`
}

// FloorOf resolves the floor of one problem. baseline is the best average
// of the floor algorithms on it, if any of them ran.
func (o Options) FloorOf(problem string, baseline float64, hasBaseline bool) float64 {
	if f, ok := o.Floors[problem]; ok {
		return f
	}
	if o.Floor != nil {
		return *o.Floor
	}
	if hasBaseline {
		return baseline
	}
	return 0
}

// Bounds holds the normalization interval of one problem.
type Bounds struct {
	Ceiling float64 `json:"ceiling"`
	Floor   float64 `json:"floor"`
}

// Degenerate reports whether the interval is empty, in which case every score is 0.
func (b Bounds) Degenerate() bool {
	return !(b.Ceiling > b.Floor)
}

// CeilingTable is the immutable result of phase one.
type CeilingTable struct {
	bounds map[string]Bounds
}

// StoreRewards is phase one: it scans all rows and records the ceiling and
// floor of every problem.
func StoreRewards(rows []ProblemRow, opts Options) *CeilingTable {
	ceilings := make(map[string]float64)
	baselines := make(map[string]float64)
	problems := make(map[string]bool)

	isBaseline := make(map[string]bool, len(opts.FloorAlgorithms))
	for _, a := range opts.FloorAlgorithms {
		isBaseline[a] = true
	}

	for _, r := range rows {
		problems[r.Problem] = true
		avg, ok := r.Attrs.Float(ledger.AttrAverageReward)
		if !ok || math.IsNaN(avg) {
			continue
		}
		if c, seen := ceilings[r.Problem]; !seen || avg > c {
			ceilings[r.Problem] = avg
		}
		if isBaseline[r.Algorithm] {
			if b, seen := baselines[r.Problem]; !seen || avg > b {
				baselines[r.Problem] = avg
			}
		}
	}

	t := &CeilingTable{bounds: make(map[string]Bounds, len(problems))}
	for p := range problems {
		baseline, hasBaseline := baselines[p]
		floor := opts.FloorOf(p, baseline, hasBaseline)
		ceiling, ok := ceilings[p]
		if !ok {
			ceiling = floor
		}
		t.bounds[p] = Bounds{Ceiling: ceiling, Floor: floor}
	}
	return t
}

// Bounds returns the normalization interval of a problem.
func (t *CeilingTable) Bounds(problem string) (Bounds, bool) {
	b, ok := t.bounds[problem]
	return b, ok
}

// Problems returns the problem IDs in the table, sorted.
func (t *CeilingTable) Problems() []string {
	out := make([]string, 0, len(t.bounds))
	for p := range t.bounds {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Degenerate returns the problems whose ceiling does not exceed their floor.
func (t *CeilingTable) Degenerate() []string {
	var out []string
	for _, p := range t.Problems() {
		if t.bounds[p].Degenerate() {
			out = append(out, p)
		}
	}
	return out
}

// Score normalizes one average reward on a problem. A missing reward counts
// as the floor.
func (t *CeilingTable) Score(problem string, avg float64, ok bool) float64 {
	b, known := t.bounds[problem]
	if !known || b.Degenerate() {
		return 0
	}
	if !ok || math.IsNaN(avg) {
		avg = b.Floor
	}
	return clamp((avg-b.Floor)/(b.Ceiling-b.Floor), 0, 1)
}

// AddScore is phase two: it returns a copy of attrs with ipc_score set.
// The problem is read from the row's problem attribute.
func AddScore(attrs ledger.Attributes, t *CeilingTable) ledger.Attributes {
	out := attrs.Clone()
	problem, _ := attrs.Str(ledger.AttrProblem)
	avg, ok := attrs.Float(ledger.AttrAverageReward)
	out[ledger.AttrIPCScore] = ledger.Number(t.Score(problem, avg, ok))
	return out
}

// Aggregate returns, for every algorithm, the mean ipc_score over all
// expected problems. Problems without a scored row count as 0.
func Aggregate(rows []ProblemRow, algorithms, problems []string) map[string]float64 {
	scores := make(map[Key]float64, len(rows))
	for _, r := range rows {
		if s, ok := r.Attrs.Float(ledger.AttrIPCScore); ok {
			scores[Key{Algorithm: r.Algorithm, Problem: r.Problem}] = s
		}
	}

	out := make(map[string]float64, len(algorithms))
	for _, a := range algorithms {
		if len(problems) == 0 {
			out[a] = 0
			continue
		}
		var total float64
		for _, p := range problems {
			total += scores[Key{Algorithm: a, Problem: p}]
		}
		out[a] = total / float64(len(problems))
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
