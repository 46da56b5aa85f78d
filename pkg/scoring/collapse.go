package scoring

import (
	"math"
	"sort"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
)

// Key identifies an (algorithm, problem) pair.
type Key struct {
	Algorithm string
	Problem   string
}

// ProblemRow is the per-(algorithm, problem) view of the ledger. Numeric
// attributes are averaged over the units that report them.
type ProblemRow struct {
	Algorithm string            `json:"algorithm"`
	Problem   string            `json:"problem"`
	Domain    string            `json:"domain"`
	Units     int               `json:"units"`
	Done      int               `json:"done"`
	Attrs     ledger.Attributes `json:"attributes"`
}

// Coverage returns the fraction of this pair's units that finished.
func (r ProblemRow) Coverage() float64 {
	if r.Units == 0 {
		return 0
	}
	return float64(r.Done) / float64(r.Units)
}

// Collapse groups unit rows by (algorithm, problem). Rows without identity
// attributes are ignored. The result is sorted by algorithm, then problem.
func Collapse(rows []ledger.Row) []ProblemRow {
	type acc struct {
		row    ProblemRow
		sums   map[string]float64
		counts map[string]int
		strs   map[string]string
	}
	groups := make(map[Key]*acc)

	for _, r := range rows {
		alg, ok1 := r.Attrs.Str(ledger.AttrAlgorithm)
		prob, ok2 := r.Attrs.Str(ledger.AttrProblem)
		if !ok1 || !ok2 {
			continue
		}
		k := Key{Algorithm: alg, Problem: prob}
		g, ok := groups[k]
		if !ok {
			domain, _ := r.Attrs.Str(ledger.AttrDomain)
			g = &acc{
				row:    ProblemRow{Algorithm: alg, Problem: prob, Domain: domain},
				sums:   make(map[string]float64),
				counts: make(map[string]int),
				strs:   make(map[string]string),
			}
			groups[k] = g
		}

		g.row.Units++
		if status, _ := r.Attrs.Str(ledger.AttrUnitStatus); engine.UnitStatus(status) == engine.UnitStatusDone {
			g.row.Done++
		}
		for key, v := range r.Attrs {
			switch v.Kind() {
			case ledger.KindNumber:
				f, _ := v.Float()
				if math.IsNaN(f) || key == ledger.AttrSeed {
					continue
				}
				g.sums[key] += f
				g.counts[key]++
			case ledger.KindString:
				s, _ := v.Str()
				if prev, seen := g.strs[key]; seen && prev != s {
					g.strs[key] = ""
					continue
				}
				g.strs[key] = s
			}
		}
	}

	out := make([]ProblemRow, 0, len(groups))
	for _, g := range groups {
		attrs := make(ledger.Attributes, len(g.sums)+len(g.strs)+2)
		for key, s := range g.strs {
			if s != "" && key != ledger.AttrID && key != ledger.AttrUnitStatus && key != ledger.AttrError {
				attrs[key] = ledger.String(s)
			}
		}
		for key, s := range g.sums {
			attrs[key] = ledger.Number(s / float64(g.counts[key]))
		}
		attrs[ledger.AttrAlgorithm] = ledger.String(g.row.Algorithm)
		attrs[ledger.AttrProblem] = ledger.String(g.row.Problem)
		if g.row.Domain != "" {
			attrs[ledger.AttrDomain] = ledger.String(g.row.Domain)
		}
		g.row.Attrs = attrs
		out = append(out, g.row)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Algorithm != out[j].Algorithm {
			return out[i].Algorithm < out[j].Algorithm
		}
		return out[i].Problem < out[j].Problem
	})
	return out
}

// Result is the outcome of scoring a whole ledger.
type Result struct {
	Table      *CeilingTable      `json:"-"`
	Rows       []ProblemRow       `json:"rows"`
	Aggregates map[string]float64 `json:"aggregates"`
}

// ScoreLedger runs both phases over the ledger. It merges a unit-level
// ipc_score into every unit row of store and returns the scored
// per-(algorithm, problem) rows together with the per-algorithm aggregates
// over the expected problems.
func ScoreLedger(store *ledger.Store, algorithms, problems []string, opts Options) *Result {
	units := store.Rows()
	rows := Collapse(units)

	table := StoreRewards(rows, opts)

	for i := range rows {
		rows[i].Attrs = AddScore(rows[i].Attrs, table)
	}
	for _, u := range units {
		if _, ok := u.Attrs.Str(ledger.AttrProblem); !ok {
			continue
		}
		scored := AddScore(u.Attrs, table)
		store.Merge(u.ID, ledger.Attributes{ledger.AttrIPCScore: scored[ledger.AttrIPCScore]})
	}

	return &Result{
		Table:      table,
		Rows:       rows,
		Aggregates: Aggregate(rows, algorithms, problems),
	}
}
