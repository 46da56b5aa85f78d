package reports

import (
	"sort"
	"strings"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/scoring"
)

// RowKind distinguishes problem rows from aggregate rows.
type RowKind string

const (
	RowProblem RowKind = "problem"
	RowDomain  RowKind = "domain"
	RowTotal   RowKind = "total"
)

// Cell is one (row, algorithm) value.
type Cell struct {
	Value   float64 `json:"value"`
	Present bool    `json:"present"`
	Best    bool    `json:"best,omitempty"`
}

// TableRow is one row of an attribute section. Cells align with the table's
// algorithms.
type TableRow struct {
	Label  string  `json:"label"`
	Kind   RowKind `json:"kind"`
	Domain string  `json:"domain,omitempty"`
	Cells  []Cell  `json:"cells"`
}

// Section is the table of one attribute.
type Section struct {
	Attribute Attribute  `json:"attribute"`
	Rows      []TableRow `json:"rows"`
}

// InfoItem is a header line such as the time limit.
type InfoItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CoverageCell is the done/expected ratio of one algorithm.
type CoverageCell struct {
	Algorithm string  `json:"algorithm"`
	Done      int     `json:"done"`
	Expected  int     `json:"expected"`
	Fraction  float64 `json:"fraction"`
}

// AbsoluteTable is an attribute table per problem and algorithm.
type AbsoluteTable struct {
	Title      string         `json:"title"`
	Experiment string         `json:"experiment"`
	Algorithms []string       `json:"algorithms"`
	Info       []InfoItem     `json:"info,omitempty"`
	Sections   []Section      `json:"sections"`
	Coverage   []CoverageCell `json:"coverage"`
}

// BuildAbsolute builds the table for spec from the filtered unit rows.
func BuildAbsolute(spec Spec, in Input, units []ledger.Row, regoFiltered bool) *AbsoluteTable {
	algorithms := spec.algorithms(in.Experiment)
	problems := spec.problems(in.Experiment, units, regoFiltered)
	rows := scoredRows(units, in.Scores.Table)

	byKey := make(map[scoring.Key]scoring.ProblemRow, len(rows))
	for _, r := range rows {
		byKey[scoring.Key{Algorithm: r.Algorithm, Problem: r.Problem}] = r
	}

	t := &AbsoluteTable{
		Title:      spec.Name,
		Experiment: in.Experiment.ID,
		Algorithms: algorithms,
		Info:       infoItems(units),
		Coverage:   coverage(in.Experiment, algorithms, problems, units),
	}

	domains, byDomain := groupByDomain(problems)
	problemIDs := make([]string, 0, len(problems))
	for _, p := range problems {
		problemIDs = append(problemIDs, p.ID())
	}

	for _, attr := range spec.Attributes {
		sec := Section{Attribute: attr}
		for _, d := range domains {
			members := byDomain[d]
			for _, p := range members {
				row := TableRow{Label: p.ID(), Kind: RowProblem, Domain: d, Cells: make([]Cell, len(algorithms))}
				for i, a := range algorithms {
					if pr, ok := byKey[scoring.Key{Algorithm: a, Problem: p.ID()}]; ok {
						if v, ok := pr.Attrs.Float(attr.Name); ok {
							row.Cells[i] = Cell{Value: v, Present: true}
						}
					}
				}
				sec.Rows = append(sec.Rows, row)
			}
			sec.Rows = append(sec.Rows, aggregateRow(attr, d, RowDomain, algorithms, members, rows, byKey))
		}
		sec.Rows = append(sec.Rows, aggregateRow(attr, "", RowTotal, algorithms, problems, rows, byKey))
		for i := range sec.Rows {
			markBest(sec.Rows[i].Cells, attr.MinWins)
		}
		t.Sections = append(t.Sections, sec)
	}
	return t
}

// scoredRows collapses the units and applies phase two against the ceilings
// computed over the whole ledger.
func scoredRows(units []ledger.Row, table *scoring.CeilingTable) []scoring.ProblemRow {
	rows := scoring.Collapse(units)
	if table == nil {
		return rows
	}
	for i := range rows {
		rows[i].Attrs = scoring.AddScore(rows[i].Attrs, table)
	}
	return rows
}

// aggregateRow summarizes problems for every algorithm. ipc_score averages
// over all problems with unattempted ones counting 0; other attributes
// average over the problems that report them.
func aggregateRow(attr Attribute, domain string, kind RowKind, algorithms []string, problems []engine.ProblemInstance,
	rows []scoring.ProblemRow, byKey map[scoring.Key]scoring.ProblemRow) TableRow {
	label := "total"
	if kind == RowDomain {
		label = domain
	}
	row := TableRow{Label: label, Kind: kind, Domain: domain, Cells: make([]Cell, len(algorithms))}
	if len(problems) == 0 {
		return row
	}

	if attr.Name == ledger.AttrIPCScore {
		ids := make([]string, 0, len(problems))
		for _, p := range problems {
			ids = append(ids, p.ID())
		}
		agg := scoring.Aggregate(rows, algorithms, ids)
		for i, a := range algorithms {
			row.Cells[i] = Cell{Value: agg[a], Present: true}
		}
		return row
	}

	for i, a := range algorithms {
		var values []float64
		for _, p := range problems {
			if pr, ok := byKey[scoring.Key{Algorithm: a, Problem: p.ID()}]; ok {
				if v, ok := pr.Attrs.Float(attr.Name); ok {
					values = append(values, v)
				}
			}
		}
		if len(values) > 0 {
			row.Cells[i] = Cell{Value: scoring.Mean(values), Present: true}
		}
	}
	return row
}

// markBest flags every cell equal to the row optimum.
func markBest(cells []Cell, minWins bool) {
	found := false
	var best float64
	for _, c := range cells {
		if !c.Present {
			continue
		}
		if !found || (minWins && c.Value < best) || (!minWins && c.Value > best) {
			best = c.Value
			found = true
		}
	}
	if !found {
		return
	}
	for i := range cells {
		if cells[i].Present && cells[i].Value == best {
			cells[i].Best = true
		}
	}
}

func groupByDomain(problems []engine.ProblemInstance) ([]string, map[string][]engine.ProblemInstance) {
	var order []string
	groups := make(map[string][]engine.ProblemInstance)
	for _, p := range problems {
		if _, ok := groups[p.Domain]; !ok {
			order = append(order, p.Domain)
		}
		groups[p.Domain] = append(groups[p.Domain], p)
	}
	return order, groups
}

// Coverage returns the coverage of every algorithm of exp over all of its
// expected problems.
func Coverage(exp *engine.Experiment, units []ledger.Row) []CoverageCell {
	return coverage(exp, Spec{}.algorithms(exp), exp.Problems(), units)
}

// coverage counts done units per algorithm. Only units the experiment would
// schedule count: rows of seeds beyond NumRuns or of algorithms no longer
// configured are ignored, so Done never exceeds Expected.
func coverage(exp *engine.Experiment, algorithms []string, problems []engine.ProblemInstance, units []ledger.Row) []CoverageCell {
	runs := exp.NumRuns
	if runs < 1 {
		runs = 1
	}
	configured := make(map[string]bool, len(exp.Algorithms))
	for _, a := range exp.Algorithms {
		configured[a.Name] = true
	}

	owner := make(map[string]string)
	expected := make(map[string]int, len(algorithms))
	for _, a := range algorithms {
		if !configured[a] {
			continue
		}
		for _, p := range problems {
			for seed := 0; seed < runs; seed++ {
				owner[engine.UnitID(a, p, seed)] = a
			}
		}
		expected[a] = len(problems) * runs
	}

	done := make(map[string]int)
	for _, u := range units {
		a, ok := owner[u.ID]
		if !ok {
			continue
		}
		status, _ := u.Attrs.Str(ledger.AttrUnitStatus)
		if engine.UnitStatus(status) == engine.UnitStatusDone {
			done[a]++
		}
	}

	out := make([]CoverageCell, len(algorithms))
	for i, a := range algorithms {
		c := CoverageCell{Algorithm: a, Done: done[a], Expected: expected[a]}
		if c.Expected > 0 {
			c.Fraction = float64(c.Done) / float64(c.Expected)
		}
		out[i] = c
	}
	return out
}

// infoItems lists the distinct values of the info attributes across units.
func infoItems(units []ledger.Row) []InfoItem {
	var items []InfoItem
	for _, name := range InfoAttributes {
		seen := make(map[string]bool)
		for _, u := range units {
			if v, ok := u.Attrs[name]; ok {
				seen[v.String()] = true
			}
		}
		if len(seen) == 0 {
			continue
		}
		values := make([]string, 0, len(seen))
		for v := range seen {
			values = append(values, v)
		}
		sort.Strings(values)
		items = append(items, InfoItem{Name: name, Value: strings.Join(values, ", ")})
	}
	return items
}
