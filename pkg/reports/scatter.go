package reports

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/scoring"
)

// maxCategorySteps bounds one call of a starlark category function.
const maxCategorySteps = 1 << 20

// Point is one problem on a scatter plot.
type Point struct {
	Problem string  `json:"problem"`
	Domain  string  `json:"domain"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// Series is the points of one category.
type Series struct {
	Category string  `json:"category"`
	Points   []Point `json:"points"`
}

// ScatterPlot compares one attribute of two algorithms problem by problem.
type ScatterPlot struct {
	Title      string         `json:"title"`
	Experiment string         `json:"experiment"`
	Attribute  string         `json:"attribute"`
	XAlgorithm string         `json:"x_algorithm"`
	YAlgorithm string         `json:"y_algorithm"`
	XScale     Scale          `json:"xscale"`
	YScale     Scale          `json:"yscale"`
	Series     []Series       `json:"series"`
	Dropped    int            `json:"dropped"`
	Missing    int            `json:"missing"`
	Coverage   []CoverageCell `json:"coverage"`
}

// Categorizer assigns a point to a category.
type Categorizer func(ctx context.Context, p Point, x, y ledger.Attributes) (string, error)

// DomainCategory is the domain_as_category grouping.
func DomainCategory(_ context.Context, p Point, _, _ ledger.Attributes) (string, error) {
	return p.Domain, nil
}

// NewStarlarkCategorizer compiles a script defining category(row). row is a
// dict with problem, domain, x, y and the attribute dicts x_attributes and
// y_attributes. The function must return a string.
func NewStarlarkCategorizer(script string) (Categorizer, error) {
	thread := &starlark.Thread{Name: "category", Print: func(*starlark.Thread, string) {}}
	thread.SetMaxExecutionSteps(maxCategorySteps)
	globals, err := starlark.ExecFile(thread, "category.star", script, nil)
	if err != nil {
		return nil, engine.NewConfigError("failed to load category script", err).WithCode(engine.ErrCodeValidation)
	}
	fn, ok := globals["category"].(starlark.Callable)
	if !ok {
		return nil, engine.NewConfigError("category script does not define category(row)", nil).
			WithCode(engine.ErrCodeValidation)
	}

	return func(ctx context.Context, p Point, x, y ledger.Attributes) (string, error) {
		th := &starlark.Thread{Name: "category", Print: func(*starlark.Thread, string) {}}
		th.SetMaxExecutionSteps(maxCategorySteps)
		stop := context.AfterFunc(ctx, func() { th.Cancel("context cancelled") })
		defer stop()

		row := starlark.NewDict(6)
		_ = row.SetKey(starlark.String("problem"), starlark.String(p.Problem))
		_ = row.SetKey(starlark.String("domain"), starlark.String(p.Domain))
		_ = row.SetKey(starlark.String("x"), starlark.Float(p.X))
		_ = row.SetKey(starlark.String("y"), starlark.Float(p.Y))
		_ = row.SetKey(starlark.String("x_attributes"), attrsDict(x))
		_ = row.SetKey(starlark.String("y_attributes"), attrsDict(y))

		v, err := starlark.Call(th, fn, starlark.Tuple{row}, nil)
		if err != nil {
			return "", fmt.Errorf("category(%s): %w", p.Problem, err)
		}
		s, ok := starlark.AsString(v)
		if !ok {
			return "", fmt.Errorf("category(%s) returned %s, want string", p.Problem, v.Type())
		}
		return s, nil
	}, nil
}

func attrsDict(attrs ledger.Attributes) *starlark.Dict {
	d := starlark.NewDict(len(attrs))
	for k, v := range attrs {
		switch v.Kind() {
		case ledger.KindNumber:
			f, _ := v.Float()
			_ = d.SetKey(starlark.String(k), starlark.Float(f))
		case ledger.KindString:
			s, _ := v.Str()
			_ = d.SetKey(starlark.String(k), starlark.String(s))
		case ledger.KindBool:
			b, _ := v.Boolean()
			_ = d.SetKey(starlark.String(k), starlark.Bool(b))
		}
	}
	return d
}

func (s Spec) categorizer() (Categorizer, error) {
	if s.Category == "" || s.Category == DomainAsCategory {
		return DomainCategory, nil
	}
	return NewStarlarkCategorizer(s.Category)
}

// BuildScatter builds the point set of a scatter report. Problems missing a
// value for either algorithm are counted in Missing. On a log axis points
// with a non-positive coordinate are counted in Dropped.
func BuildScatter(ctx context.Context, spec Spec, in Input, units []ledger.Row, regoFiltered bool) (*ScatterPlot, error) {
	categorize, err := spec.categorizer()
	if err != nil {
		return nil, err
	}

	xAlg, yAlg := spec.FilterAlgorithm[0], spec.FilterAlgorithm[1]
	attr := spec.Attributes[0].Name
	problems := spec.problems(in.Experiment, units, regoFiltered)

	byKey := make(map[scoring.Key]scoring.ProblemRow)
	for _, r := range scoredRows(units, in.Scores.Table) {
		byKey[scoring.Key{Algorithm: r.Algorithm, Problem: r.Problem}] = r
	}

	plot := &ScatterPlot{
		Title:      spec.Name,
		Experiment: in.Experiment.ID,
		Attribute:  attr,
		XAlgorithm: xAlg,
		YAlgorithm: yAlg,
		XScale:     spec.XScale,
		YScale:     spec.YScale,
		Coverage:   coverage(in.Experiment, []string{xAlg, yAlg}, problems, units),
	}

	index := make(map[string]int)
	for _, p := range problems {
		xr, okx := byKey[scoring.Key{Algorithm: xAlg, Problem: p.ID()}]
		yr, oky := byKey[scoring.Key{Algorithm: yAlg, Problem: p.ID()}]
		if !okx || !oky {
			plot.Missing++
			continue
		}
		xv, okx := xr.Attrs.Float(attr)
		yv, oky := yr.Attrs.Float(attr)
		if !okx || !oky {
			plot.Missing++
			continue
		}
		if (spec.XScale == ScaleLog && xv <= 0) || (spec.YScale == ScaleLog && yv <= 0) {
			plot.Dropped++
			continue
		}

		pt := Point{Problem: p.ID(), Domain: p.Domain, X: xv, Y: yv}
		cat, err := categorize(ctx, pt, xr.Attrs, yr.Attrs)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", spec.Name, err)
		}
		i, ok := index[cat]
		if !ok {
			i = len(plot.Series)
			index[cat] = i
			plot.Series = append(plot.Series, Series{Category: cat})
		}
		plot.Series[i].Points = append(plot.Series[i].Points, pt)
	}
	return plot, nil
}
