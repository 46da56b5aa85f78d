// Package reports turns a scored ledger into tables and point sets and
// renders them into artifact files.
//
// A report owns filtering and grouping only. Scoring happens once over the
// whole ledger (see scoring.ScoreLedger) before any report filter runs, so
// ceilings are the same in every report of an experiment.
package reports

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/scoring"
)

// Kind selects the report type.
type Kind string

const (
	KindAbsolute Kind = "absolute"
	KindScatter  Kind = "scatter"
)

// Format selects the renderer.
type Format string

const (
	FormatHTML Format = "html"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatDAT  Format = "dat"
)

// Scale is a scatter plot axis scale.
type Scale string

const (
	ScaleLinear Scale = "linear"
	ScaleLog    Scale = "log"
)

// DomainAsCategory groups scatter points by their domain.
const DomainAsCategory = "domain_as_category"

// Attribute is a reported attribute. MinWins marks the smallest value of a
// row as the best cell instead of the largest.
type Attribute struct {
	Name    string `json:"name" yaml:"name" validate:"required"`
	MinWins bool   `json:"min_wins,omitempty" yaml:"min_wins,omitempty"`
}

// DefaultAttributes are the numeric attributes shown when a report names none.
// Series attributes (reward_step-all, round_reward-all) stay in the ledger and
// are not tabulated.
var DefaultAttributes = []Attribute{
	{Name: ledger.AttrIPCScore},
	{Name: ledger.AttrNumRuns},
	{Name: ledger.AttrRoundReward99},
	{Name: ledger.AttrTotalReward},
	{Name: ledger.AttrAverageReward},
	{Name: ledger.AttrTime, MinWins: true},
}

// InfoAttributes are shown in the report header when every unit agrees on them.
var InfoAttributes = []string{ledger.AttrTimeLimit, ledger.AttrMemoryLimit}

// Spec describes one report of an experiment.
type Spec struct {
	// Name identifies the report in logs and events.
	Name string `json:"name" yaml:"name"`

	// Kind is absolute or scatter.
	Kind Kind `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=absolute scatter"`

	// Attributes lists the attributes to report. A scatter report uses the first.
	Attributes []Attribute `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// FilterAlgorithm restricts and orders the algorithms. A scatter report
	// needs exactly two: X first, then Y.
	FilterAlgorithm []string `json:"filter_algorithm,omitempty" yaml:"filter_algorithm,omitempty"`

	// FilterDomain restricts the domains.
	FilterDomain []string `json:"filter_domain,omitempty" yaml:"filter_domain,omitempty"`

	// FilterRego is an inline rego module defining data.benchlab.filter.include.
	FilterRego string `json:"filter_rego,omitempty" yaml:"filter_rego,omitempty"`

	// FilterRegoFile is a path to a rego module, used when FilterRego is empty.
	FilterRegoFile string `json:"filter_rego_file,omitempty" yaml:"filter_rego_file,omitempty"`

	// XScale and YScale are the scatter axis scales.
	XScale Scale `json:"xscale,omitempty" yaml:"xscale,omitempty" validate:"omitempty,oneof=linear log"`
	YScale Scale `json:"yscale,omitempty" yaml:"yscale,omitempty" validate:"omitempty,oneof=linear log"`

	// Category is domain_as_category (the default) or a starlark script
	// defining category(row).
	Category string `json:"category,omitempty" yaml:"category,omitempty"`

	// Format selects the renderer. It defaults from the Output extension.
	Format Format `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=html csv json dat"`

	// Output is the artifact path, relative to the experiment report directory.
	Output string `json:"output" yaml:"output" validate:"required"`
}

// Input is everything a report reads.
type Input struct {
	Experiment *engine.Experiment
	Store      *ledger.Store
	Scores     *scoring.Result
}

// Artifact is a file written by a report.
type Artifact struct {
	Report string   `json:"report"`
	Kind   Kind     `json:"kind"`
	Format Format   `json:"format"`
	Paths  []string `json:"paths"`
}

// Normalize fills defaults and checks the spec for configuration errors.
func (s Spec) Normalize() (Spec, error) {
	if s.Output == "" {
		return s, engine.NewConfigError(fmt.Sprintf("report %q has no output file", s.Name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(s.Output), filepath.Ext(s.Output))
	}
	if s.Kind == "" {
		s.Kind = KindAbsolute
	}
	if s.Format == "" {
		s.Format = formatFromExt(s.Output, s.Kind)
	}
	if s.XScale == "" {
		s.XScale = ScaleLinear
	}
	if s.YScale == "" {
		s.YScale = ScaleLinear
	}
	if len(s.Attributes) == 0 {
		if s.Kind == KindScatter {
			s.Attributes = []Attribute{{Name: ledger.AttrAverageReward}}
		} else {
			s.Attributes = DefaultAttributes
		}
	}

	switch s.Kind {
	case KindAbsolute:
		if s.Format != FormatHTML && s.Format != FormatCSV && s.Format != FormatJSON {
			return s, invalid(s, fmt.Sprintf("format %s is not supported by absolute reports", s.Format))
		}
	case KindScatter:
		if len(s.FilterAlgorithm) != 2 {
			return s, invalid(s, fmt.Sprintf("scatter reports need exactly two algorithms, got %d", len(s.FilterAlgorithm)))
		}
		if s.Format != FormatDAT && s.Format != FormatJSON {
			return s, invalid(s, fmt.Sprintf("format %s is not supported by scatter reports", s.Format))
		}
		for _, sc := range []Scale{s.XScale, s.YScale} {
			if sc != ScaleLinear && sc != ScaleLog {
				return s, invalid(s, fmt.Sprintf("unknown axis scale %q", sc))
			}
		}
	default:
		return s, invalid(s, fmt.Sprintf("unknown report kind %q", s.Kind))
	}
	return s, nil
}

func invalid(s Spec, msg string) error {
	return engine.NewConfigError(fmt.Sprintf("report %s: %s", s.Name, msg), nil).
		WithCode(engine.ErrCodeValidation)
}

func formatFromExt(path string, kind Kind) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".json":
		return FormatJSON
	case ".dat", ".gp", ".png", ".svg":
		return FormatDAT
	case ".html", ".htm":
		return FormatHTML
	}
	if kind == KindScatter {
		return FormatDAT
	}
	return FormatHTML
}

// Generate builds and renders one report into dir.
func Generate(ctx context.Context, spec Spec, in Input, dir string) (*Artifact, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return nil, err
	}
	if in.Experiment == nil || in.Store == nil || in.Scores == nil {
		return nil, fmt.Errorf("report %s: incomplete input", spec.Name)
	}

	filters, err := spec.filters(ctx)
	if err != nil {
		return nil, err
	}
	units, err := filters.apply(ctx, in.Store.Rows())
	if err != nil {
		return nil, fmt.Errorf("failed to filter rows for report %s: %w", spec.Name, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	out := spec.Output
	if !filepath.IsAbs(out) {
		out = filepath.Join(dir, out)
	}

	art := &Artifact{Report: spec.Name, Kind: spec.Kind, Format: spec.Format}
	switch spec.Kind {
	case KindScatter:
		plot, err := BuildScatter(ctx, spec, in, units, filters.hasRego())
		if err != nil {
			return nil, err
		}
		art.Paths, err = RenderScatter(plot, spec.Format, out)
		if err != nil {
			return nil, err
		}
	default:
		table := BuildAbsolute(spec, in, units, filters.hasRego())
		if err := RenderAbsolute(table, spec.Format, out); err != nil {
			return nil, err
		}
		art.Paths = []string{out}
	}
	return art, nil
}

// algorithms returns the report's algorithm columns in order.
func (s Spec) algorithms(exp *engine.Experiment) []string {
	if len(s.FilterAlgorithm) > 0 {
		return append([]string(nil), s.FilterAlgorithm...)
	}
	out := make([]string, 0, len(exp.Algorithms))
	for _, a := range exp.Algorithms {
		out = append(out, a.Name)
	}
	return out
}

// problems returns the expected problems that pass the domain filter. When a
// rego predicate is set, problems without any included unit are dropped.
func (s Spec) problems(exp *engine.Experiment, units []ledger.Row, regoFiltered bool) []engine.ProblemInstance {
	domains := toSet(s.FilterDomain)
	present := make(map[string]bool)
	if regoFiltered {
		for _, u := range units {
			if p, ok := u.Attrs.Str(ledger.AttrProblem); ok {
				present[p] = true
			}
		}
	}

	var out []engine.ProblemInstance
	for _, p := range exp.Problems() {
		if len(domains) > 0 && !domains[p.Domain] {
			continue
		}
		if regoFiltered && !present[p.ID()] {
			continue
		}
		out = append(out, p)
	}
	return out
}

func toSet(xs []string) map[string]bool {
	if len(xs) == 0 {
		return nil
	}
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}
