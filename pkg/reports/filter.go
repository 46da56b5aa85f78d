package reports

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
)

// RegoQuery is the rule a rego row filter must define.
const RegoQuery = "data.benchlab.filter.include"

// Filter decides whether a unit row takes part in a report.
type Filter interface {
	Include(ctx context.Context, row ledger.Row) (bool, error)
}

// AttributeFilter keeps rows whose string attribute is one of Values.
type AttributeFilter struct {
	Attribute string
	Values    map[string]bool
}

// Include implements Filter.
func (f AttributeFilter) Include(_ context.Context, row ledger.Row) (bool, error) {
	v, ok := row.Attrs.Str(f.Attribute)
	return ok && f.Values[v], nil
}

// RegoFilter evaluates data.benchlab.filter.include with the row attributes
// as input. An undefined result excludes the row.
type RegoFilter struct {
	query rego.PreparedEvalQuery
}

// NewRegoFilter compiles a rego module.
func NewRegoFilter(ctx context.Context, name, module string) (*RegoFilter, error) {
	r := rego.New(
		rego.Query(RegoQuery),
		rego.Module(name, module),
	)
	q, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid rego filter %s", name), err).
			WithCode(engine.ErrCodeValidation)
	}
	return &RegoFilter{query: q}, nil
}

// Include implements Filter.
func (f *RegoFilter) Include(ctx context.Context, row ledger.Row) (bool, error) {
	input := row.Attrs.ToMap()
	input[ledger.AttrID] = row.ID

	rs, err := f.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rego filter: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	include, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("rego filter returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return include, nil
}

type filterChain []Filter

func (s Spec) filters(ctx context.Context) (filterChain, error) {
	var chain filterChain
	if len(s.FilterAlgorithm) > 0 {
		chain = append(chain, AttributeFilter{Attribute: ledger.AttrAlgorithm, Values: toSet(s.FilterAlgorithm)})
	}
	if len(s.FilterDomain) > 0 {
		chain = append(chain, AttributeFilter{Attribute: ledger.AttrDomain, Values: toSet(s.FilterDomain)})
	}

	module, name := s.FilterRego, s.Name+".rego"
	if module == "" && s.FilterRegoFile != "" {
		data, err := os.ReadFile(s.FilterRegoFile)
		if err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("failed to read rego filter %s", s.FilterRegoFile), err)
		}
		module, name = string(data), s.FilterRegoFile
	}
	if module != "" {
		rf, err := NewRegoFilter(ctx, name, module)
		if err != nil {
			return nil, err
		}
		chain = append(chain, rf)
	}
	return chain, nil
}

func (c filterChain) apply(ctx context.Context, rows []ledger.Row) ([]ledger.Row, error) {
	out := make([]ledger.Row, 0, len(rows))
	for _, r := range rows {
		keep := true
		for _, f := range c {
			ok, err := f.Include(ctx, r)
			if err != nil {
				return nil, fmt.Errorf("unit %s: %w", r.ID, err)
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c filterChain) hasRego() bool {
	for _, f := range c {
		if _, ok := f.(*RegoFilter); ok {
			return true
		}
	}
	return false
}
