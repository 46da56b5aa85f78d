package lab

import (
	"context"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/reports"
)

// Status summarizes the progress of an experiment.
type Status struct {
	Experiment string `json:"experiment"`
	Expected   int    `json:"expected"`

	// Units counts units by the status recorded in the properties file.
	// Units missing from the file are pending.
	Units map[engine.UnitStatus]int `json:"units"`

	// Catalog counts units by the status mirrored in the catalog. It is nil
	// when the catalog is disabled.
	Catalog map[engine.UnitStatus]int `json:"catalog,omitempty"`

	Coverage   []reports.CoverageCell `json:"coverage"`
	Aggregates map[string]float64     `json:"aggregates"`
}

// Status reads the properties file and the catalog. The properties file is
// scored in memory and left unchanged.
func (l *Lab) Status(ctx context.Context) (*Status, error) {
	store, err := ledger.Load(l.exp.PropertiesPath())
	if err != nil {
		return nil, err
	}

	st := &Status{
		Experiment: l.exp.ID,
		Expected:   l.exp.ExpectedUnits(),
		Units:      make(map[engine.UnitStatus]int),
	}
	for _, u := range l.units {
		status := engine.UnitStatusPending
		if attrs, ok := store.Get(u.ID); ok {
			if s, ok := attrs.Str(ledger.AttrUnitStatus); ok && s != "" {
				status = engine.UnitStatus(s)
			}
		}
		st.Units[status]++
	}

	st.Coverage = reports.Coverage(l.exp, store.Rows())
	st.Aggregates = l.Score(store).Aggregates

	if l.catalog != nil {
		counts, err := l.catalog.CountUnits(ctx, l.exp.ID)
		if err != nil {
			return nil, err
		}
		st.Catalog = counts
	}
	return st, nil
}
