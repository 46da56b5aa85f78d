package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/scoring"
	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// Summary describes one fetch or parse-again pass.
type Summary struct {
	// Units is the number of units merged into the ledger.
	Units int `json:"units"`

	// Parsed counts units whose outputs were parsed in this pass.
	Parsed int `json:"parsed"`

	// Cached counts units whose properties were read from their directory.
	Cached int `json:"cached"`

	// Warnings counts parser failures.
	Warnings int `json:"warnings"`

	// Conflicts lists "unit/attribute" pairs rejected by the ledger.
	Conflicts []string `json:"conflicts,omitempty"`
}

// Fetcher parses unit directories and merges them into the properties ledger.
type Fetcher struct {
	experimentID string
	chain        Chain
	tel          *telemetry.Telemetry
	logger       *telemetry.Logger
}

// New creates a fetcher. A nil telemetry records nothing.
func New(experimentID string, chain Chain, tel *telemetry.Telemetry) *Fetcher {
	if tel == nil {
		tel = telemetry.NopTelemetry()
	}
	if len(chain) == 0 {
		chain = Chain{NewRewardParser()}
	}
	return &Fetcher{
		experimentID: experimentID,
		chain:        chain,
		tel:          tel,
		logger:       tel.Logger.NewComponentLogger("fetcher").WithExperiment(experimentID),
	}
}

// ParseUnit builds the attributes of one unit from its execution record and
// raw outputs, and writes them to the unit's properties file. Units that never
// ran get an identity row and no file. The error is only for I/O failures
// writing the properties file.
func (f *Fetcher) ParseUnit(ctx context.Context, unit *engine.RunUnit) (ledger.Attributes, error) {
	attrs := identity(unit)

	rec, err := engine.ReadRecord(unit.Dir)
	if err != nil {
		f.warn(unit, "record", err)
		attrs[ledger.AttrParseWarnings] = ledger.Int(1)
		attrs[ledger.AttrParseError] = ledger.String("record: " + err.Error())
		return attrs, nil
	}
	if rec == nil {
		attrs[ledger.AttrUnitStatus] = ledger.String(string(unit.Status))
		return attrs, nil
	}
	for k, v := range recordAttributes(rec) {
		attrs[k] = v
	}

	parsed, warnings := f.chain.Parse(ctx, unit.Dir)
	for k, v := range parsed {
		attrs[k] = v
	}
	for k, v := range scoring.Derive(attrs) {
		attrs[k] = v
	}

	msgs := make([]string, 0, len(warnings))
	for _, w := range warnings {
		// an algorithm that crashed is expected to leave no output
		if rec.Status != engine.UnitStatusDone && isMissingOutput(w.Err) {
			continue
		}
		f.warn(unit, w.Parser, w.Err)
		msgs = append(msgs, w.String())
	}
	attrs[ledger.AttrParseWarnings] = ledger.Int(len(msgs))
	attrs[ledger.AttrParseError] = ledger.String(strings.Join(msgs, "; "))

	unit.Metrics = attrs
	if err := WriteProperties(unit.Dir, attrs); err != nil {
		return attrs, err
	}
	return attrs, nil
}

// Fetch merges every unit into store. Units with a properties file are read
// as they are; the others are parsed first.
func (f *Fetcher) Fetch(ctx context.Context, units []*engine.RunUnit, store *ledger.Store) (Summary, error) {
	return f.merge(ctx, units, store, false)
}

// ParseAgain re-parses every unit's existing raw outputs and merges the
// result into store. Algorithms are never re-run.
func (f *Fetcher) ParseAgain(ctx context.Context, units []*engine.RunUnit, store *ledger.Store) (Summary, error) {
	return f.merge(ctx, units, store, true)
}

func (f *Fetcher) merge(ctx context.Context, units []*engine.RunUnit, store *ledger.Store, reparse bool) (Summary, error) {
	var sum Summary
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		var attrs ledger.Attributes
		cached := false
		if !reparse {
			props, err := ReadProperties(unit.Dir)
			if err != nil {
				f.warn(unit, "properties", err)
				sum.Warnings++
			}
			if props != nil {
				attrs, cached = props, true
			}
		}
		if !cached {
			parsed, err := f.ParseUnit(ctx, unit)
			if err != nil {
				return sum, err
			}
			attrs = parsed
			sum.Parsed++
		} else {
			sum.Cached++
		}
		if n, ok := attrs.Float(ledger.AttrParseWarnings); ok && !cached {
			sum.Warnings += int(n)
		}

		res := store.Merge(unit.ID, attrs)
		for _, c := range res.Conflicts {
			f.logger.WithUnit(unit.ID).WithField("attribute", c).Warn("attribute kind conflict, keeping recorded value")
			sum.Conflicts = append(sum.Conflicts, unit.ID+"/"+c)
		}
		sum.Units++
	}
	return sum, nil
}

// FetchExperiment loads the experiment ledger, merges units into it and saves it.
func (f *Fetcher) FetchExperiment(ctx context.Context, exp *engine.Experiment, units []*engine.RunUnit, reparse bool) (*ledger.Store, Summary, error) {
	store, err := ledger.Load(exp.PropertiesPath())
	if err != nil {
		return nil, Summary{}, err
	}
	sum, err := f.merge(ctx, units, store, reparse)
	if err != nil {
		return store, sum, err
	}
	if err := store.Save(exp.PropertiesPath()); err != nil {
		return store, sum, err
	}
	f.logger.WithFields(map[string]interface{}{
		"units":    sum.Units,
		"parsed":   sum.Parsed,
		"warnings": sum.Warnings,
	}).Info("properties updated")
	return store, sum, nil
}

func (f *Fetcher) warn(unit *engine.RunUnit, parser string, err error) {
	f.logger.WithUnit(unit.ID).WithField("parser", parser).WithError(err).Warn("parse warning")
	f.tel.Metrics.RecordParseWarning(parser)
	_ = f.tel.Events.Publish(telemetry.Event{
		Type:         telemetry.EventTypeParseWarning,
		ExperimentID: f.experimentID,
		UnitID:       unit.ID,
		Message:      parser + ": " + err.Error(),
		Level:        telemetry.EventLevelWarning,
		Data:         map[string]interface{}{"parser": parser},
	})
}

func identity(unit *engine.RunUnit) ledger.Attributes {
	attrs := ledger.Attributes{
		ledger.AttrID:        ledger.String(unit.ID),
		ledger.AttrAlgorithm: ledger.String(unit.Algorithm),
		ledger.AttrDomain:    ledger.String(unit.Problem.Domain),
		ledger.AttrProblem:   ledger.String(unit.Problem.ID()),
		ledger.AttrSeed:      ledger.Int(unit.Seed),
	}
	if unit.Problem.Suite != "" {
		attrs[ledger.AttrSuite] = ledger.String(unit.Problem.Suite)
	}
	return attrs
}

func recordAttributes(rec *engine.UnitRecord) ledger.Attributes {
	attrs := ledger.Attributes{
		ledger.AttrUnitStatus: ledger.String(string(rec.Status)),
		ledger.AttrExitCode:   ledger.Int(rec.ExitCode),
		ledger.AttrWallTime:   ledger.Number(rec.WallTime),
		ledger.AttrTime:       ledger.Number(rec.WallTime),
		ledger.AttrError:      ledger.String(rec.Error),
		ledger.AttrErrorClass: ledger.String(string(rec.ErrorClass)),
	}
	if rec.TimeLimit > 0 {
		attrs[ledger.AttrTimeLimit] = ledger.Number(rec.TimeLimit)
	}
	if rec.MemoryLimitMiB > 0 {
		attrs[ledger.AttrMemoryLimit] = ledger.Int(rec.MemoryLimitMiB)
	}
	if rec.Attempts > 0 {
		attrs[ledger.AttrSchedulerTries] = ledger.Int(rec.Attempts)
	}
	return attrs
}

func isMissingOutput(err error) bool {
	var be *engine.BenchError
	return errors.As(err, &be) && be.Code == engine.ErrCodeMissingOutput
}

// WriteProperties writes a unit's attributes as an indented JSON object with sorted keys.
func WriteProperties(dir string, attrs ledger.Attributes) error {
	data, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode unit properties: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, engine.PropertiesFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write unit properties: %w", err)
	}
	return nil
}

// ReadProperties reads a unit's properties file. It returns (nil, nil) if there is none.
func ReadProperties(dir string) (ledger.Attributes, error) {
	data, err := os.ReadFile(filepath.Join(dir, engine.PropertiesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read unit properties: %w", err)
	}
	var attrs ledger.Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode unit properties %s: %w", dir, err)
	}
	return attrs, nil
}
