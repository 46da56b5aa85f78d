// Package lab assembles one experiment into a runnable step pipeline.
//
// A Lab owns the resolved experiment, its run units and the collaborators of
// every step: the builder, the execution environment, the fetcher, the
// scorer and the reports. When a catalog path is set, the experiment, its
// units, host facts, pipeline events and the final properties are mirrored
// into a SQLite catalog.
package lab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/benchlab/pkg/builder"
	"github.com/openfroyo/benchlab/pkg/config"
	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/environments"
	"github.com/openfroyo/benchlab/pkg/fetcher"
	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/reports"
	"github.com/openfroyo/benchlab/pkg/scoring"
	"github.com/openfroyo/benchlab/pkg/stores"
	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// Options override the experiment file and replace collaborators.
type Options struct {
	// Environment overrides the environment kind ("local" or "slurm").
	Environment string

	// Parallelism overrides the local worker count.
	Parallelism int

	// Floor overrides the scoring floor of every problem, including the
	// per-problem floors and floor algorithms of the experiment file.
	Floor *float64

	// CatalogPath enables the SQLite catalog mirror.
	CatalogPath string

	// FactNamespaces are collected from the environment before units run.
	// Empty collects the default namespaces.
	FactNamespaces []string

	// Builder replaces the git builder.
	Builder engine.Builder

	// Runner replaces the local process runner.
	Runner engine.UnitRunner

	// Shell replaces the Slurm command channel.
	Shell environments.Shell
}

// Lab is one experiment ready to run.
type Lab struct {
	cfg     *config.Experiment
	exp     *engine.Experiment
	units   []*engine.RunUnit
	opts    Options
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	builder engine.Builder
	fetcher *fetcher.Fetcher
	chain   fetcher.Chain
	catalog *stores.SQLiteStore

	// store is the ledger of the current run, loaded lazily.
	store *ledger.Store
}

// New resolves cfg, expands its units and restores their recorded status.
// Every configuration error is reported here, before any step runs.
func New(ctx context.Context, cfg *config.Experiment, tel *telemetry.Telemetry, opts Options) (*Lab, error) {
	if tel == nil {
		tel = telemetry.NopTelemetry()
	}
	if opts.Environment != "" {
		cfg.Environment.Kind = opts.Environment
	}
	if opts.Parallelism > 0 {
		cfg.Parallelism = opts.Parallelism
		cfg.Environment.Local.Processes = opts.Parallelism
	}
	if opts.Floor != nil {
		floor := *opts.Floor
		cfg.Scoring.Floor = &floor
		cfg.Scoring.Floors = nil
	}
	if err := cfg.Environment.Validate(); err != nil {
		return nil, err
	}
	for i, spec := range cfg.Reports {
		normalized, err := spec.Normalize()
		if err != nil {
			return nil, err
		}
		cfg.Reports[i] = normalized
	}

	exp := cfg.ToEngine()
	units, err := exp.BuildUnits()
	if err != nil {
		return nil, err
	}
	terminal, err := engine.RestoreStatus(units)
	if err != nil {
		return nil, fmt.Errorf("failed to restore unit status: %w", err)
	}

	chain, err := cfg.ParserChain(ctx)
	if err != nil {
		return nil, engine.NewConfigError("failed to build parser chain", err).WithCode(engine.ErrCodeValidation)
	}

	l := &Lab{
		cfg:     cfg,
		exp:     exp,
		units:   units,
		opts:    opts,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("lab").WithExperiment(exp.ID),
		builder: opts.Builder,
		fetcher: fetcher.New(exp.ID, chain, tel),
		chain:   chain,
	}
	if l.builder == nil {
		l.builder = builder.New(tel.Logger)
	}

	if opts.CatalogPath != "" {
		if err := l.openCatalog(ctx); err != nil {
			_ = chain.Close(ctx)
			return nil, err
		}
	}

	l.logger.WithFields(map[string]interface{}{
		"units":    len(units),
		"terminal": terminal,
		"env":      cfg.Environment.Kind,
	}).Info("experiment loaded")
	return l, nil
}

func (l *Lab) openCatalog(ctx context.Context) error {
	catalog, err := stores.Open(ctx, l.opts.CatalogPath)
	if err != nil {
		return err
	}
	entry, err := stores.ExperimentEntry(l.exp)
	if err != nil {
		_ = catalog.Close()
		return err
	}
	if err := catalog.UpsertExperiment(ctx, entry); err != nil {
		_ = catalog.Close()
		return err
	}
	if err := catalog.UpsertUnits(ctx, stores.UnitEntries(l.exp.ID, l.units)); err != nil {
		_ = catalog.Close()
		return err
	}
	catalog.Subscribe(l.tel.Events, l.tel.Logger)
	l.catalog = catalog
	return nil
}

// Experiment returns the resolved experiment.
func (l *Lab) Experiment() *engine.Experiment { return l.exp }

// Units returns every run unit of the experiment.
func (l *Lab) Units() []*engine.RunUnit { return l.units }

// Catalog returns the catalog, or nil when it is disabled.
func (l *Lab) Catalog() *stores.SQLiteStore { return l.catalog }

// Pipeline registers the experiment's steps. parse_again is registered only
// when the experiment asks for it.
func (l *Lab) Pipeline() (*engine.Pipeline, error) {
	actions := map[engine.StepName]engine.StepAction{
		engine.StepBuild:      l.Build,
		engine.StepStart:      l.Start,
		engine.StepFetch:      l.Fetch,
		engine.StepParseAgain: l.ParseAgain,
		engine.StepReport:     l.Report,
	}

	p := engine.NewPipeline(l.exp.ID, l.tel)
	for _, name := range engine.KnownSteps {
		if name == engine.StepParseAgain && !l.cfg.ParseAgain {
			continue
		}
		if err := p.AddStep(name, actions[name]); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Run runs the selected steps, or all registered steps, and records the
// outcome in the catalog.
func (l *Lab) Run(ctx context.Context, selected ...engine.StepName) (*engine.PipelineResult, error) {
	p, err := l.Pipeline()
	if err != nil {
		return nil, err
	}
	l.setStatus(ctx, stores.ExperimentStatusRunning, nil)

	result, err := p.RunSteps(ctx, selected...)
	cause := err
	if cause == nil && result != nil {
		for _, s := range result.Steps {
			if s.Err != nil {
				cause = s.Err
				break
			}
		}
	}
	if cause != nil {
		l.setStatus(ctx, stores.ExperimentStatusFailed, cause)
	} else {
		l.setStatus(ctx, stores.ExperimentStatusCompleted, nil)
	}
	return result, err
}

func (l *Lab) setStatus(ctx context.Context, status stores.ExperimentStatus, cause error) {
	if l.catalog == nil {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	// the run context may already be cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.catalog.UpdateExperimentStatus(ctx, l.exp.ID, status, msg); err != nil {
		l.logger.WithError(err).Warn("failed to record experiment status")
	}
}

// Build checks out and compiles every algorithm.
func (l *Lab) Build(ctx context.Context) error {
	return l.builder.Build(ctx, l.exp)
}

// Start runs every unit that is not yet terminal and parses the outputs of
// the units that finished. Unit failures are recorded, never returned.
func (l *Lab) Start(ctx context.Context) error {
	env, err := environments.New(l.cfg.Environment, environments.Deps{
		Experiment: l.exp,
		Telemetry:  l.tel,
		Runner:     l.opts.Runner,
		Shell:      l.opts.Shell,
	})
	if err != nil {
		return err
	}

	var pending []*engine.RunUnit
	for _, u := range l.units {
		if !u.Status.IsTerminal() {
			pending = append(pending, u)
		}
	}
	skipped := len(l.units) - len(pending)
	if len(pending) == 0 {
		l.logger.Info("every unit is already terminal")
		return nil
	}

	l.recordFacts(ctx, env)

	l.tel.Metrics.SetQueuedUnits(float64(len(pending)))
	timer := telemetry.NewTimer()
	results, schedErr := env.Schedule(ctx, pending, l.exp.Resources)
	l.tel.Metrics.SetQueuedUnits(0)

	summary := engine.Summarize(results, skipped, timer.Duration())
	l.logger.WithFields(map[string]interface{}{
		"done":              summary.Done,
		"failed":            summary.Failed,
		"resource_exceeded": summary.ResourceExceeded,
		"skipped":           summary.Skipped,
	}).Infof("batch finished in %s", summary.Duration.Round(time.Millisecond))

	for _, u := range pending {
		if !u.Status.IsTerminal() {
			continue
		}
		if _, err := l.fetcher.ParseUnit(ctx, u); err != nil {
			l.logger.WithUnit(u.ID).WithError(err).Warn("failed to write unit properties")
		}
	}
	l.mirrorRecords(ctx, pending)

	if schedErr != nil {
		return fmt.Errorf("failed to schedule units: %w", schedErr)
	}
	return nil
}

// recordFacts stores the facts of the machine running the units.
func (l *Lab) recordFacts(ctx context.Context, env engine.Environment) {
	if l.catalog == nil {
		return
	}
	source, ok := env.(environments.FactsSource)
	if !ok {
		return
	}
	facts, err := source.Facts(ctx, l.opts.FactNamespaces)
	if err != nil {
		l.logger.WithError(err).Warn("failed to collect host facts")
		return
	}
	for ns, value := range facts.Facts {
		data, err := json.Marshal(value)
		if err != nil {
			continue
		}
		err = l.catalog.UpsertFact(ctx, &stores.Fact{
			ExperimentID: l.exp.ID,
			Host:         facts.Host,
			Namespace:    ns,
			Value:        string(data),
			CollectedAt:  facts.CollectedAt,
		})
		if err != nil {
			l.logger.WithError(err).Warnf("failed to record %s facts", ns)
		}
	}
}

// mirrorRecords copies the execution records of units into the catalog.
func (l *Lab) mirrorRecords(ctx context.Context, units []*engine.RunUnit) {
	if l.catalog == nil {
		return
	}
	entries := make([]*stores.Unit, 0, len(units))
	for _, u := range units {
		rec, err := engine.ReadRecord(u.Dir)
		if err != nil || rec == nil {
			continue
		}
		entries = append(entries, stores.RecordEntry(l.exp.ID, rec))
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := l.catalog.UpsertUnits(ctx, entries); err != nil {
		l.logger.WithError(err).Warn("failed to mirror unit records")
	}
}

// Fetch merges every unit into the properties file.
func (l *Lab) Fetch(ctx context.Context) error {
	return l.fetch(ctx, false)
}

// ParseAgain re-parses the raw outputs of every unit into the properties
// file. No algorithm runs again.
func (l *Lab) ParseAgain(ctx context.Context) error {
	return l.fetch(ctx, true)
}

func (l *Lab) fetch(ctx context.Context, reparse bool) error {
	store, sum, err := l.fetcher.FetchExperiment(ctx, l.exp, l.units, reparse)
	if err != nil {
		return err
	}
	l.store = store
	if len(sum.Conflicts) > 0 {
		l.logger.Warnf("%d attribute conflicts kept their recorded value", len(sum.Conflicts))
	}
	return l.syncCatalog(ctx)
}

// Report scores the properties file and writes every configured report.
// It reads the properties file as it is and never parses unit outputs.
func (l *Lab) Report(ctx context.Context) error {
	store, err := l.ledger()
	if err != nil {
		return err
	}

	scores := l.Score(store)
	if err := store.Save(l.exp.PropertiesPath()); err != nil {
		return fmt.Errorf("failed to save scored properties: %w", err)
	}
	for alg, score := range scores.Aggregates {
		l.tel.Metrics.SetAggregateScore(alg, score)
	}
	l.tel.Metrics.SetCoverage(overallCoverage(reports.Coverage(l.exp, store.Rows())))

	in := reports.Input{Experiment: l.exp, Store: store, Scores: scores}
	for _, spec := range l.cfg.Reports {
		art, err := reports.Generate(ctx, spec, in, l.exp.ReportDir())
		if err != nil {
			return fmt.Errorf("failed to generate report %s: %w", spec.Name, err)
		}
		l.logger.WithField("report", art.Report).Infof("wrote %v", art.Paths)
	}
	return l.syncCatalog(ctx)
}

// Score runs the scorer over store with the experiment's algorithms and
// expected problems.
func (l *Lab) Score(store *ledger.Store) *scoring.Result {
	algorithms := make([]string, 0, len(l.exp.Algorithms))
	for _, a := range l.exp.Algorithms {
		algorithms = append(algorithms, a.Name)
	}
	problems := make([]string, 0)
	for _, p := range l.exp.Problems() {
		problems = append(problems, p.ID())
	}
	return scoring.ScoreLedger(store, algorithms, problems, l.cfg.Scoring)
}

// ledger returns the ledger of this run, loading the properties file when no
// fetch ran.
func (l *Lab) ledger() (*ledger.Store, error) {
	if l.store != nil {
		return l.store, nil
	}
	store, err := ledger.Load(l.exp.PropertiesPath())
	if err != nil {
		return nil, err
	}
	l.store = store
	return store, nil
}

func (l *Lab) syncCatalog(ctx context.Context) error {
	if l.catalog == nil || l.store == nil {
		return nil
	}
	n, err := l.catalog.SyncProperties(ctx, l.exp.ID, l.store)
	if err != nil {
		l.logger.WithError(err).Warn("failed to mirror properties")
		return nil
	}
	l.logger.Debugf("mirrored %d property rows", n)
	return nil
}

// Close drains pending events into the catalog and releases the parsers and
// the catalog.
func (l *Lab) Close(ctx context.Context) error {
	var firstErr error
	if l.catalog != nil {
		if err := l.tel.Events.Shutdown(ctx); err != nil {
			firstErr = err
		}
		if err := l.catalog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.chain.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func overallCoverage(cells []reports.CoverageCell) float64 {
	done, expected := 0, 0
	for _, c := range cells {
		done += c.Done
		expected += c.Expected
	}
	if expected == 0 {
		return 0
	}
	return float64(done) / float64(expected)
}
