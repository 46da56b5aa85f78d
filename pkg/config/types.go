package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/environments"
	"github.com/openfroyo/benchlab/pkg/fetcher"
	"github.com/openfroyo/benchlab/pkg/reports"
	"github.com/openfroyo/benchlab/pkg/scoring"
)

// Seconds is a duration written as a number of seconds in experiment files.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Experiment is an experiment file as written by the user, in any of the
// supported formats. ToEngine resolves it into an engine.Experiment.
type Experiment struct {
	// ID identifies the experiment in the catalog. It defaults to Name.
	ID string `json:"id,omitempty" yaml:"id"`

	// Name is the human-readable experiment name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Path is the experiment output directory, relative to the file.
	Path string `json:"path" yaml:"path"`

	// NumRuns is the number of repeat runs per (algorithm, problem).
	NumRuns int `json:"num_runs" yaml:"num_runs" validate:"gte=0"`

	// TimePerStep is the per-step deliberation budget.
	TimePerStep Seconds `json:"time_per_step,omitempty" yaml:"time_per_step" validate:"gte=0"`

	// TimeLimit is the default wall-clock limit per unit.
	TimeLimit Seconds `json:"time_limit,omitempty" yaml:"time_limit" validate:"gte=0"`

	// MemoryLimit is the default memory limit per unit in MiB.
	MemoryLimit int `json:"memory_limit,omitempty" yaml:"memory_limit" validate:"gte=0"`

	// Parallelism is the default local worker count.
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism" validate:"gte=0"`

	Algorithms []AlgorithmSpec `json:"algorithms" yaml:"algorithms" validate:"dive"`
	Suites     []SuiteSpec     `json:"suites" yaml:"suites" validate:"dive"`

	// Environment selects where units run.
	Environment environments.Config `json:"environment" yaml:"environment"`

	// Parsers names the parser chain ("reward", "json", "wasm:<path>").
	Parsers []string `json:"parsers,omitempty" yaml:"parsers"`

	// Patterns replaces the reward parser's default patterns.
	Patterns []fetcher.Pattern `json:"patterns,omitempty" yaml:"patterns" validate:"dive"`

	// ParseAgain registers the parse_again step.
	ParseAgain bool `json:"parse_again,omitempty" yaml:"parse_again"`

	// Scoring sets the normalization floor.
	Scoring scoring.Options `json:"scoring" yaml:"scoring"`

	// Reports are written by the report step.
	Reports []reports.Spec `json:"reports,omitempty" yaml:"reports" validate:"dive"`

	// Policies are extra policy files or directories.
	Policies []string `json:"policies,omitempty" yaml:"policies"`

	// BaseDir is the directory relative paths are resolved against.
	BaseDir string `json:"-" yaml:"-"`
}

// AlgorithmSpec is one algorithm entry of an experiment file.
type AlgorithmSpec struct {
	Name         string   `json:"name" yaml:"name" validate:"required"`
	Repo         string   `json:"repo,omitempty" yaml:"repo"`
	Rev          string   `json:"rev,omitempty" yaml:"rev"`
	Config       string   `json:"config,omitempty" yaml:"config"`
	BuildCommand []string `json:"build_command,omitempty" yaml:"build_command"`
	BuildOptions []string `json:"build_options,omitempty" yaml:"build_options"`
	Command      []string `json:"command" yaml:"command" validate:"required,min=1"`
}

// SuiteSpec is one problem suite. Problems may be listed in full or as
// instance names expanded through PathTemplate.
type SuiteSpec struct {
	ID     string `json:"id" yaml:"id" validate:"required"`
	Domain string `json:"domain" yaml:"domain" validate:"required"`

	// PathTemplate builds problem paths from {suite}, {domain} and {instance}.
	PathTemplate string `json:"path_template,omitempty" yaml:"path_template"`

	// Steps is the default horizon of the suite's problems.
	Steps int `json:"steps,omitempty" yaml:"steps" validate:"gte=0"`

	Instances []string      `json:"instances,omitempty" yaml:"instances"`
	Problems  []ProblemSpec `json:"problems,omitempty" yaml:"problems" validate:"dive"`
}

// ProblemSpec is one explicitly listed problem.
type ProblemSpec struct {
	Instance    string  `json:"instance" yaml:"instance" validate:"required"`
	Path        string  `json:"path,omitempty" yaml:"path"`
	Steps       int     `json:"steps,omitempty" yaml:"steps" validate:"gte=0"`
	TimeLimit   Seconds `json:"time_limit,omitempty" yaml:"time_limit" validate:"gte=0"`
	MemoryLimit int     `json:"memory_limit,omitempty" yaml:"memory_limit" validate:"gte=0"`
}

// NewExperiment returns an experiment with default settings.
func NewExperiment() *Experiment {
	return &Experiment{
		NumRuns:     1,
		Environment: environments.DefaultConfig(),
	}
}

// ToEngine resolves the file into the engine's experiment definition.
func (e *Experiment) ToEngine() *engine.Experiment {
	id := e.ID
	if id == "" {
		id = e.Name
	}

	exp := &engine.Experiment{
		ID:          id,
		Name:        e.Name,
		Path:        e.resolve(e.Path),
		NumRuns:     e.NumRuns,
		TimePerStep: e.TimePerStep.Duration(),
		Resources: engine.Resources{
			TimeLimit:      e.TimeLimit.Duration(),
			MemoryLimitMiB: e.MemoryLimit,
			Parallelism:    e.Parallelism,
		},
	}

	for _, a := range e.Algorithms {
		repo := a.Repo
		if repo != "" && !strings.Contains(repo, "://") && !strings.Contains(repo, "@") {
			repo = e.resolve(repo)
		}
		exp.Algorithms = append(exp.Algorithms, engine.AlgorithmConfig{
			Name:         a.Name,
			Repo:         repo,
			Revision:     a.Rev,
			Config:       a.Config,
			BuildCommand: a.BuildCommand,
			BuildOptions: a.BuildOptions,
			Command:      a.Command,
		})
	}

	for _, s := range e.Suites {
		suite := engine.Suite{ID: s.ID, Domain: s.Domain}
		for _, inst := range s.Instances {
			suite.Problems = append(suite.Problems, engine.ProblemInstance{
				Suite:    s.ID,
				Domain:   s.Domain,
				Instance: inst,
				Path:     e.resolve(s.problemPath(inst)),
				Steps:    s.Steps,
			})
		}
		for _, p := range s.Problems {
			path := p.Path
			if path == "" {
				path = s.problemPath(p.Instance)
			}
			steps := p.Steps
			if steps == 0 {
				steps = s.Steps
			}
			suite.Problems = append(suite.Problems, engine.ProblemInstance{
				Suite:          s.ID,
				Domain:         s.Domain,
				Instance:       p.Instance,
				Path:           e.resolve(path),
				Steps:          steps,
				TimeLimit:      p.TimeLimit.Duration(),
				MemoryLimitMiB: p.MemoryLimit,
			})
		}
		exp.Suites = append(exp.Suites, suite)
	}

	return exp
}

func (s SuiteSpec) problemPath(instance string) string {
	if s.PathTemplate == "" {
		return ""
	}
	return strings.NewReplacer("{suite}", s.ID, "{domain}", s.Domain, "{instance}", instance).
		Replace(s.PathTemplate)
}

// resolve makes a relative path absolute against BaseDir. Empty stays empty.
func (e *Experiment) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || e.BaseDir == "" {
		return path
	}
	return filepath.Join(e.BaseDir, path)
}

// PolicyPaths returns the extra policy paths resolved against BaseDir.
func (e *Experiment) PolicyPaths() []string {
	out := make([]string, len(e.Policies))
	for i, p := range e.Policies {
		out[i] = e.resolve(p)
	}
	return out
}

// ParserChain builds the configured parser chain.
func (e *Experiment) ParserChain(ctx context.Context) (fetcher.Chain, error) {
	if len(e.Patterns) == 0 {
		return fetcher.NewChain(ctx, e.Parsers)
	}

	names := e.Parsers
	if len(names) == 0 {
		names = []string{"reward"}
	}
	chain := make(fetcher.Chain, 0, len(names))
	for _, name := range names {
		var (
			p   fetcher.Parser
			err error
		)
		if name == "reward" {
			p, err = fetcher.NewRewardParserWithPatterns(e.Patterns)
		} else {
			p, err = fetcher.NewParser(ctx, name)
		}
		if err != nil {
			_ = chain.Close(ctx)
			return nil, err
		}
		chain = append(chain, p)
	}
	return chain, nil
}

// ParsedConfig is the result of parsing experiment sources.
type ParsedConfig struct {
	// Experiment is the decoded experiment, nil when Errors is not empty.
	Experiment *Experiment `json:"experiment,omitempty"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err converts the collected errors into a fatal configuration error.
func (pc *ParsedConfig) Err() error {
	if len(pc.Errors) == 0 {
		return nil
	}
	err := engine.NewConfigError(fmt.Sprintf("%d configuration error(s): %s", len(pc.Errors), pc.Errors[0]), nil).
		WithCode(engine.ErrCodeValidation)
	for i, ve := range pc.Errors {
		err = err.WithDetail(fmt.Sprintf("error_%d", i), ve.String())
	}
	return err
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value (e.g., "experiment.algorithms.0.name").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (v ValidationError) String() string {
	var b strings.Builder
	if v.File != "" {
		b.WriteString(v.File)
		if v.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", v.Line, v.Column)
		}
		b.WriteString(": ")
	}
	if v.Path != "" {
		b.WriteString(v.Path)
		b.WriteString(": ")
	}
	b.WriteString(v.Message)
	return b.String()
}
