package engine

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TimeLimitOverhead is added to step-derived time limits to cover planner startup.
const TimeLimitOverhead = 30 * time.Second

// Experiment is the fully resolved definition of one benchmark experiment.
type Experiment struct {
	// ID is the unique experiment identifier.
	ID string `json:"id"`

	// Name is the human-readable experiment name.
	Name string `json:"name"`

	// Path is the experiment output directory.
	Path string `json:"path"`

	// Algorithms lists the algorithm configurations, in report order.
	Algorithms []AlgorithmConfig `json:"algorithms"`

	// Suites lists the problem suites, in report order.
	Suites []Suite `json:"suites"`

	// NumRuns is the number of repeat runs per (algorithm, problem).
	NumRuns int `json:"num_runs"`

	// TimePerStep is the per-step deliberation budget handed to the planner.
	TimePerStep time.Duration `json:"time_per_step"`

	// Resources are the default execution bounds.
	Resources Resources `json:"resources"`
}

// Validate checks the experiment for configuration errors that must halt the run.
func (e *Experiment) Validate() error {
	if strings.TrimSpace(e.Path) == "" {
		return NewConfigError("experiment has no output path", nil).WithCode(ErrCodeNoOutputPath)
	}
	if len(e.Algorithms) == 0 {
		return NewConfigError("experiment has no algorithms", nil).WithCode(ErrCodeValidation)
	}
	if e.NumRuns < 1 {
		return NewConfigError(fmt.Sprintf("num_runs must be at least 1, got %d", e.NumRuns), nil).
			WithCode(ErrCodeValidation)
	}

	// every unit directory is private: distinct names must map to distinct
	// directory segments
	names := make(map[string]bool, len(e.Algorithms))
	algDirs := make(map[string]string, len(e.Algorithms))
	for _, a := range e.Algorithms {
		if a.Name == "" {
			return NewConfigError("algorithm has empty name", nil).WithCode(ErrCodeValidation)
		}
		if names[a.Name] {
			return NewConfigError(fmt.Sprintf("duplicate algorithm name: %s", a.Name), nil).
				WithCode(ErrCodeValidation)
		}
		names[a.Name] = true
		seg, err := pathSegment("algorithm", a.Name)
		if err != nil {
			return err
		}
		if other, ok := algDirs[seg]; ok {
			return NewConfigError(fmt.Sprintf("algorithms %q and %q share the output directory %s", other, a.Name, seg), nil).
				WithCode(ErrCodeValidation)
		}
		algDirs[seg] = a.Name
		if len(a.Command) == 0 {
			return NewConfigError(fmt.Sprintf("algorithm %s has no command", a.Name), nil).
				WithCode(ErrCodeValidation)
		}
	}

	problems := make(map[string]bool)
	problemDirs := make(map[string]string)
	for _, p := range e.Problems() {
		if p.Domain == "" || p.Instance == "" {
			return NewConfigError(fmt.Sprintf("suite %s has a problem without domain or instance", p.Suite), nil).
				WithCode(ErrCodeValidation)
		}
		if problems[p.ID()] {
			return NewConfigError(fmt.Sprintf("duplicate problem: %s", p.ID()), nil).
				WithCode(ErrCodeValidation)
		}
		problems[p.ID()] = true

		domain, err := pathSegment("domain", p.Domain)
		if err != nil {
			return err
		}
		instance, err := pathSegment("instance", p.Instance)
		if err != nil {
			return err
		}
		key := filepath.Join(domain, instance)
		if other, ok := problemDirs[key]; ok {
			return NewConfigError(fmt.Sprintf("problems %s and %s share the output directory %s", other, p.ID(), key), nil).
				WithCode(ErrCodeValidation)
		}
		problemDirs[key] = p.ID()
	}
	if len(problems) == 0 {
		return NewConfigError("experiment has no problems", nil).WithCode(ErrCodeValidation)
	}

	return nil
}

// Problems returns all problems across suites in suite order.
func (e *Experiment) Problems() []ProblemInstance {
	var out []ProblemInstance
	for _, s := range e.Suites {
		for _, p := range s.Problems {
			if p.Suite == "" {
				p.Suite = s.ID
			}
			if p.Domain == "" {
				p.Domain = s.Domain
			}
			out = append(out, p)
		}
	}
	return out
}

// ExpectedUnits returns |algorithms| × |problems| × num_runs.
func (e *Experiment) ExpectedUnits() int {
	return len(e.Algorithms) * len(e.Problems()) * e.NumRuns
}

// Algorithm looks up an algorithm by name.
func (e *Experiment) Algorithm(name string) (AlgorithmConfig, bool) {
	for _, a := range e.Algorithms {
		if a.Name == name {
			return a, true
		}
	}
	return AlgorithmConfig{}, false
}

// BuildDir returns the checkout directory for an algorithm, or "" if it is prebuilt.
func (e *Experiment) BuildDir(a AlgorithmConfig) string {
	key := a.BuildKey()
	if key == "" {
		return ""
	}
	return filepath.Join(e.Path, "code", key)
}

// PropertiesPath returns the path of the experiment-level properties file.
func (e *Experiment) PropertiesPath() string {
	return filepath.Join(e.Path, "properties")
}

// ReportDir returns the directory reports are written to.
func (e *Experiment) ReportDir() string {
	return filepath.Join(e.Path, "reports")
}

// EffectiveTimeLimit resolves the wall-clock limit for a problem.
// A problem's own limit wins, then a limit derived from time_per_step and the
// number of steps, then the experiment default.
func (e *Experiment) EffectiveTimeLimit(p ProblemInstance) time.Duration {
	if p.TimeLimit > 0 {
		return p.TimeLimit
	}
	if e.TimePerStep > 0 && p.Steps > 0 {
		return e.TimePerStep*time.Duration(p.Steps) + TimeLimitOverhead
	}
	return e.Resources.TimeLimit
}

// EffectiveMemoryLimit resolves the memory limit in MiB for a problem.
func (e *Experiment) EffectiveMemoryLimit(p ProblemInstance) int {
	if p.MemoryLimitMiB > 0 {
		return p.MemoryLimitMiB
	}
	return e.Resources.MemoryLimitMiB
}

// BuildUnits expands the experiment into its complete, fixed set of run units.
// Units are ordered by algorithm, then problem, then seed.
func (e *Experiment) BuildUnits() ([]*RunUnit, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	problems := e.Problems()
	units := make([]*RunUnit, 0, len(e.Algorithms)*len(problems)*e.NumRuns)
	for _, a := range e.Algorithms {
		for _, p := range problems {
			for seed := 0; seed < e.NumRuns; seed++ {
				dir := filepath.Join(e.Path, UnitDir(a.Name, p, seed))
				units = append(units, &RunUnit{
					ID:             UnitID(a.Name, p, seed),
					Algorithm:      a.Name,
					Problem:        p,
					Seed:           seed,
					Dir:            dir,
					Command:        ResolveCommand(a.Command, e.commandVars(a, p, seed, dir)),
					TimeLimit:      e.EffectiveTimeLimit(p),
					MemoryLimitMiB: e.EffectiveMemoryLimit(p),
					Status:         UnitStatusPending,
				})
			}
		}
	}
	return units, nil
}

func (e *Experiment) commandVars(a AlgorithmConfig, p ProblemInstance, seed int, dir string) map[string]string {
	return map[string]string{
		"build_dir":     e.BuildDir(a),
		"problem":       p.Path,
		"domain":        p.Domain,
		"instance":      p.Instance,
		"config":        a.Config,
		"seed":          strconv.Itoa(seed),
		"time_per_step": strconv.FormatFloat(e.TimePerStep.Seconds(), 'f', -1, 64),
		"steps":         strconv.Itoa(p.Steps),
		"unit_dir":      dir,
	}
}

// ResolveCommand substitutes {name} placeholders in every argv element.
// Unknown placeholders are left untouched.
func ResolveCommand(template []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}
