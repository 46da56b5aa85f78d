package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny the experiment.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bundle is a named, versioned collection of policies in one JSON file.
type Bundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Subject names the offending algorithm, problem or experiment.
	Subject string `json:"subject,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Err converts a denied result into a configuration error listing every
// blocking violation. It returns nil when the result is allowed.
func (r *Result) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	err := engine.NewConfigError("experiment denied by policy", nil).WithCode(engine.ErrCodePolicyDenied)
	for i, v := range r.Violations {
		err = err.WithDetail(fmt.Sprintf("violation_%d", i), v.Policy+": "+v.Message)
	}
	return err
}

// Input is the document policies see as input.
type Input struct {
	Experiment ExperimentInput `json:"experiment"`
	Context    Context         `json:"context"`
}

// ExperimentInput is a flattened, unit-free view of an experiment. Durations
// are in seconds.
type ExperimentInput struct {
	ID              string           `json:"id"`
	Path            string           `json:"path"`
	NumRuns         int              `json:"num_runs"`
	ExpectedUnits   int              `json:"expected_units"`
	TimePerStep     float64          `json:"time_per_step"`
	TimeLimit       float64          `json:"time_limit"`
	MemoryLimitMiB  int              `json:"memory_limit_mib"`
	Parallelism     int              `json:"parallelism"`
	Algorithms      []AlgorithmInput `json:"algorithms"`
	Problems        []ProblemInput   `json:"problems"`
	EnvironmentKind string           `json:"environment,omitempty"`
}

// AlgorithmInput describes one algorithm to policies.
type AlgorithmInput struct {
	Name     string `json:"name"`
	Repo     string `json:"repo,omitempty"`
	Revision string `json:"revision,omitempty"`
}

// ProblemInput describes one problem with its effective limits.
type ProblemInput struct {
	ID             string  `json:"id"`
	Suite          string  `json:"suite"`
	Domain         string  `json:"domain"`
	TimeLimit      float64 `json:"time_limit"`
	MemoryLimitMiB int     `json:"memory_limit_mib"`
}

// Context provides context information for policy evaluation.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// NewInput builds the policy input of an experiment.
func NewInput(exp *engine.Experiment, environment, operation string) *Input {
	in := &Input{
		Experiment: ExperimentInput{
			ID:              exp.ID,
			Path:            exp.Path,
			NumRuns:         exp.NumRuns,
			ExpectedUnits:   exp.ExpectedUnits(),
			TimePerStep:     exp.TimePerStep.Seconds(),
			TimeLimit:       exp.Resources.TimeLimit.Seconds(),
			MemoryLimitMiB:  exp.Resources.MemoryLimitMiB,
			Parallelism:     exp.Resources.Parallelism,
			EnvironmentKind: environment,
		},
		Context: Context{Timestamp: time.Now(), Operation: operation},
	}
	for _, a := range exp.Algorithms {
		in.Experiment.Algorithms = append(in.Experiment.Algorithms, AlgorithmInput{Name: a.Name, Repo: a.Repo, Revision: a.Revision})
	}
	for _, p := range exp.Problems() {
		in.Experiment.Problems = append(in.Experiment.Problems, ProblemInput{
			ID:             p.ID(),
			Suite:          p.Suite,
			Domain:         p.Domain,
			TimeLimit:      exp.EffectiveTimeLimit(p).Seconds(),
			MemoryLimitMiB: exp.EffectiveMemoryLimit(p),
		})
	}
	return in
}
