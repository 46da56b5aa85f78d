package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/benchlab/pkg/ledger"
)

// AlgorithmConfig describes one planner configuration under test.
type AlgorithmConfig struct {
	// Name is the unique name of the algorithm in reports and directories.
	Name string `json:"name"`

	// Repo is the source checkout the algorithm is built from. Empty means prebuilt.
	Repo string `json:"repo,omitempty"`

	// Revision is the source revision checked out before building.
	Revision string `json:"revision,omitempty"`

	// Config is the planner configuration string passed to the binary.
	Config string `json:"config,omitempty"`

	// BuildCommand is the argv run inside the checkout to compile the planner.
	BuildCommand []string `json:"build_command,omitempty"`

	// BuildOptions are appended to BuildCommand (e.g. "-j6").
	BuildOptions []string `json:"build_options,omitempty"`

	// Command is the argv template used to run one unit.
	Command []string `json:"command"`
}

// BuildKey identifies a unique (repo, revision) checkout shared by algorithms.
// The readable prefix is followed by a digest of the full repo and revision,
// so repositories with the same base name get separate checkouts.
func (a AlgorithmConfig) BuildKey() string {
	if a.Repo == "" {
		return ""
	}
	rev := a.Revision
	if rev == "" {
		rev = "HEAD"
	}
	repo := filepath.Clean(a.Repo)
	sum := sha256.Sum256([]byte(repo + "\x00" + rev))
	return sanitize(filepath.Base(repo)) + "-" + sanitize(rev) + "-" + hex.EncodeToString(sum[:4])
}

// ProblemInstance is one benchmark problem.
type ProblemInstance struct {
	// Suite is the ID of the suite the problem belongs to.
	Suite string `json:"suite"`

	// Domain is the benchmark domain, used for grouping.
	Domain string `json:"domain"`

	// Instance is the instance name within the domain.
	Instance string `json:"instance"`

	// Path is the problem file handed to the algorithm.
	Path string `json:"path,omitempty"`

	// Steps is the number of planning steps (horizon) per round.
	Steps int `json:"steps,omitempty"`

	// TimeLimit overrides the experiment wall-clock limit for this problem.
	TimeLimit time.Duration `json:"time_limit,omitempty"`

	// MemoryLimitMiB overrides the experiment memory limit for this problem.
	MemoryLimitMiB int `json:"memory_limit_mib,omitempty"`
}

// ID returns the globally unique problem identifier "domain:instance".
func (p ProblemInstance) ID() string {
	return p.Domain + ":" + p.Instance
}

// Suite is a named, ordered set of problems from one benchmark distribution.
type Suite struct {
	ID       string            `json:"id"`
	Domain   string            `json:"domain"`
	Problems []ProblemInstance `json:"problems"`
}

// Resources bounds the execution of a batch.
type Resources struct {
	// TimeLimit is the default wall-clock limit per unit.
	TimeLimit time.Duration `json:"time_limit"`

	// MemoryLimitMiB is the default address-space limit per unit.
	MemoryLimitMiB int `json:"memory_limit_mib"`

	// Parallelism is the number of units executed concurrently by local environments.
	Parallelism int `json:"parallelism"`
}

// DefaultParallelism is the worker count used when Resources.Parallelism is unset.
const DefaultParallelism = 4

// RunUnit is one (algorithm, problem, seed) execution and its recorded outcome.
type RunUnit struct {
	// ID is the unit identity "algorithm:domain:instance:seed".
	ID string `json:"id"`

	// Algorithm is the name of the algorithm configuration.
	Algorithm string `json:"algorithm"`

	// Problem is the problem instance.
	Problem ProblemInstance `json:"problem"`

	// Seed is the run index, starting at 0.
	Seed int `json:"seed"`

	// Dir is the private output directory of this unit.
	Dir string `json:"dir"`

	// Command is the fully resolved argv.
	Command []string `json:"command"`

	// TimeLimit is the effective wall-clock limit.
	TimeLimit time.Duration `json:"time_limit"`

	// MemoryLimitMiB is the effective memory limit. Zero means unlimited.
	MemoryLimitMiB int `json:"memory_limit_mib"`

	// Status is the current unit status.
	Status UnitStatus `json:"status"`

	// Metrics holds the unit's parsed attributes.
	Metrics ledger.Attributes `json:"metrics,omitempty"`
}

// UnitID builds the identity of a run unit.
func UnitID(algorithm string, p ProblemInstance, seed int) string {
	return fmt.Sprintf("%s:%s:%s:%d", algorithm, p.Domain, p.Instance, seed)
}

// UnitDir builds the relative output directory of a run unit.
func UnitDir(algorithm string, p ProblemInstance, seed int) string {
	return filepath.Join("runs", sanitize(algorithm), sanitize(p.Domain), sanitize(p.Instance),
		fmt.Sprintf("run-%03d", seed))
}

// pathSegment returns the directory name used for s. Names that cannot
// stand as a directory of their own are configuration errors.
func pathSegment(kind, s string) (string, error) {
	seg := sanitize(s)
	switch seg {
	case "", ".", "..":
		return "", NewConfigError(fmt.Sprintf("%s %q cannot be used as a directory name", kind, s), nil).
			WithCode(ErrCodeValidation)
	}
	return seg, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}

// UnitResult is the terminal outcome of one scheduled unit.
type UnitResult struct {
	UnitID   string        `json:"unit_id"`
	Status   UnitStatus    `json:"status"`
	ExitCode int           `json:"exit_code"`
	WallTime time.Duration `json:"wall_time"`
	Attempts int           `json:"attempts,omitempty"`
	Err      error         `json:"-"`
}

// Cause returns a short reason for a non-done result.
func (r UnitResult) Cause() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// BatchSummary counts unit results by status.
type BatchSummary struct {
	Total            int           `json:"total"`
	Done             int           `json:"done"`
	Failed           int           `json:"failed"`
	ResourceExceeded int           `json:"resource_exceeded"`
	Skipped          int           `json:"skipped"`
	Duration         time.Duration `json:"duration"`
}

// Summarize counts results by status.
func Summarize(results []UnitResult, skipped int, d time.Duration) BatchSummary {
	s := BatchSummary{Total: len(results) + skipped, Skipped: skipped, Duration: d}
	for _, r := range results {
		switch r.Status {
		case UnitStatusDone:
			s.Done++
		case UnitStatusResourceExceeded:
			s.ResourceExceeded++
		default:
			s.Failed++
		}
	}
	return s
}
