// Package environments implements the execution environments that run a
// batch of independent run units: a local bounded worker pool and a Slurm
// batch scheduler reached directly or over SSH.
//
// Both environments leave the same artifacts in every unit directory: the
// unit's stdout (run.log), stderr (run.err) and an execution record
// (unit.json) describing the terminal status.
package environments

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/telemetry"
	"github.com/openfroyo/benchlab/pkg/transports/ssh"
)

// Environment kinds.
const (
	KindLocal = "local"
	KindSlurm = "slurm"
)

// Config selects and configures one environment.
type Config struct {
	// Kind is "local" or "slurm".
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=local slurm"`

	// Local configures the local worker pool.
	Local LocalConfig `json:"local" yaml:"local"`

	// Slurm configures the batch scheduler.
	Slurm SlurmConfig `json:"slurm" yaml:"slurm" validate:"-"`
}

// LocalConfig configures the local environment.
type LocalConfig struct {
	// Processes is the worker count. Zero uses Resources.Parallelism, then 4.
	Processes int `json:"processes" yaml:"processes" validate:"gte=0"`
}

// SlurmConfig configures the Slurm environment.
type SlurmConfig struct {
	// Partition is the partition jobs are submitted to.
	Partition string `json:"partition" yaml:"partition" validate:"required"`

	// QOS is the optional quality-of-service name.
	QOS string `json:"qos,omitempty" yaml:"qos"`

	// Email receives scheduler notifications. Empty disables mail.
	Email string `json:"email,omitempty" yaml:"email" validate:"omitempty,email"`

	// MailType is the sbatch --mail-type value used when Email is set.
	MailType string `json:"mail_type,omitempty" yaml:"mail_type"`

	// CPUsPerTask is the sbatch --cpus-per-task value.
	CPUsPerTask int `json:"cpus_per_task" yaml:"cpus_per_task" validate:"gte=0"`

	// ExtraOptions are extra sbatch options, one per #SBATCH line.
	ExtraOptions []string `json:"extra_options,omitempty" yaml:"extra_options"`

	// Setup is shell code run before every unit (e.g. module loads).
	Setup string `json:"setup,omitempty" yaml:"setup"`

	// PollInterval is the delay between sacct queries.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Retry bounds retries of transient sbatch and sacct failures.
	Retry engine.RetryPolicy `json:"retry" yaml:"retry"`

	// MissingPolls is how many consecutive polls a job may be absent from
	// sacct before its unit fails. Zero uses 10.
	MissingPolls int `json:"missing_polls" yaml:"missing_polls" validate:"gte=0"`

	// RemoteDir is the experiment directory on the cluster. Empty means the
	// cluster shares the local filesystem.
	RemoteDir string `json:"remote_dir,omitempty" yaml:"remote_dir"`

	// SSH, if set, reaches the scheduler through a login node.
	SSH *ssh.Config `json:"ssh,omitempty" yaml:"ssh" validate:"-"`
}

// DefaultConfig returns a local environment configuration.
func DefaultConfig() Config {
	return Config{
		Kind: KindLocal,
		Slurm: SlurmConfig{
			MailType:     "END,FAIL",
			CPUsPerTask:  1,
			PollInterval: 30 * time.Second,
			Retry:        engine.DefaultRetryPolicy(),
			MissingPolls: defaultMissingPolls,
		},
	}
}

var validate = validator.New()

// Validate checks the configuration of the selected environment.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return engine.NewConfigError("invalid environment configuration", err).WithCode(engine.ErrCodeValidation)
	}
	if c.Kind != KindSlurm {
		return nil
	}
	if err := validate.Struct(c.Slurm); err != nil {
		return engine.NewConfigError("invalid slurm configuration", err).WithCode(engine.ErrCodeValidation)
	}
	if c.Slurm.SSH != nil {
		if err := c.Slurm.SSH.Validate(); err != nil {
			return engine.NewConfigError("invalid cluster ssh configuration", err).WithCode(engine.ErrCodeValidation)
		}
	}
	return nil
}

// Deps are the collaborators shared by every environment.
type Deps struct {
	// Experiment is the experiment whose units are scheduled.
	Experiment *engine.Experiment

	// Telemetry receives logs, metrics, spans and unit events.
	Telemetry *telemetry.Telemetry

	// Runner executes local units. Defaults to a ProcessRunner.
	Runner engine.UnitRunner

	// Shell overrides the command channel of the Slurm environment.
	Shell Shell
}

// New builds the environment selected by cfg.
func New(cfg Config, deps Deps) (engine.Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Experiment == nil {
		return nil, engine.NewConfigError("environment requires an experiment", nil)
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NopTelemetry()
	}

	switch cfg.Kind {
	case KindLocal:
		if deps.Runner == nil {
			deps.Runner = NewProcessRunner(deps.Telemetry.Logger)
		}
		return NewLocal(cfg.Local, deps), nil
	case KindSlurm:
		return NewSlurm(cfg.Slurm, deps)
	default:
		return nil, engine.NewConfigError(fmt.Sprintf("unknown environment kind: %s", cfg.Kind), nil)
	}
}

// finish records a unit's terminal result on disk and in telemetry.
func finish(deps Deps, env string, unit *engine.RunUnit, res engine.UnitResult) {
	tel := deps.Telemetry
	logger := tel.Logger.WithUnit(unit.ID)

	if !res.Status.IsTerminal() {
		return
	}
	unit.Status = res.Status
	if err := engine.WriteRecord(unit.Dir, engine.NewRecord(unit, res, env)); err != nil {
		logger.WithError(err).Error("failed to write unit record")
	}

	tel.Metrics.RecordUnitCompleted(env, unit.Algorithm, string(res.Status), res.WallTime)
	if res.Err != nil {
		tel.Metrics.RecordError(string(engine.ClassOf(res.Err)))
		logger.WithError(res.Err).Warnf("unit %s", res.Status)
	} else {
		logger.Debug("unit done")
	}
	_ = tel.Events.PublishUnit(deps.Experiment.ID, unit.ID, string(res.Status), res.Cause())
}
