package engine

import (
	"encoding/json"
	"fmt"
)

// UnitStatus represents the lifecycle status of a single run unit.
type UnitStatus string

const (
	// UnitStatusPending indicates the unit has not been executed yet.
	UnitStatusPending UnitStatus = "pending"

	// UnitStatusRunning indicates the unit's process or job is executing.
	UnitStatusRunning UnitStatus = "running"

	// UnitStatusDone indicates the unit exited cleanly.
	UnitStatusDone UnitStatus = "done"

	// UnitStatusFailed indicates the unit crashed, exited non-zero or could not be scheduled.
	UnitStatusFailed UnitStatus = "failed"

	// UnitStatusResourceExceeded indicates the unit was killed for exceeding
	// its time or memory limit.
	UnitStatusResourceExceeded UnitStatus = "resource-exceeded"
)

// AllUnitStatuses lists every unit status in lifecycle order.
var AllUnitStatuses = []UnitStatus{
	UnitStatusPending,
	UnitStatusRunning,
	UnitStatusDone,
	UnitStatusFailed,
	UnitStatusResourceExceeded,
}

// IsTerminal returns true if the unit status represents a final state.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusDone || s == UnitStatusFailed || s == UnitStatusResourceExceeded
}

// IsActive returns true if the unit is pending or running.
func (s UnitStatus) IsActive() bool {
	return s == UnitStatusPending || s == UnitStatusRunning
}

// Validate checks if the unit status is valid.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusPending, UnitStatusRunning, UnitStatusDone,
		UnitStatusFailed, UnitStatusResourceExceeded:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s UnitStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *UnitStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = UnitStatus(str)
	return s.Validate()
}

// StatusForError maps an execution error onto the terminal unit status it implies.
// A nil error means the unit is done.
func StatusForError(err error) UnitStatus {
	if err == nil {
		return UnitStatusDone
	}
	if IsResourceExceeded(err) {
		return UnitStatusResourceExceeded
	}
	return UnitStatusFailed
}

// StepName identifies one of the fixed pipeline steps.
type StepName string

const (
	// StepBuild checks out and compiles every algorithm.
	StepBuild StepName = "build"

	// StepStart executes all non-terminal run units and parses their output.
	StepStart StepName = "start"

	// StepFetch collects parsed unit properties into the experiment ledger.
	StepFetch StepName = "fetch"

	// StepParseAgain re-runs the parsers over existing raw outputs.
	StepParseAgain StepName = "parse_again"

	// StepReport scores the ledger and writes every configured report.
	StepReport StepName = "report"
)

// KnownSteps lists the selectable pipeline steps in canonical order.
var KnownSteps = []StepName{StepBuild, StepStart, StepFetch, StepParseAgain, StepReport}

// Validate checks if the step name is one of the known steps.
func (n StepName) Validate() error {
	for _, k := range KnownSteps {
		if n == k {
			return nil
		}
	}
	return fmt.Errorf("invalid step name: %s", n)
}

// StepStatus represents the outcome of one pipeline step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not run.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed and halted the pipeline.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was not selected or did not run
	// because an earlier step failed.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}
