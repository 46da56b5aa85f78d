package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Files written into every unit directory.
const (
	RecordFile     = "unit.json"
	StdoutFile     = "run.log"
	StderrFile     = "run.err"
	PropertiesFile = "properties"
	ExitCodeFile   = "exit_code"
	JobScriptFile  = "job.sh"
	ValuesFile     = "values.json"
)

// UnitRecord is the execution record an environment leaves in a unit directory.
type UnitRecord struct {
	ID             string     `json:"id"`
	Algorithm      string     `json:"algorithm"`
	Suite          string     `json:"suite,omitempty"`
	Domain         string     `json:"domain"`
	Problem        string     `json:"problem"`
	Seed           int        `json:"seed"`
	Environment    string     `json:"environment"`
	Status         UnitStatus `json:"status"`
	ExitCode       int        `json:"exit_code"`
	WallTime       float64    `json:"wall_time"`
	TimeLimit      float64    `json:"time_limit,omitempty"`
	MemoryLimitMiB int        `json:"memory_limit_mib,omitempty"`
	ErrorClass     ErrorClass `json:"error_class,omitempty"`
	Error          string     `json:"error,omitempty"`
	JobID          string     `json:"job_id,omitempty"`
	Attempts       int        `json:"attempts,omitempty"`
	CompletedAt    time.Time  `json:"completed_at"`
}

// NewRecord builds the record of a unit's terminal result.
func NewRecord(unit *RunUnit, res UnitResult, environment string) UnitRecord {
	rec := UnitRecord{
		ID:             unit.ID,
		Algorithm:      unit.Algorithm,
		Suite:          unit.Problem.Suite,
		Domain:         unit.Problem.Domain,
		Problem:        unit.Problem.ID(),
		Seed:           unit.Seed,
		Environment:    environment,
		Status:         res.Status,
		ExitCode:       res.ExitCode,
		WallTime:       res.WallTime.Seconds(),
		TimeLimit:      unit.TimeLimit.Seconds(),
		MemoryLimitMiB: unit.MemoryLimitMiB,
		Attempts:       res.Attempts,
		CompletedAt:    time.Now().UTC(),
	}
	if res.Err != nil {
		rec.ErrorClass = ClassOf(res.Err)
		rec.Error = res.Err.Error()
	}
	return rec
}

// WriteRecord writes rec into dir.
func WriteRecord(dir string, rec UnitRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create unit directory: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode unit record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, RecordFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write unit record: %w", err)
	}
	return nil
}

// ReadRecord reads the record from dir. It returns (nil, nil) if the unit never ran.
func ReadRecord(dir string) (*UnitRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read unit record: %w", err)
	}
	var rec UnitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode unit record %s: %w", dir, err)
	}
	return &rec, nil
}

// RestoreStatus loads the recorded terminal status of every unit from disk.
// Units without a record stay pending. It returns the number of terminal units.
func RestoreStatus(units []*RunUnit) (int, error) {
	terminal := 0
	for _, u := range units {
		rec, err := ReadRecord(u.Dir)
		if err != nil {
			return terminal, err
		}
		if rec == nil || !rec.Status.IsTerminal() {
			continue
		}
		u.Status = rec.Status
		terminal++
	}
	return terminal, nil
}
