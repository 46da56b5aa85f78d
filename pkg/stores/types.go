package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
)

// ExperimentStatus represents the status of a catalogued experiment
type ExperimentStatus string

const (
	ExperimentStatusCreated   ExperimentStatus = "created"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusCompleted ExperimentStatus = "completed"
	ExperimentStatusFailed    ExperimentStatus = "failed"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Experiment is the catalog entry of one experiment.
type Experiment struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Path       string           `json:"path"`
	Status     ExperimentStatus `json:"status"`
	Definition string           `json:"definition"` // JSON of the resolved experiment
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Unit is the catalog entry of one run unit.
type Unit struct {
	ID           string            `json:"id"`
	ExperimentID string            `json:"experiment_id"`
	Algorithm    string            `json:"algorithm"`
	Suite        string            `json:"suite"`
	Domain       string            `json:"domain"`
	Problem      string            `json:"problem"`
	Seed         int               `json:"seed"`
	Status       engine.UnitStatus `json:"status"`
	ExitCode     int               `json:"exit_code"`
	WallTime     float64           `json:"wall_time"`
	Attempts     int               `json:"attempts"`
	Error        string            `json:"error,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Properties is the catalog copy of one unit's ledger row.
type Properties struct {
	ExperimentID string            `json:"experiment_id"`
	UnitID       string            `json:"unit_id"`
	Attributes   ledger.Attributes `json:"attributes"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Event is an append-only pipeline event.
type Event struct {
	ID           string     `json:"id"`
	ExperimentID string     `json:"experiment_id"`
	Type         string     `json:"type"`
	Step         string     `json:"step,omitempty"`
	UnitID       string     `json:"unit_id,omitempty"`
	Level        EventLevel `json:"level"`
	Message      string     `json:"message"`
	Data         string     `json:"data,omitempty"` // JSON blob
	Timestamp    time.Time  `json:"timestamp"`
}

// EventQuery filters ListEvents. Empty fields match everything.
type EventQuery struct {
	ExperimentID string
	UnitID       string
	Type         string
	Level        EventLevel
	Limit        int
	Offset       int
}

// Fact is one namespace of host facts recorded for an experiment,
// e.g. "os.basic" or "hw.cpu" of the machine running the batch.
type Fact struct {
	ExperimentID string    `json:"experiment_id"`
	Host         string    `json:"host"`
	Namespace    string    `json:"namespace"`
	Value        string    `json:"value"` // JSON blob
	CollectedAt  time.Time `json:"collected_at"`
}

// Store defines the interface for the experiment catalog
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Experiment operations
	UpsertExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id string, status ExperimentStatus, errMsg string) error
	DeleteExperiment(ctx context.Context, id string) error

	// Unit operations
	UpsertUnits(ctx context.Context, units []*Unit) error
	GetUnit(ctx context.Context, experimentID, unitID string) (*Unit, error)
	ListUnits(ctx context.Context, experimentID string, status engine.UnitStatus) ([]*Unit, error)
	CountUnits(ctx context.Context, experimentID string) (map[engine.UnitStatus]int, error)

	// Properties operations
	SyncProperties(ctx context.Context, experimentID string, l *ledger.Store) (int, error)
	GetProperties(ctx context.Context, experimentID, unitID string) (*Properties, error)
	LoadLedger(ctx context.Context, experimentID string) (*ledger.Store, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	// Facts operations
	UpsertFact(ctx context.Context, fact *Fact) error
	ListFacts(ctx context.Context, experimentID string) ([]*Fact, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
