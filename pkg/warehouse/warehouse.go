// Package warehouse exports scored unit rows into a shared MySQL results
// warehouse so experiments from many machines can be compared in one place.
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// batchSize is the number of rows per INSERT statement.
const batchSize = 500

// Result is one exported unit row.
type Result struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExperimentID  string   `gorm:"type:varchar(191);not null;uniqueIndex:idx_experiment_unit" json:"experiment_id"`
	UnitID        string   `gorm:"type:varchar(191);not null;uniqueIndex:idx_experiment_unit" json:"unit_id"`
	Algorithm     string   `gorm:"type:varchar(100);index" json:"algorithm"`
	Problem       string   `gorm:"type:varchar(255);index" json:"problem"`
	Domain        string   `gorm:"type:varchar(100);index" json:"domain"`
	Seed          int      `json:"seed"`
	Status        string   `gorm:"type:varchar(32)" json:"status"`
	AverageReward *float64 `json:"average_reward"`
	IPCScore      *float64 `json:"ipc_score"`
	Attributes    string   `gorm:"type:mediumtext" json:"attributes"`
}

// TableName sets the warehouse table name.
func (Result) TableName() string {
	return "benchlab_results"
}

// updateColumns are overwritten when a row is exported again.
var updateColumns = []string{
	"algorithm", "problem", "domain", "seed", "status",
	"average_reward", "ipc_score", "attributes", "updated_at",
}

// Warehouse writes results through gorm.
type Warehouse struct {
	db *gorm.DB
}

// Open connects to the MySQL warehouse at dsn, e.g.
// "user:pass@tcp(host:3306)/results?charset=utf8mb4&parseTime=True&loc=Local".
func Open(dsn string, logger *telemetry.Logger) (*Warehouse, error) {
	if dsn == "" {
		return nil, fmt.Errorf("warehouse dsn is required")
	}
	return New(mysql.Open(dsn), &gorm.Config{Logger: NewGormLogger(logger)})
}

// New creates a warehouse over any gorm dialector.
func New(dialector gorm.Dialector, cfg *gorm.Config) (*Warehouse, error) {
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	return &Warehouse{db: db}, nil
}

// Migrate creates or updates the results table.
func (w *Warehouse) Migrate(ctx context.Context) error {
	if err := w.db.WithContext(ctx).AutoMigrate(&Result{}); err != nil {
		return fmt.Errorf("failed to migrate warehouse: %w", err)
	}
	return nil
}

// Export upserts every unit of the scored ledger keyed by (experiment, unit)
// and returns the number of rows sent.
func (w *Warehouse) Export(ctx context.Context, experimentID string, l *ledger.Store) (int, error) {
	rows, err := Rows(experimentID, l)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(rows); start += batchSize {
			end := min(start+batchSize, len(rows))
			if err := w.upsert(tx, rows[start:end]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to export results: %w", err)
	}
	return len(rows), nil
}

func (w *Warehouse) upsert(tx *gorm.DB, rows []Result) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "experiment_id"}, {Name: "unit_id"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(&rows)
}

// Results lists the exported rows of one experiment.
func (w *Warehouse) Results(ctx context.Context, experimentID string) ([]Result, error) {
	var results []Result
	err := w.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("unit_id").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	return results, nil
}

// Close closes the underlying connection pool.
func (w *Warehouse) Close() error {
	sqlDB, err := w.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Rows converts the ledger into warehouse rows in unit ID order.
func Rows(experimentID string, l *ledger.Store) ([]Result, error) {
	units := l.Rows()
	out := make([]Result, 0, len(units))
	for _, u := range units {
		attrs, err := json.Marshal(u.Attrs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attributes of %s: %w", u.ID, err)
		}
		r := Result{
			ExperimentID: experimentID,
			UnitID:       u.ID,
			Attributes:   string(attrs),
		}
		r.Algorithm, _ = u.Attrs.Str(ledger.AttrAlgorithm)
		r.Problem, _ = u.Attrs.Str(ledger.AttrProblem)
		r.Domain, _ = u.Attrs.Str(ledger.AttrDomain)
		r.Status, _ = u.Attrs.Str(ledger.AttrUnitStatus)
		if seed, ok := u.Attrs.Float(ledger.AttrSeed); ok {
			r.Seed = int(seed)
		}
		if v, ok := u.Attrs.Float(ledger.AttrAverageReward); ok {
			r.AverageReward = &v
		}
		if v, ok := u.Attrs.Float(ledger.AttrIPCScore); ok {
			r.IPCScore = &v
		}
		out = append(out, r)
	}
	return out, nil
}

// gormWriter routes gorm's log lines to the telemetry logger at debug level.
type gormWriter struct {
	logger *telemetry.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.logger.Debugf(format, args...)
}

// NewGormLogger adapts the telemetry logger for gorm. Slow queries and
// errors are logged; routine statements are not.
func NewGormLogger(logger *telemetry.Logger) gormlogger.Interface {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return gormlogger.New(gormWriter{logger: logger.NewComponentLogger("warehouse")}, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
