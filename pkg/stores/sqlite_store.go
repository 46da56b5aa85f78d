package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory catalog.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a catalog entry does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Open creates, initializes and migrates a catalog at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// withTx runs fn in a transaction that is committed when fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertExperiment creates or updates an experiment. Status and error are
// kept on update.
func (s *SQLiteStore) UpsertExperiment(ctx context.Context, exp *Experiment) error {
	query := `
		INSERT INTO experiments (id, name, path, status, definition, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = now
	}
	exp.UpdatedAt = now
	if exp.Status == "" {
		exp.Status = ExperimentStatusCreated
	}
	if exp.Definition == "" {
		exp.Definition = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		exp.ID,
		exp.Name,
		exp.Path,
		exp.Status,
		exp.Definition,
		exp.Error,
		exp.CreatedAt,
		exp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert experiment: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment by ID
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	query := `
		SELECT id, name, path, status, definition, error, created_at, updated_at
		FROM experiments
		WHERE id = ?
	`

	exp, err := scanExperiment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return exp, nil
}

// ListExperiments lists experiments, most recently updated first
func (s *SQLiteStore) ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error) {
	query := `
		SELECT id, name, path, status, definition, error, created_at, updated_at
		FROM experiments
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	experiments := []*Experiment{}
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		experiments = append(experiments, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiments: %w", err)
	}
	return experiments, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*Experiment, error) {
	exp := &Experiment{}
	err := row.Scan(
		&exp.ID,
		&exp.Name,
		&exp.Path,
		&exp.Status,
		&exp.Definition,
		&exp.Error,
		&exp.CreatedAt,
		&exp.UpdatedAt,
	)
	return exp, err
}

// UpdateExperimentStatus updates the status of an experiment
func (s *SQLiteStore) UpdateExperimentStatus(ctx context.Context, id string, status ExperimentStatus, errMsg string) error {
	query := `
		UPDATE experiments
		SET status = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update experiment status: %w", err)
	}
	return expectRow(result, "experiment", id)
}

// DeleteExperiment deletes an experiment with its units, properties and facts
func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE experiment_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete experiment: %w", err)
		}
		return expectRow(result, "experiment", id)
	})
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// UpsertUnits creates or replaces units in one transaction.
func (s *SQLiteStore) UpsertUnits(ctx context.Context, units []*Unit) error {
	query := `
		INSERT INTO run_units (experiment_id, id, algorithm, suite, domain, problem, seed, status, exit_code, wall_time, attempts, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(experiment_id, id) DO UPDATE SET
			status = excluded.status,
			exit_code = excluded.exit_code,
			wall_time = excluded.wall_time,
			attempts = excluded.attempts,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare unit upsert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, u := range units {
			if u.UpdatedAt.IsZero() {
				u.UpdatedAt = now
			}
			if u.Status == "" {
				u.Status = engine.UnitStatusPending
			}
			_, err := stmt.ExecContext(ctx,
				u.ExperimentID,
				u.ID,
				u.Algorithm,
				u.Suite,
				u.Domain,
				u.Problem,
				u.Seed,
				u.Status,
				u.ExitCode,
				u.WallTime,
				u.Attempts,
				u.Error,
				u.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert unit %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

const unitColumns = `experiment_id, id, algorithm, suite, domain, problem, seed, status, exit_code, wall_time, attempts, error, updated_at`

func scanUnit(row scanner) (*Unit, error) {
	u := &Unit{}
	err := row.Scan(
		&u.ExperimentID,
		&u.ID,
		&u.Algorithm,
		&u.Suite,
		&u.Domain,
		&u.Problem,
		&u.Seed,
		&u.Status,
		&u.ExitCode,
		&u.WallTime,
		&u.Attempts,
		&u.Error,
		&u.UpdatedAt,
	)
	return u, err
}

// GetUnit retrieves one unit
func (s *SQLiteStore) GetUnit(ctx context.Context, experimentID, unitID string) (*Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM run_units WHERE experiment_id = ? AND id = ?`

	u, err := scanUnit(s.db.QueryRowContext(ctx, query, experimentID, unitID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return u, nil
}

// ListUnits lists the units of an experiment ordered by ID. An empty status
// matches every unit.
func (s *SQLiteStore) ListUnits(ctx context.Context, experimentID string, status engine.UnitStatus) ([]*Unit, error) {
	query := `
		SELECT ` + unitColumns + `
		FROM run_units
		WHERE experiment_id = ? AND (? = '' OR status = ?)
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, experimentID, status, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	units := []*Unit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating units: %w", err)
	}
	return units, nil
}

// CountUnits counts the units of an experiment by status
func (s *SQLiteStore) CountUnits(ctx context.Context, experimentID string) (map[engine.UnitStatus]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM run_units
		WHERE experiment_id = ?
		GROUP BY status
	`

	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count units: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.UnitStatus]int)
	for rows.Next() {
		var status engine.UnitStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan unit count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit counts: %w", err)
	}
	return counts, nil
}

// updateUnitStatus records a unit's terminal status from a pipeline event.
func (s *SQLiteStore) updateUnitStatus(ctx context.Context, experimentID, unitID string, status engine.UnitStatus, cause string) error {
	query := `
		UPDATE run_units
		SET status = ?, error = ?, updated_at = ?
		WHERE experiment_id = ? AND id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, cause, time.Now().UTC(), experimentID, unitID)
	if err != nil {
		return fmt.Errorf("failed to update unit status: %w", err)
	}
	return expectRow(result, "unit", unitID)
}

// SyncProperties mirrors every ledger row into the catalog and returns the
// number of rows written.
func (s *SQLiteStore) SyncProperties(ctx context.Context, experimentID string, l *ledger.Store) (int, error) {
	query := `
		INSERT INTO properties (experiment_id, unit_id, attributes, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(experiment_id, unit_id) DO UPDATE SET
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
	`

	rows := l.Rows()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare properties upsert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, row := range rows {
			data, err := json.Marshal(row.Attrs)
			if err != nil {
				return fmt.Errorf("failed to marshal properties of %s: %w", row.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, experimentID, row.ID, string(data), now); err != nil {
				return fmt.Errorf("failed to upsert properties of %s: %w", row.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// GetProperties retrieves the catalogued properties of one unit
func (s *SQLiteStore) GetProperties(ctx context.Context, experimentID, unitID string) (*Properties, error) {
	query := `
		SELECT experiment_id, unit_id, attributes, updated_at
		FROM properties
		WHERE experiment_id = ? AND unit_id = ?
	`

	p := &Properties{}
	var data string
	err := s.db.QueryRowContext(ctx, query, experimentID, unitID).Scan(&p.ExperimentID, &p.UnitID, &data, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("properties of %s: %w", unitID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get properties: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &p.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode properties of %s: %w", unitID, err)
	}
	return p, nil
}

// LoadLedger rebuilds a ledger from the catalogued properties.
func (s *SQLiteStore) LoadLedger(ctx context.Context, experimentID string) (*ledger.Store, error) {
	query := `
		SELECT unit_id, attributes
		FROM properties
		WHERE experiment_id = ?
		ORDER BY unit_id
	`

	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load properties: %w", err)
	}
	defer rows.Close()

	l := ledger.New()
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan properties: %w", err)
		}
		var attrs ledger.Attributes
		if err := json.Unmarshal([]byte(data), &attrs); err != nil {
			return nil, fmt.Errorf("failed to decode properties of %s: %w", id, err)
		}
		l.Merge(id, attrs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating properties: %w", err)
	}
	return l, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (id, experiment_id, type, step, unit_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ExperimentID,
		event.Type,
		event.Step,
		event.UnitID,
		event.Level,
		event.Message,
		event.Data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents retrieves events in timestamp order
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	query := `
		SELECT id, experiment_id, type, step, unit_id, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR experiment_id = ?)
		  AND (? = '' OR unit_id = ?)
		  AND (? = '' OR type = ?)
		  AND (? = '' OR level = ?)
		ORDER BY timestamp, id
		LIMIT ? OFFSET ?
	`

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query,
		q.ExperimentID, q.ExperimentID,
		q.UnitID, q.UnitID,
		q.Type, q.Type,
		q.Level, q.Level,
		limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		err := rows.Scan(
			&e.ID,
			&e.ExperimentID,
			&e.Type,
			&e.Step,
			&e.UnitID,
			&e.Level,
			&e.Message,
			&e.Data,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// UpsertFact creates or replaces one namespace of host facts
func (s *SQLiteStore) UpsertFact(ctx context.Context, fact *Fact) error {
	query := `
		INSERT INTO host_facts (experiment_id, host, namespace, value, collected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(experiment_id, host, namespace) DO UPDATE SET
			value = excluded.value,
			collected_at = excluded.collected_at
	`

	if fact.CollectedAt.IsZero() {
		fact.CollectedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query, fact.ExperimentID, fact.Host, fact.Namespace, fact.Value, fact.CollectedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}
	return nil
}

// ListFacts lists the host facts of an experiment
func (s *SQLiteStore) ListFacts(ctx context.Context, experimentID string) ([]*Fact, error) {
	query := `
		SELECT experiment_id, host, namespace, value, collected_at
		FROM host_facts
		WHERE experiment_id = ?
		ORDER BY host, namespace
	`

	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	facts := []*Fact{}
	for rows.Next() {
		f := &Fact{}
		if err := rows.Scan(&f.ExperimentID, &f.Host, &f.Namespace, &f.Value, &f.CollectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}
	return facts, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
