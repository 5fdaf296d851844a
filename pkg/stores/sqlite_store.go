package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/capman/pkg/execution"
	"github.com/openfroyo/capman/pkg/model"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `json:"path" yaml:"path"`
	MaxOpenConns    int           `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection with WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

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

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// RecordExecution implements execution.Recorder. It upserts the execution
// row and appends an event in one transaction.
func (s *SQLiteStore) RecordExecution(ctx context.Context, snap execution.Snapshot) error {
	reasons, err := json.Marshal(nonNil(snap.RejectReasons))
	if err != nil {
		return fmt.Errorf("failed to encode reject reasons: %w", err)
	}
	now := time.Now()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `
		INSERT INTO executions (id, kind, description, object_type, object_id, state, attempts, error,
			compensation_error, needs_intervention, reject_reasons, submitted_at, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			error = excluded.error,
			compensation_error = excluded.compensation_error,
			needs_intervention = excluded.needs_intervention,
			reject_reasons = excluded.reject_reasons,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, upsert,
		snap.ID,
		string(snap.Kind),
		snap.Description,
		snap.ObjectType,
		snap.ObjectID,
		string(snap.State),
		snap.Attempts,
		snap.Error,
		snap.CompensationError,
		snap.NeedsIntervention,
		string(reasons),
		toNanos(snap.SubmittedAt),
		toNullNanos(snap.StartedAt),
		toNullNanos(snap.FinishedAt),
		toNanos(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_events (execution_id, state, attempts, error, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, snap.ID, string(snap.State), snap.Attempts, snap.Error, toNanos(now))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}
	return nil
}

const executionColumns = `id, kind, description, object_type, object_id, state, attempts, error,
	compensation_error, needs_intervention, reject_reasons, submitted_at, started_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var (
		rec                  ExecutionRecord
		kind, state, reasons string
		submitted, updated   int64
		started, finished    sql.NullInt64
	)
	err := row.Scan(
		&rec.ID,
		&kind,
		&rec.Description,
		&rec.ObjectType,
		&rec.ObjectID,
		&state,
		&rec.Attempts,
		&rec.Error,
		&rec.CompensationError,
		&rec.NeedsIntervention,
		&reasons,
		&submitted,
		&started,
		&finished,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	rec.Kind = execution.Kind(kind)
	rec.State = execution.State(state)
	rec.SubmittedAt = fromNanos(submitted)
	rec.StartedAt = fromNullNanos(started)
	rec.FinishedAt = fromNullNanos(finished)
	rec.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(reasons), &rec.RejectReasons); err != nil {
		return nil, fmt.Errorf("failed to decode reject reasons: %w", err)
	}
	if len(rec.RejectReasons) == 0 {
		rec.RejectReasons = nil
	}
	return &rec, nil
}

// GetExecution retrieves an execution by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions lists executions, most recently submitted first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	query := "SELECT " + executionColumns + " FROM executions"
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.NeedsIntervention {
		where = append(where, "needs_intervention = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC, id"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	records := []*ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return records, nil
}

// ListEvents returns the recorded state changes of an execution in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string) ([]*ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, state, attempts, error, timestamp
		FROM execution_events
		WHERE execution_id = ?
		ORDER BY id
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*ExecutionEvent{}
	for rows.Next() {
		var (
			ev    ExecutionEvent
			state string
			ts    int64
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &state, &ev.Attempts, &ev.Error, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.State = execution.State(state)
		ev.Timestamp = fromNanos(ts)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// PruneExecutions deletes finished executions submitted before the given
// time together with their events.
func (s *SQLiteStore) PruneExecutions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE finished_at IS NOT NULL AND submitted_at < ?", toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	return result.RowsAffected()
}

// SaveScalingGroups replaces the stored scaling groups with policies.
func (s *SQLiteStore) SaveScalingGroups(ctx context.Context, policies []model.ScalingPolicy) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM scaling_groups"); err != nil {
		return fmt.Errorf("failed to clear scaling groups: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scaling_groups (name, application_folder, start_application_script,
			terminate_application_script, wait_time_ns, dynamic, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := toNanos(time.Now())
	for _, p := range policies {
		_, err := stmt.ExecContext(ctx,
			p.Name,
			p.ApplicationFolder,
			p.StartApplicationScript,
			p.TerminateApplicationScript,
			int64(p.WaitTimeForApplicationAction),
			p.Dynamic,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to save scaling group %s: %w", p.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scaling groups: %w", err)
	}
	return nil
}

// LoadScalingGroups returns the stored scaling groups ordered by name.
func (s *SQLiteStore) LoadScalingGroups(ctx context.Context) ([]model.ScalingPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, application_folder, start_application_script, terminate_application_script, wait_time_ns, dynamic
		FROM scaling_groups
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load scaling groups: %w", err)
	}
	defer rows.Close()

	policies := []model.ScalingPolicy{}
	for rows.Next() {
		var (
			p    model.ScalingPolicy
			wait int64
		)
		if err := rows.Scan(&p.Name, &p.ApplicationFolder, &p.StartApplicationScript,
			&p.TerminateApplicationScript, &wait, &p.Dynamic); err != nil {
			return nil, fmt.Errorf("failed to scan scaling group: %w", err)
		}
		p.WaitTimeForApplicationAction = time.Duration(wait)
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scaling groups: %w", err)
	}
	return policies, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
