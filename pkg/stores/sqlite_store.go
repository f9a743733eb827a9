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

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stratusops/stratus/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore is the durable state store backing plan and apply. It holds
// the applied record of every resource plus the history of runs.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
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

// Load returns every applied record of the stack, keyed by node id.
func (s *SQLiteStore) Load(ctx context.Context, stack string) (map[string]*engine.AppliedRecord, error) {
	query := `
		SELECT node_id, kind, external_id, fingerprint, attributes, depends_on,
		       pending_destroy_id, last_run_id, last_applied
		FROM applied_records
		WHERE stack = ?
		ORDER BY node_id
	`

	rows, err := s.db.QueryContext(ctx, query, stack)
	if err != nil {
		return nil, fmt.Errorf("failed to load applied records: %w", err)
	}
	defer rows.Close()

	records := make(map[string]*engine.AppliedRecord)
	for rows.Next() {
		rec := &engine.AppliedRecord{}
		var attrsJSON, depsJSON string
		err := rows.Scan(
			&rec.NodeID,
			&rec.Kind,
			&rec.ExternalID,
			&rec.Fingerprint,
			&attrsJSON,
			&depsJSON,
			&rec.PendingDestroyID,
			&rec.LastRunID,
			&rec.LastApplied,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan applied record: %w", err)
		}
		if err := json.Unmarshal([]byte(attrsJSON), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("corrupt attributes for %s: %w", rec.NodeID, err)
		}
		if err := json.Unmarshal([]byte(depsJSON), &rec.DependsOn); err != nil {
			return nil, fmt.Errorf("corrupt dependency list for %s: %w", rec.NodeID, err)
		}
		records[rec.NodeID] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied records: %w", err)
	}
	return records, nil
}

// Put upserts one applied record. The executor calls this after every
// successful provider operation, before dispatching anything downstream.
func (s *SQLiteStore) Put(ctx context.Context, stack string, rec *engine.AppliedRecord) error {
	attrsJSON, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	depsJSON, err := json.Marshal(rec.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode dependency list: %w", err)
	}

	query := `
		INSERT INTO applied_records (
			stack, node_id, kind, external_id, fingerprint, attributes,
			depends_on, pending_destroy_id, last_run_id, last_applied
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stack, node_id) DO UPDATE SET
			kind = excluded.kind,
			external_id = excluded.external_id,
			fingerprint = excluded.fingerprint,
			attributes = excluded.attributes,
			depends_on = excluded.depends_on,
			pending_destroy_id = excluded.pending_destroy_id,
			last_run_id = excluded.last_run_id,
			last_applied = excluded.last_applied,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = s.db.ExecContext(ctx, query,
		stack,
		rec.NodeID,
		string(rec.Kind),
		rec.ExternalID,
		string(rec.Fingerprint),
		string(attrsJSON),
		string(depsJSON),
		rec.PendingDestroyID,
		rec.LastRunID,
		rec.LastApplied,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert applied record: %w", err)
	}
	return nil
}

// Delete removes one applied record. Deleting an absent record is not an
// error: a destroy retried after a partial run must converge.
func (s *SQLiteStore) Delete(ctx context.Context, stack, nodeID string) error {
	query := `DELETE FROM applied_records WHERE stack = ? AND node_id = ?`

	if _, err := s.db.ExecContext(ctx, query, stack, nodeID); err != nil {
		return fmt.Errorf("failed to delete applied record: %w", err)
	}
	return nil
}

// SaveRun persists a completed apply run with its per-node results.
func (s *SQLiteStore) SaveRun(ctx context.Context, report *engine.ApplyReport) error {
	resultsJSON, err := json.Marshal(report.Results)
	if err != nil {
		return fmt.Errorf("failed to encode run results: %w", err)
	}

	query := `
		INSERT INTO runs (id, plan_id, stack, status, started_at, completed_at, results)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		report.RunID,
		report.PlanID,
		report.Stack,
		string(report.Status),
		report.StartedAt,
		report.CompletedAt,
		string(resultsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.ApplyReport, error) {
	query := `
		SELECT id, plan_id, stack, status, started_at, completed_at, results
		FROM runs
		WHERE id = ?
	`
	return s.scanRun(s.db.QueryRowContext(ctx, query, id))
}

// LastRun retrieves the most recent run of a stack.
func (s *SQLiteStore) LastRun(ctx context.Context, stack string) (*engine.ApplyReport, error) {
	query := `
		SELECT id, plan_id, stack, status, started_at, completed_at, results
		FROM runs
		WHERE stack = ?
		ORDER BY started_at DESC
		LIMIT 1
	`
	return s.scanRun(s.db.QueryRowContext(ctx, query, stack))
}

func (s *SQLiteStore) scanRun(row *sql.Row) (*engine.ApplyReport, error) {
	report := &engine.ApplyReport{}
	var resultsJSON string
	err := row.Scan(
		&report.RunID,
		&report.PlanID,
		&report.Stack,
		&report.Status,
		&report.StartedAt,
		&report.CompletedAt,
		&resultsJSON,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &report.Results); err != nil {
		return nil, fmt.Errorf("corrupt run results for %s: %w", report.RunID, err)
	}
	return report, nil
}

// ListRuns lists runs of a stack, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, stack string, limit, offset int) ([]*engine.ApplyReport, error) {
	query := `
		SELECT id, plan_id, stack, status, started_at, completed_at, results
		FROM runs
		WHERE stack = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, stack, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	reports := []*engine.ApplyReport{}
	for rows.Next() {
		report := &engine.ApplyReport{}
		var resultsJSON string
		err := rows.Scan(
			&report.RunID,
			&report.PlanID,
			&report.Stack,
			&report.Status,
			&report.StartedAt,
			&report.CompletedAt,
			&resultsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(resultsJSON), &report.Results); err != nil {
			return nil, fmt.Errorf("corrupt run results for %s: %w", report.RunID, err)
		}
		reports = append(reports, report)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return reports, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
