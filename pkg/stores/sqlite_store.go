package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/twinsync/twinsync/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements RunStore on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store for the database at path. Open must be
// called before use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Open connects to the database, enables WAL mode, and runs any
// pending migrations.
func (s *SQLiteStore) Open(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
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

// RecordRun upserts the run row and replaces its action result rows.
// The applier records a run twice per apply, once at start and once at
// completion, so the write must be idempotent per run ID.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *engine.Run) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var completedAt sql.NullTime
	if !run.CompletedAt.IsZero() {
		completedAt = sql.NullTime{Time: run.CompletedAt, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, status, started_at, completed_at, total, succeeded, failed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			total = excluded.total,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped
	`,
		run.ID,
		run.PlanID,
		string(run.Status),
		run.StartedAt,
		completedAt,
		run.Summary.Total,
		run.Summary.Succeeded,
		run.Summary.Failed,
		run.Summary.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_actions WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to clear action results: %w", err)
	}

	for i, result := range run.Results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_actions (run_id, position, domain, verb, target, outcome, detail, backup_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			i,
			result.Action.Domain,
			string(result.Action.Verb),
			result.Action.Target,
			string(result.Outcome),
			result.Detail,
			result.BackupPath,
		)
		if err != nil {
			return fmt.Errorf("failed to record action result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run record: %w", err)
	}
	return nil
}

// GetRun retrieves a run and its action results by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	run := &engine.Run{}
	var status string
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, status, started_at, completed_at, total, succeeded, failed, skipped
		FROM runs WHERE id = ?
	`, id).Scan(
		&run.ID,
		&run.PlanID,
		&status,
		&run.StartedAt,
		&completedAt,
		&run.Summary.Total,
		&run.Summary.Succeeded,
		&run.Summary.Failed,
		&run.Summary.Skipped,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = engine.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, verb, target, outcome, detail, backup_path
		FROM run_actions WHERE run_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list action results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result engine.Result
		var verb, outcome string
		if err := rows.Scan(
			&result.Action.Domain,
			&verb,
			&result.Action.Target,
			&outcome,
			&result.Detail,
			&result.BackupPath,
		); err != nil {
			return nil, fmt.Errorf("failed to scan action result: %w", err)
		}
		result.Action.Verb = engine.Verb(verb)
		result.Outcome = engine.Outcome(outcome)
		run.Results = append(run.Results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate action results: %w", err)
	}

	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, status, started_at, completed_at, total, succeeded, failed, skipped
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.Run
	for rows.Next() {
		run := &engine.Run{}
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(
			&run.ID,
			&run.PlanID,
			&status,
			&run.StartedAt,
			&completedAt,
			&run.Summary.Total,
			&run.Summary.Succeeded,
			&run.Summary.Failed,
			&run.Summary.Skipped,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = engine.RunStatus(status)
		if completedAt.Valid {
			run.CompletedAt = completedAt.Time
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}
