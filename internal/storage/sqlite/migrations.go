package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrMigrationFailed indicates a schema migration aborted. It is fatal at
// startup: the server must not accept traffic on a partially migrated
// database.
var ErrMigrationFailed = errors.New("migration failed")

// Migration is a single forward-only schema step. Apply runs inside one
// transaction; a failed migration is rolled back and never recorded.
type Migration struct {
	Version     int
	Name        string
	Description string
	Apply       func(ctx context.Context, tx *sql.Tx) error
}

// MigrationRecord is a row in the migrations ledger.
type MigrationRecord struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	AppliedAt   time.Time `json:"applied_at"`
	Description string    `json:"description"`
}

// migrations is the ordered, append-only list of schema steps.
var migrations = []Migration{
	{
		Version:     1,
		Name:        "initial_tasks",
		Description: "Creates the tasks table with status/priority/project/creator indexes",
		Apply:       migrateInitialTasks,
	},
	{
		Version:     2,
		Name:        "tenancy_and_coordination",
		Description: "Creates workspaces, projects, users, memberships, locks, task events and webhooks; backfills the reserved default workspace and project",
		Apply:       migrateTenancyAndCoordination,
	},
}

// Migrate brings the schema up to date. It guarantees the ledger table
// exists, applies every registered migration above the current version in
// order, and aborts on the first failure.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`); err != nil {
		return fmt.Errorf("%w: create ledger: %v", ErrMigrationFailed, err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.Info("applied migration %d (%s)", m.Version, m.Name)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM _migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("%w: read ledger: %v", ErrMigrationFailed, err)
	}
	return int(version.Int64), nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: migration %d begin: %v", ErrMigrationFailed, m.Version, err)
	}
	if err := m.Apply(ctx, tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: migration %d (%s): %v", ErrMigrationFailed, m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _migrations (version, name, applied_at, description) VALUES (?, ?, ?, ?)`,
		m.Version, m.Name, fmtTime(s.now()), m.Description,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: migration %d record: %v", ErrMigrationFailed, m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: migration %d commit: %v", ErrMigrationFailed, m.Version, err)
	}
	return nil
}

// AppliedMigrations returns the ledger, oldest first.
func (s *Store) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, name, applied_at, description FROM _migrations ORDER BY version`)
	if err != nil {
		return nil, fault("list migrations", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var applied string
		if err := rows.Scan(&rec.Version, &rec.Name, &applied, &rec.Description); err != nil {
			return nil, fault("scan migration", err)
		}
		at, err := parseTime(applied)
		if err != nil {
			return nil, fault("scan migration", err)
		}
		rec.AppliedAt = at
		out = append(out, rec)
	}
	return out, rows.Err()
}

func migrateInitialTasks(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			service      TEXT NOT NULL DEFAULT '',
			payload      TEXT,
			priority     INTEGER NOT NULL DEFAULT 5,
			status       TEXT NOT NULL DEFAULT 'pending',
			dependencies TEXT,
			metadata     TEXT,
			created_at   TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT,
			result       TEXT,
			error        TEXT,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			project_id   TEXT,
			created_by   TEXT,
			version      INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority);
		CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_created_by ON tasks(created_by);
	`)
	return err
}

func migrateTenancyAndCoordination(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workspaces (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			owner_id   TEXT,
			settings   TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT
		);

		CREATE TABLE IF NOT EXISTS projects (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'active',
			settings     TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_projects_workspace ON projects(workspace_id);

		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL DEFAULT 'member',
			created_at    TEXT NOT NULL,
			last_login    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

		CREATE TABLE IF NOT EXISTS workspace_members (
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			user_id      TEXT NOT NULL,
			role         TEXT NOT NULL DEFAULT 'member',
			joined_at    TEXT NOT NULL,
			PRIMARY KEY (workspace_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS project_members (
			project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id     TEXT NOT NULL,
			role        TEXT NOT NULL DEFAULT 'member',
			permissions TEXT,
			joined_at   TEXT NOT NULL,
			PRIMARY KEY (project_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS locks (
			id            TEXT PRIMARY KEY,
			resource_type TEXT NOT NULL,
			resource_id   TEXT NOT NULL,
			holder_id     TEXT NOT NULL,
			acquired_at   TEXT NOT NULL,
			expires_at    TEXT,
			UNIQUE (resource_type, resource_id)
		);

		CREATE TABLE IF NOT EXISTS task_events (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			user_id    TEXT,
			details    TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_events_type ON task_events(event_type);

		CREATE TABLE IF NOT EXISTS webhooks (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			service      TEXT NOT NULL,
			url          TEXT NOT NULL,
			events       TEXT,
			active       INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL
		);
	`); err != nil {
		return err
	}

	// Reserved default workspace and project, created idempotently; every
	// task without a project pointer is adopted by the default project.
	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, settings, created_at)
		VALUES ('default', 'Default Workspace', '{}', ?)
		ON CONFLICT(id) DO NOTHING`, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, workspace_id, name, description, status, settings, created_at)
		VALUES ('default', 'default', 'Default Project', 'Reserved default project', 'active', '{}', ?)
		ON CONFLICT(id) DO NOTHING`, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET project_id = 'default' WHERE project_id IS NULL OR project_id = ''`)
	return err
}
