// Package sqlite provides SQL-backed repository implementations.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/botmaster/botmaster/internal/db/dialect"
)

// Repository provides SQL-backed broker storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initProjectSchema(); err != nil {
		return err
	}
	if err := r.initTaskSchema(); err != nil {
		return err
	}
	if err := r.initDispatchSchema(); err != nil {
		return err
	}
	if err := r.initAuditSchema(); err != nil {
		return err
	}
	if err := r.initControlSchema(); err != nil {
		return err
	}
	if err := r.runMigrations(); err != nil {
		return err
	}
	return r.initIndexes()
}

// autoIncPK returns the auto-increment primary key clause for the active driver.
func (r *Repository) autoIncPK() string {
	if dialect.IsPostgres(r.db.DriverName()) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (r *Repository) initProjectSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		channel_id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL DEFAULT 'auto',
		local_path TEXT NOT NULL,
		default_model TEXT DEFAULT '',
		default_max_budget REAL DEFAULT 0,
		deploy_platform TEXT DEFAULT '',
		deploy_app_id TEXT DEFAULT '',
		auto_commit_push INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		chat_user_id TEXT NOT NULL UNIQUE,
		name TEXT DEFAULT '',
		role TEXT NOT NULL DEFAULT 'member',
		rate_limit_per_min INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initTaskSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		bot_name TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		thread_ts TEXT DEFAULT '',
		user_id TEXT DEFAULT '',
		message_ts TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		estimated_cost REAL DEFAULT 0,
		max_budget REAL DEFAULT 0,
		files_changed TEXT DEFAULT '[]',
		commands_run TEXT DEFAULT '[]',
		parent_task_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);
	`)
	return err
}

func (r *Repository) initDispatchSchema() error {
	_, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS offline_queue (
		id %s,
		agent_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		delivered_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		model TEXT DEFAULT '',
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		estimated_cost REAL DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		expires_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL
	);
	`, r.autoIncPK()))
	return err
}

func (r *Repository) initAuditSchema() error {
	_, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS audit_log (
		id %s,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`, r.autoIncPK()))
	return err
}

func (r *Repository) initControlSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		bot_name TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_by TEXT DEFAULT '',
		last_run_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		label TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP,
		revoked_at TIMESTAMP
	);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (r *Repository) runMigrations() error {
	// Deploy identifiers were added after the initial release (ignore error if
	// the columns already exist).
	_, _ = r.db.Exec(`ALTER TABLE projects ADD COLUMN deploy_platform TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE projects ADD COLUMN deploy_app_id TEXT DEFAULT ''`)
	// Per-user rate limit override, same deal.
	_, _ = r.db.Exec(`ALTER TABLE users ADD COLUMN rate_limit_per_min INTEGER`)
	return nil
}

func (r *Repository) initIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_project_created ON tasks(project_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_offline_queue_agent_delivered ON offline_queue(agent_id, delivered);
	CREATE INDEX IF NOT EXISTS idx_offline_queue_expires ON offline_queue(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_expires ON sessions(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource_type, resource_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_schedules_project ON schedules(project_id);
	CREATE INDEX IF NOT EXISTS idx_api_keys_agent ON api_keys(agent_id);
	`)
	return err
}
