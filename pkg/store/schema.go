package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(_ *sql.DB, version int) error {
	// Version 1 is the initial schema; future versions add cases here.
	return fmt.Errorf("unknown migration version: %d", version)
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			chat_user_id INTEGER PRIMARY KEY,
			is_owner INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN
				('queued','running','awaiting_approval','succeeded','failed','canceled','rejected')),
			mode TEXT NOT NULL CHECK (mode IN ('ephemeral','session')),
			session_name TEXT,
			prompt TEXT NOT NULL,
			risk_level TEXT NOT NULL CHECK (risk_level IN ('low','medium','high')),
			needs_approval INTEGER NOT NULL DEFAULT 0,
			approved_by INTEGER,
			started_at TEXT,
			finished_at TEXT,
			exit_code INTEGER,
			summary_text TEXT,
			error_text TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS job_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload_json TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			sha256 TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			name TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK (status IN ('active','inactive')),
			pid INTEGER,
			started_at TEXT,
			last_seen_at TEXT,
			metadata_json TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS chat_state (
			chat_id INTEGER PRIMARY KEY,
			active_session_name TEXT,
			updated_at TEXT NOT NULL
		)`,

		// Pending approval UI tokens persist so approvals survive restarts.
		`CREATE TABLE IF NOT EXISTS approval_checklists (
			chat_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,

		`CREATE TABLE IF NOT EXISTS approval_polls (
			poll_id TEXT PRIMARY KEY,
			job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			chat_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_job_events_job_ts ON job_events(job_id, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id)",
		"CREATE INDEX IF NOT EXISTS idx_approval_checklists_job ON approval_checklists(job_id)",
		"CREATE INDEX IF NOT EXISTS idx_approval_polls_job ON approval_polls(job_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
