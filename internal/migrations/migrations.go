package migrations

import (
	"database/sql"
	"fmt"
)

// Migration represents a single database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: 1,
		Name:    "Add run lookup indices",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
			CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
			CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_runs_started_at;
			DROP INDEX IF EXISTS idx_runs_status;
			DROP INDEX IF EXISTS idx_runs_target;
		`,
	},
	{
		Version: 2,
		Name:    "Add composite index for tick ordering",
		Up: `
			-- Ticks are always read per run in emission order
			CREATE UNIQUE INDEX IF NOT EXISTS idx_run_ticks_run_seq ON run_ticks(run_id, seq);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_run_ticks_run_seq;
		`,
	},
}

// InitSchema creates all tables required by the run history.
// This must be called before running migrations to ensure all tables exist
func InitSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_uuid TEXT NOT NULL UNIQUE,
		name TEXT,
		target TEXT NOT NULL,
		method TEXT NOT NULL,
		workers INTEGER NOT NULL,
		concurrency INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		report_interval_ms INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL,
		total_success INTEGER DEFAULT 0,
		total_errors INTEGER DEFAULT 0,
		requests_per_second REAL DEFAULT 0,
		error_rate REAL DEFAULT 0,
		mean_ms REAL DEFAULT 0,
		p50_ms REAL DEFAULT 0,
		p95_ms REAL DEFAULT 0,
		p99_ms REAL DEFAULT 0,
		max_ms REAL DEFAULT 0,
		lost_lanes INTEGER DEFAULT 0,
		errors_by_kind TEXT
	);

	CREATE TABLE IF NOT EXISTS run_ticks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		requests_per_second REAL NOT NULL,
		error_rate REAL NOT NULL,
		p50_ms REAL DEFAULT 0,
		p95_ms REAL DEFAULT 0,
		p99_ms REAL DEFAULT 0,
		max_ms REAL DEFAULT 0,
		active_lanes INTEGER NOT NULL,
		lost_lanes INTEGER NOT NULL,
		final INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_ticks_run_id ON run_ticks(run_id);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Run executes all pending migrations on the database
func Run(db *sql.DB) error {
	// Initialize schema first to ensure all tables exist
	if err := InitSchema(db); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := GetCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, migration := range AllMigrations {
		if migration.Version <= currentVersion {
			continue
		}

		if _, err := db.Exec(migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}

		_, err = db.Exec(
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version,
			migration.Name,
		)
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// GetCurrentVersion returns the current database schema version
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`
		SELECT COALESCE(MAX(version), 0)
		FROM schema_migrations
	`).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return version, nil
}
