package migrations

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRun_AppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)

	if err := Run(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	want := AllMigrations[len(AllMigrations)-1].Version
	if version != want {
		t.Errorf("Expected version %d, got: %d", want, version)
	}

	for _, table := range []string{"runs", "run_ticks", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s to exist: %v", table, err)
		}
	}
}

func TestRun_Idempotent(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 2; i++ {
		if err := Run(db); err != nil {
			t.Fatalf("Run %d failed: %v", i+1, err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	if count != len(AllMigrations) {
		t.Errorf("Expected %d recorded migrations, got: %d", len(AllMigrations), count)
	}
}

func TestAllMigrations_Ordered(t *testing.T) {
	for i, m := range AllMigrations {
		if m.Version != i+1 {
			t.Errorf("Expected migration %d to have version %d, got: %d", i, i+1, m.Version)
		}
		if m.Name == "" {
			t.Errorf("Migration %d has no name", m.Version)
		}
	}
}

func TestRun_CreatesIndices(t *testing.T) {
	db := openTestDB(t)
	if err := Run(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	for _, index := range []string{"idx_runs_started_at", "idx_runs_status", "idx_runs_target", "idx_run_ticks_run_seq"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?", index).Scan(&name)
		if err != nil {
			t.Errorf("Expected index %s to exist: %v", index, err)
		}
	}
	if len(AllMigrations) != 2 {
		t.Errorf("Expected 2 migrations, got: %d", len(AllMigrations))
	}
}
