// Package store persists run history to SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/studiowebux/lanebench/internal/aggregate"
	"github.com/studiowebux/lanebench/internal/migrations"
)

const runColumns = `
	id, run_uuid, COALESCE(name, ''), target, method, workers, concurrency, duration_ms, report_interval_ms,
	started_at, completed_at, status, total_success, total_errors, requests_per_second, error_rate,
	mean_ms, p50_ms, p95_ms, p99_ms, max_ms, lost_lanes, COALESCE(errors_by_kind, '')`

// Manager handles run history persistence
type Manager struct {
	db *sql.DB
}

// NewManager opens the database at dbPath and brings its schema up to date
func NewManager(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run database migrations (includes schema initialization)
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Manager{db: db}, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}

// CreateRun inserts a run record with status running and sets run.ID
func (m *Manager) CreateRun(run *Run) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	result, err := m.db.Exec(`
		INSERT INTO runs
		(run_uuid, name, target, method, workers, concurrency, duration_ms, report_interval_ms, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.Name, run.Target, run.Method, run.Workers, run.Concurrency,
		run.Duration.Milliseconds(), run.ReportInterval.Milliseconds(), run.StartedAt, run.Status)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.ID = id
	return nil
}

// FinalizeRun records the final report of a run and its end status
func (m *Manager) FinalizeRun(id int64, r aggregate.Report, status string) error {
	byKind, err := json.Marshal(r.ErrorsByKind)
	if err != nil {
		return fmt.Errorf("failed to encode error kinds: %w", err)
	}

	_, err = m.db.Exec(`
		UPDATE runs
		SET completed_at = ?, status = ?, total_success = ?, total_errors = ?,
		    requests_per_second = ?, error_rate = ?, mean_ms = ?, p50_ms = ?, p95_ms = ?, p99_ms = ?, max_ms = ?,
		    lost_lanes = ?, errors_by_kind = ?
		WHERE id = ?
	`, r.Timestamp, status, r.TotalSuccess, r.TotalErrors,
		r.OverallRequestsPerSecond, r.OverallErrorRate,
		toMillis(r.OverallLatency.Mean), toMillis(r.OverallLatency.P50), toMillis(r.OverallLatency.P95),
		toMillis(r.OverallLatency.P99), toMillis(r.OverallLatency.Max),
		r.LostLanes, string(byKind), id)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (m *Manager) GetRun(id int64) (*Run, error) {
	row := m.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// GetRunByUUID retrieves a run by the identifier stamped on its reports
func (m *Manager) GetRunByUUID(runID string) (*Run, error) {
	row := m.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_uuid = ?`, runID)
	return scanRun(row)
}

// ListRuns returns the most recent runs first
func (m *Manager) ListRuns(limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := m.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun deletes a run and all its ticks
func (m *Manager) DeleteRun(id int64) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM run_ticks WHERE run_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete ticks: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM runs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return tx.Commit()
}

// SaveTick saves one report row. Sequence numbers are unique per run.
func (m *Manager) SaveTick(tick *Tick) error {
	_, err := m.db.Exec(`
		INSERT INTO run_ticks
		(run_id, seq, timestamp, elapsed_ms, success, errors, requests_per_second, error_rate,
		 p50_ms, p95_ms, p99_ms, max_ms, active_lanes, lost_lanes, final)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tick.RunID, tick.Seq, tick.Timestamp, tick.Elapsed.Milliseconds(),
		tick.Success, tick.Errors, tick.RequestsPerSecond, tick.ErrorRate,
		toMillis(tick.P50), toMillis(tick.P95), toMillis(tick.P99), toMillis(tick.Max),
		tick.ActiveLanes, tick.LostLanes, tick.Final)
	if err != nil {
		return fmt.Errorf("failed to insert tick %d: %w", tick.Seq, err)
	}
	return nil
}

// GetTicks retrieves all ticks of a run in emission order
func (m *Manager) GetTicks(runID int64) ([]*Tick, error) {
	rows, err := m.db.Query(`
		SELECT id, run_id, seq, timestamp, elapsed_ms, success, errors, requests_per_second, error_rate,
		       p50_ms, p95_ms, p99_ms, max_ms, active_lanes, lost_lanes, final
		FROM run_ticks
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []*Tick
	for rows.Next() {
		tick := &Tick{}
		var elapsedMs int64
		var p50, p95, p99, maxMs float64
		err := rows.Scan(&tick.ID, &tick.RunID, &tick.Seq, &tick.Timestamp, &elapsedMs,
			&tick.Success, &tick.Errors, &tick.RequestsPerSecond, &tick.ErrorRate,
			&p50, &p95, &p99, &maxMs, &tick.ActiveLanes, &tick.LostLanes, &tick.Final)
		if err != nil {
			return nil, err
		}
		tick.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		tick.P50, tick.P95, tick.P99, tick.Max = fromMillis(p50), fromMillis(p95), fromMillis(p99), fromMillis(maxMs)
		ticks = append(ticks, tick)
	}
	return ticks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	run := &Run{}
	var durationMs, intervalMs int64
	var completedAt sql.NullTime
	var mean, p50, p95, p99, maxMs float64
	var byKind string

	err := s.Scan(&run.ID, &run.RunID, &run.Name, &run.Target, &run.Method, &run.Workers, &run.Concurrency,
		&durationMs, &intervalMs, &run.StartedAt, &completedAt, &run.Status,
		&run.TotalSuccess, &run.TotalErrors, &run.RequestsPerSecond, &run.ErrorRate,
		&mean, &p50, &p95, &p99, &maxMs, &run.LostLanes, &byKind)
	if err != nil {
		return nil, err
	}

	run.Duration = time.Duration(durationMs) * time.Millisecond
	run.ReportInterval = time.Duration(intervalMs) * time.Millisecond
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Latency = aggregate.Latency{
		Mean: fromMillis(mean),
		P50:  fromMillis(p50),
		P95:  fromMillis(p95),
		P99:  fromMillis(p99),
		Max:  fromMillis(maxMs),
	}
	if byKind != "" && byKind != "null" {
		if err := json.Unmarshal([]byte(byKind), &run.ErrorsByKind); err != nil {
			return nil, fmt.Errorf("failed to decode error kinds: %w", err)
		}
	}
	return run, nil
}
