// Package store persists terminal experiment runs to SQLite. It is the
// default result sink; the orchestration core itself mandates no retention,
// so losing this database never affects scheduling decisions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autotune/internal/experiment"
	"autotune/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// RunStore persists experiment runs.
//
// Storage location: .autotune/runs.db
type RunStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// RunRecord is one persisted experiment run.
type RunRecord struct {
	ID           int64
	RunID        string
	TargetID     string
	State        string
	Outcome      string
	FailedStage  string
	Error        string
	RateLimited  bool
	MetricsJSON  string
	WarningsJSON string
	Explanation  string
	StartedAt    time.Time
	FinishedAt   time.Time
	DurationMs   int64
}

// Stats summarizes persisted runs.
type Stats struct {
	TotalRuns     int
	SuccessCount  int
	FailureCount  int
	ErrorCount    int
	AvgDurationMs int64
	ByTarget      map[string]int
}

// NewRunStore opens (creating if needed) the run database at dbPath.
func NewRunStore(dbPath string) (*RunStore, error) {
	logging.StoreDebug("initializing RunStore at %s", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}

	s := &RunStore{db: db, dbPath: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("RunStore initialized at %s", dbPath)
	return s, nil
}

// initialize creates the database schema.
func (s *RunStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experiment_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT UNIQUE NOT NULL,
		target_id TEXT NOT NULL,
		state TEXT NOT NULL,
		outcome TEXT NOT NULL,
		failed_stage TEXT,
		error TEXT,
		rate_limited INTEGER NOT NULL DEFAULT 0,
		metrics TEXT,
		cleanup_warnings TEXT,
		explanation TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_experiment_runs_target ON experiment_runs(target_id);
	CREATE INDEX IF NOT EXISTS idx_experiment_runs_outcome ON experiment_runs(outcome);
	CREATE INDEX IF NOT EXISTS idx_experiment_runs_started ON experiment_runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRun implements experiment.ResultSink.
func (s *RunStore) SaveRun(ctx context.Context, run *experiment.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		metrics = []byte("{}")
	}
	warnings, err := json.Marshal(run.CleanupWarnings)
	if err != nil {
		warnings = []byte("[]")
	}
	rateLimited := 0
	if run.RateLimited {
		rateLimited = 1
	}
	explanation := ""
	if run.RunResult != nil {
		explanation = run.RunResult.Explanation
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO experiment_runs
		(run_id, target_id, state, outcome, failed_stage, error, rate_limited,
		 metrics, cleanup_warnings, explanation, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TargetID, run.State.String(), string(run.Outcome),
		run.FailedStage, run.Error, rateLimited, string(metrics), string(warnings),
		explanation, run.StartedAt, run.FinishedAt, run.Duration().Milliseconds(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to save run %s: %v", run.ID, err)
		return fmt.Errorf("failed to save run: %w", err)
	}

	logging.StoreDebug("saved run %s (target=%s outcome=%s)", run.ID, run.TargetID, run.Outcome)
	return nil
}

// ListRuns returns persisted runs, newest first. An empty targetID lists all
// targets.
func (s *RunStore) ListRuns(targetID string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, run_id, target_id, state, outcome, failed_stage, error,
		       rate_limited, metrics, cleanup_warnings, explanation,
		       started_at, finished_at, duration_ms
		FROM experiment_runs`
	args := []interface{}{}
	if targetID != "" {
		query += " WHERE target_id = ?"
		args = append(args, targetID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var rateLimited int
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.TargetID, &rec.State,
			&rec.Outcome, &rec.FailedStage, &rec.Error, &rateLimited,
			&rec.MetricsJSON, &rec.WarningsJSON, &rec.Explanation,
			&rec.StartedAt, &rec.FinishedAt, &rec.DurationMs); err != nil {
			return nil, err
		}
		rec.RateLimited = rateLimited != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetStats aggregates outcome counts and durations.
func (s *RunStore) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByTarget: make(map[string]int)}

	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(duration_ms), 0)
		FROM experiment_runs`)
	var avg float64
	if err := row.Scan(&stats.TotalRuns, &stats.SuccessCount, &stats.FailureCount,
		&stats.ErrorCount, &avg); err != nil {
		return nil, err
	}
	stats.AvgDurationMs = int64(avg)

	rows, err := s.db.Query(`SELECT target_id, COUNT(*) FROM experiment_runs GROUP BY target_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var target string
		var count int
		if err := rows.Scan(&target, &count); err != nil {
			return nil, err
		}
		stats.ByTarget[target] = count
	}
	return stats, rows.Err()
}

// Close closes the database.
func (s *RunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
