// Package journal persists a per-run history of iterations and check
// results in SQLite, for inspection after the loop ends.
//
// The journal is observability, not the source of truth: run state lives in
// ralph.state.md and memory lives in the JSON documents. Losing the journal
// loses history, not correctness.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prpkit/ralph/internal/log"
	"github.com/prpkit/ralph/internal/state"
)

// ErrNotFound is returned when a requested record is not found.
var ErrNotFound = errors.New("record not found")

// RunStatus is the lifecycle status of a journaled run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
	RunCancelled RunStatus = "cancelled"
)

// Run is one journaled loop execution.
type Run struct {
	ID        string
	PlanPath  string
	InputType string
	Phase     string
	Status    RunStatus
	StartedAt time.Time
	EndedAt   *time.Time
}

// Iteration is one journaled loop pass.
type Iteration struct {
	ID        int64
	RunID     string
	Iteration int
	StartedAt time.Time
	EndedAt   *time.Time
}

// CheckRecord is one journaled validation result.
type CheckRecord struct {
	ID         int64
	RunID      string
	Iteration  int
	Name       string
	Status     state.CheckResult
	Output     string
	DurationMS int64
	CreatedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    plan_path TEXT NOT NULL,
    input_type TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    started_at DATETIME NOT NULL,
    ended_at DATETIME
);

CREATE TABLE IF NOT EXISTS iterations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    iteration INTEGER NOT NULL,
    started_at DATETIME NOT NULL,
    ended_at DATETIME,
    FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS check_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    iteration INTEGER NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    output TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id);
CREATE INDEX IF NOT EXISTS idx_check_results_run ON check_results(run_id, iteration);
`

// Journal holds the database connection.
type Journal struct {
	conn *sql.DB
}

// Open opens (creating if needed) the journal database at path.
// ":memory:" opens an in-memory journal.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := conn.Ping(); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			log.Warn("failed to close connection after ping failure", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			log.Warn("failed to close connection after schema failure", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &Journal{conn: conn}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.conn != nil {
		return j.conn.Close()
	}
	return nil
}

// CreateRun inserts a new run record.
func (j *Journal) CreateRun(run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := j.conn.Exec(`
		INSERT INTO runs (id, plan_path, input_type, phase, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.PlanPath, run.InputType, run.Phase, run.Status, run.StartedAt,
	)
	return err
}

// FinishRun stamps a run's final status and end time.
func (j *Journal) FinishRun(id string, status RunStatus) error {
	result, err := j.conn.Exec(`
		UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (j *Journal) GetRun(id string) (*Run, error) {
	run := &Run{}
	err := j.conn.QueryRow(`
		SELECT id, plan_path, input_type, phase, status, started_at, ended_at
		FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.PlanPath, &run.InputType, &run.Phase, &run.Status, &run.StartedAt, &run.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// LatestRun returns the most recently started run, or ErrNotFound when the
// journal is empty.
func (j *Journal) LatestRun() (*Run, error) {
	run := &Run{}
	err := j.conn.QueryRow(`
		SELECT id, plan_path, input_type, phase, status, started_at, ended_at
		FROM runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&run.ID, &run.PlanPath, &run.InputType, &run.Phase, &run.Status, &run.StartedAt, &run.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// BeginIteration inserts an iteration record and returns its row id.
func (j *Journal) BeginIteration(runID string, iteration int) (int64, error) {
	result, err := j.conn.Exec(`
		INSERT INTO iterations (run_id, iteration, started_at)
		VALUES (?, ?, ?)`,
		runID, iteration, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// EndIteration stamps an iteration's end time.
func (j *Journal) EndIteration(id int64) error {
	_, err := j.conn.Exec(`UPDATE iterations SET ended_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// RecordCheck persists one validation result for an iteration.
func (j *Journal) RecordCheck(runID string, iteration int, name string, status state.CheckResult, output string, duration time.Duration) error {
	_, err := j.conn.Exec(`
		INSERT INTO check_results (run_id, iteration, name, status, output, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, iteration, name, string(status), output, duration.Milliseconds(), time.Now().UTC(),
	)
	return err
}

// ChecksForRun returns all check results for a run ordered by iteration and
// insertion order.
func (j *Journal) ChecksForRun(runID string) ([]*CheckRecord, error) {
	rows, err := j.conn.Query(`
		SELECT id, run_id, iteration, name, status, output, duration_ms, created_at
		FROM check_results WHERE run_id = ? ORDER BY iteration, id`, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Warn("failed to close rows", "operation", "ChecksForRun", "error", closeErr)
		}
	}()

	var records []*CheckRecord
	for rows.Next() {
		rec := &CheckRecord{}
		var status string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Iteration, &rec.Name, &status, &rec.Output, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Status = state.CheckResult(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// IterationsForRun returns all iteration records for a run in order.
func (j *Journal) IterationsForRun(runID string) ([]*Iteration, error) {
	rows, err := j.conn.Query(`
		SELECT id, run_id, iteration, started_at, ended_at
		FROM iterations WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Warn("failed to close rows", "operation", "IterationsForRun", "error", closeErr)
		}
	}()

	var iterations []*Iteration
	for rows.Next() {
		it := &Iteration{}
		if err := rows.Scan(&it.ID, &it.RunID, &it.Iteration, &it.StartedAt, &it.EndedAt); err != nil {
			return nil, err
		}
		iterations = append(iterations, it)
	}
	return iterations, rows.Err()
}
