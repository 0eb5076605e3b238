package scheduler

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/parleylabs/parley/internal/domain"

	_ "modernc.org/sqlite"
)

// RunLog records every schedule fire in a SQLite database, including the
// skipped ones, so operators can answer "why didn't my schedule run".
type RunLog struct {
	db *sql.DB
}

// OpenRunLog opens (or creates) <dataDir>/schedules.db.
func OpenRunLog(dataDir string) (*RunLog, error) {
	dsn := filepath.Join(dataDir, "schedules.db")
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping run log: %w", err)
	}
	l := &RunLog{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run log: %w", err)
	}
	return l, nil
}

// NewRunLogFromDB wraps an existing database and runs migrations. Useful
// for testing with an in-memory database.
func NewRunLogFromDB(db *sql.DB) (*RunLog, error) {
	l := &RunLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate run log: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *RunLog) Close() error {
	return l.db.Close()
}

func (l *RunLog) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedule_runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			schedule_id TEXT NOT NULL,
			fired_at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			response_id TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_schedule_runs_key
			ON schedule_runs(agent_id, schedule_id, fired_at DESC);
	`)
	return err
}

// RunRecord is one schedule fire.
type RunRecord struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	ScheduleID string    `json:"scheduleId"`
	FiredAt    time.Time `json:"firedAt"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	ResponseID string    `json:"responseId,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

// Record inserts one run row. The id is generated when empty.
func (l *RunLog) Record(rec RunRecord) error {
	if rec.ID == "" {
		rec.ID = domain.NewID()
	}
	_, err := l.db.Exec(
		`INSERT INTO schedule_runs (id, agent_id, schedule_id, fired_at, outcome, detail, session_id, response_id, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.ScheduleID,
		rec.FiredAt.UTC().Format(time.RFC3339),
		rec.Outcome, truncateDetail(rec.Detail, 2000),
		rec.SessionID, rec.ResponseID, rec.DurationMs,
	)
	return err
}

// Runs returns the most recent runs for one schedule, newest first.
func (l *RunLog) Runs(agentID, scheduleID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(
		`SELECT id, agent_id, schedule_id, fired_at, outcome, detail, session_id, response_id, duration_ms
		   FROM schedule_runs
		  WHERE agent_id = ? AND schedule_id = ?
		  ORDER BY fired_at DESC, rowid DESC
		  LIMIT ?`,
		agentID, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var firedStr string
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.ScheduleID, &firedStr,
			&rec.Outcome, &rec.Detail, &rec.SessionID, &rec.ResponseID, &rec.DurationMs); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, firedStr); err == nil {
			rec.FiredAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastRun returns the most recent run for one schedule, if any.
func (l *RunLog) LastRun(agentID, scheduleID string) (RunRecord, bool, error) {
	runs, err := l.Runs(agentID, scheduleID, 1)
	if err != nil || len(runs) == 0 {
		return RunRecord{}, false, err
	}
	return runs[0], true, nil
}

func truncateDetail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
