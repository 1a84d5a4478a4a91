// Package history keeps an audit trail of task status transitions in
// SQLite, separate from the task store so the JSON document stays small
// while the full trace of a task's life remains queryable.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/huenique/claude-code-server/internal/tasks"
)

// Entry is one recorded status transition.
type Entry struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Store persists transition records.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the history database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT,
			changed_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_history table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTransition saves a status change. Satisfies the queue's
// TransitionRecorder interface.
func (s *Store) RecordTransition(taskID string, from, to tasks.TaskStatus, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO task_history (task_id, from_status, to_status, reason, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, string(from), string(to), reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// ListByTask returns a task's transitions oldest first.
func (s *Store) ListByTask(taskID string) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, from_status, to_status, reason, changed_at
		FROM task_history WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromStatus, &e.ToStatus, &reason, &e.ChangedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			e.Reason = reason.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Prune removes history for tasks whose last transition is older than
// the retention cutoff, mirroring the task store's cleanup.
func (s *Store) Prune(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec(`DELETE FROM task_history WHERE changed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
