// Package obs records per-session tool activity for digests and health
// reporting. It is an append-only log; nothing in the delivery path blocks
// on it.
package obs

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ToolEvent is one recorded tool invocation.
type ToolEvent struct {
	SessionID string
	Tool      string
	Detail    string // target file or command line, whichever the hook carried
	At        time.Time
}

// Store persists tool events in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the observability database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating obs dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening obs db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tool_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		tool       TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating obs db: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_tool_events_session
		ON tool_events(session_id, id)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record appends a tool event.
func (s *Store) Record(ev ToolEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO tool_events (session_id, tool, detail, created_at) VALUES (?, ?, ?, ?)`,
		ev.SessionID, ev.Tool, ev.Detail, ev.At)
	return err
}

// RecentToolEvents returns up to limit most recent events for a session,
// newest first.
func (s *Store) RecentToolEvents(sessionID string, limit int) ([]ToolEvent, error) {
	rows, err := s.db.Query(
		`SELECT session_id, tool, detail, created_at FROM tool_events
		 WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ToolEvent
	for rows.Next() {
		var ev ToolEvent
		if err := rows.Scan(&ev.SessionID, &ev.Tool, &ev.Detail, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events older than cutoff. Called periodically by the daemon
// so the log does not grow without bound.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM tool_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
