// Package delivery implements the message queue and its delivery engine: the
// durable per-target queue, the idle/activity tracker that decides when a
// target can accept input, and the schedulers (reminders, parent wakes) that
// feed messages back into the queue.
package delivery

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Mode is the delivery mode of a queued message.
type Mode string

const (
	// ModeSequential waits for the target to go idle, FIFO.
	ModeSequential Mode = "sequential"
	// ModeImportant is sequential with a priority marker in the rendered text.
	ModeImportant Mode = "important"
	// ModeUrgent interrupts the target's current turn and injects immediately.
	ModeUrgent Mode = "urgent"
)

// Interrupts reports whether the mode preempts a running turn.
func (m Mode) Interrupts() bool { return m == ModeUrgent }

// Message is one row of the durable queue. Rows live from enqueue until the
// injection succeeds; an undelivered row survives a daemon restart and is
// flushed on the target's next idle.
type Message struct {
	ID       string
	TargetID string
	SenderID string
	ParentID string
	Text     string
	Mode     Mode
	Category string
	QueuedAt time.Time

	// Reminder thresholds in seconds, carried on the row so the reminder
	// clock starts when the message lands, not when it was queued. Zero means
	// no reminder.
	RemindSoftSeconds int
	RemindHardSeconds int
}

// RemindRow is a persisted reminder registration.
type RemindRow struct {
	TargetID    string
	ParentID    string
	SoftSeconds int
	HardSeconds int
	LastResetAt time.Time
	SoftFired   bool
}

// WakeRow is a persisted parent-wake registration.
type WakeRow struct {
	ChildID          string
	ParentID         string
	PeriodSeconds    int
	RegisteredAt     time.Time
	LastWakeAt       time.Time
	StatusAtLastWake time.Time
	Escalated        bool
}

// Store is the SQLite persistence layer for the queue and the scheduler
// registrations. All engine state that must survive a restart lives here;
// everything else is rebuilt from signals.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the delivery database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating queue dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue db: %w", err)
	}
	// The engine serializes writers; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS message_queue (
			id           TEXT PRIMARY KEY,
			target_id    TEXT NOT NULL,
			sender_id    TEXT NOT NULL DEFAULT '',
			parent_id    TEXT NOT NULL DEFAULT '',
			text         TEXT NOT NULL,
			mode         TEXT NOT NULL,
			category     TEXT NOT NULL DEFAULT '',
			queued_at    TIMESTAMP NOT NULL,
			remind_soft  INTEGER NOT NULL DEFAULT 0,
			remind_hard  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_target ON message_queue(target_id, queued_at)`,
		`CREATE TABLE IF NOT EXISTS remind_registrations (
			target_id     TEXT PRIMARY KEY,
			parent_id     TEXT NOT NULL DEFAULT '',
			soft_seconds  INTEGER NOT NULL,
			hard_seconds  INTEGER NOT NULL,
			last_reset_at TIMESTAMP NOT NULL,
			soft_fired    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS wake_registrations (
			child_id            TEXT PRIMARY KEY,
			parent_id           TEXT NOT NULL,
			period_seconds      INTEGER NOT NULL,
			registered_at       TIMESTAMP NOT NULL,
			last_wake_at        TIMESTAMP,
			status_at_last_wake TIMESTAMP,
			escalated           INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating queue db: %w", err)
		}
	}
	// Older databases predate some columns; add them in place.
	for _, c := range []struct{ name, ddl string }{
		{"category", "TEXT NOT NULL DEFAULT ''"},
		{"remind_soft", "INTEGER NOT NULL DEFAULT 0"},
		{"remind_hard", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := s.ensureColumn("message_queue", c.name, c.ddl); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if the table does not already have it, so the
// daemon can open a database written by an earlier version.
func (s *Store) ensureColumn(table, column, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddl))
	return err
}

// Insert persists a queued message.
func (s *Store) Insert(m *Message) error {
	_, err := s.db.Exec(
		`INSERT INTO message_queue (id, target_id, sender_id, parent_id, text, mode, category, queued_at, remind_soft, remind_hard)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TargetID, m.SenderID, m.ParentID, m.Text, string(m.Mode), m.Category, m.QueuedAt,
		m.RemindSoftSeconds, m.RemindHardSeconds,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// Delete removes a message after successful injection (or explicit cancel).
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM message_queue WHERE id = ?`, id)
	return err
}

// Pending returns the undelivered non-urgent messages for a target, oldest
// first. Urgent messages never wait in the queue on the happy path; a row
// with mode urgent is a failed preemption being retried sequentially.
func (s *Store) Pending(targetID string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, target_id, sender_id, parent_id, text, mode, category, queued_at, remind_soft, remind_hard
		 FROM message_queue WHERE target_id = ? ORDER BY queued_at, id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PendingCount returns how many messages are queued for a target.
func (s *Store) PendingCount(targetID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM message_queue WHERE target_id = ?`, targetID).Scan(&n)
	return n, err
}

// TotalPending returns the queue depth across all targets.
func (s *Store) TotalPending() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM message_queue`).Scan(&n)
	return n, err
}

// CancelCategoryFrom deletes undelivered messages of the given category sent
// by senderID, returning how many were removed. Scoped to the category so a
// cache invalidation never cancels ordinary traffic from the same sender.
func (s *Store) CancelCategoryFrom(senderID, category string) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM message_queue WHERE sender_id = ? AND category = ?`,
		senderID, category)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteForTarget drops all queued messages for a target. Used when the
// target stops; messages to a terminal session can never deliver.
func (s *Store) DeleteForTarget(targetID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM message_queue WHERE target_id = ?`, targetID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneMissingTargets removes rows whose target is not in live. Startup
// hygiene: sessions that died while the daemon was down leave orphan rows.
func (s *Store) PruneMissingTargets(live []string) (int, error) {
	set := make(map[string]bool, len(live))
	for _, id := range live {
		set[id] = true
	}
	rows, err := s.db.Query(`SELECT DISTINCT target_id FROM message_queue`)
	if err != nil {
		return 0, err
	}
	var dead []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if !set[id] {
			dead = append(dead, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, id := range dead {
		n, err := s.DeleteForTarget(id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		var m Message
		var mode string
		if err := rows.Scan(&m.ID, &m.TargetID, &m.SenderID, &m.ParentID,
			&m.Text, &mode, &m.Category, &m.QueuedAt,
			&m.RemindSoftSeconds, &m.RemindHardSeconds); err != nil {
			return nil, err
		}
		m.Mode = Mode(mode)
		m.Text = strings.ToValidUTF8(m.Text, "")
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpsertRemind stores (or replaces) the reminder registration for a target.
func (s *Store) UpsertRemind(r *RemindRow) error {
	_, err := s.db.Exec(
		`INSERT INTO remind_registrations (target_id, parent_id, soft_seconds, hard_seconds, last_reset_at, soft_fired)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(target_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			soft_seconds = excluded.soft_seconds,
			hard_seconds = excluded.hard_seconds,
			last_reset_at = excluded.last_reset_at,
			soft_fired = excluded.soft_fired`,
		r.TargetID, r.ParentID, r.SoftSeconds, r.HardSeconds, r.LastResetAt, r.SoftFired,
	)
	return err
}

// DeleteRemind removes a target's reminder registration.
func (s *Store) DeleteRemind(targetID string) error {
	_, err := s.db.Exec(`DELETE FROM remind_registrations WHERE target_id = ?`, targetID)
	return err
}

// Reminds returns all persisted reminder registrations.
func (s *Store) Reminds() ([]*RemindRow, error) {
	rows, err := s.db.Query(
		`SELECT target_id, parent_id, soft_seconds, hard_seconds, last_reset_at, soft_fired
		 FROM remind_registrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RemindRow
	for rows.Next() {
		var r RemindRow
		var fired int
		if err := rows.Scan(&r.TargetID, &r.ParentID, &r.SoftSeconds, &r.HardSeconds,
			&r.LastResetAt, &fired); err != nil {
			return nil, err
		}
		r.SoftFired = fired != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpsertWake stores (or replaces) the parent-wake registration for a child.
func (s *Store) UpsertWake(w *WakeRow) error {
	_, err := s.db.Exec(
		`INSERT INTO wake_registrations (child_id, parent_id, period_seconds, registered_at, last_wake_at, status_at_last_wake, escalated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(child_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			period_seconds = excluded.period_seconds,
			registered_at = excluded.registered_at,
			last_wake_at = excluded.last_wake_at,
			status_at_last_wake = excluded.status_at_last_wake,
			escalated = excluded.escalated`,
		w.ChildID, w.ParentID, w.PeriodSeconds, w.RegisteredAt,
		nullTime(w.LastWakeAt), nullTime(w.StatusAtLastWake), w.Escalated,
	)
	return err
}

// DeleteWake removes a child's parent-wake registration.
func (s *Store) DeleteWake(childID string) error {
	_, err := s.db.Exec(`DELETE FROM wake_registrations WHERE child_id = ?`, childID)
	return err
}

// Wakes returns all persisted parent-wake registrations.
func (s *Store) Wakes() ([]*WakeRow, error) {
	rows, err := s.db.Query(
		`SELECT child_id, parent_id, period_seconds, registered_at, last_wake_at, status_at_last_wake, escalated
		 FROM wake_registrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WakeRow
	for rows.Next() {
		var w WakeRow
		var lastWake, statusAt sql.NullTime
		var esc int
		if err := rows.Scan(&w.ChildID, &w.ParentID, &w.PeriodSeconds, &w.RegisteredAt,
			&lastWake, &statusAt, &esc); err != nil {
			return nil, err
		}
		w.LastWakeAt = lastWake.Time
		w.StatusAtLastWake = statusAt.Time
		w.Escalated = esc != 0
		out = append(out, &w)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
