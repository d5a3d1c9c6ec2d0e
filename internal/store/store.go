// Package store persists an operational event log for sessions: state
// transitions, container ids, teardown failures. It exists so a stale
// user_<id> container found on the runtime after a crash can be traced
// back to the session that created it. Best-effort from the caller's
// side; a store failure never takes a session down.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS session_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		event TEXT NOT NULL,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_session_log_session ON session_log(session_id)`)
	if err != nil {
		return fmt.Errorf("create session_log: %w", err)
	}
	return nil
}

type LogEntry struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	Event     string
	Detail    string
}

// RecordEvent appends one event to a session's log.
func (s *Store) RecordEvent(sessionID, event, detail string) error {
	_, err := s.db.Exec("INSERT INTO session_log (session_id, event, detail) VALUES (?, ?, ?)",
		sessionID, event, detail)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// EventsBySession returns a session's log in insertion order.
func (s *Store) EventsBySession(sessionID string) ([]*LogEntry, error) {
	rows, err := s.db.Query(`SELECT id, session_id, timestamp, event, detail
		FROM session_log WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.Event, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
