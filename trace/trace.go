// Package trace persists execution traces. The SQLite store backs the
// CLI's trace-db option so a run's op stream survives the process for
// later inspection.
package trace

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store records execution events into a SQLite database. It implements
// the runtime's TraceSink.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (or appends to) a trace database at path. ":memory:" is
// accepted for ephemeral stores.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace db: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		at      INTEGER NOT NULL,
		service TEXT    NOT NULL,
		fiber   INTEGER NOT NULL,
		kind    TEXT    NOT NULL,
		pc      INTEGER,
		detail  TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}

	return &Store{db: db}, nil
}

// TraceOp records one dispatched op.
func (s *Store) TraceOp(service string, fiber uint64, pc int, op string) {
	s.insert(service, fiber, "op", pc, op)
}

// TraceFiber records a fiber scheduling transition.
func (s *Store) TraceFiber(service string, fiber uint64, status string) {
	s.insert(service, fiber, "fiber", -1, status)
}

func (s *Store) insert(service string, fiber uint64, kind string, pc int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return
	}
	// Trace recording is best effort; a failed insert must not stall
	// the scheduler.
	s.db.Exec("INSERT INTO events (at, service, fiber, kind, pc, detail) VALUES (?, ?, ?, ?, ?, ?)",
		time.Now().UnixNano(), service, int64(fiber), kind, pc, detail)
}

// Count returns the number of recorded events of a kind; "" counts all.
func (s *Store) Count(kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row *sql.Row
	if kind == "" {
		row = s.db.QueryRow("SELECT COUNT(*) FROM events")
	} else {
		row = s.db.QueryRow("SELECT COUNT(*) FROM events WHERE kind = ?", kind)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
