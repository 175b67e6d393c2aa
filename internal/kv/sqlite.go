package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// SQLite is a [Store] over a single shared database file. Multiple processes
// can open the same file; SQLite's own file locking serializes individual
// statements, but there is no cross-statement transaction exposed here, so
// read-decide-write sequences remain check-then-act races.
//
// SQLite deliberately does not implement [Locker]: holding a long-lived
// exclusive database transaction open around arbitrary caller code would
// starve readers in other processes. Lease acquisition over this backend uses
// the best-effort read-back confirmation path instead.
//
// Subscribe only observes mutations made through this instance.
type SQLite struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
	subs   map[int]func(Event)
	nextID int
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) a sqlite-backed store at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("kv: sqlite path is empty")
	}

	err := os.MkdirAll(filepath.Dir(path), dirPerms)
	if err != nil {
		return nil, fmt.Errorf("kv: creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite: %w", err)
	}

	err = db.Ping()
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("kv: ping sqlite: %w", err)
	}

	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)",
	}

	for _, stmt := range statements {
		_, err := db.Exec(stmt)
		if err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("kv: apply %q: %w", stmt, err)
		}
	}

	return &SQLite{
		db:   db,
		subs: make(map[int]func(Event)),
	}, nil
}

// Close closes the underlying database. Further operations return [ErrClosed].
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return s.db.Close()
}

// Get reads the value stored under key, or (nil, false, nil) when absent.
func (s *SQLite) Get(key string) ([]byte, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}

	var value []byte

	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("kv: reading %s: %w", key, err)
	}

	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *SQLite) Set(key string, value []byte) error {
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		if isFullError(err) {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}

		return fmt.Errorf("kv: writing %s: %w", key, err)
	}

	s.notify(Event{Key: key, Value: value})

	return nil
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *SQLite) Remove(key string) error {
	if err := s.check(); err != nil {
		return err
	}

	res, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("kv: removing %s: %w", key, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(Event{Key: key, Value: nil})
	}

	return nil
}

// Subscribe registers fn for change events from this instance only.
func (s *SQLite) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.subs, id)
	}
}

func (s *SQLite) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

func (s *SQLite) notify(ev Event) {
	s.mu.Lock()
	subs := make([]func(Event), 0, len(s.subs))

	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// isFullError reports whether err looks like SQLITE_FULL / disk exhaustion.
// The driver does not export a stable sentinel for this, so match the message.
func isFullError(err error) bool {
	msg := err.Error()

	return strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "disk I/O error")
}
