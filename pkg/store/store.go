// Package store provides SQLite-backed durable state for jobs, events,
// artifacts, sessions, chat pointers, and pending approval tokens.
//
// All mutation methods are serialized behind a single mutex and a single
// database connection; readers observe consistent snapshots. The database
// file is guarded by a sidecar flock so only one conductor instance can own
// a given state file at a time.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/logx"
)

// ErrNotFound is returned when a requested job, artifact, or session does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a guarded state transition matched no
// rows (e.g. approving a job that is not awaiting approval).
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrLocked is returned when another process holds the store lock.
var ErrLocked = errors.New("store is locked by another process")

// Store owns the SQLite database and all persisted entities.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	logger *logx.Logger
	mu     sync.Mutex
}

// Open opens (creating if needed) the database at path, acquires its sidecar
// lock, and ensures the schema is current.
func Open(path string) (*Store, error) {
	lock := flock.New(path + ".lock")
	gotLock, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !gotLock {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer; one pooled connection keeps every
	// statement on the connection that ran the pragmas.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		lock:   lock,
		logger: logx.NewLogger("store"),
	}
	s.logger.Info("database ready: %s", path)
	return s, nil
}

// Close closes the database and releases the sidecar lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.db.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close database: %w", err)
	}
	if err := s.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to release store lock: %w", err)
	}
	return firstErr
}

// EnsureOwner registers (or re-flags) the single owner user.
func (s *Store) EnsureOwner(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO users(chat_user_id, is_owner, created_at)
		VALUES(?, 1, ?)
		ON CONFLICT(chat_user_id) DO UPDATE SET is_owner=1
	`, userID, nowISO())
	if err != nil {
		return fmt.Errorf("failed to ensure owner %d: %w", userID, err)
	}
	return nil
}

// GetActiveSessionForChat returns the session name pinned for a chat, or ""
// when no pointer is set.
func (s *Store) GetActiveSessionForChat(chatID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var name sql.NullString
	err := s.db.QueryRow(
		"SELECT active_session_name FROM chat_state WHERE chat_id=?", chatID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chat state: %w", err)
	}
	return name.String, nil
}

// SetActiveSessionForChat pins (or clears, with "") the active session for a
// chat. Last writer wins.
func (s *Store) SetActiveSessionForChat(chatID int64, sessionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var name any
	if sessionName != "" {
		name = sessionName
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_state(chat_id, active_session_name, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			active_session_name=excluded.active_session_name,
			updated_at=excluded.updated_at
	`, chatID, name, nowISO())
	if err != nil {
		return fmt.Errorf("failed to set chat state: %w", err)
	}
	return nil
}
