package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertSession inserts or updates a session record. started_at is preserved
// across updates once set; last_seen_at is always refreshed.
func (s *Store) UpsertSession(name string, status SessionStatus, pid *int, metadata string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowISO()
	var pidValue any
	if pid != nil {
		pidValue = *pid
	}
	var metadataValue any
	if metadata != "" {
		metadataValue = metadata
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions(name, status, pid, started_at, last_seen_at, metadata_json)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status=excluded.status,
			pid=excluded.pid,
			last_seen_at=excluded.last_seen_at,
			metadata_json=excluded.metadata_json,
			started_at=COALESCE(sessions.started_at, excluded.started_at)
	`, name, status, pidValue, now, now, metadataValue)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session %s: %w", name, err)
	}
	return s.getSessionLocked(name)
}

// GetSession returns the session record with the given name, or ErrNotFound.
func (s *Store) GetSession(name string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionLocked(name)
}

func (s *Store) getSessionLocked(name string) (*SessionRecord, error) {
	var (
		rec        SessionRecord
		pid        sql.NullInt64
		startedAt  sql.NullString
		lastSeenAt sql.NullString
		metadata   sql.NullString
	)
	err := s.db.QueryRow(
		"SELECT name, status, pid, started_at, last_seen_at, metadata_json FROM sessions WHERE name=?",
		name,
	).Scan(&rec.Name, &rec.Status, &pid, &startedAt, &lastSeenAt, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", name, err)
	}

	if pid.Valid {
		v := int(pid.Int64)
		rec.PID = &v
	}
	if startedAt.Valid {
		rec.StartedAt = parseTimePtr(&startedAt.String)
	}
	if lastSeenAt.Valid {
		rec.LastSeenAt = parseTimePtr(&lastSeenAt.String)
	}
	rec.Metadata = metadata.String
	return &rec, nil
}

// ListSessions returns all session records ordered by name.
func (s *Store) ListSessions() ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT name FROM sessions ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan session name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	records := make([]SessionRecord, 0, len(names))
	for _, name := range names {
		rec, err := s.getSessionLocked(name)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// TouchSession refreshes a session's last_seen_at timestamp.
func (s *Store) TouchSession(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET last_seen_at=? WHERE name=?", nowISO(), name)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", name, err)
	}
	return nil
}
