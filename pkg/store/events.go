package store

import (
	"encoding/json"
	"fmt"
)

// AppendEvent records an immutable audit event for a job. The payload map is
// serialized to compact JSON with sorted keys; nil means no payload.
func (s *Store) AppendEvent(jobID int64, eventType string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to serialize event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO job_events(job_id, timestamp, event_type, payload_json)
		VALUES(?, ?, ?, ?)
	`, jobID, nowISO(), eventType, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to append event %s for job %d: %w", eventType, jobID, err)
	}
	return nil
}

// ListEvents returns up to limit events for a job, most recent first.
func (s *Store) ListEvents(jobID int64, limit int) ([]JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, job_id, timestamp, event_type, payload_json
		FROM job_events
		WHERE job_id=?
		ORDER BY id DESC
		LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var (
			e       JobEvent
			ts      string
			payload *string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &ts, &e.EventType, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("invalid event timestamp: %w", err)
		}
		if payload != nil {
			e.Payload = *payload
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
