package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Pending approval UI tokens. Two parallel stores exist, one per chat UI
// surface: checklist messages keyed by (chat_id, message_id) and polls keyed
// by poll_id. Both are persisted so an approval sent before a restart can
// still be resolved after it.

// SaveApprovalChecklist registers a checklist token for a job, replacing any
// earlier token for the same job.
func (s *Store) SaveApprovalChecklist(c ApprovalChecklist) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM approval_checklists WHERE job_id=?", c.JobID); err != nil {
		return fmt.Errorf("failed to clear checklist tokens for job %d: %w", c.JobID, err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO approval_checklists(chat_id, message_id, job_id, created_at)
		VALUES(?, ?, ?, ?)
	`, c.ChatID, c.MessageID, c.JobID, nowISO())
	if err != nil {
		return fmt.Errorf("failed to save checklist token for job %d: %w", c.JobID, err)
	}
	return nil
}

// GetApprovalChecklist looks up the checklist token shown at (chatID, messageID).
func (s *Store) GetApprovalChecklist(chatID, messageID int64) (*ApprovalChecklist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c ApprovalChecklist
	err := s.db.QueryRow(
		"SELECT chat_id, message_id, job_id FROM approval_checklists WHERE chat_id=? AND message_id=?",
		chatID, messageID,
	).Scan(&c.ChatID, &c.MessageID, &c.JobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checklist token (%d,%d): %w", chatID, messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checklist token: %w", err)
	}
	return &c, nil
}

// DeleteApprovalChecklistForJob removes any checklist token held for a job.
func (s *Store) DeleteApprovalChecklistForJob(jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM approval_checklists WHERE job_id=?", jobID); err != nil {
		return fmt.Errorf("failed to delete checklist tokens for job %d: %w", jobID, err)
	}
	return nil
}

// ListApprovalChecklists returns all pending checklist tokens.
func (s *Store) ListApprovalChecklists() ([]ApprovalChecklist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT chat_id, message_id, job_id FROM approval_checklists ORDER BY job_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list checklist tokens: %w", err)
	}
	defer rows.Close()

	var tokens []ApprovalChecklist
	for rows.Next() {
		var c ApprovalChecklist
		if err := rows.Scan(&c.ChatID, &c.MessageID, &c.JobID); err != nil {
			return nil, fmt.Errorf("failed to scan checklist token: %w", err)
		}
		tokens = append(tokens, c)
	}
	return tokens, rows.Err()
}

// SaveApprovalPoll registers a poll token for a job, replacing any earlier
// poll for the same job.
func (s *Store) SaveApprovalPoll(p ApprovalPoll) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM approval_polls WHERE job_id=?", p.JobID); err != nil {
		return fmt.Errorf("failed to clear poll tokens for job %d: %w", p.JobID, err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO approval_polls(poll_id, job_id, chat_id, message_id, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, p.PollID, p.JobID, p.ChatID, p.MessageID, nowISO())
	if err != nil {
		return fmt.Errorf("failed to save poll token for job %d: %w", p.JobID, err)
	}
	return nil
}

// GetApprovalPoll looks up the poll token with the given poll id.
func (s *Store) GetApprovalPoll(pollID string) (*ApprovalPoll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p ApprovalPoll
	err := s.db.QueryRow(
		"SELECT poll_id, job_id, chat_id, message_id FROM approval_polls WHERE poll_id=?",
		pollID,
	).Scan(&p.PollID, &p.JobID, &p.ChatID, &p.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("poll token %s: %w", pollID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load poll token: %w", err)
	}
	return &p, nil
}

// DeleteApprovalPollForJob removes any poll token held for a job.
func (s *Store) DeleteApprovalPollForJob(jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM approval_polls WHERE job_id=?", jobID); err != nil {
		return fmt.Errorf("failed to delete poll tokens for job %d: %w", jobID, err)
	}
	return nil
}

// ListApprovalPolls returns all pending poll tokens.
func (s *Store) ListApprovalPolls() ([]ApprovalPoll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT poll_id, job_id, chat_id, message_id FROM approval_polls ORDER BY job_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list poll tokens: %w", err)
	}
	defer rows.Close()

	var tokens []ApprovalPoll
	for rows.Next() {
		var p ApprovalPoll
		if err := rows.Scan(&p.PollID, &p.JobID, &p.ChatID, &p.MessageID); err != nil {
			return nil, fmt.Errorf("failed to scan poll token: %w", err)
		}
		tokens = append(tokens, p)
	}
	return tokens, rows.Err()
}
