package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const jobColumns = `id, created_at, updated_at, status, mode, session_name, prompt,
	risk_level, needs_approval, approved_by, started_at, finished_at,
	exit_code, summary_text, error_text`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		createdAt   string
		updatedAt   string
		sessionName sql.NullString
		approvedBy  sql.NullInt64
		startedAt   sql.NullString
		finishedAt  sql.NullString
		exitCode    sql.NullInt64
		summary     sql.NullString
		errorText   sql.NullString
	)
	err := row.Scan(
		&j.ID, &createdAt, &updatedAt, &j.Status, &j.Mode, &sessionName, &j.Prompt,
		&j.RiskLevel, &j.NeedsApproval, &approvedBy, &startedAt, &finishedAt,
		&exitCode, &summary, &errorText,
	)
	if err != nil {
		return nil, err
	}

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at for job %d: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at for job %d: %w", j.ID, err)
	}
	j.SessionName = sessionName.String
	if approvedBy.Valid {
		v := approvedBy.Int64
		j.ApprovedBy = &v
	}
	if startedAt.Valid {
		j.StartedAt = parseTimePtr(&startedAt.String)
	}
	if finishedAt.Valid {
		j.FinishedAt = parseTimePtr(&finishedAt.String)
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	j.SummaryText = summary.String
	j.ErrorText = errorText.String
	return &j, nil
}

// CreateJob inserts a new job and returns the persisted record.
func (s *Store) CreateJob(prompt string, mode JobMode, sessionName string, risk RiskLevel, needsApproval bool, status JobStatus) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowISO()
	var session any
	if sessionName != "" {
		session = sessionName
	}
	result, err := s.db.Exec(`
		INSERT INTO jobs(created_at, updated_at, status, mode, session_name, prompt, risk_level, needs_approval)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, now, now, status, mode, session, prompt, risk, boolToInt(needsApproval))
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new job id: %w", err)
	}
	return s.getJobLocked(id)
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(id int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getJobLocked(id)
}

func (s *Store) getJobLocked(id int64) (*Job, error) {
	job, err := scanJob(s.db.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE id=?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns up to limit jobs, most recent first.
func (s *Store) ListJobs(limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT "+jobColumns+" FROM jobs ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus returns job counts grouped by status.
func (s *Store) CountJobsByStatus() (map[JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ReserveNextRunnableJob atomically selects the lowest-id queued job that has
// cleared the risk gate, transitions it to running, and returns it. Returns
// (nil, nil) when no job is runnable. This is the only path into running.
func (s *Store) ReserveNextRunnableJob() (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE status=? AND (needs_approval=0 OR approved_by IS NOT NULL)
		ORDER BY id ASC
		LIMIT 1
	`, StatusQueued).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select runnable job: %w", err)
	}

	now := nowISO()
	result, err := tx.Exec(`
		UPDATE jobs
		SET status=?, updated_at=?, started_at=COALESCE(started_at, ?)
		WHERE id=? AND status=?
	`, StatusRunning, now, now, id, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation row count: %w", err)
	}
	if affected != 1 {
		// Lost to a concurrent transition; the caller retries next tick.
		return nil, nil
	}

	job, err := scanJob(tx.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE id=?", id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload reserved job %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return job, nil
}

// StatusUpdate carries the optional fields for SetJobStatus. Nil/empty fields
// keep their stored values.
type StatusUpdate struct {
	Summary    string
	Error      string
	ExitCode   *int
	ApprovedBy *int64
	// Finished stamps finished_at. Finishing updates are write-once: a job
	// whose finished_at is already set is left untouched.
	Finished bool
}

// SetJobStatus updates a job's status and conditionally fills non-empty
// fields. Callers uphold the legal transition graph; the only guard enforced
// here is terminal write-once.
func (s *Store) SetJobStatus(id int64, status JobStatus, upd StatusUpdate) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowISO()
	var summary, errorText, finishedAt any
	if upd.Summary != "" {
		summary = upd.Summary
	}
	if upd.Error != "" {
		errorText = upd.Error
	}
	if upd.Finished {
		finishedAt = now
	}
	var exitCode any
	if upd.ExitCode != nil {
		exitCode = *upd.ExitCode
	}
	var approvedBy any
	if upd.ApprovedBy != nil {
		approvedBy = *upd.ApprovedBy
	}

	query := `
		UPDATE jobs
		SET status=?, updated_at=?,
			summary_text=COALESCE(?, summary_text),
			error_text=COALESCE(?, error_text),
			exit_code=COALESCE(?, exit_code),
			approved_by=COALESCE(?, approved_by),
			finished_at=COALESCE(?, finished_at)
		WHERE id=?`
	args := []any{status, now, summary, errorText, exitCode, approvedBy, finishedAt, id}
	if upd.Finished {
		query += " AND finished_at IS NULL"
	}

	if _, err := s.db.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("failed to update job %d: %w", id, err)
	}
	return s.getJobLocked(id)
}

// CancelJob transitions a job to canceled. Legal only from queued, running,
// or awaiting_approval; on terminal jobs it is an idempotent no-op that
// returns the unchanged record.
func (s *Store) CancelJob(id int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowISO()
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status=?, updated_at=?, finished_at=?
		WHERE id=? AND status IN (?, ?, ?)
	`, StatusCanceled, now, now, id, StatusQueued, StatusRunning, StatusAwaitingApproval)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job %d: %w", id, err)
	}
	return s.getJobLocked(id)
}

// ApproveJob transitions a job from awaiting_approval to queued, recording
// the approver. Returns ErrInvalidTransition (with the current record) when
// the job is not awaiting approval, so repeat approvals are detectable no-ops.
func (s *Store) ApproveJob(id int64, userID int64) (*Job, error) {
	return s.resolveApproval(id, userID, StatusQueued, false)
}

// RejectJob transitions a job from awaiting_approval to rejected.
func (s *Store) RejectJob(id int64, userID int64) (*Job, error) {
	return s.resolveApproval(id, userID, StatusRejected, true)
}

func (s *Store) resolveApproval(id, userID int64, to JobStatus, finished bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowISO()
	var finishedAt any
	if finished {
		finishedAt = now
	}
	result, err := s.db.Exec(`
		UPDATE jobs
		SET status=?, approved_by=?, updated_at=?, finished_at=COALESCE(?, finished_at)
		WHERE id=? AND status=?
	`, to, userID, now, finishedAt, id, StatusAwaitingApproval)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval for job %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read approval row count: %w", err)
	}

	job, lookupErr := s.getJobLocked(id)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if affected != 1 {
		return job, fmt.Errorf("job %d is not awaiting approval: %w", id, ErrInvalidTransition)
	}
	return job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
