package store

import (
	"time"
)

// JobStatus is the lifecycle state of a job. Values are stored verbatim in
// the jobs table.
type JobStatus string

const (
	StatusQueued           JobStatus = "queued"
	StatusRunning          JobStatus = "running"
	StatusAwaitingApproval JobStatus = "awaiting_approval"
	StatusSucceeded        JobStatus = "succeeded"
	StatusFailed           JobStatus = "failed"
	StatusCanceled         JobStatus = "canceled"
	StatusRejected         JobStatus = "rejected"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// JobMode distinguishes single-shot agent invocations from session-targeted ones.
type JobMode string

const (
	ModeEphemeral JobMode = "ephemeral"
	ModeSession   JobMode = "session"
)

// RiskLevel is the classifier's verdict for a prompt.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SessionStatus is the lifecycle state of a named agent session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
)

// Job event types, append-only in the job_events table.
const (
	EventJobSubmitted            = "job_submitted"
	EventApprovalRequired        = "approval_required"
	EventJobApproved             = "job_approved"
	EventJobRejected             = "job_rejected"
	EventJobStarted              = "job_started"
	EventJobSucceeded            = "job_succeeded"
	EventJobFailed               = "job_failed"
	EventJobCanceled             = "job_canceled"
	EventJobCanceledWhileRunning = "job_canceled_while_running"
)

// Job is the central entity: one prompt scheduled for the agent CLI.
//
//nolint:govet // struct alignment optimization not critical for this type
type Job struct {
	ID            int64      `json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Status        JobStatus  `json:"status"`
	Mode          JobMode    `json:"mode"`
	SessionName   string     `json:"session_name,omitempty"`
	Prompt        string     `json:"prompt"`
	RiskLevel     RiskLevel  `json:"risk_level"`
	NeedsApproval bool       `json:"needs_approval"`
	ApprovedBy    *int64     `json:"approved_by,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	SummaryText   string     `json:"summary_text,omitempty"`
	ErrorText     string     `json:"error_text,omitempty"`
}

// IsTerminal reports whether the job has reached a terminal state.
func (j *Job) IsTerminal() bool { return j.Status.IsTerminal() }

// Approved reports whether the job cleared the risk gate (either it never
// needed approval, or an owner approved it).
func (j *Job) Approved() bool { return !j.NeedsApproval || j.ApprovedBy != nil }

// JobEvent is one record of the append-only audit log for a job.
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload_json,omitempty"`
}

// Artifact is a file produced by a job run, registered after collection.
type Artifact struct {
	ID        int64  `json:"id"`
	JobID     int64  `json:"job_id"`
	Kind      string `json:"kind"` // image, video, log, document, file
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// SessionRecord describes a named long-lived agent session.
type SessionRecord struct {
	Name       string        `json:"name"`
	Status     SessionStatus `json:"status"`
	PID        *int          `json:"pid,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	LastSeenAt *time.Time    `json:"last_seen_at,omitempty"`
	Metadata   string        `json:"metadata_json,omitempty"`
}

// ApprovalChecklist maps a checklist UI message to the job awaiting approval.
type ApprovalChecklist struct {
	JobID     int64 `json:"job_id"`
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// ApprovalPoll maps a poll UI token to the job awaiting approval.
type ApprovalPoll struct {
	PollID    string `json:"poll_id"`
	JobID     int64  `json:"job_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
}

// Timestamps are persisted as ISO-8601 UTC strings with second precision.
const timeLayout = time.RFC3339

func nowISO() string {
	return time.Now().UTC().Truncate(time.Second).Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(timeLayout, value)
}

func parseTimePtr(value *string) *time.Time {
	if value == nil || *value == "" {
		return nil
	}
	t, err := parseTime(*value)
	if err != nil {
		return nil
	}
	return &t
}
