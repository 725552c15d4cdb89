// Package orchestrator is the control plane facade: it accepts prompts from
// the owner, routes them through the risk gate, and drives the dispatcher
// that executes approved work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"conductor/pkg/artifacts"
	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/executor"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/notify"
	"conductor/pkg/policy"
	"conductor/pkg/profile"
	"conductor/pkg/session"
	"conductor/pkg/store"
	"conductor/pkg/video"
)

// ErrNotOwner is returned when a caller other than the configured owner
// attempts an operation. Single-owner is a hard invariant, not a role check.
var ErrNotOwner = errors.New("caller is not the configured owner")

// Orchestrator wires the store, classifier, executor, sessions, and notifier
// into the job lifecycle.
type Orchestrator struct {
	cfg        *config.Settings
	st         *store.Store
	classifier *policy.Classifier
	prof       *profile.Profile
	exec       *executor.Executor
	collector  *artifacts.Collector
	sessions   *session.Manager
	notifier   notify.Notifier
	rec        *metrics.Recorder
	audit      *eventlog.Writer
	recap      *video.Builder
	logger     *logx.Logger

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles an orchestrator. audit may be nil to disable the JSONL
// mirror.
func New(
	cfg *config.Settings,
	st *store.Store,
	prof *profile.Profile,
	sessions *session.Manager,
	notifier notify.Notifier,
	rec *metrics.Recorder,
	audit *eventlog.Writer,
) *Orchestrator {
	collector := artifacts.New(st, cfg)
	return &Orchestrator{
		cfg:        cfg,
		st:         st,
		classifier: policy.NewClassifier(),
		prof:       prof,
		exec:       executor.New(cfg, prof),
		collector:  collector,
		sessions:   sessions,
		notifier:   notifier,
		rec:        rec,
		audit:      audit,
		recap:      video.NewBuilder(st, collector),
		logger:     logx.NewLogger("orchestrator"),
		running:    map[int64]context.CancelFunc{},
	}
}

// Profile returns the shared runtime profile.
func (o *Orchestrator) Profile() *profile.Profile { return o.prof }

// Sessions returns the session manager.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Store returns the backing store, for read paths like status commands.
func (o *Orchestrator) Store() *store.Store { return o.st }

func (o *Orchestrator) requireOwner(userID int64) error {
	if userID != o.cfg.OwnerID {
		return fmt.Errorf("user %d: %w", userID, ErrNotOwner)
	}
	return nil
}

// Submit classifies a prompt and enqueues it as a job. Low-risk prompts
// enter the queue directly; risky prompts park in awaiting_approval until
// the owner resolves them.
func (o *Orchestrator) Submit(ctx context.Context, userID int64, prompt string, mode store.JobMode, sessionName string) (*store.Job, error) {
	if err := o.requireOwner(userID); err != nil {
		return nil, err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("prompt cannot be empty")
	}

	if mode == store.ModeSession && sessionName == "" {
		// Fall back to the chat's active session pointer.
		active, err := o.st.GetActiveSessionForChat(userID)
		if err != nil {
			return nil, err
		}
		if active == "" {
			return nil, errors.New("session mode requires a session name or an active session")
		}
		sessionName = active
	}

	decision := o.classifier.ClassifyPrompt(prompt)
	status := store.StatusQueued
	if decision.NeedsApproval {
		status = store.StatusAwaitingApproval
	}

	job, err := o.st.CreateJob(prompt, mode, sessionName, decision.Level, decision.NeedsApproval, status)
	if err != nil {
		return nil, err
	}

	o.rec.ObserveSubmitted(string(decision.Level))
	o.recordEvent(job.ID, store.EventJobSubmitted, map[string]any{
		"risk":   string(decision.Level),
		"reason": decision.Reason,
		"mode":   string(mode),
	})
	o.logger.Info("job %d submitted (mode=%s risk=%s approval=%t)",
		job.ID, mode, decision.Level, decision.NeedsApproval)

	if decision.NeedsApproval {
		o.recordEvent(job.ID, store.EventApprovalRequired, map[string]any{"reason": decision.Reason})
		o.notifyBestEffort(ctx, func(nctx context.Context) error {
			return o.notifier.SendApprovalRequest(nctx, job, decision.Reason)
		})
	}
	return job, nil
}

// Approve releases a gated job into the queue. Only the first approval takes
// effect; repeats on an already-approved job are silent no-ops. Approving a
// job in any other state is an error.
func (o *Orchestrator) Approve(ctx context.Context, userID, jobID int64) (*store.Job, error) {
	if err := o.requireOwner(userID); err != nil {
		return nil, err
	}

	job, err := o.st.ApproveJob(jobID, userID)
	if errors.Is(err, store.ErrInvalidTransition) {
		if job != nil && job.ApprovedBy != nil && !job.IsTerminal() {
			return job, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	o.clearApprovalTokens(jobID)
	o.recordEvent(jobID, store.EventJobApproved, map[string]any{"approved_by": userID})
	o.logger.Info("job %d approved by %d", jobID, userID)
	o.notifyBestEffort(ctx, func(nctx context.Context) error {
		return o.notifier.SendText(nctx, fmt.Sprintf("Job %d approved and queued.", jobID))
	})
	return job, nil
}

// Reject resolves a gated job as rejected, a terminal state.
func (o *Orchestrator) Reject(ctx context.Context, userID, jobID int64) (*store.Job, error) {
	if err := o.requireOwner(userID); err != nil {
		return nil, err
	}

	job, err := o.st.RejectJob(jobID, userID)
	if err != nil {
		return nil, err
	}

	o.clearApprovalTokens(jobID)
	o.rec.ObserveTerminal(string(store.StatusRejected))
	o.recordEvent(jobID, store.EventJobRejected, map[string]any{"rejected_by": userID})
	o.logger.Info("job %d rejected by %d", jobID, userID)
	o.notifyBestEffort(ctx, func(nctx context.Context) error {
		return o.notifier.SendJobStatus(nctx, job, "")
	})
	return job, nil
}

// Cancel stops a job. A running job's worker is interrupted and records the
// terminal state itself; queued and gated jobs transition directly. Cancel on
// a terminal job is an idempotent no-op.
func (o *Orchestrator) Cancel(ctx context.Context, userID, jobID int64) (*store.Job, error) {
	if err := o.requireOwner(userID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	cancel, isRunning := o.running[jobID]
	o.mu.Unlock()
	if isRunning {
		o.logger.Info("job %d: cancel requested, interrupting worker", jobID)
		cancel()
		return o.st.GetJob(jobID)
	}

	before, err := o.st.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	job, err := o.st.CancelJob(jobID)
	if err != nil {
		return nil, err
	}
	if before.IsTerminal() {
		return job, nil
	}

	o.clearApprovalTokens(jobID)
	o.rec.ObserveTerminal(string(store.StatusCanceled))
	o.recordEvent(jobID, store.EventJobCanceled, nil)
	o.logger.Info("job %d canceled", jobID)
	o.notifyBestEffort(ctx, func(nctx context.Context) error {
		return o.notifier.SendJobStatus(nctx, job, "")
	})
	return job, nil
}

// BuildRecap renders a recap clip for a finished job and registers it as an
// artifact.
func (o *Orchestrator) BuildRecap(ctx context.Context, userID, jobID int64) (*store.Artifact, error) {
	if err := o.requireOwner(userID); err != nil {
		return nil, err
	}
	job, err := o.st.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !job.IsTerminal() {
		return nil, fmt.Errorf("job %d has not finished yet", jobID)
	}

	artifact, err := o.recap.BuildRecap(ctx, jobID, o.exec.RunDirFor(jobID))
	if err != nil {
		return nil, err
	}
	o.rec.ObserveArtifacts(1)
	o.notifyBestEffort(ctx, func(nctx context.Context) error {
		return o.notifier.SendArtifacts(nctx, job, []store.Artifact{*artifact})
	})
	return artifact, nil
}

// GetJob returns a job by id.
func (o *Orchestrator) GetJob(jobID int64) (*store.Job, error) {
	return o.st.GetJob(jobID)
}

// ListJobs returns up to limit recent jobs.
func (o *Orchestrator) ListJobs(limit int) ([]*store.Job, error) {
	return o.st.ListJobs(limit)
}

// ListArtifacts returns a job's artifacts.
func (o *Orchestrator) ListArtifacts(jobID int64) ([]store.Artifact, error) {
	return o.st.ListArtifacts(jobID)
}

// ListEvents returns a job's most recent lifecycle events.
func (o *Orchestrator) ListEvents(jobID int64, limit int) ([]store.JobEvent, error) {
	return o.st.ListEvents(jobID, limit)
}

// QueueCounts returns job counts by status.
func (o *Orchestrator) QueueCounts() (map[store.JobStatus]int, error) {
	return o.st.CountJobsByStatus()
}

// RunningJobs returns the ids of jobs with live workers.
func (o *Orchestrator) RunningJobs() []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]int64, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}

// UseSession sets or clears ("") the chat's active session pointer.
func (o *Orchestrator) UseSession(userID int64, name string) error {
	if err := o.requireOwner(userID); err != nil {
		return err
	}
	if name != "" && !o.sessions.IsActive(name) {
		return fmt.Errorf("session '%s' is not active", name)
	}
	return o.st.SetActiveSessionForChat(userID, name)
}

// recordEvent appends to the job_events table and mirrors to the JSONL audit
// log. Audit failures are logged, never propagated.
func (o *Orchestrator) recordEvent(jobID int64, eventType string, payload map[string]any) {
	if err := o.st.AppendEvent(jobID, eventType, payload); err != nil {
		o.logger.Error("job %d: failed to append event %s: %v", jobID, eventType, err)
	}
	if o.audit != nil {
		if err := o.audit.Record(jobID, eventType, payload); err != nil {
			o.logger.Warn("job %d: audit mirror failed for %s: %v", jobID, eventType, err)
		}
	}
}

func (o *Orchestrator) clearApprovalTokens(jobID int64) {
	if err := o.st.DeleteApprovalChecklistForJob(jobID); err != nil {
		o.logger.Warn("job %d: failed to clear checklist tokens: %v", jobID, err)
	}
	if err := o.st.DeleteApprovalPollForJob(jobID); err != nil {
		o.logger.Warn("job %d: failed to clear poll tokens: %v", jobID, err)
	}
}
