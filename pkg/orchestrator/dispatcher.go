package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/buildkite/roko"

	"conductor/pkg/executor"
	"conductor/pkg/store"
)

// outputScanLimit caps how much of a captured output file is handed to the
// artifact path scanner.
const outputScanLimit = 200_000

// Run drives the dispatcher loop: poll for runnable jobs, hand each to a
// worker, and bound concurrency at MaxParallelJobs. Blocks until ctx is
// canceled and all workers have drained.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("dispatcher started (poll=%s, max_parallel=%d)",
		o.cfg.PollInterval, o.cfg.MaxParallelJobs)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("dispatcher stopping, waiting for workers")
			o.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			o.dispatchOnce(ctx)
		}
	}
}

func (o *Orchestrator) dispatchOnce(ctx context.Context) {
	for {
		o.mu.Lock()
		slots := o.cfg.MaxParallelJobs - len(o.running)
		o.mu.Unlock()
		if slots <= 0 {
			return
		}

		job, err := o.st.ReserveNextRunnableJob()
		if err != nil {
			o.logger.Error("failed to reserve next job: %v", err)
			return
		}
		if job == nil {
			return
		}
		o.startWorker(ctx, job)
	}
}

func (o *Orchestrator) startWorker(ctx context.Context, job *store.Job) {
	jctx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	o.running[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, job.ID)
			o.mu.Unlock()
			cancel()
		}()
		o.runJob(jctx, job)
	}()
}

// runJob executes one reserved job to a terminal state.
func (o *Orchestrator) runJob(ctx context.Context, job *store.Job) {
	// Session jobs need a live session before anything is spawned. Failing
	// the pre-check leaves no job_started event behind.
	if job.Mode == store.ModeSession && !o.sessions.IsActive(job.SessionName) {
		exitCode := 2
		o.finishJob(ctx, job.ID, store.StatusFailed, store.EventJobFailed, store.StatusUpdate{
			Summary:  "Session mode requested but session is inactive",
			Error:    fmt.Sprintf("Session '%s' is inactive", job.SessionName),
			ExitCode: &exitCode,
			Finished: true,
		})
		return
	}

	o.rec.ObserveStarted()
	defer o.rec.ObserveStopped()
	o.recordEvent(job.ID, store.EventJobStarted, nil)
	o.logger.Info("job %d started (mode=%s)", job.ID, job.Mode)

	result, err := o.exec.Execute(ctx, job)
	switch {
	case errors.Is(err, context.Canceled):
		exitCode := executor.ExitCanceled
		o.finishJob(ctx, job.ID, store.StatusCanceled, store.EventJobCanceledWhileRunning, store.StatusUpdate{
			Summary:  "Job canceled while running",
			ExitCode: &exitCode,
			Finished: true,
		})
		return
	case err != nil:
		exitCode := 1
		o.finishJob(ctx, job.ID, store.StatusFailed, store.EventJobFailed, store.StatusUpdate{
			Error:    err.Error(),
			ExitCode: &exitCode,
			Finished: true,
		})
		return
	}

	o.collectArtifacts(job, result)

	if job.Mode == store.ModeSession {
		if err := o.st.TouchSession(job.SessionName); err != nil {
			o.logger.Warn("job %d: failed to touch session %s: %v", job.ID, job.SessionName, err)
		}
	}

	status, event := store.StatusSucceeded, store.EventJobSucceeded
	if result.ExitCode != 0 {
		status, event = store.StatusFailed, store.EventJobFailed
	}
	o.finishJob(ctx, job.ID, status, event, store.StatusUpdate{
		Summary:  result.Summary,
		Error:    result.ErrorText,
		ExitCode: &result.ExitCode,
		Finished: true,
	})
}

// finishJob records a worker's terminal transition and notifies the owner.
// The store's write-once guard makes this a no-op when an external cancel
// already finished the job.
func (o *Orchestrator) finishJob(ctx context.Context, jobID int64, status store.JobStatus, event string, upd store.StatusUpdate) {
	job, err := o.st.SetJobStatus(jobID, status, upd)
	if err != nil {
		o.logger.Error("job %d: failed to record terminal status %s: %v", jobID, status, err)
		return
	}

	o.recordEvent(jobID, event, terminalPayload(job))
	o.rec.ObserveFinished(string(job.Status), jobDuration(job))
	o.logger.Info("job %d finished: %s", jobID, job.Status)

	o.notifyBestEffort(ctx, func(nctx context.Context) error {
		return o.notifier.SendJobStatus(nctx, job, "")
	})
	if artifactList, aerr := o.st.ListArtifacts(jobID); aerr == nil && len(artifactList) > 0 {
		o.notifyBestEffort(ctx, func(nctx context.Context) error {
			return o.notifier.SendArtifacts(nctx, job, artifactList)
		})
	}
}

// collectArtifacts runs both discovery passes. Collection failures degrade
// the notification, never the job outcome.
func (o *Orchestrator) collectArtifacts(job *store.Job, result *executor.Result) {
	fromRun, err := o.collector.CollectFromRunDir(job.ID, result.RunDir)
	if err != nil {
		o.logger.Warn("job %d: run dir collection failed: %v", job.ID, err)
	}
	fromText, err := o.collector.CollectFromOutputTexts(job.ID, result.ExecCwd,
		readForScan(result.StdoutPath),
		readForScan(result.StderrPath),
		result.Summary,
		result.ErrorText,
	)
	if err != nil {
		o.logger.Warn("job %d: output text collection failed: %v", job.ID, err)
	}
	if n := len(fromRun) + len(fromText); n > 0 {
		o.rec.ObserveArtifacts(n)
		o.logger.Debug("job %d: collected %d artifacts", job.ID, n)
	}
}

// readForScan returns up to outputScanLimit bytes of a captured output file.
// A missing file scans as empty text.
func readForScan(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, outputScanLimit))
	if err != nil {
		return ""
	}
	return string(data)
}

// notifyBestEffort retries a delivery a few times, then gives up. The queue
// never blocks on the notification channel.
func (o *Orchestrator) notifyBestEffort(ctx context.Context, send func(context.Context) error) {
	// Deliveries must survive the worker's own cancellation.
	nctx := context.WithoutCancel(ctx)
	err := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(2*time.Second)),
	).DoWithContext(nctx, func(*roko.Retrier) error {
		return send(nctx)
	})
	if err != nil {
		o.rec.ObserveNotifyFailure()
		o.logger.Warn("notification dropped after retries: %v", err)
	}
}

func terminalPayload(job *store.Job) map[string]any {
	payload := map[string]any{"status": string(job.Status)}
	if job.ExitCode != nil {
		payload["exit_code"] = *job.ExitCode
	}
	return payload
}

func jobDuration(job *store.Job) time.Duration {
	if job.StartedAt == nil || job.FinishedAt == nil {
		return 0
	}
	return job.FinishedAt.Sub(*job.StartedAt)
}
