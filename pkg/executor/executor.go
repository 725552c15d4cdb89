// Package executor turns queued jobs into agent CLI invocations: it renders
// the command template, injects runtime flags, runs the command through the
// shell with stdout/stderr captured to the job's run directory, and extracts
// a summary from the agent's final message.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/profile"
	"conductor/pkg/store"
)

const (
	// ExitTimeout mirrors the shell convention for commands killed by timeout.
	ExitTimeout = 124
	// ExitCanceled mirrors the shell convention for SIGINT-terminated commands.
	ExitCanceled = 130

	maxSummaryBytes    = 12000
	maxStdoutTailBytes = 3200
	maxStderrTailBytes = 3200
)

// Result captures the outcome of one agent invocation.
type Result struct {
	ExitCode   int
	RunDir     string
	StdoutPath string
	StderrPath string
	Summary    string
	ErrorText  string
	ExecCwd    string
}

// Executor runs agent commands for the dispatcher.
type Executor struct {
	cfg    *config.Settings
	prof   *profile.Profile
	logger *logx.Logger
}

// New creates an executor bound to the runtime profile.
func New(cfg *config.Settings, prof *profile.Profile) *Executor {
	return &Executor{
		cfg:    cfg,
		prof:   prof,
		logger: logx.NewLogger("executor"),
	}
}

// Execute builds the plan for a job and runs it to completion.
//
// A timeout surfaces as a Result with exit code 124, not an error. A
// cancellation of ctx returns ctx's error so the caller can record the job as
// canceled rather than failed.
func (e *Executor) Execute(ctx context.Context, job *store.Job) (*Result, error) {
	snap := e.prof.Snapshot()
	plan, err := e.BuildPlan(job, snap)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, job, plan)
}

// Run executes a rendered plan. The job's timeout is layered on top of ctx;
// exceeding it yields exit 124 while an external cancel propagates as ctx.Err().
func (e *Executor) Run(ctx context.Context, job *store.Job, plan *Plan) (*Result, error) {
	stdoutPath := plan.RunDir + "/stdout.log"
	stderrPath := plan.RunDir + "/stderr.log"

	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout log for job %d: %w", job.ID, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr log for job %d: %w", job.ID, err)
	}
	defer stderr.Close()

	tctx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	e.logger.Info("job %d: exec in %s: %s", job.ID, plan.ExecCwd, plan.Command)

	cmd := exec.CommandContext(tctx, "sh", "-c", plan.Command)
	cmd.Dir = plan.ExecCwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("JOB_ID=%d", job.ID))

	runErr := cmd.Run()

	// External cancel takes precedence over the per-job timeout.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &Result{
		RunDir:     plan.RunDir,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		ExecCwd:    plan.ExecCwd,
	}

	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		result.ExitCode = ExitTimeout
		result.Summary = fmt.Sprintf("Timed out while executing agent command after %s", e.cfg.JobTimeout)
		result.ErrorText = "Job exceeded timeout limit"
		return result, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run agent command for job %d: %w", job.ID, runErr)
		}
	}

	result.Summary = e.readSummary(plan, stdoutPath)
	if result.ExitCode != 0 {
		result.ErrorText = e.readErrorText(stderrPath, stdoutPath)
	}
	return result, nil
}

// readSummary prefers the agent's final assistant message, falling back to
// the stdout tail when the output file is missing or empty.
func (e *Executor) readSummary(plan *Plan, stdoutPath string) string {
	if data, err := os.ReadFile(plan.OutputLastMessagePath); err == nil {
		text := strings.TrimSpace(string(data))
		if text != "" {
			return truncate(text, maxSummaryBytes)
		}
	}
	return tailOfFile(stdoutPath, maxStdoutTailBytes)
}

func (e *Executor) readErrorText(stderrPath, stdoutPath string) string {
	if tail := tailOfFile(stderrPath, maxStderrTailBytes); tail != "" {
		return tail
	}
	if tail := tailOfFile(stdoutPath, maxStdoutTailBytes); tail != "" {
		return tail
	}
	return "No error output captured"
}

func tailOfFile(path string, maxBytes int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(data))
	if len(text) <= maxBytes {
		return text
	}
	return text[len(text)-maxBytes:]
}

func truncate(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	return text[:maxBytes]
}
