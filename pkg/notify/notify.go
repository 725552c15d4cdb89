// Package notify delivers owner-facing messages about job progress.
//
// Delivery is always best-effort: the dispatcher retries transient failures
// and then moves on, so a broken notification channel can never wedge the
// queue. The default implementation writes to the process log; a chat
// transport can replace it by implementing Notifier.
package notify

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"conductor/pkg/logx"
	"conductor/pkg/store"
)

// maxArtifactLines caps how many artifacts one notification lists.
const maxArtifactLines = 5

// Notifier is the owner-facing message channel.
type Notifier interface {
	SendText(ctx context.Context, text string) error
	SendJobStatus(ctx context.Context, job *store.Job, heading string) error
	SendArtifacts(ctx context.Context, job *store.Job, artifacts []store.Artifact) error
	SendApprovalRequest(ctx context.Context, job *store.Job, reason string) error
}

// LogNotifier formats messages per the configured response mode and writes
// them to the process log.
type LogNotifier struct {
	mode   string
	logger *logx.Logger
}

// NewLogNotifier creates a log-backed notifier. mode is one of "natural",
// "compact", or "verbose".
func NewLogNotifier(mode string) *LogNotifier {
	return &LogNotifier{
		mode:   mode,
		logger: logx.NewLogger("notify"),
	}
}

// SendText delivers a free-form message.
func (n *LogNotifier) SendText(_ context.Context, text string) error {
	n.logger.Info("%s", text)
	return nil
}

// SendJobStatus delivers a job outcome message.
func (n *LogNotifier) SendJobStatus(_ context.Context, job *store.Job, heading string) error {
	n.logger.Info("%s", FormatJobStatus(job, heading, n.mode))
	return nil
}

// SendArtifacts delivers a listing of a job's collected artifacts. Log-kind
// artifacts are run bookkeeping and are not echoed back to the owner.
func (n *LogNotifier) SendArtifacts(_ context.Context, job *store.Job, artifacts []store.Artifact) error {
	lines := FormatArtifactLines(artifacts)
	if len(lines) == 0 {
		return nil
	}
	n.logger.Info("Job %d artifacts:\n%s", job.ID, strings.Join(lines, "\n"))
	return nil
}

// SendApprovalRequest asks the owner to approve or reject a gated job.
func (n *LogNotifier) SendApprovalRequest(_ context.Context, job *store.Job, reason string) error {
	n.logger.Info("Job %d needs approval (%s risk): %s\nPrompt: %s",
		job.ID, job.RiskLevel, reason, firstLine(job.Prompt))
	return nil
}

// FormatJobStatus renders a job outcome per the response mode.
func FormatJobStatus(job *store.Job, heading string, mode string) string {
	switch job.Status {
	case store.StatusSucceeded:
		return formatSuccess(job, heading, mode)
	case store.StatusFailed:
		msg := fmt.Sprintf("Job %d failed: %s", job.ID, firstLine(job.ErrorText))
		if mode == "verbose" {
			return msg + "\n" + verboseDetails(job)
		}
		return msg + fmt.Sprintf("\nUse job info %d for details.", job.ID)
	case store.StatusCanceled:
		return fmt.Sprintf("Job %d canceled.", job.ID)
	case store.StatusRejected:
		return fmt.Sprintf("Job %d rejected.", job.ID)
	default:
		if heading != "" {
			return fmt.Sprintf("Job %d: %s", job.ID, heading)
		}
		return fmt.Sprintf("Job %d is %s.", job.ID, job.Status)
	}
}

func formatSuccess(job *store.Job, heading string, mode string) string {
	summary := strings.TrimSpace(job.SummaryText)
	switch mode {
	case "compact":
		if summary == "" {
			return fmt.Sprintf("Job %d done.", job.ID)
		}
		return fmt.Sprintf("Job %d done: %s", job.ID, firstLine(summary))
	case "verbose":
		text := fmt.Sprintf("Job %d succeeded.", job.ID)
		if summary != "" {
			text += "\n\n" + summary
		}
		return text + "\n" + verboseDetails(job)
	default: // natural: the agent's own words, nothing else
		if summary == "" {
			return fmt.Sprintf("Job %d finished with no output.", job.ID)
		}
		if heading != "" {
			return heading + "\n\n" + summary
		}
		return summary
	}
}

func verboseDetails(job *store.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode=%s risk=%s", job.Mode, job.RiskLevel)
	if job.ExitCode != nil {
		fmt.Fprintf(&b, " exit=%d", *job.ExitCode)
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		fmt.Fprintf(&b, " duration=%s", job.FinishedAt.Sub(*job.StartedAt))
	}
	return b.String()
}

// FormatArtifactLines renders up to maxArtifactLines artifact entries with
// human-readable sizes. Log artifacts, missing files, and empty files are
// skipped.
func FormatArtifactLines(artifacts []store.Artifact) []string {
	var lines []string
	skipped := 0
	for _, a := range artifacts {
		if a.Kind == "log" {
			continue
		}
		info, err := os.Stat(a.Path)
		if err != nil || info.Size() == 0 {
			continue
		}
		if len(lines) >= maxArtifactLines {
			skipped++
			continue
		}
		lines = append(lines, fmt.Sprintf("  %s (%s, %s)", a.Path, a.Kind, humanize.Bytes(uint64(info.Size()))))
	}
	if skipped > 0 {
		lines = append(lines, fmt.Sprintf("  ...and %d more", skipped))
	}
	return lines
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}
