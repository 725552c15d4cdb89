package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/store"
)

func succeededJob(summary string) *store.Job {
	started := time.Now().Add(-30 * time.Second)
	finished := time.Now()
	exit := 0
	return &store.Job{
		ID:          5,
		Status:      store.StatusSucceeded,
		Mode:        store.ModeEphemeral,
		RiskLevel:   store.RiskLow,
		SummaryText: summary,
		ExitCode:    &exit,
		StartedAt:   &started,
		FinishedAt:  &finished,
	}
}

func TestFormatJobStatusNatural(t *testing.T) {
	msg := FormatJobStatus(succeededJob("All tests pass.\nNothing else to do."), "", "natural")
	assert.Equal(t, "All tests pass.\nNothing else to do.", msg)

	msg = FormatJobStatus(succeededJob(""), "", "natural")
	assert.Equal(t, "Job 5 finished with no output.", msg)
}

func TestFormatJobStatusCompact(t *testing.T) {
	msg := FormatJobStatus(succeededJob("All tests pass.\nNothing else to do."), "", "compact")
	assert.Equal(t, "Job 5 done: All tests pass.", msg)
}

func TestFormatJobStatusVerbose(t *testing.T) {
	msg := FormatJobStatus(succeededJob("All tests pass."), "", "verbose")
	assert.Contains(t, msg, "Job 5 succeeded.")
	assert.Contains(t, msg, "All tests pass.")
	assert.Contains(t, msg, "exit=0")
	assert.Contains(t, msg, "mode=ephemeral")
}

func TestFormatJobStatusFailure(t *testing.T) {
	exit := 3
	job := &store.Job{
		ID:        9,
		Status:    store.StatusFailed,
		Mode:      store.ModeEphemeral,
		RiskLevel: store.RiskLow,
		ErrorText: "compile error: missing brace\nmore context here",
		ExitCode:  &exit,
	}

	msg := FormatJobStatus(job, "", "natural")
	assert.True(t, strings.HasPrefix(msg, "Job 9 failed: compile error: missing brace"))
	assert.Contains(t, msg, "job info 9")
	assert.NotContains(t, msg, "more context here")
}

func TestFormatJobStatusTerminalOneLiners(t *testing.T) {
	canceled := &store.Job{ID: 3, Status: store.StatusCanceled}
	assert.Equal(t, "Job 3 canceled.", FormatJobStatus(canceled, "", "natural"))

	rejected := &store.Job{ID: 4, Status: store.StatusRejected}
	assert.Equal(t, "Job 4 rejected.", FormatJobStatus(rejected, "", "natural"))
}

func TestFormatArtifactLines(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "chart.png")
	require.NoError(t, os.WriteFile(img, []byte("0123456789"), 0o644))
	empty := filepath.Join(dir, "empty.pdf")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	// Log-kind, empty, and missing artifacts are all skipped.
	artifacts := []store.Artifact{
		{Kind: "image", Path: img, SizeBytes: 10},
		{Kind: "log", Path: img, SizeBytes: 10},
		{Kind: "document", Path: empty, SizeBytes: 0},
		{Kind: "image", Path: filepath.Join(dir, "gone.png"), SizeBytes: 5},
	}

	lines := FormatArtifactLines(artifacts)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "chart.png")
	assert.Contains(t, lines[0], "image")
	assert.Contains(t, lines[0], "10 B")
}

func TestFormatArtifactLinesCapsListing(t *testing.T) {
	dir := t.TempDir()
	var artifacts []store.Artifact
	for i := 0; i < 8; i++ {
		p := filepath.Join(dir, "f"+string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		artifacts = append(artifacts, store.Artifact{Kind: "image", Path: p, SizeBytes: 1})
	}

	lines := FormatArtifactLines(artifacts)
	require.Len(t, lines, 6)
	assert.Contains(t, lines[5], "3 more")
}
