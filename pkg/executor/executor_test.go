package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/profile"
	"conductor/pkg/store"
)

func newTestExecutor(t *testing.T, template string) (*Executor, *profile.Profile) {
	t.Helper()
	workdir := t.TempDir()
	cfg := &config.Settings{
		RunsDir:                  t.TempDir(),
		Workdir:                  workdir,
		AllowedWorkdirs:          []string{workdir},
		EphemeralCommandTemplate: template,
		SessionCommandTemplate:   template,
		AgentExecMarker:          "codex exec",
		SkipGitRepoCheck:         true,
		AutoSafeFlags:            true,
		SafeDefaultApproval:      "on-request",
		JobTimeout:               30 * time.Second,
	}
	prof := profile.New(workdir, []string{workdir}, cfg.SafeDefaultApproval)
	return New(cfg, prof), prof
}

func TestBuildPlanInjectsRuntimeFlags(t *testing.T) {
	e, prof := newTestExecutor(t, "codex exec {prompt_quoted}")
	_, err := prof.SetModel("gpt-5", "high")
	require.NoError(t, err)
	_, err = prof.SetSandboxMode("workspace-write")
	require.NoError(t, err)
	_, err = prof.SetWebSearchMode("live")
	require.NoError(t, err)
	_, err = prof.SetExperimental("tool-streaming", true)
	require.NoError(t, err)

	job := &store.Job{ID: 7, Prompt: "list files", Mode: store.ModeEphemeral}
	plan, err := e.BuildPlan(job, prof.Snapshot())
	require.NoError(t, err)

	assert.Contains(t, plan.Command, "-m gpt-5")
	assert.Contains(t, plan.Command, `-c model_reasoning_effort="high"`)
	assert.Contains(t, plan.Command, "-s workspace-write")
	assert.Contains(t, plan.Command, `-c approval_policy="on-request"`)
	assert.Contains(t, plan.Command, `-c web_search="live"`)
	assert.Contains(t, plan.Command, "--enable tool-streaming")
	assert.Contains(t, plan.Command, "--skip-git-repo-check")
	assert.Contains(t, plan.Command, "-o "+plan.OutputLastMessagePath)
	// Flags go after the marker, before the prompt.
	assert.Less(t, strings.Index(plan.Command, "-m gpt-5"), strings.Index(plan.Command, "list files"))
}

func TestBuildPlanRespectsExistingFlags(t *testing.T) {
	e, prof := newTestExecutor(t,
		`codex exec -m custom-model -o /tmp/out.txt -c approval_policy="never" {prompt_quoted}`)
	_, err := prof.SetModel("gpt-5", "")
	require.NoError(t, err)

	job := &store.Job{ID: 8, Prompt: "hello", Mode: store.ModeEphemeral}
	plan, err := e.BuildPlan(job, prof.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(plan.Command, "-m "), "model flag must not be duplicated")
	assert.NotContains(t, plan.Command, "gpt-5")
	assert.Equal(t, 1, strings.Count(plan.Command, "approval_policy="))
	assert.Equal(t, 1, strings.Count(plan.Command, "-o "))
}

func TestBuildPlanWithoutMarkerInjectsNothing(t *testing.T) {
	e, prof := newTestExecutor(t, "printf %s {prompt_quoted}")
	_, err := prof.SetModel("gpt-5", "high")
	require.NoError(t, err)

	job := &store.Job{ID: 9, Prompt: "hello", Mode: store.ModeEphemeral}
	plan, err := e.BuildPlan(job, prof.Snapshot())
	require.NoError(t, err)

	assert.NotContains(t, plan.Command, "-m gpt-5")
	assert.NotContains(t, plan.Command, "--skip-git-repo-check")
	assert.NotContains(t, plan.Command, "-o ")
}

func TestBuildPlanSessionTemplate(t *testing.T) {
	e, prof := newTestExecutor(t, "codex exec resume {session_name_quoted} {prompt_quoted}")

	job := &store.Job{ID: 10, Prompt: "continue", Mode: store.ModeSession, SessionName: "research notes"}
	plan, err := e.BuildPlan(job, prof.Snapshot())
	require.NoError(t, err)

	assert.Contains(t, plan.Command, "resume")
	// The quoted session name must survive as a single shell word.
	tokens, err := shellwords.Split(plan.Command)
	require.NoError(t, err)
	assert.Contains(t, tokens, "research notes")
}

func TestBuildPlanPrependsPersonalityInstruction(t *testing.T) {
	e, prof := newTestExecutor(t, "codex exec {prompt_quoted}")
	_, err := prof.SetPersonality("custom", "Answer briefly.")
	require.NoError(t, err)

	job := &store.Job{ID: 11, Prompt: "what changed?", Mode: store.ModeEphemeral}
	plan, err := e.BuildPlan(job, prof.Snapshot())
	require.NoError(t, err)

	data, err := os.ReadFile(plan.PromptPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Answer briefly.\n\n"))
	assert.Contains(t, string(data), "what changed?")
}

func TestRunCapturesStdoutSummary(t *testing.T) {
	e, _ := newTestExecutor(t, "printf %s {prompt_quoted}")

	job := &store.Job{ID: 20, Prompt: "hello world", Mode: store.ModeEphemeral}
	result, err := e.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello world", result.Summary)
	assert.Empty(t, result.ErrorText)
	assert.FileExists(t, result.StdoutPath)
}

func TestRunPrefersAssistantOutputFile(t *testing.T) {
	e, _ := newTestExecutor(t, "printf final-answer > {output_last_message_path_quoted}; echo noise")

	job := &store.Job{ID: 21, Prompt: "x", Mode: store.ModeEphemeral}
	result, err := e.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "final-answer", result.Summary)
}

func TestRunExportsJobID(t *testing.T) {
	e, _ := newTestExecutor(t, `printf %s "$JOB_ID"`)

	job := &store.Job{ID: 22, Prompt: "x", Mode: store.ModeEphemeral}
	result, err := e.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "22", result.Summary)
}

func TestRunCapturesFailure(t *testing.T) {
	e, _ := newTestExecutor(t, "echo boom >&2; exit 3")

	job := &store.Job{ID: 23, Prompt: "x", Mode: store.ModeEphemeral}
	result, err := e.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "boom", result.ErrorText)
}

func TestRunFailureWithSilentStderrFallsBack(t *testing.T) {
	e, _ := newTestExecutor(t, "true; exit 5")

	job := &store.Job{ID: 24, Prompt: "x", Mode: store.ModeEphemeral}
	result, err := e.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 5, result.ExitCode)
	assert.Equal(t, "No error output captured", result.ErrorText)
}

func TestRunTimeoutYieldsExit124(t *testing.T) {
	e, _ := newTestExecutor(t, "sleep 5")
	e.cfg.JobTimeout = 200 * time.Millisecond

	job := &store.Job{ID: 25, Prompt: "x", Mode: store.ModeEphemeral}
	start := time.Now()
	result, err := e.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, ExitTimeout, result.ExitCode)
	assert.Contains(t, result.Summary, "Timed out")
	assert.Equal(t, "Job exceeded timeout limit", result.ErrorText)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunCancelPropagatesContextError(t *testing.T) {
	e, _ := newTestExecutor(t, "sleep 5")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	job := &store.Job{ID: 26, Prompt: "x", Mode: store.ModeEphemeral}
	_, err := e.Execute(ctx, job)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunDirIsBareJobID(t *testing.T) {
	e, _ := newTestExecutor(t, "true")
	assert.Equal(t, e.RunDirFor(3), e.RunDirFor(3))
	assert.Equal(t, filepath.Join(e.cfg.RunsDir, "17"), e.RunDirFor(17))
}

func TestApprovedPlaceholderRendersNumeric(t *testing.T) {
	e, prof := newTestExecutor(t, "printf %s {approved}")

	owner := int64(1)
	gated := &store.Job{ID: 30, Prompt: "x", Mode: store.ModeEphemeral, NeedsApproval: true}
	plan, err := e.BuildPlan(gated, prof.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, plan.Command, "printf %s 0")

	gated.ID = 31
	gated.ApprovedBy = &owner
	plan, err = e.BuildPlan(gated, prof.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, plan.Command, "printf %s 1")
}
