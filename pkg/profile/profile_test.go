package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProfile(t *testing.T) (*Profile, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return New(root, []string{root}, "on-request"), root
}

func TestSetModelValidatesReasoningEffort(t *testing.T) {
	p, _ := newTestProfile(t)

	snap, err := p.SetModel("gpt-5", "HIGH")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", snap.Model)
	assert.Equal(t, "high", snap.ReasoningEffort)

	_, err = p.SetModel("gpt-5", "extreme")
	require.Error(t, err)
	var perr *Error
	assert.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "xhigh")

	// A failed setter leaves state untouched.
	assert.Equal(t, "high", p.Snapshot().ReasoningEffort)

	snap, err = p.SetModel("", "")
	require.NoError(t, err)
	assert.Empty(t, snap.Model)
	assert.Empty(t, snap.ReasoningEffort)
}

func TestChoiceSetters(t *testing.T) {
	p, _ := newTestProfile(t)

	snap, err := p.SetSandboxMode("Workspace-Write")
	require.NoError(t, err)
	assert.Equal(t, "workspace-write", snap.SandboxMode)

	_, err = p.SetSandboxMode("yolo")
	assert.Error(t, err)

	snap, err = p.SetApprovalPolicy("never")
	require.NoError(t, err)
	assert.Equal(t, "never", snap.ApprovalPolicy)

	snap, err = p.SetWebSearchMode("cached")
	require.NoError(t, err)
	assert.Equal(t, "cached", snap.WebSearch)

	// Clearing with "" is always legal.
	snap, err = p.SetSandboxMode("")
	require.NoError(t, err)
	assert.Empty(t, snap.SandboxMode)
}

func TestEffectiveApprovalPolicy(t *testing.T) {
	p, _ := newTestProfile(t)

	// Unset: the safe default applies.
	assert.Equal(t, "on-request", p.EffectiveApprovalPolicy())

	// An explicit choice, including "never", is respected.
	_, err := p.SetApprovalPolicy("never")
	require.NoError(t, err)
	assert.Equal(t, "never", p.EffectiveApprovalPolicy())

	// Clearing restores the safe default.
	_, err = p.SetApprovalPolicy("")
	require.NoError(t, err)
	assert.Equal(t, "on-request", p.EffectiveApprovalPolicy())
}

func TestSetSearchShorthand(t *testing.T) {
	p, _ := newTestProfile(t)

	assert.Equal(t, "live", p.SetSearch(true).WebSearch)
	assert.Equal(t, "disabled", p.SetSearch(false).WebSearch)
}

func TestPersonality(t *testing.T) {
	p, _ := newTestProfile(t)

	snap := p.Snapshot()
	assert.Equal(t, "none", snap.Personality)
	assert.Empty(t, snap.Instruction())

	snap, err := p.SetPersonality("Pragmatic", "")
	require.NoError(t, err)
	assert.Equal(t, "pragmatic", snap.Personality)
	assert.NotEmpty(t, snap.Instruction())

	_, err = p.SetPersonality("custom", "  ")
	assert.Error(t, err)

	snap, err = p.SetPersonality("custom", "Always answer in haiku.")
	require.NoError(t, err)
	assert.Equal(t, "Always answer in haiku.", snap.Instruction())

	_, err = p.SetPersonality("sarcastic", "")
	assert.Error(t, err)
}

func TestExperimentalFeatures(t *testing.T) {
	p, _ := newTestProfile(t)

	snap, err := p.SetExperimental("Tool Streaming", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"tool-streaming"}, snap.Experimental)

	// Idempotent enable, sorted output.
	_, err = p.SetExperimental("tool-streaming", true)
	require.NoError(t, err)
	snap, err = p.SetExperimental("alpha-mode", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha-mode", "tool-streaming"}, snap.Experimental)

	snap, err = p.SetExperimental("tool-streaming", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha-mode"}, snap.Experimental)

	_, err = p.SetExperimental("   ", true)
	assert.Error(t, err)

	assert.Empty(t, p.ClearExperimental().Experimental)
}

func TestSnapshotIsIsolated(t *testing.T) {
	p, _ := newTestProfile(t)

	_, err := p.SetExperimental("alpha", true)
	require.NoError(t, err)

	snap := p.Snapshot()
	snap.Experimental[0] = "mutated"
	assert.Equal(t, []string{"alpha"}, p.Snapshot().Experimental)
}

func TestSetWorkdir(t *testing.T) {
	p, root := newTestProfile(t)

	sub := filepath.Join(root, "project")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	// Relative paths resolve against the current effective workdir.
	snap, err := p.SetWorkdir("project")
	require.NoError(t, err)
	assert.Equal(t, sub, snap.WorkdirOverride)
	assert.Equal(t, sub, p.EffectiveWorkdir())

	// Nonexistent directory.
	_, err = p.SetWorkdir("missing")
	assert.Error(t, err)

	// Outside the allow-list.
	outside, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	_, err = p.SetWorkdir(outside)
	assert.Error(t, err)

	// Clearing restores the default.
	snap, err = p.SetWorkdir("")
	require.NoError(t, err)
	assert.Empty(t, snap.WorkdirOverride)
	assert.Equal(t, root, p.EffectiveWorkdir())
}

func TestSetWorkdirRejectsFiles(t *testing.T) {
	p, root := newTestProfile(t)

	file := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := p.SetWorkdir(file)
	assert.Error(t, err)
}
