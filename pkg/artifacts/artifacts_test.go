package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/store"
)

func newTestCollector(t *testing.T) (*Collector, *store.Store, *config.Settings) {
	t.Helper()

	workdir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	runsDir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Settings{
		RunsDir:           runsDir,
		Workdir:           workdir,
		AllowedWorkdirs:   []string{workdir},
		MaxArtifactBytes:  1 << 20,
		AllowedExtensions: append([]string(nil), config.DefaultAllowedExtensions...),
	}
	return New(st, cfg), st, cfg
}

func newTestJob(t *testing.T, st *store.Store) *store.Job {
	t.Helper()
	job, err := st.CreateJob("echo", store.ModeEphemeral, "", store.RiskLow, false, store.StatusQueued)
	require.NoError(t, err)
	return job
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestKindForExtension(t *testing.T) {
	assert.Equal(t, "image", KindForExtension(".png"))
	assert.Equal(t, "image", KindForExtension(".JPG"))
	assert.Equal(t, "video", KindForExtension(".mp4"))
	assert.Equal(t, "log", KindForExtension(".txt"))
	assert.Equal(t, "document", KindForExtension(".pdf"))
	assert.Equal(t, "file", KindForExtension(".tar"))
}

func TestRegisterFileGates(t *testing.T) {
	c, st, cfg := newTestCollector(t)
	job := newTestJob(t, st)

	// Disallowed extension.
	bad := writeFile(t, filepath.Join(cfg.Workdir, "x.exe"), "data")
	a, err := c.RegisterFile(job.ID, bad)
	require.NoError(t, err)
	assert.Nil(t, a)

	// Empty file.
	empty := writeFile(t, filepath.Join(cfg.Workdir, "empty.txt"), "")
	a, err = c.RegisterFile(job.ID, empty)
	require.NoError(t, err)
	assert.Nil(t, a)

	// Oversize file.
	cfg.MaxArtifactBytes = 3
	big := writeFile(t, filepath.Join(cfg.Workdir, "big.txt"), "toolarge")
	a, err = c.RegisterFile(job.ID, big)
	require.NoError(t, err)
	assert.Nil(t, a)
	cfg.MaxArtifactBytes = 1 << 20

	// Eligible file gets hashed and recorded.
	good := writeFile(t, filepath.Join(cfg.Workdir, "shot.png"), "pngdata")
	a, err = c.RegisterFile(job.ID, good)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "image", a.Kind)
	assert.Equal(t, int64(7), a.SizeBytes)
	assert.Len(t, a.SHA256, 64)
}

func TestCollectFromRunDir(t *testing.T) {
	c, st, cfg := newTestCollector(t)
	job := newTestJob(t, st)

	runDir := filepath.Join(cfg.RunsDir, "1")
	writeFile(t, filepath.Join(runDir, "stdout.log"), "output")
	writeFile(t, filepath.Join(runDir, "nested", "chart.png"), "img")
	writeFile(t, filepath.Join(runDir, "binary.bin"), "skip me")

	collected, err := c.CollectFromRunDir(job.ID, runDir)
	require.NoError(t, err)
	assert.Len(t, collected, 2)

	// A second pass registers nothing new.
	collected, err = c.CollectFromRunDir(job.ID, runDir)
	require.NoError(t, err)
	assert.Empty(t, collected)

	all, err := st.ListArtifacts(job.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCollectFromOutputTexts(t *testing.T) {
	c, st, cfg := newTestCollector(t)
	job := newTestJob(t, st)

	report := writeFile(t, filepath.Join(cfg.Workdir, "report.pdf"), "pdf")
	writeFile(t, filepath.Join(cfg.Workdir, "plot.png"), "png")

	text := "Wrote the summary to `" + report + "` and a chart to plot.png. See https://example.com/x.png too."
	collected, err := c.CollectFromOutputTexts(job.ID, cfg.Workdir, text)
	require.NoError(t, err)
	require.Len(t, collected, 2)

	paths := []string{collected[0].Path, collected[1].Path}
	assert.Contains(t, paths, report)
	assert.Contains(t, paths, filepath.Join(cfg.Workdir, "plot.png"))
}

func TestCollectFromOutputTextsRejectsOutsideRoots(t *testing.T) {
	c, st, _ := newTestCollector(t)
	job := newTestJob(t, st)

	outside := writeFile(t, filepath.Join(t.TempDir(), "secret.txt"), "nope")
	collected, err := c.CollectFromOutputTexts(job.ID, "/", "see `"+outside+"`")
	require.NoError(t, err)
	assert.Empty(t, collected)
}

func TestCollectFromOutputTextsDeduplicates(t *testing.T) {
	c, st, cfg := newTestCollector(t)
	job := newTestJob(t, st)

	writeFile(t, filepath.Join(cfg.Workdir, "out.json"), `{}`)
	text := "Saved out.json, also `out.json`, and out.json again."
	collected, err := c.CollectFromOutputTexts(job.ID, cfg.Workdir, text)
	require.NoError(t, err)
	assert.Len(t, collected, 1)
}

func TestExtractPathCandidates(t *testing.T) {
	text := "Files: `one two.png`, ./docs/readme.txt and ~/notes.pdf; ignore v1.2.3 not-a-path"
	candidates := extractPathCandidates(text)

	assert.Contains(t, candidates, "one two.png")
	assert.Contains(t, candidates, "./docs/readme.txt")
	assert.Contains(t, candidates, "~/notes.pdf")
	assert.NotContains(t, candidates, "not-a-path")
}

func TestExtractPathCandidatesBoundaries(t *testing.T) {
	// A match glued to a preceding path character is part of a larger word
	// and must not be extracted on its own.
	candidates := extractPathCandidates("endpoint https://cdn.example.com/assets/logo.png done")
	assert.NotContains(t, candidates, "logo.png")
	assert.NotContains(t, candidates, "assets/logo.png")
}
