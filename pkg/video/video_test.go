package video

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/artifacts"
	"conductor/pkg/config"
	"conductor/pkg/store"
)

func TestBuildRecapReportsMissingFFmpeg(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite3"))
	require.NoError(t, err)
	defer st.Close()

	workdir := t.TempDir()
	cfg := &config.Settings{
		RunsDir:           t.TempDir(),
		Workdir:           workdir,
		AllowedWorkdirs:   []string{workdir},
		MaxArtifactBytes:  1 << 20,
		AllowedExtensions: append([]string(nil), config.DefaultAllowedExtensions...),
	}
	b := NewBuilder(st, artifacts.New(st, cfg))

	// An empty PATH guarantees the lookup fails.
	t.Setenv("PATH", "")

	_, err = b.BuildRecap(context.Background(), 1, cfg.RunsDir)
	assert.ErrorIs(t, err, ErrFFmpegMissing)
}
