// Package video renders a short recap clip for a finished job using ffmpeg.
// The first image artifact becomes a still frame; jobs with no images get a
// plain black clip. The result is registered as a video artifact.
package video

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"conductor/pkg/artifacts"
	"conductor/pkg/logx"
	"conductor/pkg/store"
)

// ErrFFmpegMissing is returned when ffmpeg is not on PATH.
var ErrFFmpegMissing = errors.New("ffmpeg not found on PATH")

const (
	clipSeconds = 6
	clipScale   = "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2"
)

// Builder renders recap clips into job run directories.
type Builder struct {
	st        *store.Store
	collector *artifacts.Collector
	logger    *logx.Logger
}

// NewBuilder creates a recap builder.
func NewBuilder(st *store.Store, collector *artifacts.Collector) *Builder {
	return &Builder{
		st:        st,
		collector: collector,
		logger:    logx.NewLogger("video"),
	}
}

// BuildRecap renders a recap clip for the job into runDir and registers it as
// an artifact.
func (b *Builder) BuildRecap(ctx context.Context, jobID int64, runDir string) (*store.Artifact, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, ErrFFmpegMissing
	}

	existing, err := b.st.ListArtifacts(jobID)
	if err != nil {
		return nil, err
	}
	var imagePath string
	for _, a := range existing {
		if a.Kind == "image" {
			imagePath = a.Path
			break
		}
	}

	outPath := filepath.Join(runDir, fmt.Sprintf("recap-%d.mp4", jobID))
	var args []string
	if imagePath != "" {
		args = []string{
			"-y", "-loop", "1", "-i", imagePath,
			"-t", fmt.Sprintf("%d", clipSeconds),
			"-vf", clipScale,
			"-c:v", "libx264", "-pix_fmt", "yuv420p",
			outPath,
		}
	} else {
		args = []string{
			"-y", "-f", "lavfi",
			"-i", fmt.Sprintf("color=c=black:s=1280x720:d=%d", clipSeconds),
			"-c:v", "libx264", "-pix_fmt", "yuv420p",
			outPath,
		}
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed for job %d: %w (%s)", jobID, err, tail(string(out), 400))
	}

	artifact, err := b.collector.RegisterFile(jobID, outPath)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, fmt.Errorf("recap clip for job %d was rejected by the artifact gate", jobID)
	}
	b.logger.Info("job %d: recap clip written to %s", jobID, outPath)
	return artifact, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
