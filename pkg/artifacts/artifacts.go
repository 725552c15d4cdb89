// Package artifacts discovers and registers files produced by agent runs.
//
// Two collection passes run after every job: a walk of the job's run
// directory, and a scan of the agent's output text for path-like strings.
// Every candidate goes through the same gate: extension allow-list, size
// bounds, symlink resolution, and containment inside the allowed roots.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/store"
)

// maxScanBytes caps how much output text the path scanner will look at.
const maxScanBytes = 200_000

// Backtick-quoted spans are the strongest path signal in agent output.
var backtickRe = regexp.MustCompile("`([^`\n]+)`")

// Bare path candidates: word made of path characters with a short extension.
// Word boundaries are checked manually around each match.
var barePathRe = regexp.MustCompile(`[~./]?[A-Za-z0-9_\-./]+\.[A-Za-z0-9]{1,10}`)

// Collector registers job artifacts in the store.
type Collector struct {
	st     *store.Store
	cfg    *config.Settings
	logger *logx.Logger
}

// New creates a collector over the given store.
func New(st *store.Store, cfg *config.Settings) *Collector {
	return &Collector{
		st:     st,
		cfg:    cfg,
		logger: logx.NewLogger("artifacts"),
	}
}

// KindForExtension maps a file extension to an artifact kind.
func KindForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	case ".mp4", ".webm":
		return "video"
	case ".log", ".txt", ".json":
		return "log"
	case ".pdf":
		return "document"
	default:
		return "file"
	}
}

// RegisterFile validates a single file and records it as a job artifact.
// Returns (nil, nil) when the file is filtered out rather than failing the
// collection pass.
func (c *Collector) RegisterFile(jobID int64, path string) (*store.Artifact, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !c.extensionAllowed(ext) {
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, nil
	}
	if info.Size() == 0 || info.Size() > c.cfg.MaxArtifactBytes {
		return nil, nil
	}

	digest, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to hash artifact %s: %w", path, err)
	}

	artifact, err := c.st.AddArtifact(jobID, KindForExtension(ext), path, info.Size(), digest)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("job %d: registered %s artifact %s (%d bytes)", jobID, artifact.Kind, path, info.Size())
	return artifact, nil
}

// CollectFromRunDir registers every eligible file found under a job's run
// directory. The run's own bookkeeping files (prompt, logs, assistant output)
// pass through the same extension gate as everything else.
func (c *Collector) CollectFromRunDir(jobID int64, runDir string) ([]store.Artifact, error) {
	existing, err := c.knownPaths(jobID)
	if err != nil {
		return nil, err
	}

	var collected []store.Artifact
	walkErr := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // Unreadable entries are skipped, not fatal
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil || existing[resolved] {
			return nil
		}
		artifact, err := c.RegisterFile(jobID, resolved)
		if err != nil {
			return err
		}
		if artifact != nil {
			existing[resolved] = true
			collected = append(collected, *artifact)
		}
		return nil
	})
	if walkErr != nil {
		return collected, fmt.Errorf("failed to walk run dir %s: %w", runDir, walkErr)
	}
	return collected, nil
}

// CollectFromOutputTexts scans the agent's output text for path-like strings,
// resolves each against execCwd, and registers those that pass the gate.
func (c *Collector) CollectFromOutputTexts(jobID int64, execCwd string, texts ...string) ([]store.Artifact, error) {
	existing, err := c.knownPaths(jobID)
	if err != nil {
		return nil, err
	}

	var collected []store.Artifact
	for _, text := range texts {
		if len(text) > maxScanBytes {
			text = text[:maxScanBytes]
		}
		for _, candidate := range extractPathCandidates(text) {
			resolved, ok := c.resolveCandidate(candidate, execCwd)
			if !ok || existing[resolved] {
				continue
			}
			artifact, err := c.RegisterFile(jobID, resolved)
			if err != nil {
				return collected, err
			}
			if artifact != nil {
				existing[resolved] = true
				collected = append(collected, *artifact)
			}
		}
	}
	return collected, nil
}

// extractPathCandidates pulls path-like strings out of free text. Backtick
// spans are taken whole; the bare-path regex is filtered with manual word
// boundary checks since its character class overlaps with prose.
func extractPathCandidates(text string) []string {
	var candidates []string
	seen := make(map[string]bool)

	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.Trim(candidate, `"'()[]{},:;`)
		if candidate == "" || seen[candidate] {
			return
		}
		seen[candidate] = true
		candidates = append(candidates, candidate)
	}

	for _, m := range backtickRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, loc := range barePathRe.FindAllStringIndex(text, -1) {
		if loc[0] > 0 && isPathWordByte(text[loc[0]-1]) {
			continue
		}
		if loc[1] < len(text) && isWordByte(text[loc[1]]) {
			continue
		}
		add(text[loc[0]:loc[1]])
	}
	return candidates
}

func isPathWordByte(b byte) bool {
	return isWordByte(b) || b == '/' || b == '.' || b == '~' || b == '-'
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// resolveCandidate turns a candidate string into an absolute, symlink-free
// path inside the allowed roots, or reports it unusable.
func (c *Collector) resolveCandidate(candidate, execCwd string) (string, bool) {
	lower := strings.ToLower(candidate)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "file://") {
		return "", false
	}

	path := candidate
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(execCwd, path)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	if !c.insideAllowedRoots(resolved) {
		return "", false
	}
	return resolved, true
}

func (c *Collector) insideAllowedRoots(path string) bool {
	roots := append([]string{c.cfg.RunsDir}, c.cfg.AllowedWorkdirs...)
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

func (c *Collector) extensionAllowed(ext string) bool {
	if ext == "" {
		return false
	}
	for _, allowed := range c.cfg.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func (c *Collector) knownPaths(jobID int64) (map[string]bool, error) {
	artifacts, err := c.st.ListArtifacts(jobID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		known[a.Path] = true
	}
	return known, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
