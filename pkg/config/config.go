// Package config provides configuration loading and validation for conductor.
//
// Settings are resolved in three layers: built-in defaults, an optional YAML
// config file, and environment variables (highest precedence). A .env file in
// the working directory is folded into the environment before resolution.
//
// Settings are immutable after Load: mutable runtime knobs (model, sandbox
// mode, workdir override, ...) live in the profile package, never here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConfigError is returned when required configuration is missing or invalid.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func errf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// DefaultAllowedExtensions is the artifact extension allow-list used when
// none is configured.
//
//nolint:gochecknoglobals // Static default table
var DefaultAllowedExtensions = []string{
	".txt", ".log", ".json", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".mp4", ".pdf",
}

// Allowed values for enumerated settings.
//
//nolint:gochecknoglobals // Static validation tables
var (
	AllowedResponseModes    = []string{"natural", "compact", "verbose"}
	AllowedApprovalPolicies = []string{"untrusted", "on-failure", "on-request", "never"}
)

// Settings holds the resolved, validated configuration.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Settings struct {
	// OwnerID is the single owner's chat user id. Required.
	OwnerID int64 `yaml:"owner_id"`

	// DBPath is the SQLite database file. Parent directories are created.
	DBPath string `yaml:"db_path"`

	// RunsDir holds one subdirectory per job run.
	RunsDir string `yaml:"runs_dir"`

	// Workdir is the default working directory for agent CLI invocations.
	Workdir string `yaml:"workdir"`

	// AllowedWorkdirs is the workdir/artifact allow-list. Defaults to {Workdir}.
	AllowedWorkdirs []string `yaml:"allowed_workdirs"`

	// Agent CLI invocation templates. Placeholders: {job_id}, {prompt},
	// {prompt_quoted}, {session_name}, {session_name_quoted}, {approved},
	// {output_last_message_path}, {output_last_message_path_quoted}.
	EphemeralCommandTemplate string `yaml:"ephemeral_command_template"`
	SessionCommandTemplate   string `yaml:"session_command_template"`
	SessionBootCommand       string `yaml:"session_boot_command"`

	// AgentExecMarker is the substring after which runtime flags are injected.
	AgentExecMarker string `yaml:"agent_exec_marker"`

	// SkipGitRepoCheck and AutoSafeFlags control --skip-git-repo-check injection.
	SkipGitRepoCheck bool `yaml:"skip_git_repo_check"`
	AutoSafeFlags    bool `yaml:"auto_safe_flags"`

	// SafeDefaultApproval is the agent CLI approval policy injected when the
	// runtime profile leaves it unset.
	SafeDefaultApproval string `yaml:"safe_default_approval"`

	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxParallelJobs    int           `yaml:"max_parallel_jobs"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	SessionStopTimeout time.Duration `yaml:"session_stop_timeout"`

	MaxArtifactBytes  int64    `yaml:"max_artifact_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`

	// ResponseMode shapes success notifications: natural, compact, or verbose.
	ResponseMode string `yaml:"response_mode"`

	// EventLogDir receives the JSONL audit mirror of job events.
	EventLogDir string `yaml:"event_log_dir"`

	// MetricsAddr is the Prometheus exposition listen address ("" disables it).
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
}

func defaults() Settings {
	return Settings{
		DBPath:                   "data/state.sqlite3",
		RunsDir:                  "runs",
		Workdir:                  ".",
		EphemeralCommandTemplate: "codex exec {prompt_quoted}",
		SessionCommandTemplate:   "codex exec --skip-git-repo-check resume {session_name_quoted} {prompt_quoted}",
		AgentExecMarker:          "codex exec",
		SkipGitRepoCheck:         true,
		AutoSafeFlags:            true,
		SafeDefaultApproval:      "on-request",
		PollInterval:             500 * time.Millisecond,
		MaxParallelJobs:          1,
		JobTimeout:               time.Hour,
		SessionStopTimeout:       10 * time.Second,
		MaxArtifactBytes:         50_000_000,
		AllowedExtensions:        append([]string(nil), DefaultAllowedExtensions...),
		ResponseMode:             "natural",
		EventLogDir:              "logs",
		LogLevel:                 "INFO",
	}
}

// isWithin reports whether path sits inside root (both absolute, cleaned).
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// validate checks enumerations, resolves paths, and creates the directories
// the core owns. Called by Load after all layers are applied.
func (s *Settings) validate() error {
	if s.OwnerID == 0 {
		return errf("owner_id is required (set OWNER_ID or owner_id in the config file)")
	}

	if !containsString(AllowedApprovalPolicies, s.SafeDefaultApproval) {
		return errf("invalid safe_default_approval %q. Allowed: %s",
			s.SafeDefaultApproval, strings.Join(AllowedApprovalPolicies, ", "))
	}
	if !containsString(AllowedResponseModes, s.ResponseMode) {
		return errf("invalid response_mode %q. Allowed: %s",
			s.ResponseMode, strings.Join(AllowedResponseModes, ", "))
	}
	if s.MaxParallelJobs < 1 {
		return errf("max_parallel_jobs must be >= 1, got %d", s.MaxParallelJobs)
	}
	if s.PollInterval <= 0 {
		return errf("poll_interval must be positive, got %s", s.PollInterval)
	}
	if len(s.AllowedExtensions) == 0 {
		s.AllowedExtensions = append([]string(nil), DefaultAllowedExtensions...)
	}
	for i, ext := range s.AllowedExtensions {
		s.AllowedExtensions[i] = strings.ToLower(strings.TrimSpace(ext))
	}

	var err error
	if s.DBPath, err = absPath(s.DBPath); err != nil {
		return err
	}
	if s.RunsDir, err = absPath(s.RunsDir); err != nil {
		return err
	}
	if s.Workdir, err = absPath(s.Workdir); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(s.RunsDir, 0755); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}
	if err := os.MkdirAll(s.Workdir, 0755); err != nil {
		return fmt.Errorf("failed to create workdir: %w", err)
	}

	if len(s.AllowedWorkdirs) == 0 {
		s.AllowedWorkdirs = []string{s.Workdir}
	}
	for i, root := range s.AllowedWorkdirs {
		resolved, err := absPath(root)
		if err != nil {
			return err
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			return errf("invalid allowed_workdirs entry (not a directory): %s", resolved)
		}
		s.AllowedWorkdirs[i] = resolved
	}

	inside := false
	for _, root := range s.AllowedWorkdirs {
		if isWithin(s.Workdir, root) {
			inside = true
			break
		}
	}
	if !inside {
		return errf("workdir %s must be inside allowed_workdirs", s.Workdir)
	}

	return nil
}

func absPath(p string) (string, error) {
	expanded := expandHome(p)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", p, err)
	}
	return filepath.Clean(abs), nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
