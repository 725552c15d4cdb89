package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load resolves settings from defaults, an optional YAML file, and the
// environment, then validates the result. configPath may be empty.
func Load(configPath string) (*Settings, error) {
	loadEnvFile(".env")

	settings := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := applyEnv(&settings); err != nil {
		return nil, err
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// loadEnvFile folds KEY=VALUE lines into the environment without overriding
// variables that are already set.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

//nolint:gocyclo // Flat env-to-field mapping
func applyEnv(s *Settings) error {
	var err error
	if s.OwnerID, err = envInt64("OWNER_ID", s.OwnerID); err != nil {
		return err
	}
	s.DBPath = envString("DB_PATH", s.DBPath)
	s.RunsDir = envString("RUNS_DIR", s.RunsDir)
	s.Workdir = envString("AGENT_WORKDIR", s.Workdir)
	if raw := os.Getenv("AGENT_ALLOWED_WORKDIRS"); raw != "" {
		s.AllowedWorkdirs = splitList(raw)
	}
	s.EphemeralCommandTemplate = envString("AGENT_EPHEMERAL_CMD_TEMPLATE", s.EphemeralCommandTemplate)
	s.SessionCommandTemplate = envString("AGENT_SESSION_CMD_TEMPLATE", s.SessionCommandTemplate)
	s.SessionBootCommand = envString("AGENT_SESSION_BOOT_CMD_TEMPLATE", s.SessionBootCommand)
	s.AgentExecMarker = envString("AGENT_EXEC_MARKER", s.AgentExecMarker)
	if s.SkipGitRepoCheck, err = envBool("AGENT_SKIP_GIT_REPO_CHECK", s.SkipGitRepoCheck); err != nil {
		return err
	}
	if s.AutoSafeFlags, err = envBool("AGENT_AUTO_SAFE_FLAGS", s.AutoSafeFlags); err != nil {
		return err
	}
	s.SafeDefaultApproval = envString("AGENT_SAFE_DEFAULT_APPROVAL", s.SafeDefaultApproval)
	if s.PollInterval, err = envDuration("WORKER_POLL_INTERVAL", s.PollInterval); err != nil {
		return err
	}
	if s.MaxParallelJobs, err = envInt("MAX_PARALLEL_JOBS", s.MaxParallelJobs); err != nil {
		return err
	}
	if s.JobTimeout, err = envDuration("JOB_TIMEOUT", s.JobTimeout); err != nil {
		return err
	}
	if s.SessionStopTimeout, err = envDuration("SESSION_STOP_TIMEOUT", s.SessionStopTimeout); err != nil {
		return err
	}
	if s.MaxArtifactBytes, err = envInt64("MAX_ARTIFACT_BYTES", s.MaxArtifactBytes); err != nil {
		return err
	}
	if raw := os.Getenv("ALLOWED_ARTIFACT_EXTENSIONS"); raw != "" {
		s.AllowedExtensions = splitList(raw)
	}
	s.ResponseMode = envString("RESPONSE_MODE", s.ResponseMode)
	s.EventLogDir = envString("EVENT_LOG_DIR", s.EventLogDir)
	s.MetricsAddr = envString("METRICS_ADDR", s.MetricsAddr)
	s.LogLevel = envString("LOG_LEVEL", s.LogLevel)
	return nil
}

func envString(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, errf("invalid integer for %s: %s", name, value)
	}
	return parsed, nil
}

func envInt64(name string, fallback int64) (int64, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errf("invalid integer for %s: %s", name, value)
	}
	return parsed, nil
}

func envBool(name string, fallback bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errf("invalid boolean value for %s: %s", name, value)
}

// envDuration accepts Go duration strings ("90s", "1h") and bare numbers,
// which are interpreted as seconds.
func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, errf("invalid duration for %s: %s", name, value)
	}
	return parsed, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
