// Package profile owns the mutable runtime settings that shape every agent
// CLI invocation: model, reasoning effort, sandbox mode, approval policy,
// web search, experimental features, personality, and workdir override.
//
// A single Profile instance is shared process-wide. Readers receive immutable
// Snapshot copies; all mutation goes through validated setters.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Error is returned by setters that reject a value. The message names the
// allowed values so it can be surfaced to the owner verbatim.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func errf(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Allowed values for enumerated profile fields.
//
//nolint:gochecknoglobals // Static validation tables
var (
	AllowedSandboxModes     = []string{"read-only", "workspace-write", "danger-full-access"}
	AllowedApprovalPolicies = []string{"untrusted", "on-failure", "on-request", "never"}
	AllowedReasoningEfforts = []string{"minimal", "low", "medium", "high", "xhigh"}
	AllowedWebSearchModes   = []string{"live", "cached", "disabled"}
)

// PersonalityPresets maps preset names to the instruction prepended to each
// prompt. Legacy aliases are retained for compatibility with prior releases.
//
//nolint:gochecknoglobals // Static preset table
var PersonalityPresets = map[string]string{
	"none":      "",
	"friendly":  "Respond in a friendly, collaborative tone.",
	"pragmatic": "Respond as a pragmatic software engineer: direct, concise, and actionable.",
	"default":   "",
	"concise":   "Respond concisely with the direct answer first.",
	"detailed":  "Respond with structured detail and include key tradeoffs.",
	"coding":    "Prioritize actionable engineering output with explicit assumptions.",
}

// DefaultPersonality is the preset applied until the owner picks another.
const DefaultPersonality = "none"

// Snapshot is an immutable copy of the profile state.
type Snapshot struct {
	Model                  string
	ReasoningEffort        string
	SandboxMode            string
	ApprovalPolicy         string
	WebSearch              string
	Experimental           []string // sorted
	Personality            string
	PersonalityInstruction string
	WorkdirOverride        string
}

// Instruction returns the effective personality instruction for the snapshot.
func (s Snapshot) Instruction() string {
	if s.Personality == "custom" {
		return strings.TrimSpace(s.PersonalityInstruction)
	}
	return PersonalityPresets[s.Personality]
}

// Profile is the process-wide runtime profile owner.
type Profile struct {
	mu sync.Mutex

	model                  string
	reasoningEffort        string
	sandboxMode            string
	approvalPolicy         string
	webSearch              string
	experimental           map[string]bool
	personality            string
	personalityInstruction string
	workdirOverride        string

	defaultWorkdir      string
	allowedWorkdirs     []string
	safeDefaultApproval string
}

// New creates a profile bound to its workdir allow-list and the configured
// safe-default approval policy.
func New(defaultWorkdir string, allowedWorkdirs []string, safeDefaultApproval string) *Profile {
	return &Profile{
		experimental:        make(map[string]bool),
		personality:         DefaultPersonality,
		defaultWorkdir:      defaultWorkdir,
		allowedWorkdirs:     append([]string(nil), allowedWorkdirs...),
		safeDefaultApproval: safeDefaultApproval,
	}
}

// Snapshot returns an immutable copy of the current state.
func (p *Profile) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Profile) snapshotLocked() Snapshot {
	features := make([]string, 0, len(p.experimental))
	for feature := range p.experimental {
		features = append(features, feature)
	}
	sort.Strings(features)
	return Snapshot{
		Model:                  p.model,
		ReasoningEffort:        p.reasoningEffort,
		SandboxMode:            p.sandboxMode,
		ApprovalPolicy:         p.approvalPolicy,
		WebSearch:              p.webSearch,
		Experimental:           features,
		Personality:            p.personality,
		PersonalityInstruction: p.personalityInstruction,
		WorkdirOverride:        p.workdirOverride,
	}
}

// EffectiveApprovalPolicy returns the profile's approval policy, falling back
// to the configured safe default only when the field is unset. An explicit
// owner choice (including "never") is never overridden.
func (p *Profile) EffectiveApprovalPolicy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.approvalPolicy != "" {
		return p.approvalPolicy
	}
	return p.safeDefaultApproval
}

// EffectiveWorkdir returns the workdir override when set, else the default.
func (p *Profile) EffectiveWorkdir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effectiveWorkdirLocked()
}

func (p *Profile) effectiveWorkdirLocked() string {
	if p.workdirOverride != "" {
		return p.workdirOverride
	}
	return p.defaultWorkdir
}

// AllowedWorkdirs returns a copy of the workdir allow-list.
func (p *Profile) AllowedWorkdirs() []string {
	return append([]string(nil), p.allowedWorkdirs...)
}

// SetModel sets the model identifier (free-form, "" clears it) and optionally
// the reasoning effort. An empty reasoningEffort clears the effort hint.
func (p *Profile) SetModel(model, reasoningEffort string) (Snapshot, error) {
	normalized := strings.ToLower(strings.TrimSpace(reasoningEffort))
	if normalized != "" && !contains(AllowedReasoningEfforts, normalized) {
		return Snapshot{}, errf("Invalid reasoning effort '%s'. Allowed: %s",
			reasoningEffort, strings.Join(AllowedReasoningEfforts, ", "))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = strings.TrimSpace(model)
	p.reasoningEffort = normalized
	return p.snapshotLocked(), nil
}

// SetSandboxMode sets the agent sandbox mode ("" clears it).
func (p *Profile) SetSandboxMode(mode string) (Snapshot, error) {
	return p.setChoice(&p.sandboxMode, mode, AllowedSandboxModes, "permissions mode")
}

// SetApprovalPolicy sets the agent CLI's internal approval policy ("" clears it).
func (p *Profile) SetApprovalPolicy(policyValue string) (Snapshot, error) {
	return p.setChoice(&p.approvalPolicy, policyValue, AllowedApprovalPolicies, "approvals policy")
}

// SetWebSearchMode sets the web-tool availability ("" clears it).
func (p *Profile) SetWebSearchMode(mode string) (Snapshot, error) {
	return p.setChoice(&p.webSearch, mode, AllowedWebSearchModes, "web_search mode")
}

// SetSearch is the boolean shorthand: true → live, false → disabled.
func (p *Profile) SetSearch(enabled bool) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enabled {
		p.webSearch = "live"
	} else {
		p.webSearch = "disabled"
	}
	return p.snapshotLocked()
}

func (p *Profile) setChoice(field *string, value string, allowed []string, label string) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if value == "" {
		*field = ""
		return p.snapshotLocked(), nil
	}
	normalized := strings.ToLower(strings.TrimSpace(value))
	if !contains(allowed, normalized) {
		return Snapshot{}, errf("Invalid %s '%s'. Allowed: %s", label, value, strings.Join(allowed, ", "))
	}
	*field = normalized
	return p.snapshotLocked(), nil
}

// SetPersonality selects a preset, or "custom" with a required instruction.
func (p *Profile) SetPersonality(personality, customInstruction string) (Snapshot, error) {
	normalized := strings.ToLower(strings.TrimSpace(personality))

	p.mu.Lock()
	defer p.mu.Unlock()

	if normalized == "custom" {
		instruction := strings.TrimSpace(customInstruction)
		if instruction == "" {
			return Snapshot{}, errf("Custom personality requires an instruction string.")
		}
		p.personality = "custom"
		p.personalityInstruction = instruction
		return p.snapshotLocked(), nil
	}

	if _, ok := PersonalityPresets[normalized]; !ok {
		names := make([]string, 0, len(PersonalityPresets))
		for name := range PersonalityPresets {
			names = append(names, name)
		}
		sort.Strings(names)
		return Snapshot{}, errf("Invalid personality '%s'. Allowed: %s, custom",
			personality, strings.Join(names, ", "))
	}
	p.personality = normalized
	p.personalityInstruction = ""
	return p.snapshotLocked(), nil
}

// SetExperimental enables or disables a named experimental feature.
// Feature names are normalized (lowercased, spaces to dashes); repeated calls
// with the same arguments are idempotent.
func (p *Profile) SetExperimental(feature string, enabled bool) (Snapshot, error) {
	normalized := normalizeFeature(feature)
	if normalized == "" {
		return Snapshot{}, errf("Feature name cannot be empty.")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if enabled {
		p.experimental[normalized] = true
	} else {
		delete(p.experimental, normalized)
	}
	return p.snapshotLocked(), nil
}

// ClearExperimental disables all experimental features.
func (p *Profile) ClearExperimental() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.experimental = make(map[string]bool)
	return p.snapshotLocked()
}

// SetWorkdir sets the workdir override ("" clears it). Relative paths resolve
// against the current effective workdir; the result must be an existing
// directory inside the allow-list.
func (p *Profile) SetWorkdir(pathValue string) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if strings.TrimSpace(pathValue) == "" {
		p.workdirOverride = ""
		return p.snapshotLocked(), nil
	}

	raw := expandHome(strings.TrimSpace(pathValue))
	candidate := raw
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(p.effectiveWorkdirLocked(), candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return Snapshot{}, errf("Workdir does not exist or is not a directory: %s", candidate)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return Snapshot{}, errf("Workdir does not exist or is not a directory: %s", resolved)
	}

	inside := false
	for _, root := range p.allowedWorkdirs {
		if isWithin(resolved, root) {
			inside = true
			break
		}
	}
	if !inside {
		return Snapshot{}, errf("Workdir is outside allowed roots. Allowed: %s",
			strings.Join(p.allowedWorkdirs, ", "))
	}

	p.workdirOverride = resolved
	return p.snapshotLocked(), nil
}

func normalizeFeature(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
