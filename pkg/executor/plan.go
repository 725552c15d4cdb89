package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buildkite/shellwords"

	"conductor/pkg/profile"
	"conductor/pkg/store"
)

// Plan is a fully rendered agent invocation, ready to run through the shell.
type Plan struct {
	Command               string
	RunDir                string
	PromptPath            string
	OutputLastMessagePath string
	ExecCwd               string
}

// assistantOutputFile is where the agent CLI is asked to write its final
// assistant message, via the injected output flag.
const assistantOutputFile = "assistant_last_message.txt"

// RunDirFor returns the run directory path for a job id, a bare-id
// subdirectory of the runs root.
func (e *Executor) RunDirFor(jobID int64) string {
	return filepath.Join(e.cfg.RunsDir, strconv.FormatInt(jobID, 10))
}

// BuildPlan renders the command template for a job, creates its run
// directory, and injects runtime flags from the profile snapshot.
func (e *Executor) BuildPlan(job *store.Job, snap profile.Snapshot) (*Plan, error) {
	runDir := e.RunDirFor(job.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir for job %d: %w", job.ID, err)
	}

	prompt := job.Prompt
	if instruction := snap.Instruction(); instruction != "" {
		prompt = instruction + "\n\n" + prompt
	}

	promptPath := filepath.Join(runDir, "prompt.txt")
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write prompt file for job %d: %w", job.ID, err)
	}

	template := e.cfg.EphemeralCommandTemplate
	if job.Mode == store.ModeSession {
		template = e.cfg.SessionCommandTemplate
	}

	approved := "0"
	if job.Approved() {
		approved = "1"
	}

	outputPath := filepath.Join(runDir, assistantOutputFile)
	command := renderTemplate(template, map[string]string{
		"job_id":                          fmt.Sprintf("%d", job.ID),
		"prompt":                          prompt,
		"prompt_quoted":                   shellwords.Quote(prompt),
		"session_name":                    job.SessionName,
		"session_name_quoted":             shellwords.Quote(job.SessionName),
		"approved":                        approved,
		"output_last_message_path":        outputPath,
		"output_last_message_path_quoted": shellwords.Quote(outputPath),
	})

	command = e.injectRuntimeFlags(command, snap)
	if e.cfg.SkipGitRepoCheck {
		command = e.injectFlag(command, "--skip-git-repo-check", "--skip-git-repo-check")
	}
	if !hasOutputFlag(command) {
		command = e.injectFlag(command, "-o "+shellwords.Quote(outputPath), "-o")
	}

	execCwd := e.prof.EffectiveWorkdir()
	return &Plan{
		Command:               command,
		RunDir:                runDir,
		PromptPath:            promptPath,
		OutputLastMessagePath: outputPath,
		ExecCwd:               execCwd,
	}, nil
}

func renderTemplate(template string, values map[string]string) string {
	rendered := template
	for key, value := range values {
		rendered = strings.ReplaceAll(rendered, "{"+key+"}", value)
	}
	return rendered
}

// injectRuntimeFlags adds profile-derived flags right after the exec marker.
// Each flag is skipped when the template already carries it, so owner-supplied
// templates keep full control.
func (e *Executor) injectRuntimeFlags(command string, snap profile.Snapshot) string {
	if snap.Model != "" {
		command = e.injectFlag(command, "-m "+shellwords.Quote(snap.Model), "-m", "--model")
	}
	if snap.ReasoningEffort != "" {
		command = e.injectConfigOverride(command, "model_reasoning_effort", snap.ReasoningEffort)
	}
	if snap.SandboxMode != "" {
		command = e.injectFlag(command, "-s "+snap.SandboxMode, "-s", "--sandbox")
	}
	if e.cfg.AutoSafeFlags {
		if policyValue := e.prof.EffectiveApprovalPolicy(); policyValue != "" {
			command = e.injectConfigOverride(command, "approval_policy", policyValue)
		}
	}
	if snap.WebSearch != "" {
		command = e.injectConfigOverride(command, "web_search", snap.WebSearch)
	}
	for _, feature := range snap.Experimental {
		command = e.injectFlag(command, "--enable "+feature, "--enable "+feature)
	}
	return command
}

// injectFlag inserts flagText after the exec marker unless any of the
// presence markers already appears as a token in the command.
func (e *Executor) injectFlag(command, flagText string, presence ...string) string {
	marker := e.cfg.AgentExecMarker
	idx := strings.Index(command, marker)
	if idx < 0 {
		return command
	}
	tokens := tokenize(command)
	for _, p := range presence {
		if hasToken(tokens, p) {
			return command
		}
	}
	insertAt := idx + len(marker)
	return command[:insertAt] + " " + flagText + command[insertAt:]
}

// injectConfigOverride inserts a `-c key="value"` override unless the command
// already overrides the same key.
func (e *Executor) injectConfigOverride(command, key, value string) string {
	marker := e.cfg.AgentExecMarker
	idx := strings.Index(command, marker)
	if idx < 0 {
		return command
	}
	tokens := tokenize(command)
	for i, tok := range tokens {
		if (tok == "-c" || tok == "--config") && i+1 < len(tokens) && strings.HasPrefix(tokens[i+1], key+"=") {
			return command
		}
		if strings.HasPrefix(tok, key+"=") {
			return command
		}
	}
	flagText := fmt.Sprintf(`-c %s="%s"`, key, value)
	insertAt := idx + len(marker)
	return command[:insertAt] + " " + flagText + command[insertAt:]
}

// hasOutputFlag reports whether the first shell command in the pipeline
// already routes the assistant's final message to a file. Tokens after a
// control operator belong to a different command and are ignored.
func hasOutputFlag(command string) bool {
	for _, tok := range tokenize(command) {
		switch tok {
		case "&&", "||", "|", ";":
			return false
		case "-o", "--output-last-message":
			return true
		}
		if strings.HasPrefix(tok, "-o=") || strings.HasPrefix(tok, "--output-last-message=") {
			return true
		}
	}
	return false
}

// tokenize splits a shell command into words, falling back to whitespace
// fields when the command has unbalanced quoting.
func tokenize(command string) []string {
	tokens, err := shellwords.Split(command)
	if err != nil {
		return strings.Fields(command)
	}
	return tokens
}

func hasToken(tokens []string, want string) bool {
	wantTokens := strings.Fields(want)
	if len(wantTokens) == 0 {
		return false
	}
	for i, tok := range tokens {
		if tok != wantTokens[0] {
			continue
		}
		matched := true
		for j := 1; j < len(wantTokens); j++ {
			if i+j >= len(tokens) || tokens[i+j] != wantTokens[j] {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
