// Package policy classifies prompt text into risk levels before execution.
//
// The classifier is a pure function over the prompt: it never consults the
// runtime profile. The profile's approval policy governs the agent CLI's own
// internal approvals, which is a separate concept from this risk gate.
package policy

import (
	"regexp"
	"strings"

	"conductor/pkg/store"
)

// Decision is the classifier's verdict for one prompt.
type Decision struct {
	Level         store.RiskLevel
	NeedsApproval bool
	Reason        string
}

// Classifier matches prompts against fixed high- and medium-risk pattern
// sets. First match wins; high dominates medium.
type Classifier struct {
	highPatterns   []*regexp.Regexp
	mediumPatterns []*regexp.Regexp
}

// Destructive filesystem and system-administration commands.
var highRiskPatterns = []string{
	`\brm\s+-rf\b`,
	`\bmkfs\b`,
	`\bdd\s+if=`,
	`\bshutdown\b`,
	`\breboot\b`,
	`\buserdel\b`,
	`\bchown\s+-R\s+/`,
	`\bchmod\s+777\s+/`,
	`:\(\)\{:\|:&\};:`, // fork bomb
}

// Privilege escalation, VCS pushes, container/service/package tooling.
var mediumRiskPatterns = []string{
	`\bsudo\b`,
	`\brm\b`,
	`\bgit\s+push\b`,
	`\bdocker\s+(run|compose|rm|rmi|exec)\b`,
	`\bsystemctl\b`,
	`\bapt(-get)?\s+`,
	`\byum\s+`,
	`\bpacman\s+`,
	`\bpip\s+install\b`,
	`\bnpm\s+install\b`,
	`\bcargo\s+install\b`,
	`\bkubectl\s+`,
}

// NewClassifier compiles the fixed pattern sets.
func NewClassifier() *Classifier {
	return &Classifier{
		highPatterns:   compileAll(highRiskPatterns),
		mediumPatterns: compileAll(mediumRiskPatterns),
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(`(?i)`+p))
	}
	return compiled
}

// ClassifyPrompt returns the risk decision for a prompt.
func (c *Classifier) ClassifyPrompt(prompt string) Decision {
	normalized := strings.TrimSpace(prompt)
	if normalized == "" {
		return Decision{Level: store.RiskLow, NeedsApproval: false, Reason: "empty prompt"}
	}

	for _, pattern := range c.highPatterns {
		if pattern.MatchString(normalized) {
			return Decision{
				Level:         store.RiskHigh,
				NeedsApproval: true,
				Reason:        "matches high-risk pattern: " + pattern.String(),
			}
		}
	}

	for _, pattern := range c.mediumPatterns {
		if pattern.MatchString(normalized) {
			return Decision{
				Level:         store.RiskMedium,
				NeedsApproval: true,
				Reason:        "matches medium-risk pattern: " + pattern.String(),
			}
		}
	}

	return Decision{Level: store.RiskLow, NeedsApproval: false, Reason: "no risky patterns detected"}
}
