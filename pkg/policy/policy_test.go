package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"conductor/pkg/store"
)

func TestClassifyPrompt(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name          string
		prompt        string
		level         store.RiskLevel
		needsApproval bool
	}{
		{"empty", "   ", store.RiskLow, false},
		{"plain question", "summarize the design doc", store.RiskLow, false},
		{"rm -rf", "please run rm -rf /var/tmp/build", store.RiskHigh, true},
		{"rm -rf uppercase", "RM -RF the build dir", store.RiskHigh, true},
		{"mkfs", "mkfs.ext4 on the spare disk", store.RiskHigh, true},
		{"dd", "use dd if=/dev/zero of=/dev/sda", store.RiskHigh, true},
		{"shutdown", "shutdown the box after the run", store.RiskHigh, true},
		{"fork bomb", "run :(){:|:&};: for fun", store.RiskHigh, true},
		{"recursive chown of root", "chown -R / please", store.RiskHigh, true},
		{"sudo", "sudo systemctl status nginx", store.RiskMedium, true},
		{"bare rm", "rm the stale lockfile", store.RiskMedium, true},
		{"git push", "git push origin main when done", store.RiskMedium, true},
		{"docker run", "docker run -it ubuntu bash", store.RiskMedium, true},
		{"pip install", "pip install requests and retry", store.RiskMedium, true},
		{"kubectl", "kubectl get pods -A", store.RiskMedium, true},
		{"word containing rm", "inform the team about the format", store.RiskLow, false},
		{"word containing sudo", "the pseudocode looks fine", store.RiskLow, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.ClassifyPrompt(tt.prompt)
			assert.Equal(t, tt.level, d.Level, "prompt: %q (reason: %s)", tt.prompt, d.Reason)
			assert.Equal(t, tt.needsApproval, d.NeedsApproval)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestHighRiskDominatesMedium(t *testing.T) {
	c := NewClassifier()

	// Contains both a medium (sudo) and a high (rm -rf) pattern.
	d := c.ClassifyPrompt("sudo rm -rf /opt/app")
	assert.Equal(t, store.RiskHigh, d.Level)
	assert.True(t, d.NeedsApproval)
}
