package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRulesFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFromFileValidDocument(t *testing.T) {
	path := writeRulesFile(t, `
defaults:
  cooldownSeconds: 300
  latencyMsThreshold: 2000
  respectRobots: true
rules:
  - id: admin
    pattern: "*/admin/*"
    cooldownSeconds: 60
`)
	s := NewStore()
	require.NoError(t, s.LoadFromFile(path))

	rule := s.FindMatchingRule("https://example.com/admin/x")
	require.NotNil(t, rule)
	assert.Equal(t, "admin", rule.ID)
	assert.Equal(t, 60, s.EffectiveCooldownSeconds(rule))
	assert.Equal(t, 2000, s.EffectiveLatencyMsThreshold(rule))
}

func TestLoadFromFileRejectsInvalidDocument(t *testing.T) {
	path := writeRulesFile(t, `
defaults:
  cooldownSeconds: -1
rules: []
`)
	s := NewStore()
	err := s.LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFileKeepsPreviousStateOnReloadFailure(t *testing.T) {
	goodPath := writeRulesFile(t, "defaults:\n  cooldownSeconds: 10\nrules: []\n")
	s := NewStore()
	require.NoError(t, s.LoadFromFile(goodPath))

	badPath := writeRulesFile(t, "defaults:\n  cooldownSeconds: -1\nrules: []\n")
	err := s.LoadFromFile(badPath)
	assert.Error(t, err)
	assert.Equal(t, 10, s.Defaults().CooldownSeconds, "previous valid document must remain in place")
}

func TestMaintenanceWindow(t *testing.T) {
	now := time.Now()
	rule := &Rule{
		ID:      "m",
		Pattern: "*",
		Maintenance: []MaintenanceWindow{
			{Start: now.Add(-time.Hour), End: now.Add(time.Hour)},
		},
	}
	assert.True(t, IsInMaintenanceWindow(rule, now))
	assert.False(t, IsInMaintenanceWindow(rule, now.Add(2*time.Hour)))
}
