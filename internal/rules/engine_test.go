package rules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/allowlist"
	"github.com/ternarybob/vigilscan/internal/dedup"
	"github.com/ternarybob/vigilscan/internal/kv"
	"github.com/ternarybob/vigilscan/internal/robots"
)

func newEngine(t *testing.T, rulesYAML string, robotsServerURL string) *Engine {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o644))

	store := NewStore()
	require.NoError(t, store.LoadFromFile(path))

	allowList := allowlist.New()
	memStore := kv.NewMemoryStore()
	robotsCache := robots.New(memStore, "vigilscan-bot/1.0", arbor.NewLogger())
	dedupStore := dedup.New(memStore)

	return NewEngine(store, allowList, robotsCache, dedupStore, arbor.NewLogger())
}

func TestSuppressionOrderingAllowlistFirst(t *testing.T) {
	e := newEngine(t, "defaults:\n  cooldownSeconds: 60\nrules: []\n", "")
	e.allowlist.LoadFromFile(writeAllowPatterns(t, "other.example.com/*"))

	decision := e.CheckSuppression(context.Background(), "https://example.com/a", ErrorType5xx, 500, "boom", -1)
	assert.True(t, decision.Suppressed)
	assert.Equal(t, "allowlist", decision.Reason)
}

func writeAllowPatterns(t *testing.T, pattern string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "allow.txt")
	require.NoError(t, os.WriteFile(path, []byte(pattern+"\n"), 0o644))
	return path
}

func TestSuppressionRobotsReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /admin\n"))
	}))
	defer server.Close()

	e := newEngine(t, "defaults:\n  cooldownSeconds: 60\n  respectRobots: true\nrules: []\n", "")

	decision := e.CheckSuppression(context.Background(), server.URL+"/admin/x", ErrorType5xx, 500, "boom", -1)
	assert.True(t, decision.Suppressed)
	assert.Equal(t, "robots", decision.Reason)
}

func TestSuppressionCooldownSecondOccurrence(t *testing.T) {
	e := newEngine(t, "defaults:\n  cooldownSeconds: 60\nrules: []\n", "")

	first := e.CheckSuppression(context.Background(), "https://example.com/a", ErrorType5xx, 500, "boom", -1)
	assert.False(t, first.Suppressed)
	assert.NotEmpty(t, first.Fingerprint)

	second := e.CheckSuppression(context.Background(), "https://example.com/a", ErrorType5xx, 500, "boom", -1)
	assert.True(t, second.Suppressed)
	assert.Equal(t, "cooldown", second.Reason)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestShouldAlertLatency(t *testing.T) {
	e := newEngine(t, "defaults:\n  latencyMsThreshold: 1000\nrules: []\n", "")
	assert.True(t, e.ShouldAlertLatency("https://example.com/a", 1500))
	assert.False(t, e.ShouldAlertLatency("https://example.com/a", 500))
}
