package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/kv"
)

func newTestLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func TestAllowOverridesDisallow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /api\nAllow: /api/public\n"))
	}))
	defer server.Close()

	c := New(kv.NewMemoryStore(), "vigilscan-bot/1.0", newTestLogger())
	allowed := c.IsAllowedByRobots(context.Background(), server.URL+"/api/public/x", "*")
	assert.True(t, allowed)

	blocked := c.IsAllowedByRobots(context.Background(), server.URL+"/api/private", "*")
	assert.False(t, blocked)
}

func TestDisallowRootBlocksEverything(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer server.Close()

	c := New(kv.NewMemoryStore(), "vigilscan-bot/1.0", newTestLogger())
	assert.False(t, c.IsAllowedByRobots(context.Background(), server.URL+"/anything", "*"))
}

func TestMissingRobotsAllowsEverything(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(kv.NewMemoryStore(), "vigilscan-bot/1.0", newTestLogger())
	assert.True(t, c.IsAllowedByRobots(context.Background(), server.URL+"/x", "*"))
}

func TestResultIsCached(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	}))
	defer server.Close()

	c := New(kv.NewMemoryStore(), "vigilscan-bot/1.0", newTestLogger())
	ctx := context.Background()
	_ = c.IsAllowedByRobots(ctx, server.URL+"/x", "*")
	_ = c.IsAllowedByRobots(ctx, server.URL+"/y", "*")

	assert.Equal(t, 1, hits, "second lookup should hit the cache, not refetch")
}

func TestParseAllowAndDisallowPrecedenceByLength(t *testing.T) {
	rs := parse("https://example.com", "User-agent: *\nDisallow: /a\nAllow: /a/b\n")
	require.True(t, decide(rs, "/a/b/c"))
	require.False(t, decide(rs, "/a/x"))
}
