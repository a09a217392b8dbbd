package fetcher

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/alert"
	"github.com/ternarybob/vigilscan/internal/allowlist"
	"github.com/ternarybob/vigilscan/internal/breaker"
	"github.com/ternarybob/vigilscan/internal/dedup"
	"github.com/ternarybob/vigilscan/internal/kv"
	"github.com/ternarybob/vigilscan/internal/robots"
	"github.com/ternarybob/vigilscan/internal/rules"
)

func newTestLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func newTestEngine(store kv.Store) *rules.Engine {
	rs := rules.NewStore()
	al := allowlist.New()
	rc := robots.New(store, "vigilscan-test", newTestLogger())
	dd := dedup.New(store)
	return rules.NewEngine(rs, al, rc, dd, newTestLogger())
}

func TestFetchSkipsWhenBreakerOpen(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	b := breaker.New(store, breaker.Config{Enabled: true, FailThreshold: 1, ErrorRateThresholdPct: 50, ErrorRateWindow: 10, OpenDuration: time.Hour, HalfOpenProbeDelay: time.Hour})
	require.NoError(t, b.RecordFailure(ctx, "target-x"))

	calls := 0
	adapter := &ProxyAdapter{Handler: func(ctx context.Context, url string, opts Options) (int, []byte, http.Header, error) {
		calls++
		return 200, nil, nil, nil
	}}

	f := New(adapter, b, nil, nil, newTestLogger())
	result := f.Fetch(ctx, "https://example.com", Options{TargetID: "target-x", Retries: 1})

	assert.True(t, result.Skipped)
	assert.Equal(t, "breaker_open", result.Reason)
	assert.Equal(t, 0, calls)
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	attempts := 0
	adapter := &ProxyAdapter{Handler: func(ctx context.Context, url string, opts Options) (int, []byte, http.Header, error) {
		attempts++
		if attempts < 3 {
			return 503, nil, nil, nil
		}
		return 200, []byte("ok"), nil, nil
	}}

	b := breaker.New(store, breaker.DefaultConfig())
	f := New(adapter, b, nil, nil, newTestLogger())

	opts := DefaultOptions()
	opts.TargetID = "target-y"
	opts.Retries = 3

	start := time.Now()
	result := f.Fetch(ctx, "https://example.com", opts)
	elapsed := time.Since(start)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 200, result.Status)
	assert.True(t, elapsed > 0)
}

func TestFetchExhaustsRetriesAndRecordsFailure(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	adapter := &ProxyAdapter{Handler: func(ctx context.Context, url string, opts Options) (int, []byte, http.Header, error) {
		return 500, nil, nil, nil
	}}

	b := breaker.New(store, breaker.Config{Enabled: true, FailThreshold: 1, ErrorRateThresholdPct: 50, ErrorRateWindow: 10, OpenDuration: time.Hour, HalfOpenProbeDelay: time.Hour})
	f := New(adapter, b, nil, nil, newTestLogger())

	opts := Options{TargetID: "target-z", Retries: 1, TimeoutMS: 1000}
	result := f.Fetch(ctx, "https://example.com", opts)

	assert.False(t, result.Success)
	assert.Equal(t, 500, result.Status)

	skip, err := b.ShouldSkip(ctx, "target-z")
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestFetchSucceedsWithRulesEngineAndAlerterWired(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	adapter := &ProxyAdapter{Handler: func(ctx context.Context, url string, opts Options) (int, []byte, http.Header, error) {
		return 200, []byte("ok"), nil, nil
	}}

	engine := newTestEngine(store)
	emitter := alert.New("", "token", "https://vigilscan.local", store, newTestLogger())

	f := New(adapter, nil, engine, emitter, newTestLogger())
	result := f.Fetch(ctx, "https://example.com/slow", Options{Method: http.MethodGet, TimeoutMS: 1000, Retries: 0})

	assert.True(t, result.Success)
}

func TestFetchDoesNotRetryOnNonRetryableStatus(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	attempts := 0
	adapter := &ProxyAdapter{Handler: func(ctx context.Context, url string, opts Options) (int, []byte, http.Header, error) {
		attempts++
		return 404, nil, nil, nil
	}}

	b := breaker.New(store, breaker.DefaultConfig())
	f := New(adapter, b, nil, nil, newTestLogger())

	result := f.Fetch(ctx, "https://example.com/missing", Options{TargetID: "target-404", Retries: 3, TimeoutMS: 1000})

	assert.False(t, result.Success)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 404, result.Status)
}
