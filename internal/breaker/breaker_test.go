package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vigilscan/internal/kv"
)

func testConfig() Config {
	return Config{
		Enabled:               true,
		FailThreshold:         3,
		ErrorRateThresholdPct: 50,
		ErrorRateWindow:       10,
		OpenDuration:          50 * time.Millisecond,
		HalfOpenProbeDelay:    200 * time.Millisecond,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(kv.NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "target-a"))
	}

	skip, err := b.ShouldSkip(ctx, "target-a")
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(kv.NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "target-b"))
	}

	time.Sleep(60 * time.Millisecond)

	state, err := b.GetState(ctx, "target-b")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)

	require.NoError(t, b.RecordSuccess(ctx, "target-b"))
	state, err = b.GetState(ctx, "target-b")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestBreakerFailedProbeBackoff(t *testing.T) {
	b := New(kv.NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "target-c"))
	}
	time.Sleep(60 * time.Millisecond)

	state, err := b.GetState(ctx, "target-c")
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, state)

	before := time.Now()
	require.NoError(t, b.RecordFailure(ctx, "target-c"))

	rec, err := b.readState(ctx, "target-c")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, rec.State)
	assert.True(t, rec.NextProbe.Sub(before) >= 200*time.Millisecond)
}

func TestBreakerReset(t *testing.T) {
	b := New(kv.NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "target-d"))
	}
	require.NoError(t, b.Reset(ctx, "target-d"))

	state, err := b.GetState(ctx, "target-d")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestGetAllStatsScansAllTargets(t *testing.T) {
	b := New(kv.NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "target-e"))
	}
	require.NoError(t, b.RecordSuccess(ctx, "target-f"))

	// target-f has only recorded a success while closed, which writes no
	// cb:target-f:state key, so the state-key scan finds target-e alone.
	all, err := b.GetAllStats(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
