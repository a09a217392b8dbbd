package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vigilscan/internal/kv"
)

func TestCheckDeduplicationNoCooldown(t *testing.T) {
	s := New(kv.NewMemoryStore())
	result, err := s.CheckDeduplication(context.Background(), "abc123")
	require.NoError(t, err)
	assert.False(t, result.Suppressed)
}

func TestRecordFindingSetsCooldown(t *testing.T) {
	s := New(kv.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, s.RecordFinding(ctx, "abc123", "https://example.com/a", 500, "boom", 50*time.Millisecond))

	result, err := s.CheckDeduplication(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, result.Suppressed)
	require.NotNil(t, result.Data)
	assert.Equal(t, int64(1), result.Data.OccurrenceCount)

	time.Sleep(60 * time.Millisecond)
	result, err = s.CheckDeduplication(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, result.Suppressed, "cooldown should have expired")
}

func TestRecordFindingIncrementsOccurrenceCount(t *testing.T) {
	s := New(kv.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, s.RecordFinding(ctx, "abc123", "https://example.com/a", 500, "boom", time.Hour))
	require.NoError(t, s.RecordFinding(ctx, "abc123", "https://example.com/a", 500, "boom", time.Hour))

	result, err := s.CheckDeduplication(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, result.Data)
	assert.Equal(t, int64(2), result.Data.OccurrenceCount)
}
