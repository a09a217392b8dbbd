package evidence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubCapturerReturnsPlaceholderBundle(t *testing.T) {
	c := NewStubCapturer()
	bundle, err := c.Capture(context.Background(), "https://example.com", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", bundle.Metadata["url"])
	assert.NotEmpty(t, bundle.HAR)
	require.NoError(t, c.Close())
}
