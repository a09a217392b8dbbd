package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/fingerprint"
	"github.com/ternarybob/vigilscan/internal/kv"
)

func newTestLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func TestSendAlertNoopWhenWebhookNotConfigured(t *testing.T) {
	store := kv.NewMemoryStore()
	e := New("", "token", "https://vigilscan.local", store, newTestLogger())

	called := false
	e.post = func(string, *slack.WebhookMessage) error {
		called = true
		return nil
	}

	e.SendAlert(context.Background(), Alert{URL: "https://example.com", ErrorType: "5xx"})
	assert.False(t, called)
}

func TestSendAlertSkippedWhenSuppressed(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	fp := "abc123"
	require.NoError(t, store.Set(ctx, fingerprint.SuppressKey(fp), "1", 24*time.Hour))

	e := New("https://hooks.slack.test/xyz", "token", "https://vigilscan.local", store, newTestLogger())
	called := false
	e.post = func(string, *slack.WebhookMessage) error {
		called = true
		return nil
	}

	e.SendAlert(ctx, Alert{URL: "https://example.com", ErrorType: "5xx", Fingerprint: fp})
	assert.False(t, called)
}

func TestSendAlertPostsFormattedMessage(t *testing.T) {
	store := kv.NewMemoryStore()
	e := New("https://hooks.slack.test/xyz", "secret-token", "https://vigilscan.local", store, newTestLogger())

	var gotURL string
	var gotMsg *slack.WebhookMessage
	e.post = func(webhookURL string, msg *slack.WebhookMessage) error {
		gotURL = webhookURL
		gotMsg = msg
		return nil
	}

	e.SendAlert(context.Background(), Alert{
		FindingID: "finding-1",
		URL:       "https://example.com/page",
		ErrorType: "5xx",
		Status:    503,
		LatencyMs: 1200,
		Timestamp: time.Now(),
		Host:      "example.com",
	})

	assert.Equal(t, "https://hooks.slack.test/xyz", gotURL)
	require.Len(t, gotMsg.Attachments, 1)
	att := gotMsg.Attachments[0]
	assert.Contains(t, att.Title, "example.com")
	assert.Contains(t, att.Text, "https://example.com/page")
	assert.Contains(t, att.Text, "Re-verify")
	assert.Contains(t, att.Text, "Suppress 24h")
	assert.Contains(t, att.Text, "secret-token")
	assert.Equal(t, "danger", att.Color)
}

func TestSendAlertPostFailureIsDroppedNotPropagated(t *testing.T) {
	store := kv.NewMemoryStore()
	e := New("https://hooks.slack.test/xyz", "token", "https://vigilscan.local", store, newTestLogger())

	e.post = func(string, *slack.WebhookMessage) error {
		return errors.New("webhook unreachable")
	}

	assert.NotPanics(t, func() {
		e.SendAlert(context.Background(), Alert{URL: "https://example.com", ErrorType: "network"})
	})
}
