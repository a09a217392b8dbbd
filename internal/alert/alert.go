// Package alert formats and sends suppression-aware outbound chat alerts
// with re-verify and suppress-24h action links.
package alert

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/fingerprint"
	"github.com/ternarybob/vigilscan/internal/kv"
	"github.com/ternarybob/vigilscan/internal/metrics"
)

// Alert is the structured payload sendAlert acts on.
type Alert struct {
	FindingID   string
	URL         string
	ErrorType   string
	Status      int
	LatencyMs   int
	Error       string
	Timestamp   time.Time
	Fingerprint string
	IsFirstSeen bool
	Host        string
	Path        string
}

var errorTypeEmoji = map[string]string{
	"5xx":     ":red_circle:",
	"latency": ":stopwatch:",
	"timeout": ":hourglass:",
	"network": ":warning:",
}

// Emitter posts alerts to a configured chat webhook. It never blocks the
// caller's flow: on webhook error it logs and drops the alert.
type Emitter struct {
	webhookURL  string
	actionToken string
	baseURL     string
	kv          kv.Store
	logger      arbor.ILogger
	post        func(webhookURL string, msg *slack.WebhookMessage) error
}

// New returns an Emitter posting to webhookURL. actionToken signs the
// re-verify/suppress action links; baseURL is this process's externally
// reachable origin, used to build those links.
func New(webhookURL, actionToken, baseURL string, store kv.Store, logger arbor.ILogger) *Emitter {
	return &Emitter{
		webhookURL:  webhookURL,
		actionToken: actionToken,
		baseURL:     baseURL,
		kv:          store,
		logger:      logger,
		post:        slack.PostWebhook,
	}
}

// SendAlert consults the fingerprint's 24h suppression marker, and if not
// suppressed, formats and posts the alert. Errors are logged and dropped.
func (e *Emitter) SendAlert(ctx context.Context, a Alert) {
	if e.webhookURL == "" {
		return
	}

	if a.Fingerprint != "" {
		suppressed, err := e.kv.Exists(ctx, fingerprint.SuppressKey(a.Fingerprint))
		if err != nil {
			e.logger.Warn().Err(err).Msg("suppression check failed, sending alert anyway")
		} else if suppressed {
			return
		}
	}

	msg := e.format(a)
	if err := e.post(e.webhookURL, msg); err != nil {
		e.logger.Warn().Err(err).Str("url", a.URL).Msg("failed to send alert, dropping")
		return
	}
	metrics.AlertsSentTotal.Inc()
}

func (e *Emitter) format(a Alert) *slack.WebhookMessage {
	emoji := errorTypeEmoji[a.ErrorType]
	if emoji == "" {
		emoji = ":rotating_light:"
	}

	title := fmt.Sprintf("%s Finding on %s", emoji, a.Host)
	text := fmt.Sprintf("*URL:* %s\n*Type:* %s\n*Status:* %d\n*Latency:* %dms\n*Time:* %s",
		a.URL, a.ErrorType, a.Status, a.LatencyMs, a.Timestamp.Format(time.RFC3339))
	if a.Error != "" {
		text += fmt.Sprintf("\n*Error:* %s", a.Error)
	}
	if a.IsFirstSeen {
		text += "\n_First occurrence of this fingerprint._"
	}
	text += fmt.Sprintf("\n<%s|Re-verify> | <%s|Suppress 24h>",
		e.actionLink("reverify", a.FindingID), e.actionLink("suppress24h", a.FindingID))

	attachment := slack.Attachment{
		Color:  severityColor(a.ErrorType),
		Title:  title,
		Text:   text,
		Footer: a.Fingerprint,
	}

	return &slack.WebhookMessage{Attachments: []slack.Attachment{attachment}}
}

func severityColor(errType string) string {
	switch errType {
	case "5xx", "network":
		return "danger"
	case "latency":
		return "warning"
	default:
		return "#439FE0"
	}
}

func (e *Emitter) actionLink(action, findingID string) string {
	q := url.Values{}
	q.Set("action", action)
	q.Set("findingId", findingID)
	q.Set("t", e.actionToken)
	return strings.TrimRight(e.baseURL, "/") + "/api/slack/actions?" + q.Encode()
}
