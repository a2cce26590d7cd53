// Package alert sends best-effort operator notifications for
// dead-letter items classified as authorization failures (spec.md
// §4.7's DLQ category "authorization" — an external API stopped
// accepting our credentials, which needs a human, not a retry).
// github.com/slack-go/slack is named in the retrieval pack's go.mod
// (jordigilh-kubernaut) without a production call site to ground on;
// wired here against its documented webhook API, the standard way to
// post a one-off message without a bot token.
package alert

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
)

// Notifier posts dead-letter authorization failures to a Slack
// webhook. A zero-value Notifier (empty webhookURL) is a no-op, so
// wiring this is safe even when SLACK_WEBHOOK_URL is unset.
type Notifier struct {
	webhookURL string
}

// New constructs a Notifier. An empty webhookURL disables sending.
func New(webhookURL string) *Notifier {
	return &Notifier{webhookURL: webhookURL}
}

// NotifyAuthorizationFailure posts a message describing the
// dead-lettered item. Errors are logged, never returned: alerting must
// never become a reason to fail message processing.
func (n *Notifier) NotifyAuthorizationFailure(ctx context.Context, item domain.DeadLetterItem) {
	if n == nil || n.webhookURL == "" {
		return
	}
	msg := &slack.WebhookMessage{
		Text: "pipeline: authorization failure on queue `" + item.Queue + "`: " + item.ErrorMessage,
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		slog.Error("failed to post slack alert", slog.String("queue", item.Queue), slog.Any("error", err))
	}
}
