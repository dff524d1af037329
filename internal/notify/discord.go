package notify

import (
	"context"
	"net/http"
)

// embedColor is the sidebar colour of posted embeds.
const embedColor = 0x2f9e44

// DiscordSender posts an embed to a channel webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: &http.Client{Timeout: sendTimeout}}
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]any{
		"embeds": []map[string]any{{
			"title":       title,
			"description": message,
			"color":       embedColor,
		}},
		// Never ping anyone from event text.
		"allowed_mentions": map[string]any{"parse": []string{}},
	})
}

func (d *DiscordSender) Name() string { return "discord" }
