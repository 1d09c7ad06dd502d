package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/suPer8Hu/supportdesk/internal/channels"
)

// WebhookPoster posts replies to the server's /ai-agent/webhook.
type WebhookPoster struct {
	client *resty.Client
	url    string
}

func NewWebhookPoster(url, secret string, timeout time.Duration) *WebhookPoster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if secret != "" {
		c.SetHeader(channels.AIAgentSecretHeader, secret)
	}
	return &WebhookPoster{client: c, url: url}
}

func (p *WebhookPoster) PostReply(ctx context.Context, payload channels.AIAgentPayload) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(p.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("agent webhook: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
