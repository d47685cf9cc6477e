package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// WebhookProvider posts messages to a chat webhook.
type WebhookProvider struct {
	client *http.Client
	logger *slog.Logger
	url    string
}

// NewWebhookProvider creates a new webhook provider.
func NewWebhookProvider(url string, logger *slog.Logger) *WebhookProvider {
	return &WebhookProvider{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		url:    url,
	}
}

type webhookRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Send posts the message as JSON.
func (p *WebhookProvider) Send(ctx context.Context, channelID, text string) error {
	jsonData, err := json.Marshal(webhookRequest{Channel: channelID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := p.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				p.logger.Warn("Webhook request failed, will retry",
					"channel", channelID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					p.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return retry.Unrecoverable(fmt.Errorf("webhook rejected message: HTTP %d", resp.StatusCode))
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				p.logger.Warn("Webhook returned non-2xx status, will retry",
					"status_code", resp.StatusCode,
					"channel", channelID)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			p.logger.Info("Webhook request completed",
				"channel", channelID,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying webhook send after error", "attempt", n, "error", err)
		}),
	)
}
