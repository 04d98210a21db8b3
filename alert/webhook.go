package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookChannel POSTs the alert as a JSON document to a configured
// URL. Any 2xx response counts as delivered.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel. A zero timeout means
// the default of 10 seconds.
func NewWebhookChannel(name, url string, timeout time.Duration) (*WebhookChannel, error) {
	if url == "" {
		return nil, core.NewError(core.CategoryValidation, "webhook channel requires a url")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookChannel{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *WebhookChannel) Name() string { return w.name }
func (w *WebhookChannel) Type() string { return TypeWebhook }

// Send posts the alert.
func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return core.Wrap(core.CategoryUnavailable, "webhook delivery failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.Errorf(core.CategoryUnavailable, "webhook returned status %d", resp.StatusCode)
	}
	return nil
}
