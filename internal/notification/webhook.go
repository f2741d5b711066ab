package notification

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"autotrade/internal/model"
)

// WebhookSink POSTs each event as JSON to a generic HTTP endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink.
// url: The HTTP endpoint to POST events to.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, e model.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(e.JSON()))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(e.Type))
	req.Header.Set("X-Event-ID", e.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}

	log.Printf("[webhook] sent %s for order %s", e.Type, e.OrderID)
	return nil
}
