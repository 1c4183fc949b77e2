package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wolfeidau/image-registry/registrydb"
	"github.com/wolfeidau/image-registry/telemetry"
)

// Sink delivers one event record according to a notification rule.
// Implementations exist per delivery method (webhook, email, chat).
type Sink interface {
	// Method is the notification method this sink serves, e.g. "webhook".
	Method() string
	// Deliver sends the record. A non-nil error counts as a failed run
	// against the rule's failure budget.
	Deliver(ctx context.Context, rule registrydb.Notification, rec Record) error
}

// WebhookSink POSTs event records as JSON to the URL in the rule's
// config.
type WebhookSink struct {
	client *http.Client
}

type webhookConfig struct {
	URL string `json:"url"`
}

// NewWebhookSink builds a webhook sink with an instrumented HTTP client.
func NewWebhookSink(timeout time.Duration) *WebhookSink {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "webhook"),
			Timeout:   timeout,
		},
	}
}

func (s *WebhookSink) Method() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, rule registrydb.Notification, rec Record) error {
	var cfg webhookConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return fmt.Errorf("parsing webhook config: %w", err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook rule %s has no url", rule.UUID)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

var _ Sink = (*WebhookSink)(nil)
