// webhook.go posts cards to a chat webhook with retry.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Sink delivers a card to one destination.
type Sink interface {
	Send(ctx context.Context, card Card) error
}

// WebhookSink posts JSON cards to a single webhook URL. Failed posts retry
// with backoff (500 ms → 5 s, factor 2) up to maxRetry times; after
// exhaustion the error is returned and the caller drops the card.
type WebhookSink struct {
	http   *resty.Client
	url    string
	logger *slog.Logger
}

// NewWebhookSink creates a sink for one webhook URL.
func NewWebhookSink(url string, maxRetry int, logger *slog.Logger) *WebhookSink {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(maxRetry).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 400
		}).
		SetHeader("Content-Type", "application/json")

	return &WebhookSink{
		http:   client,
		url:    url,
		logger: logger.With("component", "webhook"),
	}
}

// Send posts the card, expecting a 2xx response.
func (s *WebhookSink) Send(ctx context.Context, card Card) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(card).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("post webhook: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
