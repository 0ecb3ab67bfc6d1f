// Package notify delivers user-visible messages to a Slack incoming
// webhook. Delivery is best-effort: failures are logged, never propagated.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Slack posts messages to an incoming webhook.
type Slack struct {
	client  *resty.Client
	webhook string
	logger  *slog.Logger
}

// NewSlack creates a sink. An empty webhook URL yields a disabled sink
// whose Send is a no-op.
func NewSlack(webhookURL string, logger *slog.Logger) *Slack {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Slack{
		client:  client,
		webhook: webhookURL,
		logger:  logger.With("component", "notify"),
	}
}

// Send posts one message. Safe to call on a nil or disabled sink.
func (s *Slack) Send(ctx context.Context, text string) {
	if s == nil || s.webhook == "" {
		return
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"text": text}).
		Post(s.webhook)
	if err != nil {
		s.logger.Warn("notification failed", "error", err)
		return
	}
	if resp.IsError() {
		s.logger.Warn("notification rejected", "status", resp.StatusCode())
	}
}
