// Package notify delivers terminal-state messages to experiment
// owners. Delivery is at-least-once best-effort; a failed notification
// never rolls back the state transition that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notifier sends a message to a recipient (a chat id or similar
// transport-specific handle).
type Notifier interface {
	Send(ctx context.Context, recipient, text string) error
}

// Slog logs notifications instead of delivering them. Useful as a
// default and in tests.
type Slog struct {
	Logger *slog.Logger
}

func (n Slog) Send(_ context.Context, recipient, text string) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("notification", "recipient", recipient, "text", text)
	return nil
}

// Webhook POSTs notifications as JSON to a configured endpoint.
type Webhook struct {
	client  *http.Client
	baseURL string
}

func NewWebhook(baseURL string) *Webhook {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Webhook{client: c, baseURL: strings.TrimRight(baseURL, "/")}
}

type webhookMessage struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

func (n *Webhook) Send(ctx context.Context, recipient, text string) error {
	b, _ := json.Marshal(webhookMessage{Recipient: recipient, Text: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notify: unexpected status %d", resp.StatusCode)
	}
	return nil
}
