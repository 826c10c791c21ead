// Package webhook delivers notifications as a JSON POST to a generic HTTP
// endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"alert-dispatcher/internal/channel"
)

const Name = "webhook"

// Payload is the JSON body posted for every notification.
type Payload struct {
	ID       string    `json:"id"`
	Rule     string    `json:"rule,omitempty"`
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	IsUrgent bool      `json:"urgent"`
	SentAt   time.Time `json:"sentAt"`
}

type Channel struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// New validates endpoint and returns a channel posting to it.
func New(endpoint string, client *http.Client) (*Channel, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL: %q (must be a valid HTTP/HTTPS URL)", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Channel{url: endpoint, client: client, now: time.Now}, nil
}

func (c *Channel) Name() string {
	return Name
}

func (c *Channel) Send(ctx context.Context, msg channel.Message) error {
	if c.url == "" {
		return channel.Permanent(errors.New("webhook url is not configured"))
	}

	body, err := json.Marshal(Payload{
		ID:       msg.NotificationID,
		Rule:     msg.RuleName,
		Title:    msg.Title,
		Content:  msg.Content,
		IsUrgent: msg.IsUrgent,
		SentAt:   c.now().UTC(),
	})
	if err != nil {
		return channel.Permanent(fmt.Errorf("failed to marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return channel.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.NotificationID != "" {
		req.Header.Set("Idempotency-Key", msg.NotificationID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if err := channel.CheckHTTPStatus(resp); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}
