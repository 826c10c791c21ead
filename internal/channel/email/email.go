// Package email delivers notifications by email through a primary provider
// with ordered fallbacks.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"alert-dispatcher/internal/channel"
	"alert-dispatcher/internal/logger"
)

const Name = "email"

// Request is one outgoing email.
type Request struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Provider is one email backend.
type Provider interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, req *Request) error
}

// Channel sends through the first configured provider and falls back to
// the next one on failure.
type Channel struct {
	from      string
	to        []string
	providers []Provider
	logger    *logger.Logger
}

// New builds an email channel. providers are tried in order.
func New(from string, to []string, log *logger.Logger, providers ...Provider) *Channel {
	return &Channel{
		from:      from,
		to:        ParseRecipients(strings.Join(to, ",")),
		providers: providers,
		logger:    log,
	}
}

func (c *Channel) Name() string {
	return Name
}

func (c *Channel) Send(ctx context.Context, msg channel.Message) error {
	if len(c.to) == 0 {
		return channel.Permanent(errors.New("no email recipients configured"))
	}
	for _, rcpt := range c.to {
		if !strings.Contains(rcpt, "@") {
			return channel.Permanent(fmt.Errorf("invalid email address format: %q (missing @ symbol)", rcpt))
		}
	}

	subject := msg.Title
	if msg.IsUrgent {
		subject = "[URGENT] " + subject
	}
	req := &Request{From: c.from, To: c.to, Subject: subject, Body: msg.Content}

	var (
		errs     []error
		attempts int
	)
	for _, p := range c.providers {
		if !p.IsConfigured() {
			continue
		}
		attempts++

		err := p.Send(ctx, req)
		if err == nil {
			c.logger.Debug("email sent",
				"provider", p.Name(),
				"notificationId", msg.NotificationID,
				"to", strings.Join(c.to, ","))
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		c.logger.Warn("email provider failed",
			"provider", p.Name(),
			"notificationId", msg.NotificationID,
			"error", err)

		if ctx.Err() != nil {
			break
		}
	}

	if attempts == 0 {
		return channel.Permanent(errors.New("no configured email provider available"))
	}

	// a joined error would expose a permanent member to errors.As, so a
	// retryable outcome carries only a retryable cause
	for _, err := range errs {
		if !channel.IsPermanent(err) {
			return fmt.Errorf("email providers failed: %w", err)
		}
	}
	return channel.Permanent(errors.Join(errs...))
}

// ParseRecipients splits a comma-separated address list.
func ParseRecipients(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
