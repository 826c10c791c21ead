package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/channel"
)

// Publisher is a notification channel that publishes to a NATS subject.
type Publisher struct {
	conn    Conn
	subject string
	now     func() time.Time
}

// NewPublisher creates a new NATS publisher
func NewPublisher(conn Conn, subject string) *Publisher {
	return &Publisher{
		conn:    conn,
		subject: ToNATSSubject(subject),
		now:     time.Now,
	}
}

func (p *Publisher) Name() string {
	return Name
}

// Send publishes msg. A lost connection is retryable, a subject or size
// violation is not.
func (p *Publisher) Send(ctx context.Context, msg channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.conn.IsConnected() {
		return errors.New("not connected to NATS server")
	}

	payload, err := broker.EncodeNotification(msg, p.now())
	if err != nil {
		return channel.Permanent(err)
	}

	if err := p.conn.Publish(p.subject, payload); err != nil {
		err = fmt.Errorf("failed to publish to %s: %w", p.subject, err)
		if errors.Is(err, nats.ErrBadSubject) || errors.Is(err, nats.ErrMaxPayload) {
			return channel.Permanent(err)
		}
		return err
	}
	return nil
}
