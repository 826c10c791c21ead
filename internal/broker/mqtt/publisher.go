package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/channel"
)

// Publisher is a notification channel that publishes to an MQTT topic.
type Publisher struct {
	conn  *Connection
	topic string
	qos   byte
	now   func() time.Time
}

// NewPublisher creates a new MQTT publisher. The topic must not contain
// wildcards.
func NewPublisher(conn *Connection, topic string, qos byte) (*Publisher, error) {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return nil, fmt.Errorf("invalid publish topic: %q", topic)
	}
	return &Publisher{
		conn:  conn,
		topic: topic,
		qos:   qos,
		now:   time.Now,
	}, nil
}

func (p *Publisher) Name() string {
	return Name
}

// Send publishes msg and waits for the broker to acknowledge it or for ctx
// to end.
func (p *Publisher) Send(ctx context.Context, msg channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.conn.IsConnected() {
		return errors.New("not connected to broker")
	}

	payload, err := broker.EncodeNotification(msg, p.now())
	if err != nil {
		return channel.Permanent(err)
	}

	token := p.conn.Client().Publish(p.topic, p.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
