package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

// Source subscribes to the configured subjects and hands every message to
// the sink. Subjects may be written in MQTT topic form.
type Source struct {
	conn     Conn
	subjects []string
	handler  *broker.Handler
	logger   *logger.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewSource creates a NATS source
func NewSource(conn Conn, subjects []string, sink broker.Sink, log *logger.Logger, m *metrics.Metrics) *Source {
	s := &Source{
		conn:     conn,
		subjects: subjects,
		handler:  broker.NewHandler(Name, sink, log, m),
		logger:   log,
		subs:     make(map[string]*nats.Subscription),
	}
	if c, ok := conn.(*Connection); ok {
		c.OnReconnect(s.handler.Reconnected)
	}
	return s
}

func (s *Source) Name() string {
	return Name
}

// Start subscribes to every subject.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.conn.IsConnected() {
		return errors.New("not connected to NATS server")
	}

	s.logger.Info("subscribing to subjects", "count", len(s.subjects))
	for _, topic := range s.subjects {
		subject := ToNATSSubject(topic)
		if _, exists := s.subs[subject]; exists {
			continue
		}

		sub, err := s.conn.Subscribe(subject, s.HandleMsg)
		if err != nil {
			s.logger.Error("failed to subscribe to subject",
				"subject", subject,
				"error", err)
			return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
		}
		s.subs[subject] = sub
		s.logger.Debug("subscribed to subject",
			"topic", topic,
			"subject", subject)
	}
	return nil
}

// HandleMsg processes a received NATS message
func (s *Source) HandleMsg(msg *nats.Msg) {
	_ = s.handler.Handle(msg.Subject, msg.Data)
}

// Close unsubscribes from all subjects.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for subject, sub := range s.subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Error("failed to unsubscribe from subject",
				"subject", subject,
				"error", err)
		}
	}
	s.subs = make(map[string]*nats.Subscription)
}

// Subjects returns the active subscriptions.
func (s *Source) Subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	subjects := make([]string, 0, len(s.subs))
	for subject := range s.subs {
		subjects = append(subjects, subject)
	}
	return subjects
}

// GetStats returns current source statistics
func (s *Source) GetStats() broker.Stats {
	return s.handler.GetStats()
}
