package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

// Source subscribes to topics and hands every message to the sink.
type Source struct {
	conn    *Connection
	topics  []string
	qos     byte
	handler *broker.Handler
	logger  *logger.Logger

	mu         sync.Mutex
	started    bool
	subscribed bool
}

// NewSource creates an MQTT source. After a reconnect it subscribes to its
// topics again.
func NewSource(conn *Connection, topics []string, qos byte, sink broker.Sink, log *logger.Logger, m *metrics.Metrics) *Source {
	s := &Source{
		conn:    conn,
		topics:  topics,
		qos:     qos,
		handler: broker.NewHandler(Name, sink, log, m),
		logger:  log,
	}
	conn.OnConnect(s.resubscribe)
	return s
}

func (s *Source) Name() string {
	return Name
}

// Start subscribes to the configured topics.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.conn.IsConnected() {
		return errors.New("not connected to broker")
	}
	if err := s.subscribeLocked(); err != nil {
		return err
	}
	s.started = true
	return nil
}

func (s *Source) subscribeLocked() error {
	s.logger.Info("subscribing to topics", "count", len(s.topics))

	for _, topic := range s.topics {
		if token := s.conn.Client().Subscribe(topic, s.qos, s.HandleMessage); token.Wait() && token.Error() != nil {
			s.logger.Error("failed to subscribe to topic",
				"topic", topic,
				"error", token.Error())
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
		}
		s.logger.Debug("subscribed to topic", "topic", topic, "qos", s.qos)
	}

	s.subscribed = true
	return nil
}

// resubscribe restores subscriptions after the connection comes back.
func (s *Source) resubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.handler.Reconnected()
	s.subscribed = false
	if err := s.subscribeLocked(); err != nil {
		s.logger.Error("failed to resubscribe to topics after reconnect",
			"error", err)
		return
	}
	s.logger.Info("resubscribed to topics", "topics", s.topics)
}

// HandleMessage processes received MQTT messages
func (s *Source) HandleMessage(client mqtt.Client, msg mqtt.Message) {
	_ = s.handler.Handle(msg.Topic(), msg.Payload())
}

// Close removes the subscriptions. The connection stays open for
// publishers.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = false
	if !s.subscribed || !s.conn.IsConnected() {
		return
	}
	if token := s.conn.Client().Unsubscribe(s.topics...); token.Wait() && token.Error() != nil {
		s.logger.Error("failed to unsubscribe from topics",
			"topics", s.topics,
			"error", token.Error())
	}
	s.subscribed = false
}

// IsSubscribed returns whether there are active subscriptions
func (s *Source) IsSubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// GetStats returns current source statistics
func (s *Source) GetStats() broker.Stats {
	return s.handler.GetStats()
}
