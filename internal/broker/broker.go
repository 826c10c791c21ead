// Package broker connects message brokers to the dispatcher: sources decode
// broker messages into events for the engine, publishers deliver rendered
// notifications back onto a broker.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
	"alert-dispatcher/internal/rule"
)

// Sink accepts decoded events. The engine's Submit is the production sink.
type Sink func(rule.Event) error

// Source feeds events from one broker into a Sink.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Close()
	GetStats() Stats
}

// State represents the current state of a broker connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Stats holds statistics for a source
type Stats struct {
	Received      uint64 // messages taken off the broker
	Delivered     uint64 // events accepted by the sink
	DecodeErrors  uint64
	Rejected      uint64 // events the sink refused
	Reconnects    uint64
	LastReconnect time.Time
}

// Handler decodes payloads and hands the events to the sink. Sources share
// one per connection.
type Handler struct {
	name    string
	sink    Sink
	logger  *logger.Logger
	metrics *metrics.Metrics

	received      uint64
	delivered     uint64
	decodeErrors  uint64
	rejected      uint64
	reconnects    uint64
	lastReconnect atomic.Int64
}

func NewHandler(name string, sink Sink, log *logger.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		name:    name,
		sink:    sink,
		logger:  log,
		metrics: m,
	}
}

// Handle decodes one message and delivers it.
func (h *Handler) Handle(subject string, data []byte) error {
	event, err := h.Decode(subject, data)
	if err != nil {
		return err
	}
	return h.Deliver(subject, event)
}

// Decode turns a payload into an event. An envelope without a type takes
// its type from the subject or topic it arrived on.
func (h *Handler) Decode(subject string, data []byte) (rule.Event, error) {
	atomic.AddUint64(&h.received, 1)

	event, err := decodeEnvelope(data)
	if err == nil && event.Type == "" {
		event.Type = SubjectToType(subject)
	}
	if err == nil && event.Type == "" {
		err = ErrMissingType
	}
	if err != nil {
		atomic.AddUint64(&h.decodeErrors, 1)
		h.metrics.IncEventsTotal("decode_error")
		h.logger.Warn("failed to decode event",
			"source", h.name,
			"subject", subject,
			"payloadSize", len(data),
			"error", err)
		return rule.Event{}, err
	}
	return event, nil
}

// Deliver hands an already decoded event to the sink.
func (h *Handler) Deliver(subject string, event rule.Event) error {
	if err := h.sink(event); err != nil {
		atomic.AddUint64(&h.rejected, 1)
		h.logger.Warn("event rejected",
			"source", h.name,
			"subject", subject,
			"eventType", event.Type,
			"error", err)
		return err
	}

	atomic.AddUint64(&h.delivered, 1)
	h.logger.Debug("event received",
		"source", h.name,
		"subject", subject,
		"eventType", event.Type)
	return nil
}

// CountDecodeError records a payload the source could not decode itself.
func (h *Handler) CountDecodeError() {
	atomic.AddUint64(&h.received, 1)
	atomic.AddUint64(&h.decodeErrors, 1)
	h.metrics.IncEventsTotal("decode_error")
}

// Reconnected records a completed reconnection in the source statistics.
// Connection metrics belong to the connection.
func (h *Handler) Reconnected() {
	atomic.AddUint64(&h.reconnects, 1)
	h.lastReconnect.Store(time.Now().UnixNano())
}

// GetStats returns current source statistics
func (h *Handler) GetStats() Stats {
	stats := Stats{
		Received:     atomic.LoadUint64(&h.received),
		Delivered:    atomic.LoadUint64(&h.delivered),
		DecodeErrors: atomic.LoadUint64(&h.decodeErrors),
		Rejected:     atomic.LoadUint64(&h.rejected),
		Reconnects:   atomic.LoadUint64(&h.reconnects),
	}
	if ns := h.lastReconnect.Load(); ns != 0 {
		stats.LastReconnect = time.Unix(0, ns)
	}
	return stats
}

// SubjectToType maps an MQTT topic or NATS subject to an event type:
// "chain/eth/swap" and "chain.eth.swap" both give "chain.eth.swap".
func SubjectToType(subject string) string {
	if subject == "" || strings.ContainsAny(subject, "+#*>") {
		return ""
	}
	return strings.Trim(strings.ReplaceAll(subject, "/", "."), ".")
}

// NewTLSConfig builds a mutual TLS client configuration.
func NewTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
