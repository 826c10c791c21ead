// Package nats feeds events from NATS subjects into the dispatcher and
// publishes notifications to a subject.
package nats

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"alert-dispatcher/config"
	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

const Name = "nats"

// Connection owns the NATS connection shared by the source and the
// publisher. The client resubscribes by itself after a reconnect.
type Connection struct {
	conn      *nats.Conn
	logger    *logger.Logger
	metrics   *metrics.Metrics
	connected atomic.Bool

	mu          sync.Mutex
	state       broker.State
	onReconnect []func()
}

// Connect dials the configured servers.
func Connect(cfg config.NATSConfig, log *logger.Logger, m *metrics.Metrics) (*Connection, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("no NATS server URLs provided")
	}

	c := &Connection{
		logger:  log,
		metrics: m,
		state:   broker.StateDisconnected,
	}

	// Create connection options
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.ReconnectWait(time.Second * 2),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
	}

	// Add authentication if configured
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	if cfg.TLS.Enable {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
		if cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
		}
	}

	log.Info("connecting to NATS server", "urls", cfg.URLs)

	conn, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	c.conn = conn
	c.setState(broker.StateConnected)

	log.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return c, nil
}

// OnReconnect registers fn to run after every reconnection.
func (c *Connection) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

func (c *Connection) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, cb)
}

func (c *Connection) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// IsConnected returns the current connection status
func (c *Connection) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected() && c.connected.Load()
}

// State returns the last observed connection state.
func (c *Connection) State() broker.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close flushes pending publishes and closes the connection.
func (c *Connection) Close() {
	if c.conn == nil {
		return
	}
	c.logger.Info("disconnecting from NATS server")
	if err := c.conn.FlushTimeout(2 * time.Second); err != nil {
		c.logger.Warn("failed to flush NATS connection", "error", err)
	}
	c.conn.Close()
	c.setState(broker.StateDisconnected)
}

func (c *Connection) setState(state broker.State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.connected.Store(state == broker.StateConnected)
	c.metrics.SetBrokerConnectionStatus(Name, state == broker.StateConnected)
}

// NATS connection event handlers

func (c *Connection) handleDisconnect(conn *nats.Conn, err error) {
	c.logger.Error("disconnected from NATS server", "error", err)
	c.setState(broker.StateReconnecting)
}

func (c *Connection) handleReconnect(conn *nats.Conn) {
	c.logger.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
	c.setState(broker.StateConnected)
	c.metrics.IncBrokerReconnects(Name)

	c.mu.Lock()
	fns := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Connection) handleClosed(conn *nats.Conn) {
	c.logger.Warn("NATS connection closed")
	c.setState(broker.StateDisconnected)
}
