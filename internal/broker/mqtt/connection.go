// Package mqtt feeds events from MQTT topics into the dispatcher and
// publishes notifications to a topic.
package mqtt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"alert-dispatcher/config"
	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

const Name = "mqtt"

// Connection handles the MQTT connection lifecycle. Sessions are clean, so
// subscribers register an OnConnect callback to restore their topics.
type Connection struct {
	client    mqtt.Client
	broker    string
	logger    *logger.Logger
	metrics   *metrics.Metrics
	connected atomic.Bool
	connects  atomic.Uint64

	mu        sync.Mutex
	onConnect []func()
}

// Connect creates the client and establishes the initial connection.
func Connect(cfg config.MQTTConfig, log *logger.Logger, m *metrics.Metrics) (*Connection, error) {
	c := &Connection{
		broker:  cfg.Broker,
		logger:  log,
		metrics: m,
	}

	// Create client options
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute) // Prevent exponential backoff from growing too large

	// Set up connection handlers
	opts.OnConnect = c.handleConnect
	opts.OnConnectionLost = c.handleDisconnect
	opts.OnReconnecting = c.handleReconnecting

	// Configure TLS if enabled
	if cfg.TLS.Enable {
		tlsConfig, err := broker.NewTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	c.client = mqtt.NewClient(opts)

	log.Info("connecting to mqtt broker", "broker", cfg.Broker)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", token.Error())
	}
	return c, nil
}

// NewConnectionWithClient wraps an already connected client.
func NewConnectionWithClient(client mqtt.Client, log *logger.Logger, m *metrics.Metrics) *Connection {
	c := &Connection{
		client:  client,
		broker:  "test",
		logger:  log,
		metrics: m,
	}
	c.connected.Store(true)
	c.connects.Store(1)
	return c
}

// Client returns the MQTT client instance
func (c *Connection) Client() mqtt.Client {
	return c.client
}

// IsConnected returns current connection status
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// OnConnect registers fn to run after every successful connection,
// including the first.
func (c *Connection) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// Close cleanly disconnects from the MQTT broker
func (c *Connection) Close() {
	c.logger.Info("disconnecting from mqtt broker")
	c.client.Disconnect(250)
	c.connected.Store(false)
	c.metrics.SetBrokerConnectionStatus(Name, false)
}

func (c *Connection) handleConnect(client mqtt.Client) {
	c.logger.Info("mqtt client connected", "broker", c.broker)
	c.connected.Store(true)
	c.metrics.SetBrokerConnectionStatus(Name, true)
	if c.connects.Add(1) > 1 {
		c.metrics.IncBrokerReconnects(Name)
	}

	c.mu.Lock()
	fns := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Connection) handleDisconnect(client mqtt.Client, err error) {
	c.logger.Error("mqtt connection lost", "error", err)
	c.connected.Store(false)
	c.metrics.SetBrokerConnectionStatus(Name, false)
}

func (c *Connection) handleReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("mqtt client reconnecting", "broker", c.broker)
}
