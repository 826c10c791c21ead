package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err  error
	done chan struct{}
}

// NewMockToken returns a completed token.
func NewMockToken() *MockToken {
	t := &MockToken{
		done: make(chan struct{}),
	}
	close(t.done)
	return t
}

// NewPendingToken returns a token that never completes.
func NewPendingToken() *MockToken {
	return &MockToken{
		done: make(chan struct{}),
	}
}

func NewFailedToken(err error) *MockToken {
	t := NewMockToken()
	t.err = err
	return t
}

func (t *MockToken) Wait() bool                       { return true }
func (t *MockToken) WaitTimeout(d time.Duration) bool { return true }
func (t *MockToken) Error() error                     { return t.err }
func (t *MockToken) Done() <-chan struct{}            { return t.done }

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic   string
	payload []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 0 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	connected     atomic.Bool
	publishFunc   func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	subscribeFunc func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token

	mu           sync.RWMutex
	handlers     map[string]mqtt.MessageHandler
	subscribes   []string
	unsubscribes []string
	published    map[string][][]byte
}

func NewMockClient() *MockClient {
	m := &MockClient{
		handlers:  make(map[string]mqtt.MessageHandler),
		published: make(map[string][][]byte),
	}
	m.connected.Store(true)
	m.publishFunc = func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
		m.mu.Lock()
		m.published[topic] = append(m.published[topic], payload.([]byte))
		m.mu.Unlock()
		return NewMockToken()
	}
	m.subscribeFunc = func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
		return NewMockToken()
	}
	return m
}

func (m *MockClient) Connect() mqtt.Token     { return NewMockToken() }
func (m *MockClient) Disconnect(quiesce uint) { m.connected.Store(false) }
func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.publishFunc(topic, qos, retained, payload)
}
func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	m.handlers[topic] = callback
	m.subscribes = append(m.subscribes, topic)
	m.mu.Unlock()
	return m.subscribeFunc(topic, qos, callback)
}
func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken()
}
func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	m.unsubscribes = append(m.unsubscribes, topics...)
	m.mu.Unlock()
	return NewMockToken()
}
func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                  { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                             { return true }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader            { return mqtt.ClientOptionsReader{} }

// deliver invokes the handler registered for topic.
func (m *MockClient) deliver(topic string, payload []byte) {
	m.mu.RLock()
	cb := m.handlers[topic]
	m.mu.RUnlock()
	if cb != nil {
		cb(m, &MockMessage{topic: topic, payload: payload})
	}
}

func (m *MockClient) subscribeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribes)
}
