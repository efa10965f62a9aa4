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

// NewMockToken returns a completed token carrying err.
func NewMockToken(err error) *MockToken {
	t := &MockToken{
		err:  err,
		done: make(chan struct{}),
	}
	close(t.done)
	return t
}

// NewPendingToken returns a token that never completes.
func NewPendingToken() *MockToken {
	return &MockToken{done: make(chan struct{})}
}

func (t *MockToken) Wait() bool                       { <-t.done; return true }
func (t *MockToken) WaitTimeout(d time.Duration) bool { return true }
func (t *MockToken) Error() error                     { return t.err }
func (t *MockToken) Done() <-chan struct{}            { return t.done }

// MockClient implements mqtt.Client for testing
type MockClient struct {
	opts          *mqtt.ClientOptions
	connected     atomic.Bool
	connectFunc   func() mqtt.Token
	publishFunc   func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	subscribeFunc func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token

	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	disconnects  []uint
}

func NewMockClient(opts *mqtt.ClientOptions) *MockClient {
	return &MockClient{
		opts: opts,
		connectFunc: func() mqtt.Token {
			return NewMockToken(nil)
		},
		publishFunc: func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
			return NewMockToken(nil)
		},
		subscribeFunc: func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
			return NewMockToken(nil)
		},
	}
}

func (m *MockClient) Connect() mqtt.Token {
	token := m.connectFunc()
	m.connected.Store(true)
	return token
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	m.disconnects = append(m.disconnects, quiesce)
	m.mu.Unlock()
	m.connected.Store(false)
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.publishFunc(topic, qos, retained, payload)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	m.subscribed = append(m.subscribed, topic)
	m.mu.Unlock()
	return m.subscribeFunc(topic, qos, callback)
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(nil)
}

func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	m.unsubscribed = append(m.unsubscribed, topics...)
	m.mu.Unlock()
	return NewMockToken(nil)
}

func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                  { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                             { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader            { return mqtt.ClientOptionsReader{} }

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return m.qos }
func (m *MockMessage) Retained() bool    { return m.retained }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 1 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}
