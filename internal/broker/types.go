// Package broker owns the single MQTT broker connection of the bridge: version
// negotiation, reconnects, the retained-message policy and the readiness gate.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"
)

// ProtocolVersion is an MQTT protocol level as configured by operators.
type ProtocolVersion int

const (
	// ProtocolV31 is MQTT 3.1
	ProtocolV31 ProtocolVersion = 31
	// ProtocolV311 is MQTT 3.1.1
	ProtocolV311 ProtocolVersion = 311
	// ProtocolV50 is MQTT 5.0
	ProtocolV50 ProtocolVersion = 50
)

func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolV31:
		return "3.1"
	case ProtocolV311:
		return "3.1.1"
	case ProtocolV50:
		return "5.0"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// Valid reports whether v is a supported protocol version.
func (v ProtocolVersion) Valid() bool {
	return v == ProtocolV31 || v == ProtocolV311 || v == ProtocolV50
}

// ConnectionState represents the current state of the broker connection
type ConnectionState string

const (
	// StateDisconnected indicates the broker is not connected
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting indicates a connect attempt is in flight
	StateConnecting ConnectionState = "connecting"
	// StateConnected indicates the broker is connected
	StateConnected ConnectionState = "connected"
	// StateFailed indicates connecting gave up
	StateFailed ConnectionState = "failed"
)

// Message is an inbound broker publish.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// SessionConfig carries everything needed to open one broker session.
type SessionConfig struct {
	Server         string // tcp://host:port or ssl://host:port
	ClientID       string
	Username       string
	Password       string
	Version        ProtocolVersion
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// SessionHandlers are the callbacks a session invokes. OnMessage is called
// sequentially from the session's delivery goroutine.
type SessionHandlers struct {
	OnMessage        func(Message)
	OnConnectionLost func(error)
}

// Session is one established broker connection. A session is not
// reconnected: once lost it is discarded and a new one is dialed.
type Session interface {
	Subscribe(ctx context.Context, topic string, qos byte) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Disconnect(quiesce time.Duration)
}

// Dialer opens sessions. A broker refusing the requested protocol version
// must be reported as an error wrapping ErrProtocolVersionRejected.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig, handlers SessionHandlers) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, cfg SessionConfig, handlers SessionHandlers) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, cfg SessionConfig, handlers SessionHandlers) (Session, error) {
	return f(ctx, cfg, handlers)
}

// Stats holds statistics for the broker connection
type Stats struct {
	State             ConnectionState `json:"state"`
	Version           ProtocolVersion `json:"version"`
	MessagesReceived  uint64          `json:"messages_received"`
	RetainedDropped   uint64          `json:"retained_dropped"`
	MessagesPublished uint64          `json:"messages_published"`
	Reconnects        uint64          `json:"reconnects"`
	LastReconnect     time.Time       `json:"last_reconnect"`
	ConnectTime       time.Time       `json:"connect_time"`
	Errors            uint64          `json:"errors"`
}
