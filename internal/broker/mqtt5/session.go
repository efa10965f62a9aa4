// Package mqtt5 implements MQTT 5.0 broker sessions on paho.golang.
package mqtt5

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"mqtt-channel-bridge/internal/broker"
	"mqtt-channel-bridge/internal/logger"
)

// CONNACK reason codes meaning the broker does not speak MQTT 5. A 3.1.1
// broker answers with return code 0x01 or closes the connection outright.
const (
	packetConnack                    byte = 0x20
	reasonUnsupportedProtocolVersion byte = 0x84
	reasonLegacyBadProtocolVersion   byte = 0x01
	reasonSubscribeFailure           byte = 0x80
)

// ConnFunc opens the transport for a session. Tests substitute net.Pipe.
type ConnFunc func(ctx context.Context, cfg broker.SessionConfig) (net.Conn, error)

// Dialer opens paho.golang sessions.
type Dialer struct {
	logger *logger.Logger
	dial   ConnFunc
}

// NewDialer creates a dialer that connects over TCP or TLS depending on the
// server URL scheme.
func NewDialer(log *logger.Logger) *Dialer {
	return NewDialerWithConn(log, DialConn)
}

// NewDialerWithConn creates a dialer with a provided transport (for testing)
func NewDialerWithConn(log *logger.Logger, dial ConnFunc) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{logger: log, dial: dial}
}

// DialConn opens a TCP or TLS connection to cfg.Server.
func DialConn(ctx context.Context, cfg broker.SessionConfig) (net.Conn, error) {
	u, err := url.Parse(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	nd := &net.Dialer{Timeout: cfg.ConnectTimeout}
	switch u.Scheme {
	case "tcp", "mqtt":
		return nd.DialContext(ctx, "tcp", u.Host)
	case "ssl", "tls", "mqtts", "tcps":
		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if tlsConfig.ServerName == "" {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = u.Hostname()
		}
		td := &tls.Dialer{NetDialer: nd, Config: tlsConfig}
		return td.DialContext(ctx, "tcp", u.Host)
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
}

// Dial connects a new MQTT 5 client.
func (d *Dialer) Dial(ctx context.Context, cfg broker.SessionConfig, handlers broker.SessionHandlers) (broker.Session, error) {
	if cfg.Version != broker.ProtocolV50 {
		return nil, fmt.Errorf("unsupported protocol version %s", cfg.Version)
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	raw, err := d.dial(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	conn := &replyConn{Conn: raw}

	s := &Session{logger: d.logger}
	s.client = paho.NewClient(paho.ClientConfig{
		Conn: conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if handlers.OnMessage != nil {
					handlers.OnMessage(broker.Message{
						Topic:    pr.Packet.Topic,
						Payload:  pr.Packet.Payload,
						QoS:      pr.Packet.QoS,
						Retained: pr.Packet.Retain,
					})
				}
				return true, nil
			},
		},
		OnClientError: func(err error) {
			s.lost(err, handlers.OnConnectionLost)
		},
		OnServerDisconnect: func(disc *paho.Disconnect) {
			s.lost(fmt.Errorf("server disconnect, reason code 0x%02x", disc.ReasonCode), handlers.OnConnectionLost)
		},
	})

	cp := &paho.Connect{
		ClientID:   cfg.ClientID,
		KeepAlive:  uint16(cfg.KeepAlive / time.Second),
		CleanStart: true,
	}
	if cfg.Username != "" {
		cp.Username = cfg.Username
		cp.UsernameFlag = true
	}
	if cfg.Password != "" {
		cp.Password = []byte(cfg.Password)
		cp.PasswordFlag = true
	}

	ca, err := s.client.Connect(connectCtx, cp)
	if err != nil {
		s.closing.Store(true)
		_ = conn.Close()
		if rejectsVersion(ca, conn) {
			return nil, fmt.Errorf("%w: %w", broker.ErrProtocolVersionRejected, err)
		}
		if connectCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", broker.ErrTimeout, err)
		}
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	d.logger.Debug("mqtt5 session established",
		"server", cfg.Server,
		"sessionPresent", ca.SessionPresent)

	return s, nil
}

// rejectsVersion reports whether a failed CONNECT means the broker does not
// speak MQTT 5. paho.golang cannot decode the two byte 3.1.1 CONNACK
// (20 02 00 01), so that answer is recognised from the raw bytes read.
func rejectsVersion(ca *paho.Connack, conn *replyConn) bool {
	if ca != nil {
		return ca.ReasonCode == reasonUnsupportedProtocolVersion
	}
	if conn == nil {
		return false
	}
	return conn.legacyRefusal() || conn.closedSilently()
}

// replyConn keeps the first bytes the broker sends and whether it hung up,
// which is how 3.1.1 brokers refuse a 5.0 CONNECT.
type replyConn struct {
	net.Conn
	received atomic.Int64
	eof      atomic.Bool

	mu   sync.Mutex
	head []byte
}

const legacyConnackLen = 4

func (c *replyConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.mu.Lock()
		if missing := legacyConnackLen - len(c.head); missing > 0 {
			c.head = append(c.head, b[:min(n, missing)]...)
		}
		c.mu.Unlock()
	}
	c.received.Add(int64(n))
	if errors.Is(err, io.EOF) {
		c.eof.Store(true)
	}
	return n, err
}

func (c *replyConn) closedSilently() bool {
	return c.eof.Load() && c.received.Load() == 0
}

// legacyRefusal matches a 3.1.1 CONNACK carrying return code 0x01,
// unacceptable protocol version.
func (c *replyConn) legacyRefusal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.head) == legacyConnackLen &&
		c.head[0] == packetConnack &&
		c.head[1] == 0x02 &&
		c.head[3] == reasonLegacyBadProtocolVersion
}

// Session is a connected paho.golang client.
type Session struct {
	client  *paho.Client
	logger  *logger.Logger
	closing atomic.Bool
	once    sync.Once
}

// lost reports the first connection failure, unless the session is being
// closed on purpose.
func (s *Session) lost(err error, onLost func(error)) {
	if s.closing.Load() {
		return
	}
	s.once.Do(func() {
		s.closing.Store(true)
		if onLost != nil {
			onLost(err)
		}
	})
}

func (s *Session) Subscribe(ctx context.Context, topic string, qos byte) error {
	sa, err := s.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: qos},
		},
	})
	if err != nil {
		return wrapContext(ctx, err)
	}
	if sa != nil && len(sa.Reasons) > 0 && sa.Reasons[0] >= reasonSubscribeFailure {
		return fmt.Errorf("broker refused subscription to %s, reason code 0x%02x", topic, sa.Reasons[0])
	}
	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	_, err := s.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	return wrapContext(ctx, err)
}

func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	_, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	})
	return wrapContext(ctx, err)
}

// Disconnect sends DISCONNECT after quiesce. In-flight acknowledgements
// arriving during quiesce are still processed.
func (s *Session) Disconnect(quiesce time.Duration) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	if quiesce > 0 {
		time.Sleep(quiesce)
	}
	if err := s.client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		s.logger.Debug("mqtt5 disconnect failed", "error", err)
	}
}

func wrapContext(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %w: %w", broker.ErrTimeout, ctx.Err(), err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", broker.ErrTimeout, err)
	}
	return err
}
