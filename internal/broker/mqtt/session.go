// Package mqtt implements MQTT 3.1 and 3.1.1 broker sessions on the paho
// client.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"mqtt-channel-bridge/internal/broker"
	"mqtt-channel-bridge/internal/logger"
)

// ClientFactory creates paho clients. Tests substitute a mock.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Dialer opens paho sessions.
type Dialer struct {
	logger    *logger.Logger
	newClient ClientFactory
}

// NewDialer creates a dialer backed by mqtt.NewClient.
func NewDialer(log *logger.Logger) *Dialer {
	return NewDialerWithFactory(log, mqtt.NewClient)
}

// NewDialerWithFactory creates a dialer with a provided client factory (for testing)
func NewDialerWithFactory(log *logger.Logger, factory ClientFactory) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{
		logger:    log,
		newClient: factory,
	}
}

func protocolLevel(v broker.ProtocolVersion) (uint, error) {
	switch v {
	case broker.ProtocolV311:
		return 4, nil
	case broker.ProtocolV31:
		return 3, nil
	default:
		return 0, fmt.Errorf("unsupported protocol version %s", v)
	}
}

// Dial connects a new client. Automatic reconnects are disabled: the link
// owns the reconnect policy and dials a fresh session instead.
func (d *Dialer) Dial(ctx context.Context, cfg broker.SessionConfig, handlers broker.SessionHandlers) (broker.Session, error) {
	level, err := protocolLevel(cfg.Version)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Server).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetProtocolVersion(level).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.TLSConfig != nil {
		opts.SetTLSConfig(cfg.TLSConfig)
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		if handlers.OnMessage == nil {
			return
		}
		handlers.OnMessage(broker.Message{
			Topic:    msg.Topic(),
			Payload:  msg.Payload(),
			QoS:      msg.Qos(),
			Retained: msg.Retained(),
		})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if handlers.OnConnectionLost != nil {
			handlers.OnConnectionLost(err)
		}
	})

	client := d.newClient(opts)

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	if err := waitToken(connectCtx, client.Connect()); err != nil {
		if errors.Is(err, broker.ErrTimeout) {
			client.Disconnect(0)
		}
		if errors.Is(err, packets.ErrorRefusedBadProtocolVersion) {
			return nil, fmt.Errorf("%w: %w", broker.ErrProtocolVersionRejected, err)
		}
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	d.logger.Debug("mqtt session established",
		"server", cfg.Server,
		"version", cfg.Version.String())

	return &Session{client: client}, nil
}

// waitToken waits for a paho token or ctx, whichever comes first.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", broker.ErrTimeout, ctx.Err())
	}
}

// Session is a connected paho client.
type Session struct {
	client mqtt.Client
}

// Subscribe subscribes with the default publish handler.
func (s *Session) Subscribe(ctx context.Context, topic string, qos byte) error {
	token := s.client.Subscribe(topic, qos, nil)
	if err := waitToken(ctx, token); err != nil {
		return err
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code == 0x80 {
			return fmt.Errorf("broker refused subscription to %s", topic)
		}
	}
	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	return waitToken(ctx, s.client.Unsubscribe(topic))
}

func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	return waitToken(ctx, s.client.Publish(topic, qos, retain, payload))
}

func (s *Session) Disconnect(quiesce time.Duration) {
	s.client.Disconnect(uint(quiesce.Milliseconds()))
}
