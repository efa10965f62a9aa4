// Package dial selects the session implementation for a protocol version.
package dial

import (
	"context"
	"fmt"

	"mqtt-channel-bridge/internal/broker"
	"mqtt-channel-bridge/internal/broker/mqtt"
	"mqtt-channel-bridge/internal/broker/mqtt5"
	"mqtt-channel-bridge/internal/logger"
)

// Dialer routes MQTT 5.0 to paho.golang and 3.1/3.1.1 to the paho client.
type Dialer struct {
	v3 broker.Dialer
	v5 broker.Dialer
}

// New returns a Dialer backed by the real clients.
func New(log *logger.Logger) *Dialer {
	return NewWith(mqtt.NewDialer(log), mqtt5.NewDialer(log))
}

// NewWith returns a Dialer with the given per-version dialers.
func NewWith(v3, v5 broker.Dialer) *Dialer {
	return &Dialer{v3: v3, v5: v5}
}

func (d *Dialer) Dial(ctx context.Context, cfg broker.SessionConfig, handlers broker.SessionHandlers) (broker.Session, error) {
	switch cfg.Version {
	case broker.ProtocolV50:
		return d.v5.Dial(ctx, cfg, handlers)
	case broker.ProtocolV311, broker.ProtocolV31:
		return d.v3.Dial(ctx, cfg, handlers)
	default:
		return nil, fmt.Errorf("unsupported protocol version %s", cfg.Version)
	}
}
