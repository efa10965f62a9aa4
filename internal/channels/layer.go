// Package channels implements the messaging layer the bridge talks to: named
// request channels that one consumer reads from, and named groups that events
// are fanned out to.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mqtt-channel-bridge/config"
	"mqtt-channel-bridge/internal/logger"
	"mqtt-channel-bridge/internal/metrics"
)

// ErrClosed is returned by operations on a closed layer.
var ErrClosed = errors.New("channel layer closed")

// Handler processes one request read from a channel. Transports that support
// replies report the returned error back to the sender.
type Handler func(ctx context.Context, data []byte) error

// Layer is a channel layer backend.
type Layer interface {
	// Receive delivers requests sent to channel to handler, one at a time
	// and in order, until ctx ends or the layer is closed.
	Receive(ctx context.Context, channel string, handler Handler) error
	// Send queues a request on channel.
	Send(ctx context.Context, channel string, data []byte) error
	// GroupSend delivers data to every member of group.
	GroupSend(ctx context.Context, group string, data []byte) error
	Close() error
}

// Reply is the response body sent to request/reply callers.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func encodeReply(err error) []byte {
	reply := Reply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	return data
}

// New creates the backend selected by cfg.Backend.
func New(cfg config.ChannelsConfig, log *logger.Logger, m *metrics.Metrics) (Layer, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(0), nil
	case "nats":
		return NewNATS(cfg.NATS, log, m)
	case "redis":
		return NewRedis(cfg.Redis, log)
	default:
		return nil, fmt.Errorf("unknown channel layer backend %q", cfg.Backend)
	}
}
