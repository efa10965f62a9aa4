package mqtt5

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-channel-bridge/internal/broker"
	"mqtt-channel-bridge/internal/logger"
)

func testSessionConfig() broker.SessionConfig {
	return broker.SessionConfig{
		Server:         "tcp://127.0.0.1:1883",
		ClientID:       "bridge-test",
		Version:        broker.ProtocolV50,
		ConnectTimeout: 2 * time.Second,
	}
}

func TestDialRejectsLegacyVersions(t *testing.T) {
	called := false
	d := NewDialerWithConn(logger.NewNop(), func(ctx context.Context, cfg broker.SessionConfig) (net.Conn, error) {
		called = true
		return nil, errors.New("unexpected dial")
	})

	cfg := testSessionConfig()
	cfg.Version = broker.ProtocolV311
	_, err := d.Dial(context.Background(), cfg, broker.SessionHandlers{})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestDialTransportFailure(t *testing.T) {
	errRefused := errors.New("connection refused")
	d := NewDialerWithConn(logger.NewNop(), func(ctx context.Context, cfg broker.SessionConfig) (net.Conn, error) {
		return nil, errRefused
	})

	_, err := d.Dial(context.Background(), testSessionConfig(), broker.SessionHandlers{})
	assert.ErrorIs(t, err, errRefused)
	assert.False(t, errors.Is(err, broker.ErrProtocolVersionRejected))
}

// A 3.1.1 broker that does not understand the CONNECT closes the connection
// without answering.
func TestDialSilentCloseIsVersionRejection(t *testing.T) {
	d := NewDialerWithConn(logger.NewNop(), func(ctx context.Context, cfg broker.SessionConfig) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 1024)
			for {
				_ = server.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
				if _, err := server.Read(buf); err != nil {
					break
				}
			}
			_ = server.Close()
		}()
		return client, nil
	})

	_, err := d.Dial(context.Background(), testSessionConfig(), broker.SessionHandlers{})
	assert.ErrorIs(t, err, broker.ErrProtocolVersionRejected)
}

// A 3.1.1 broker answers a level 5 CONNECT with a 3.1.1 CONNACK carrying
// return code 0x01 and then disconnects.
func TestDialLegacyConnackIsVersionRejection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		// Drain the whole CONNECT so closing does not reset the connection.
		buf := make([]byte, 1024)
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := c.Read(buf); err != nil {
			return
		}
		for {
			_ = c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			if _, err := c.Read(buf); err != nil {
				break
			}
		}
		_, _ = c.Write([]byte{0x20, 0x02, 0x00, 0x01})
	}()

	cfg := testSessionConfig()
	cfg.Server = "tcp://" + ln.Addr().String()
	_, err = NewDialer(logger.NewNop()).Dial(context.Background(), cfg, broker.SessionHandlers{})
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrProtocolVersionRejected)
}

func TestRejectsVersion(t *testing.T) {
	tests := []struct {
		name string
		ca   *paho.Connack
		conn *replyConn
		want bool
	}{
		{"unsupported protocol version", &paho.Connack{ReasonCode: 0x84}, nil, true},
		{"not authorized", &paho.Connack{ReasonCode: 0x87}, nil, false},
		{"no connack, no conn", nil, nil, false},
		{"no connack, silent close", nil, closedReply(), true},
		{"no connack, partial reply", nil, closedReply(0x20, 0x02, 0x00), false},
		{"legacy connack, bad protocol version", nil, closedReply(0x20, 0x02, 0x00, 0x01), true},
		{"legacy connack, not authorized", nil, closedReply(0x20, 0x02, 0x00, 0x05), false},
		{"legacy connack, accepted", nil, closedReply(0x20, 0x02, 0x00, 0x00), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rejectsVersion(tt.ca, tt.conn))
		})
	}
}

func TestReplyConnKeepsHeadAcrossReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		_, _ = server.Write([]byte{0x20, 0x02})
		_, _ = server.Write([]byte{0x00, 0x01, 0xff})
		_ = server.Close()
	}()

	conn := &replyConn{Conn: client}
	buf := make([]byte, 2)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	assert.True(t, conn.legacyRefusal())
	assert.False(t, conn.closedSilently())
	assert.Equal(t, int64(5), conn.received.Load())
}

func closedReply(head ...byte) *replyConn {
	c := &replyConn{head: head}
	c.received.Store(int64(len(head)))
	c.eof.Store(true)
	return c
}

func TestDialConnSchemes(t *testing.T) {
	ctx := context.Background()

	cfg := testSessionConfig()
	cfg.Server = "ws://127.0.0.1:1883"
	_, err := DialConn(ctx, cfg)
	assert.Error(t, err)

	cfg.Server = "://bad"
	_, err = DialConn(ctx, cfg)
	assert.Error(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			_ = c.Close()
		}
	}()

	cfg.Server = "tcp://" + ln.Addr().String()
	conn, err := DialConn(ctx, cfg)
	require.NoError(t, err)
	_ = conn.Close()
}
