package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"mqtt-channel-bridge/config"
	"mqtt-channel-bridge/internal/logger"
	"mqtt-channel-bridge/internal/metrics"
)

// NATS is a channel layer over a NATS connection. Requests for a channel are
// read through a queue subscription so each one is handled by a single
// bridge instance; groups are plain subjects.
type NATS struct {
	conn    *nats.Conn
	prefix  string
	queue   string
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewNATS connects to the NATS server.
func NewNATS(cfg config.NATSConfig, log *logger.Logger, m *metrics.Metrics) (*NATS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no NATS server URL provided")
	}
	if log == nil {
		log = logger.NewNop()
	}

	n := &NATS{
		prefix:  cfg.SubjectPrefix,
		queue:   cfg.Queue,
		logger:  log,
		metrics: m,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(n.handleDisconnect),
		nats.ReconnectHandler(n.handleReconnect),
		nats.ClosedHandler(n.handleClosed),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	log.Info("connecting to NATS server", "url", cfg.URL)
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	n.conn = conn
	m.SetChannelLayerStatus(true)

	log.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return n, nil
}

// NewNATSWithConn creates a layer on an existing connection (for testing)
func NewNATSWithConn(conn *nats.Conn, prefix, queue string, log *logger.Logger) *NATS {
	if log == nil {
		log = logger.NewNop()
	}
	return &NATS{
		conn:   conn,
		prefix: prefix,
		queue:  queue,
		logger: log,
	}
}

// Subject returns the subject requests for channel are sent on.
func (n *NATS) Subject(channel string) string {
	return joinSubject(n.prefix, NormalizeSubject(channel))
}

// GroupSubject returns the subject events for group are published on.
func (n *NATS) GroupSubject(group string) string {
	return joinSubject(n.prefix, "group", NormalizeSubject(group))
}

func joinSubject(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ".")
}

// NormalizeSubject makes an opaque name usable as a single subject token.
func NormalizeSubject(name string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		".", "_",
		"*", "_",
		">", "_",
		"\t", "_",
		"\r", "_",
		"\n", "_",
	)
	return replacer.Replace(name)
}

// Receive handles requests in order on the subscription's goroutine. A
// request with a reply subject gets a Reply.
func (n *NATS) Receive(ctx context.Context, channel string, handler Handler) error {
	subject := n.Subject(channel)
	sub, err := n.conn.QueueSubscribe(subject, n.queue, func(msg *nats.Msg) {
		herr := handler(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(encodeReply(herr)); err != nil {
			n.logger.Warn("failed to reply to request",
				"subject", subject,
				"error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	n.logger.Info("receiving requests", "subject", subject, "queue", n.queue)

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && n.conn.IsConnected() {
		n.logger.Warn("failed to unsubscribe", "subject", subject, "error", err)
	}
	return nil
}

func (n *NATS) Send(ctx context.Context, channel string, data []byte) error {
	if err := n.conn.Publish(n.Subject(channel), data); err != nil {
		return fmt.Errorf("failed to send to channel %s: %w", channel, err)
	}
	return nil
}

func (n *NATS) GroupSend(ctx context.Context, group string, data []byte) error {
	if err := n.conn.Publish(n.GroupSubject(group), data); err != nil {
		return fmt.Errorf("failed to send to group %s: %w", group, err)
	}
	return nil
}

func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	n.logger.Info("disconnecting from NATS server")
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
	return nil
}

func (n *NATS) handleDisconnect(conn *nats.Conn, err error) {
	n.logger.Error("disconnected from NATS server", "error", err)
	n.metrics.SetChannelLayerStatus(false)
}

func (n *NATS) handleReconnect(conn *nats.Conn) {
	n.logger.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
	n.metrics.SetChannelLayerStatus(true)
}

func (n *NATS) handleClosed(conn *nats.Conn) {
	n.logger.Warn("NATS connection closed")
	n.metrics.SetChannelLayerStatus(false)
}
