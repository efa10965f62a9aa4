package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mqtt-channel-bridge/internal/logger"
	"mqtt-channel-bridge/internal/metrics"
	"mqtt-channel-bridge/internal/stats"
)

// ReconnectPolicy controls the reconnect loop after a connection loss.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int // 0 retries until the link is disconnected
}

// LinkConfig configures a Link.
type LinkConfig struct {
	Session          SessionConfig
	FallbackVersion  ProtocolVersion // zero disables the fallback
	OperationTimeout time.Duration
	DropRetained     bool
	Reconnect        ReconnectPolicy
}

// Handlers are the link's upcalls.
type Handlers struct {
	// OnMessage receives every inbound message that passes the retained
	// policy, sequentially.
	OnMessage func(Message)
	// OnConnect runs after every successful connect and before the gate
	// opens, so work done here precedes every gated caller.
	OnConnect func(ctx context.Context)
	// OnConnectionLost runs after the gate has been re-armed.
	OnConnectionLost func(error)
}

// Link owns the single broker session of the process.
type Link struct {
	cfg     LinkConfig
	dialer  Dialer
	gate    *Gate
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector

	mu            sync.RWMutex
	state         ConnectionState
	session       Session
	version       ProtocolVersion
	epoch         uint64
	closed        bool
	reconnecting  bool
	handlers      Handlers
	connectTime   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLink creates a disconnected link. gate may be nil, in which case a new
// one is created. metrics may be nil; a nil stats collector is replaced by a
// private one.
func NewLink(cfg LinkConfig, dialer Dialer, gate *Gate, log *logger.Logger, m *metrics.Metrics, s *stats.StatsCollector) *Link {
	if gate == nil {
		gate = NewGate()
	}
	if log == nil {
		log = logger.NewNop()
	}
	if s == nil {
		s = stats.NewStatsCollector()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = time.Second
	}
	if cfg.Reconnect.MaxInterval < cfg.Reconnect.InitialInterval {
		cfg.Reconnect.MaxInterval = cfg.Reconnect.InitialInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		cfg:     cfg,
		dialer:  dialer,
		gate:    gate,
		logger:  log,
		metrics: m,
		stats:   s,
		state:   StateDisconnected,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHandlers registers the link's upcalls. It must be called before Connect.
func (l *Link) SetHandlers(h Handlers) {
	l.mu.Lock()
	l.handlers = h
	l.mu.Unlock()
}

// Gate returns the readiness gate driven by this link.
func (l *Link) Gate() *Gate {
	return l.gate
}

// State returns the current connection state.
func (l *Link) State() ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Version returns the protocol version of the current or last session.
func (l *Link) Version() ProtocolVersion {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Connect dials the broker with the preferred protocol version and, if the
// broker rejects it, once more with the fallback version. On failure the
// gate is failed so blocked callers see the error.
func (l *Link) Connect(ctx context.Context) (ConnectionState, error) {
	state, err := l.connect(ctx, false)
	if err != nil {
		l.mu.Lock()
		if !l.closed && l.state == StateFailed {
			l.gate.Fail(err)
		}
		l.mu.Unlock()
	}
	return state, err
}

func (l *Link) connect(ctx context.Context, reconnect bool) (ConnectionState, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return StateDisconnected, ErrClosed
	}
	if l.state == StateConnected {
		state := l.state
		l.mu.Unlock()
		return state, nil
	}
	l.state = StateConnecting
	l.mu.Unlock()

	session, version, epoch, err := l.dial(ctx)
	if err != nil {
		l.stats.IncErrors()
		l.mu.Lock()
		if !l.closed {
			if reconnect {
				l.state = StateDisconnected
			} else {
				l.state = StateFailed
			}
		}
		state := l.state
		l.mu.Unlock()
		l.logger.Error("broker connect failed",
			"server", l.cfg.Session.Server,
			"error", err)
		return state, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		session.Disconnect(0)
		return StateDisconnected, ErrClosed
	}
	if epoch != l.epoch {
		// A concurrent attempt owns the link now.
		state := l.state
		l.mu.Unlock()
		session.Disconnect(0)
		return state, nil
	}
	l.state = StateConnected
	l.session = session
	l.version = version
	l.connectTime = time.Now()
	onConnect := l.handlers.OnConnect
	l.mu.Unlock()

	l.logger.Info("broker connected",
		"server", l.cfg.Session.Server,
		"version", version.String(),
		"clientId", l.cfg.Session.ClientID)
	l.metrics.SetMQTTConnectionStatus(true)
	if reconnect {
		l.metrics.IncMQTTReconnects()
		l.stats.MarkReconnect()
	}

	if onConnect != nil {
		onConnect(ctx)
	}

	// The session may have been lost while OnConnect ran; only open the gate
	// for the session that is still current.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.state, ErrClosed
	}
	if epoch != l.epoch || l.state != StateConnected {
		return l.state, ErrNotConnected
	}
	l.gate.Open()
	return StateConnected, nil
}

// dial applies the version fallback policy.
func (l *Link) dial(ctx context.Context) (Session, ProtocolVersion, uint64, error) {
	version := l.cfg.Session.Version
	session, epoch, err := l.dialVersion(ctx, version)
	if err != nil && errors.Is(err, ErrProtocolVersionRejected) {
		fallback := l.cfg.FallbackVersion
		if fallback.Valid() && fallback != version {
			l.logger.Warn("broker rejected protocol version, retrying with fallback",
				"version", version.String(),
				"fallback", fallback.String())
			l.metrics.IncVersionFallbacks()
			version = fallback
			session, epoch, err = l.dialVersion(ctx, version)
		}
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return session, version, epoch, nil
}

func (l *Link) dialVersion(ctx context.Context, version ProtocolVersion) (Session, uint64, error) {
	l.mu.Lock()
	l.epoch++
	epoch := l.epoch
	l.mu.Unlock()

	cfg := l.cfg.Session
	cfg.Version = version
	session, err := l.dialer.Dial(ctx, cfg, SessionHandlers{
		OnMessage: func(msg Message) {
			l.deliver(epoch, msg)
		},
		OnConnectionLost: func(err error) {
			l.handleConnectionLost(epoch, err)
		},
	})
	if err != nil {
		return nil, epoch, err
	}
	if session == nil {
		return nil, epoch, fmt.Errorf("dialer returned no session")
	}
	return session, epoch, nil
}

// deliver applies the retained-message policy and hands the message on.
func (l *Link) deliver(epoch uint64, msg Message) {
	l.mu.RLock()
	current := !l.closed && epoch == l.epoch
	onMessage := l.handlers.OnMessage
	l.mu.RUnlock()
	if !current {
		return
	}

	l.stats.IncReceived()
	l.metrics.IncMessagesTotal("received")

	if msg.Retained && l.cfg.DropRetained {
		l.stats.IncRetainedDropped()
		l.metrics.IncMessagesTotal("retained")
		l.logger.Debug("dropping retained message", "topic", msg.Topic)
		return
	}

	if onMessage != nil {
		onMessage(msg)
	}
}

func (l *Link) handleConnectionLost(epoch uint64, err error) {
	l.mu.Lock()
	if l.closed || epoch != l.epoch || l.state != StateConnected {
		l.mu.Unlock()
		return
	}
	l.state = StateDisconnected
	l.session = nil
	l.gate.Reset()
	onLost := l.handlers.OnConnectionLost
	// A running loop notices the state change and goes around again.
	start := !l.reconnecting
	if start {
		l.reconnecting = true
		l.wg.Add(1)
	}
	l.mu.Unlock()

	l.stats.IncErrors()
	l.metrics.SetMQTTConnectionStatus(false)
	l.logger.Error("broker connection lost",
		"server", l.cfg.Session.Server,
		"error", err)

	if onLost != nil {
		onLost(err)
	}
	if start {
		go l.reconnectLoop()
	}
}

func (l *Link) reconnectLoop() {
	defer l.wg.Done()

	policy := l.cfg.Reconnect
	for {
		timer := time.NewTimer(policy.InitialInterval)
		select {
		case <-l.ctx.Done():
			timer.Stop()
			l.mu.Lock()
			l.reconnecting = false
			l.mu.Unlock()
			return
		case <-timer.C:
		}

		err := l.retryConnect(policy)

		l.mu.Lock()
		switch {
		case l.closed:
		case err != nil:
			l.state = StateFailed
			l.gate.Fail(err)
			l.logger.Error("broker reconnect gave up",
				"server", l.cfg.Session.Server,
				"error", err)
		case l.state != StateConnected:
			// Lost again before the loop finished.
			l.mu.Unlock()
			continue
		}
		l.reconnecting = false
		l.mu.Unlock()
		return
	}
}

func (l *Link) retryConnect(policy ReconnectPolicy) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn("broker reconnect attempt failed",
				"error", err,
				"retryIn", next.String())
		}),
	}
	if policy.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(policy.MaxAttempts)))
	}

	l.logger.Info("broker reconnecting", "server", l.cfg.Session.Server)
	_, err := backoff.Retry(l.ctx, func() (ConnectionState, error) {
		state, err := l.connect(l.ctx, true)
		if errors.Is(err, ErrClosed) {
			return state, backoff.Permanent(err)
		}
		return state, err
	}, opts...)
	return err
}

// Disconnect closes the link for good: the reconnect loop stops, the session
// is disconnected after quiesce and the gate fails with ErrClosed.
func (l *Link) Disconnect(quiesce time.Duration) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	session := l.session
	l.session = nil
	l.state = StateDisconnected
	l.epoch++
	l.gate.Fail(ErrClosed)
	l.mu.Unlock()

	l.cancel()
	if session != nil {
		session.Disconnect(quiesce)
	}
	l.wg.Wait()

	l.metrics.SetMQTTConnectionStatus(false)
	l.logger.Info("broker disconnected", "server", l.cfg.Session.Server)
}

// current returns the connected session or ErrNotConnected.
func (l *Link) current() (Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.state != StateConnected || l.session == nil {
		return nil, ErrNotConnected
	}
	return l.session, nil
}

func (l *Link) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.cfg.OperationTimeout)
}

// Subscribe adds a topic subscription on the current session.
func (l *Link) Subscribe(ctx context.Context, topic string, qos byte) error {
	session, err := l.current()
	if err != nil {
		return err
	}

	opCtx, cancel := l.opContext(ctx)
	defer cancel()
	if err := session.Subscribe(opCtx, topic, qos); err != nil {
		l.stats.IncErrors()
		return fmt.Errorf("subscription failed: %w", err)
	}

	l.stats.IncSubscribed()
	l.logger.Debug("subscribed to topic", "topic", topic, "qos", qos)
	return nil
}

// Unsubscribe removes a topic subscription from the current session.
func (l *Link) Unsubscribe(ctx context.Context, topic string) error {
	session, err := l.current()
	if err != nil {
		return err
	}

	opCtx, cancel := l.opContext(ctx)
	defer cancel()
	if err := session.Unsubscribe(opCtx, topic); err != nil {
		l.stats.IncErrors()
		return fmt.Errorf("unsubscribe failed: %w", err)
	}

	l.logger.Debug("unsubscribed from topic", "topic", topic)
	return nil
}

// Publish publishes a message on the current session.
func (l *Link) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	session, err := l.current()
	if err != nil {
		return err
	}

	opCtx, cancel := l.opContext(ctx)
	defer cancel()
	if err := session.Publish(opCtx, topic, payload, qos, retain); err != nil {
		l.stats.IncErrors()
		return fmt.Errorf("publish failed: %w", err)
	}

	l.stats.IncPublished()
	return nil
}

// GetStats returns the connection state together with the counters of the
// link's stats collector.
func (l *Link) GetStats() Stats {
	l.mu.RLock()
	state, version, connectTime := l.state, l.version, l.connectTime
	l.mu.RUnlock()

	return Stats{
		State:             state,
		Version:           version,
		MessagesReceived:  atomic.LoadUint64(&l.stats.MessagesReceived),
		RetainedDropped:   atomic.LoadUint64(&l.stats.RetainedDropped),
		MessagesPublished: atomic.LoadUint64(&l.stats.Published),
		Reconnects:        atomic.LoadUint64(&l.stats.Reconnects),
		LastReconnect:     l.stats.LastReconnect(),
		ConnectTime:       connectTime,
		Errors:            atomic.LoadUint64(&l.stats.Errors),
	}
}
