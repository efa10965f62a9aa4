// Package bridge connects a channel layer to the broker link: requests read
// from the bridge channel drive subscribe and publish actions, and inbound
// broker messages are fanned out to the interested groups.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mqtt-channel-bridge/internal/broker"
	"mqtt-channel-bridge/internal/channels"
	"mqtt-channel-bridge/internal/logger"
	"mqtt-channel-bridge/internal/metrics"
	"mqtt-channel-bridge/internal/registry"
	"mqtt-channel-bridge/internal/stats"
)

// State is the consumer lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// BrokerLink is the part of *broker.Link the consumer drives.
type BrokerLink interface {
	SetHandlers(h broker.Handlers)
	Gate() *broker.Gate
	Connect(ctx context.Context) (broker.ConnectionState, error)
	Disconnect(quiesce time.Duration)
	Subscribe(ctx context.Context, topic string, qos byte) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// GroupSender delivers events to channel layer groups.
type GroupSender interface {
	GroupSend(ctx context.Context, group string, data []byte) error
}

// Receiver reads requests from a channel layer channel.
type Receiver interface {
	Receive(ctx context.Context, channel string, handler channels.Handler) error
}

// Config configures a Consumer.
type Config struct {
	Channel            string // request channel and event type prefix
	SubscribeQoS       byte
	PublishQoS         byte
	PublishRetain      bool
	UnsubscribeOnEmpty bool
	DeliveryTimeout    time.Duration
	Quiesce            time.Duration
}

// Consumer owns the topic registry and serializes every broker action.
type Consumer struct {
	cfg      Config
	link     BrokerLink
	groups   GroupSender
	registry *registry.Registry
	logger   *logger.Logger
	metrics  *metrics.Metrics
	stats    *stats.StatsCollector

	// ops holds one token; at most one broker action is in flight.
	ops chan struct{}

	// resubscribe holds topics whose broker subscription failed on the last
	// reconnect. Guarded by the ops token.
	resubscribe map[string]struct{}

	mu    sync.Mutex
	state State

	deliveries sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	unmatched atomic.Uint64
}

// NewConsumer creates an idle consumer. metrics and stats may be nil.
func NewConsumer(cfg Config, link BrokerLink, groups GroupSender, log *logger.Logger, m *metrics.Metrics, s *stats.StatsCollector) *Consumer {
	if cfg.Channel == "" {
		cfg.Channel = "mqtt"
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	if m != nil {
		link.Gate().SetWaitObserver(m.AddGateWaiters)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:      cfg,
		link:     link,
		groups:   groups,
		registry: registry.New(),
		logger:   log,
		metrics:  m,
		stats:    s,
		ops:         make(chan struct{}, 1),
		resubscribe: make(map[string]struct{}),
		state:       StateIdle,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Registry returns the consumer's topic registry.
func (c *Consumer) Registry() *registry.Registry {
	return c.registry
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	c.state = s
}

func (c *Consumer) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStopped
}

// Start connects the broker link. It returns once the link is connected or
// the connect attempt, including the version fallback, has failed.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return newError(KindStopped, "start", "", nil)
	case StateIdle:
	default:
		c.mu.Unlock()
		return nil
	}
	c.state = StateStarting
	c.mu.Unlock()

	c.link.SetHandlers(broker.Handlers{
		OnMessage:        c.onBrokerMessage,
		OnConnect:        c.reconcile,
		OnConnectionLost: c.onConnectionLost,
	})

	c.logger.Info("starting bridge consumer", "channel", c.cfg.Channel)
	if _, err := c.link.Connect(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateStarting {
			c.state = StateIdle
		}
		c.mu.Unlock()
		if errors.Is(err, broker.ErrClosed) {
			return newError(KindStopped, "start", "", err)
		}
		return newError(KindBrokerUnavailable, "start", "", err)
	}
	return nil
}

// acquire takes the broker action token.
func (c *Consumer) acquire(ctx context.Context) error {
	select {
	case c.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) release() {
	<-c.ops
}

// await blocks on the connection gate, then takes the action token.
func (c *Consumer) await(ctx context.Context, op, topic string) error {
	if c.stopped() {
		return newError(KindStopped, op, topic, nil)
	}
	if err := c.link.Gate().Wait(ctx); err != nil {
		return c.waitError(op, topic, err)
	}
	return c.lock(ctx, op, topic)
}

// lock takes the action token without waiting for the gate.
func (c *Consumer) lock(ctx context.Context, op, topic string) error {
	if err := c.acquire(ctx); err != nil {
		return c.waitError(op, topic, err)
	}
	if c.stopped() {
		c.release()
		return newError(KindStopped, op, topic, nil)
	}
	return nil
}

// waitError classifies a failed wait. A caller that gave up waiting sees
// KindNotConnected.
func (c *Consumer) waitError(op, topic string, err error) error {
	switch {
	case c.stopped():
		return newError(KindStopped, op, topic, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(KindNotConnected, op, topic, err)
	default:
		return classify(op, topic, err)
	}
}

// HandleSubscribe adds group's interest in topic, subscribing at the broker
// when topic had no groups before or its re-subscribe after a reconnect
// failed.
func (c *Consumer) HandleSubscribe(ctx context.Context, topic, group string) (err error) {
	defer func() { c.countRequest(RequestSubscribe, err) }()

	if err := broker.ValidateTopicFilter(topic); err != nil {
		return newError(KindInvalidRequest, RequestSubscribe, topic, err)
	}
	if group == "" {
		return newError(KindInvalidRequest, RequestSubscribe, topic, fmt.Errorf("missing group"))
	}
	if err := c.await(ctx, RequestSubscribe, topic); err != nil {
		return err
	}
	defer c.release()

	known := slices.Contains(c.registry.GroupsFor(topic), group)
	_, retry := c.resubscribe[topic]
	if !c.registry.AddInterest(topic, group) && !retry {
		c.logger.Debug("group added to subscribed topic", "topic", topic, "group", group)
		c.updateGauges()
		return nil
	}

	if err := c.link.Subscribe(ctx, topic, c.cfg.SubscribeQoS); err != nil {
		if !known {
			c.registry.RemoveInterest(topic, group)
		}
		c.logger.Error("broker subscribe failed", "topic", topic, "group", group, "error", err)
		return classify(RequestSubscribe, topic, err)
	}
	delete(c.resubscribe, topic)
	c.logger.Info("subscribed", "topic", topic, "group", group)
	c.updateGauges()
	return nil
}

// HandleUnsubscribe removes group's interest in topic. The broker
// subscription is released only when UnsubscribeOnEmpty is set.
func (c *Consumer) HandleUnsubscribe(ctx context.Context, topic, group string) (err error) {
	defer func() { c.countRequest(RequestUnsubscribe, err) }()

	if topic == "" || group == "" {
		return newError(KindInvalidRequest, RequestUnsubscribe, topic, fmt.Errorf("topic and group are required"))
	}
	if err := c.lock(ctx, RequestUnsubscribe, topic); err != nil {
		return err
	}
	defer c.release()

	empty := c.registry.RemoveInterest(topic, group)
	c.updateGauges()
	if !empty {
		return nil
	}
	c.logger.Debug("no groups left for topic", "topic", topic)
	return c.releaseTopic(ctx, RequestUnsubscribe, topic)
}

// HandleDiscard removes group from every topic.
func (c *Consumer) HandleDiscard(ctx context.Context, group string) (err error) {
	defer func() { c.countRequest(RequestDiscard, err) }()

	if group == "" {
		return newError(KindInvalidRequest, RequestDiscard, "", fmt.Errorf("missing group"))
	}
	if err := c.lock(ctx, RequestDiscard, ""); err != nil {
		return err
	}
	defer c.release()

	emptied := c.registry.RemoveGroup(group)
	c.updateGauges()
	c.logger.Debug("group discarded", "group", group, "emptiedTopics", len(emptied))

	var errs []error
	for _, topic := range emptied {
		if err := c.releaseTopic(ctx, RequestDiscard, topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// releaseTopic unsubscribes an emptied topic at the broker if enabled. Must
// hold the action token.
func (c *Consumer) releaseTopic(ctx context.Context, op, topic string) error {
	delete(c.resubscribe, topic)
	if !c.cfg.UnsubscribeOnEmpty {
		return nil
	}
	err := c.link.Unsubscribe(ctx, topic)
	switch {
	case err == nil:
		c.logger.Info("unsubscribed", "topic", topic)
		return nil
	case errors.Is(err, broker.ErrNotConnected):
		// The next session starts without the subscription.
		return nil
	default:
		c.logger.Error("broker unsubscribe failed", "topic", topic, "error", err)
		return classify(op, topic, err)
	}
}

// HandlePublish publishes p once the link is ready. There is no retry.
func (c *Consumer) HandlePublish(ctx context.Context, p Publish) (err error) {
	defer func() { c.countRequest(RequestPublish, err) }()

	if err := broker.ValidateTopicName(p.Topic); err != nil {
		return newError(KindInvalidRequest, RequestPublish, p.Topic, err)
	}
	if p.QoS > 2 {
		return newError(KindInvalidRequest, RequestPublish, p.Topic, fmt.Errorf("invalid qos %d", p.QoS))
	}
	if err := c.await(ctx, RequestPublish, p.Topic); err != nil {
		return err
	}
	defer c.release()

	if err := c.link.Publish(ctx, p.Topic, p.Payload, p.QoS, p.Retain); err != nil {
		c.logger.Error("broker publish failed", "topic", p.Topic, "error", err)
		return classify(RequestPublish, p.Topic, err)
	}
	c.logger.Debug("published", "topic", p.Topic, "qos", p.QoS, "retain", p.Retain)
	return nil
}

// Dispatch decodes a request and runs its handler.
func (c *Consumer) Dispatch(ctx context.Context, data []byte) error {
	req, err := DecodeRequest(data)
	if err != nil {
		c.countRequest("unknown", err)
		return newError(KindInvalidRequest, "dispatch", "", err)
	}

	kind, ok := requestKind(c.cfg.Channel, req.Type)
	if !ok {
		err := fmt.Errorf("unknown request type %q", req.Type)
		c.countRequest("unknown", err)
		return newError(KindInvalidRequest, "dispatch", "", err)
	}

	switch kind {
	case RequestSubscribe:
		return c.HandleSubscribe(ctx, req.Topic, req.Group)
	case RequestUnsubscribe:
		return c.HandleUnsubscribe(ctx, req.Topic, req.Group)
	case RequestDiscard:
		return c.HandleDiscard(ctx, req.Group)
	case RequestPublish:
		p, err := c.publishFrom(req.Publish)
		if err != nil {
			c.countRequest(RequestPublish, err)
			return err
		}
		return c.HandlePublish(ctx, p)
	default:
		err := fmt.Errorf("unknown request type %q", req.Type)
		c.countRequest("unknown", err)
		return newError(KindInvalidRequest, "dispatch", "", err)
	}
}

func (c *Consumer) publishFrom(req *PublishRequest) (Publish, error) {
	if req == nil {
		return Publish{}, newError(KindInvalidRequest, RequestPublish, "", fmt.Errorf("missing publish body"))
	}
	payload, err := PayloadBytes(req.Payload)
	if err != nil {
		return Publish{}, newError(KindInvalidRequest, RequestPublish, req.Topic, err)
	}

	p := Publish{
		Topic:   req.Topic,
		Payload: payload,
		QoS:     c.cfg.PublishQoS,
		Retain:  c.cfg.PublishRetain,
	}
	if req.QoS != nil {
		if *req.QoS < 0 || *req.QoS > 2 {
			return Publish{}, newError(KindInvalidRequest, RequestPublish, req.Topic, fmt.Errorf("invalid qos %d", *req.QoS))
		}
		p.QoS = byte(*req.QoS)
	}
	if req.Retain != nil {
		p.Retain = *req.Retain
	}
	return p, nil
}

// Serve handles requests from the bridge channel until ctx ends.
func (c *Consumer) Serve(ctx context.Context, r Receiver) error {
	c.logger.Info("serving requests", "channel", c.cfg.Channel)
	return r.Receive(ctx, c.cfg.Channel, func(ctx context.Context, data []byte) error {
		err := c.Dispatch(ctx, data)
		if err != nil {
			c.logger.Warn("request failed", "error", err)
		}
		return err
	})
}

// reconcile re-subscribes every topic with interested groups. It runs on
// every connect, before the gate opens. Topics that fail are retried by the
// next HandleSubscribe for them or the next reconnect.
func (c *Consumer) reconcile(ctx context.Context) {
	if err := c.acquire(ctx); err != nil {
		return
	}
	defer c.release()

	clear(c.resubscribe)
	topics := c.registry.Topics()
	for _, topic := range topics {
		if err := c.link.Subscribe(ctx, topic, c.cfg.SubscribeQoS); err != nil {
			c.resubscribe[topic] = struct{}{}
			if c.stats != nil {
				c.stats.IncErrors()
			}
			c.logger.Error("re-subscribe failed", "topic", topic, "error", err)
			continue
		}
		c.logger.Debug("re-subscribed", "topic", topic)
	}
	if len(topics) > 0 {
		c.logger.Info("subscriptions restored", "topics", len(topics))
	}
	c.setState(StateReady)
}

func (c *Consumer) onConnectionLost(err error) {
	c.logger.Warn("bridge waiting for broker reconnect", "error", err)
	c.setState(StateReconnecting)
}

// onBrokerMessage fans msg out to every interested group and returns once
// every send has finished.
func (c *Consumer) onBrokerMessage(msg broker.Message) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.deliveries.Add(1)
	c.mu.Unlock()
	defer c.deliveries.Done()

	groups := c.registry.Match(msg.Topic)
	if len(groups) == 0 {
		c.unmatched.Add(1)
		if c.stats != nil {
			c.stats.IncUnmatchedDropped()
		}
		c.metrics.IncMessagesTotal("unmatched")
		c.logger.Debug("no groups for topic, dropping message", "topic", msg.Topic)
		return
	}

	events, err := NewMessageEvents(c.cfg.Channel, groups, msg.Topic, msg.Payload, msg.QoS)
	if err != nil {
		c.logger.Error("failed to build events", "topic", msg.Topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DeliveryTimeout)
	defer cancel()

	var (
		g         errgroup.Group
		delivered atomic.Uint64
	)
	for i, group := range groups {
		data := events[i]
		g.Go(func() error {
			if err := c.groups.GroupSend(ctx, group, data); err != nil {
				c.metrics.IncDeliveriesTotal("failed")
				c.logger.Error("failed to send event",
					"group", group,
					"topic", msg.Topic,
					"error", err)
				return err
			}
			delivered.Add(1)
			c.metrics.IncDeliveriesTotal("sent")
			return nil
		})
	}
	_ = g.Wait()

	c.metrics.IncMessagesTotal("delivered")
	if c.stats != nil {
		c.stats.AddDelivered(delivered.Load())
	}
}

// Unmatched returns the number of inbound messages no group was interested
// in.
func (c *Consumer) Unmatched() uint64 {
	return c.unmatched.Load()
}

func (c *Consumer) updateGauges() {
	c.metrics.SetTopicsActive(c.registry.Len())
	c.metrics.SetGroupsActive(c.registry.GroupCount())
}

func (c *Consumer) countRequest(kind string, err error) {
	status := "ok"
	if err != nil {
		status = string(KindOf(err))
		if status == "" {
			status = "error"
		}
	}
	c.metrics.IncRequestsTotal(kind, status)
}

// Stop moves the consumer to StateStopped: the in-flight broker action is
// drained, the link disconnected and pending deliveries awaited, all bounded
// by ctx. Later requests fail with KindStopped.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	c.mu.Unlock()

	c.logger.Info("stopping bridge consumer")

	drainErr := c.acquire(ctx)
	c.link.Disconnect(c.cfg.Quiesce)
	if drainErr == nil {
		c.release()
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for deliveries: %w", ctx.Err())
	}

	if drainErr != nil {
		return fmt.Errorf("draining broker action: %w", drainErr)
	}
	c.logger.Info("bridge consumer stopped")
	return nil
}
