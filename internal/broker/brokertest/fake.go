// Package brokertest provides an in-memory broker.Dialer for tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mqtt-channel-bridge/internal/broker"
)

// ErrUnavailable is returned by dials scheduled to fail with FailNext.
var ErrUnavailable = errors.New("connection refused")

// Published is a recorded publish.
type Published struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Dialer is a scripted broker.Dialer.
type Dialer struct {
	mu       sync.Mutex
	reject   map[broker.ProtocolVersion]bool
	failures int
	hold     chan struct{}
	dials    []broker.ProtocolVersion
	sessions []*Session

	subscribeErr error
}

func NewDialer() *Dialer {
	return &Dialer{reject: make(map[broker.ProtocolVersion]bool)}
}

// Reject makes dials with the given versions fail with
// broker.ErrProtocolVersionRejected.
func (d *Dialer) Reject(versions ...broker.ProtocolVersion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range versions {
		d.reject[v] = true
	}
}

// FailNext makes the next n dials fail with ErrUnavailable.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

// SetSubscribeError makes subscribes on sessions dialed from now on fail
// with err until the session's own SetSubscribeError clears it.
func (d *Dialer) SetSubscribeError(err error) {
	d.mu.Lock()
	d.subscribeErr = err
	d.mu.Unlock()
}

// Hold blocks dials until the returned release func is called.
func (d *Dialer) Hold() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.hold = ch
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.hold == ch {
				d.hold = nil
			}
			d.mu.Unlock()
			close(ch)
		})
	}
}

func (d *Dialer) Dial(ctx context.Context, cfg broker.SessionConfig, handlers broker.SessionHandlers) (broker.Session, error) {
	d.mu.Lock()
	hold := d.hold
	d.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials = append(d.dials, cfg.Version)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.failures > 0 {
		d.failures--
		return nil, ErrUnavailable
	}
	if d.reject[cfg.Version] {
		return nil, fmt.Errorf("connack: %w", broker.ErrProtocolVersionRejected)
	}

	s := &Session{Config: cfg, handlers: handlers, subscribeErr: d.subscribeErr}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Dials returns the protocol versions of every dial attempt so far.
func (d *Dialer) Dials() []broker.ProtocolVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]broker.ProtocolVersion(nil), d.dials...)
}

// Sessions returns every session handed out so far.
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Last returns the most recent session or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// Session is an in-memory broker.Session that records every call.
type Session struct {
	Config broker.SessionConfig

	handlers broker.SessionHandlers

	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
	publishes    []Published
	disconnected bool
	subscribeErr error
	publishErr   error
	delay        time.Duration
}

func (s *Session) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.subscribes = append(s.subscribes, topic)
	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribes = append(s.unsubscribes, topic)
	return nil
}

func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.publishes = append(s.publishes, Published{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
	})
	return nil
}

func (s *Session) Disconnect(quiesce time.Duration) {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

func (s *Session) wait(ctx context.Context) error {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDelay makes every operation take d.
func (s *Session) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// SetSubscribeError makes subscribes fail with err.
func (s *Session) SetSubscribeError(err error) {
	s.mu.Lock()
	s.subscribeErr = err
	s.mu.Unlock()
}

// SetPublishError makes publishes fail with err.
func (s *Session) SetPublishError(err error) {
	s.mu.Lock()
	s.publishErr = err
	s.mu.Unlock()
}

// Deliver hands msg to the session's message handler synchronously.
func (s *Session) Deliver(msg broker.Message) {
	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(msg)
	}
}

// Drop simulates a connection loss.
func (s *Session) Drop(err error) {
	if s.handlers.OnConnectionLost != nil {
		s.handlers.OnConnectionLost(err)
	}
}

func (s *Session) Subscribes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribes...)
}

func (s *Session) Unsubscribes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unsubscribes...)
}

func (s *Session) Publishes() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Published(nil), s.publishes...)
}

func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}
