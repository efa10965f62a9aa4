package channels

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultCapacity = 100

// Memory is an in-process channel layer. Group members receive events on
// buffered inboxes; a full inbox drops the event.
type Memory struct {
	capacity int

	mu     sync.Mutex
	queues map[string]chan []byte
	groups map[string]map[string]chan []byte
	closed bool
	done   chan struct{}

	dropped atomic.Uint64
}

// NewMemory creates a layer whose queues and inboxes hold capacity messages.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Memory{
		capacity: capacity,
		queues:   make(map[string]chan []byte),
		groups:   make(map[string]map[string]chan []byte),
		done:     make(chan struct{}),
	}
}

func (m *Memory) queue(channel string) (chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[channel]
	if !ok {
		q = make(chan []byte, m.capacity)
		m.queues[channel] = q
	}
	return q, nil
}

func (m *Memory) Receive(ctx context.Context, channel string, handler Handler) error {
	q, err := m.queue(channel)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case data := <-q:
			_ = handler(ctx, data)
		}
	}
}

func (m *Memory) Send(ctx context.Context, channel string, data []byte) error {
	q, err := m.queue(channel)
	if err != nil {
		return err
	}

	select {
	case q <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// GroupAdd adds member to group and returns its inbox. Adding an existing
// member returns the same inbox.
func (m *Memory) GroupAdd(group, member string) <-chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.groups[group]
	if !ok {
		members = make(map[string]chan []byte)
		m.groups[group] = members
	}
	inbox, ok := members[member]
	if !ok {
		inbox = make(chan []byte, m.capacity)
		members[member] = inbox
	}
	return inbox
}

// GroupDiscard removes member from group.
func (m *Memory) GroupDiscard(group, member string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.groups[group]
	delete(members, member)
	if len(members) == 0 {
		delete(m.groups, group)
	}
}

func (m *Memory) GroupSend(ctx context.Context, group string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, inbox := range m.groups[group] {
		select {
		case inbox <- data:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns the number of group events dropped on full inboxes.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}
