package broker

import (
	"context"
	"sync"
)

// generation is one armed period of the gate. done is closed exactly once,
// either by Open (err nil) or by Fail.
type generation struct {
	done chan struct{}
	err  error
}

// Gate is the readiness signal awaited before broker operations. Waiters
// bind to the generation current when they start waiting, so a Reset after
// a transition never swallows a wakeup.
type Gate struct {
	mu      sync.Mutex
	gen     *generation
	waiters int
	onWait  func(delta int)
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{gen: &generation{done: make(chan struct{})}}
}

// SetWaitObserver registers fn to be called with +1/-1 as callers start and
// stop waiting.
func (g *Gate) SetWaitObserver(fn func(delta int)) {
	g.mu.Lock()
	g.onWait = fn
	g.mu.Unlock()
}

// Wait blocks until the gate opens, the gate fails, or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	gen := g.gen
	select {
	case <-gen.done:
		g.mu.Unlock()
		return gen.err
	default:
	}
	g.waiters++
	observer := g.onWait
	g.mu.Unlock()

	if observer != nil {
		observer(1)
	}
	defer func() {
		g.mu.Lock()
		g.waiters--
		g.mu.Unlock()
		if observer != nil {
			observer(-1)
		}
	}()

	select {
	case <-gen.done:
		return gen.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open releases every current waiter. Opening an open gate is a no-op.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.gen.done:
		if g.gen.err == nil {
			return
		}
		// Failed generation: replace it with an open one.
		g.gen = &generation{done: make(chan struct{})}
	default:
	}
	close(g.gen.done)
}

// Fail releases every current waiter with err. Later waiters get err too
// until the gate is Reset or opened.
func (g *Gate) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.gen.done:
		g.gen = &generation{done: make(chan struct{})}
	default:
	}
	g.gen.err = err
	close(g.gen.done)
}

// Reset re-arms the gate so later Wait calls block again. Waiters already
// blocked stay blocked until the next transition.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.gen.done:
		g.gen = &generation{done: make(chan struct{})}
	default:
	}
}

// IsOpen reports whether Wait would return nil immediately.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.gen.done:
		return g.gen.err == nil
	default:
		return false
	}
}

// Waiters returns the number of callers currently blocked in Wait.
func (g *Gate) Waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters
}
