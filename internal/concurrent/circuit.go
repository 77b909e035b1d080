// Package concurrent provides the synchronization primitives used by
// retryable resources: a reentrant circuit gating operations while recovery
// is in flight, and an interruptible waiter for retry sleeps.
package concurrent

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitInterrupted is returned by Await when the waiters were woken by
// InterruptWaiters rather than by the gate opening.
var ErrWaitInterrupted = errors.New("circuit wait interrupted")

// ReentrantCircuit is a latch-style gate. While closed, arrivals block in
// Await until the gate opens, the wait is interrupted, or the context is
// cancelled. The owner recorded on the first Close passes through without
// blocking. Nested closes by depth must be matched by opens before the gate
// truly opens.
type ReentrantCircuit struct {
	mu        sync.Mutex
	gate      chan struct{} // non-nil while closed; closing it releases waiters
	interrupt chan struct{}
	depth     int
	owner     any
}

// NewReentrantCircuit returns an open circuit.
func NewReentrantCircuit() *ReentrantCircuit {
	return &ReentrantCircuit{
		interrupt: make(chan struct{}),
	}
}

// Close closes the gate. The owner is recorded on the first close; nested
// closes only increment the depth.
func (c *ReentrantCircuit) Close(owner any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.depth++
	if c.depth == 1 {
		c.owner = owner
		c.gate = make(chan struct{})
	}
}

// Open decrements the nesting depth. When the depth returns to zero the
// owner is cleared and all waiters are released. Opening an open circuit is
// a no-op.
func (c *ReentrantCircuit) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.depth == 0 {
		return
	}
	c.depth--
	if c.depth == 0 {
		c.owner = nil
		close(c.gate)
		c.gate = nil
	}
}

// IsClosed reports whether the gate is currently closed.
func (c *ReentrantCircuit) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth > 0
}

// Await blocks until the gate opens. The recorded owner passes through
// immediately. Returns nil when the gate opened (or was already open),
// ErrWaitInterrupted when woken by InterruptWaiters, or the context error.
func (c *ReentrantCircuit) Await(ctx context.Context, caller any) error {
	c.mu.Lock()
	if c.depth == 0 || (caller != nil && caller == c.owner) {
		c.mu.Unlock()
		return nil
	}
	gate, interrupt := c.gate, c.interrupt
	c.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-interrupt:
		return ErrWaitInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitFor is Await with a time bound. The boolean reports whether the gate
// opened within d; it is false on timeout with a nil error.
func (c *ReentrantCircuit) AwaitFor(ctx context.Context, caller any, d time.Duration) (bool, error) {
	c.mu.Lock()
	if c.depth == 0 || (caller != nil && caller == c.owner) {
		c.mu.Unlock()
		return true, nil
	}
	gate, interrupt := c.gate, c.interrupt
	c.mu.Unlock()

	if d <= 0 {
		return false, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-gate:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-interrupt:
		return false, ErrWaitInterrupted
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// InterruptWaiters wakes every blocked waiter with ErrWaitInterrupted. The
// gate state is unchanged.
func (c *ReentrantCircuit) InterruptWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()

	close(c.interrupt)
	c.interrupt = make(chan struct{})
}
