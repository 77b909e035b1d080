package concurrent

import (
	"context"
	"sync"
	"time"
)

// InterruptableWaiter sleeps for a bounded duration but can be woken early
// by InterruptWaiters. Interruption is a signal, not an error: an awakened
// sleeper proceeds as if the sleep completed.
type InterruptableWaiter struct {
	mu        sync.Mutex
	interrupt chan struct{}
}

// NewInterruptableWaiter returns a waiter with no pending interrupt.
func NewInterruptableWaiter() *InterruptableWaiter {
	return &InterruptableWaiter{
		interrupt: make(chan struct{}),
	}
}

// Await sleeps for up to d. It returns nil when the sleep elapsed or was
// interrupted, and the context error when ctx was cancelled first.
func (w *InterruptableWaiter) Await(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	w.mu.Lock()
	interrupt := w.interrupt
	w.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-interrupt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InterruptWaiters wakes all current sleepers.
func (w *InterruptableWaiter) InterruptWaiters() {
	w.mu.Lock()
	defer w.mu.Unlock()

	close(w.interrupt)
	w.interrupt = make(chan struct{})
}
