package concurrent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuit_OpenByDefault(t *testing.T) {
	c := NewReentrantCircuit()

	assert.False(t, c.IsClosed())
	require.NoError(t, c.Await(context.Background(), nil))
}

func TestCircuit_AwaitBlocksUntilOpen(t *testing.T) {
	c := NewReentrantCircuit()
	c.Close("owner")

	released := make(chan error, 1)
	go func() {
		released <- c.Await(context.Background(), nil)
	}()

	select {
	case <-released:
		t.Fatal("waiter released while circuit closed")
	case <-time.After(20 * time.Millisecond):
	}

	c.Open()

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by open")
	}
	assert.False(t, c.IsClosed())
}

func TestCircuit_OwnerPassesThrough(t *testing.T) {
	c := NewReentrantCircuit()
	owner := "supervisor"
	c.Close(owner)

	require.NoError(t, c.Await(context.Background(), owner))

	opened, err := c.AwaitFor(context.Background(), owner, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, opened)
}

func TestCircuit_NestedCloseNeedsMatchingOpens(t *testing.T) {
	c := NewReentrantCircuit()
	c.Close("owner")
	c.Close("owner")

	c.Open()
	assert.True(t, c.IsClosed(), "one open of two nested closes must not open the gate")

	c.Open()
	assert.False(t, c.IsClosed())
}

func TestCircuit_OpenWhenOpenIsNoOp(t *testing.T) {
	c := NewReentrantCircuit()
	c.Open()
	assert.False(t, c.IsClosed())

	c.Close("owner")
	assert.True(t, c.IsClosed())
	c.Open()
	assert.False(t, c.IsClosed())
}

func TestCircuit_AwaitForTimesOut(t *testing.T) {
	c := NewReentrantCircuit()
	c.Close("owner")

	start := time.Now()
	opened, err := c.AwaitFor(context.Background(), nil, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, opened)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCircuit_InterruptWakesAllWaiters(t *testing.T) {
	c := NewReentrantCircuit()
	c.Close("owner")

	const waiters = 5
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			results <- c.Await(context.Background(), nil)
		}()
	}
	time.Sleep(20 * time.Millisecond)

	c.InterruptWaiters()

	for i := 0; i < waiters; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrWaitInterrupted)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by interrupt")
		}
	}
	assert.True(t, c.IsClosed(), "interrupt must not open the gate")
}

func TestCircuit_ContextCancelUnblocks(t *testing.T) {
	c := NewReentrantCircuit()
	c.Close("owner")

	ctx, cancel := context.WithCancel(context.Background())
	released := make(chan error, 1)
	go func() {
		released <- c.Await(ctx, nil)
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()

	select {
	case err := <-released:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by context cancel")
	}
}
