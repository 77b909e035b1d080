package lyra

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/stettix/lyra/config"
	"github.com/stettix/lyra/event"
	"github.com/stettix/lyra/internal/retryable"
	"github.com/stettix/lyra/logging"
	"github.com/stettix/lyra/metrics"
)

// Connection is a wrapped broker connection. It stays usable across
// underlying disconnects: transport loss triggers reconnection under the
// recovery policy, topology recovery on every channel, and consumer
// replay.
type Connection struct {
	name   string
	url    string
	cfg    *config.Config
	log    *slog.Logger
	events *event.Builder
	rec    *metrics.Recorder
	res    *retryable.Resource
	dial   Dialer

	recovering atomic.Bool
	chanSeq    atomic.Int64

	mu        sync.Mutex
	transport Transport
	channels  map[*Channel]struct{}
}

// Dial connects to the broker under the config's connect policy and
// returns a wrapped connection. A nil config uses config.Default.
func Dial(url string, cfg *config.Config, opts ...Option) (*Connection, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = AMQPDialer
	}

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("cxn-%d", connSeq.Add(1))
	}

	logger := o.logger
	if logger == nil {
		logger = logging.New(cfg.Log, nil)
	}

	c := &Connection{
		name:     name,
		url:      url,
		cfg:      cfg,
		log:      logger,
		events:   event.NewBuilder(o.emitter, name, nil),
		rec:      o.rec,
		dial:     o.dialer,
		channels: make(map[*Channel]struct{}),
	}
	c.res = retryable.NewResource(retryable.ResourceConfig{
		Name:     name,
		Delegate: &connectionDelegate{c},
		Logger:   logger,
		Events:   c.events,
		Metrics:  o.rec,
	})

	op := retryable.NewCallable("connection.open", func() (Transport, error) {
		return c.dial(url)
	})
	t, err := retryable.Call(c.res, op, cfg.ConnectPolicy, nil, false, true)
	if err != nil {
		return nil, err
	}

	c.install(t)
	logger.Info("connected", slog.String("resource", name))
	return c, nil
}

// connectionDelegate adapts the connection to the engine's capability
// interface: recovery uses a fresh channel on the connection itself, and
// recovery failures are tolerated (logged and skipped).
type connectionDelegate struct {
	conn *Connection
}

func (d *connectionDelegate) RecoveryChannel() (retryable.Channel, error) {
	t := d.conn.currentTransport()
	if t == nil {
		return nil, amqp.ErrClosed
	}
	return t.Channel()
}

func (d *connectionDelegate) ThrowOnRecoveryFailure() bool {
	return false
}

func (d *connectionDelegate) AfterClosure() {
	for _, ch := range d.conn.channelsSnapshot() {
		_ = ch.res.HandleClose(nil)
	}
}

// Channel opens a wrapped channel on the connection, retrying under the
// retry policy.
func (c *Connection) Channel() (*Channel, error) {
	if c.res.Closed() {
		return nil, amqp.ErrClosed
	}

	name := fmt.Sprintf("%s/ch-%d", c.name, c.chanSeq.Add(1))
	ch := &Channel{
		name:      name,
		conn:      c,
		log:       c.log,
		topo:      retryable.NewTopology(),
		consumers: make(map[string]*consumer),
	}
	ch.res = retryable.NewResource(retryable.ResourceConfig{
		Name:     name,
		Delegate: &channelDelegate{ch},
		Logger:   c.log,
		Events:   c.events.ForResource(name),
		Metrics:  c.rec,
	})

	op := retryable.NewCallable("channel.open", func() (BrokerChannel, error) {
		t := c.currentTransport()
		if t == nil {
			return nil, amqp.ErrClosed
		}
		return t.Channel()
	})
	bch, err := retryable.Call(c.res, op, c.cfg.RetryPolicy, nil, true, true)
	if err != nil {
		return nil, err
	}

	ch.install(bch)
	c.remember(ch)
	return ch, nil
}

// Close closes the underlying transport and latches the connection and
// every channel closed, waking all blocked callers. Idempotent.
func (c *Connection) Close() error {
	return c.res.HandleClose(func() error {
		t := c.currentTransport()
		if t == nil {
			return nil
		}
		return t.Close()
	})
}

// Abort is Close ignoring the outcome of the underlying close.
func (c *Connection) Abort() {
	_ = c.res.HandleClose(func() error {
		t := c.currentTransport()
		if t == nil {
			return nil
		}
		_ = t.Close()
		return nil
	})
}

// IsOpen reports whether the connection is usable. It stays true while a
// recovery is in flight.
func (c *Connection) IsOpen() bool {
	return !c.res.Closed()
}

// AddShutdownListener registers a listener for transport shutdowns. The
// registration survives recovery.
func (c *Connection) AddShutdownListener(l ShutdownListener) {
	c.res.AddShutdownListener(l)
}

// RemoveShutdownListener removes a previously registered listener.
func (c *Connection) RemoveShutdownListener(l ShutdownListener) {
	c.res.RemoveShutdownListener(l)
}

func (c *Connection) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Connection) install(t Transport) {
	notify := make(chan *amqp.Error, 1)
	t.NotifyClose(notify)

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	go c.watch(notify)
}

func (c *Connection) watch(notify chan *amqp.Error) {
	aerr, ok := <-notify
	if !ok || aerr == nil {
		return // graceful close
	}
	sig := retryable.SignalFromAMQPError(aerr)
	c.res.NotifyShutdown(sig)
	c.triggerRecovery(sig)
}

func (c *Connection) triggerRecovery(sig *retryable.ShutdownSignal) {
	if c.res.Closed() {
		return
	}
	if !c.recovering.CompareAndSwap(false, true) {
		return // a recovery pass is already running and will observe the loss
	}
	c.recover(sig)
	c.recovering.Store(false)

	// The transport may have died again in the window before the flag
	// cleared; the doomed watcher was dropped above, so re-check here.
	if t := c.currentTransport(); t != nil && t.IsClosed() && !c.res.Closed() {
		c.triggerRecovery(sig)
	}
}

// recover is the supervisor pass: close the circuits, rebuild the
// transport under the recovery policy, recover every channel's topology,
// then reopen the circuits. A connection-level closure during the pass
// restarts it from the top.
func (c *Connection) recover(sig *retryable.ShutdownSignal) {
	c.log.Warn("connection lost, recovering",
		slog.String("resource", c.name),
		slog.Int("code", sig.Code),
		slog.String("reason", sig.Reason))
	c.rec.RecoveryStarted(c.name)
	c.events.Emit(event.TypeRecoveryStarted, map[string]any{
		"code":   sig.Code,
		"reason": sig.Reason,
	})

	c.res.MarkRecovering(c)
	chans := c.channelsSnapshot()
	for _, ch := range chans {
		if !ch.res.Closed() {
			ch.res.MarkRecovering(c)
		}
	}

	for {
		stats := retryable.NewStats(c.cfg.RecoveryPolicy)
		op := retryable.NewCallable("connection.recover", func() (Transport, error) {
			return c.dial(c.url)
		})
		t, err := retryable.Call(c.res, op, c.cfg.RecoveryPolicy, stats, true, true)
		if err != nil {
			c.abandonRecovery(err)
			return
		}

		c.install(t)

		err = c.recoverChannels(t, chans)
		if err == nil {
			break
		}
		if c.res.Closed() {
			return
		}
		if !retryable.IsConnectionClosure(err) {
			c.abandonRecovery(err)
			return
		}
		c.log.Warn("connection lost during recovery, restarting",
			slog.String("resource", c.name),
			slog.Any("error", err))
	}

	for _, ch := range chans {
		if !ch.res.Closed() {
			ch.res.MarkRecovered()
		}
	}
	c.res.MarkRecovered()

	c.rec.RecoverySucceeded(c.name)
	c.events.Emit(event.TypeRecoverySucceeded, nil)
	c.log.Info("connection recovered", slog.String("resource", c.name))
}

// recoverChannels replays each channel's topology onto the fresh
// transport. Channels recover concurrently; within one channel the order
// is exchanges, exchange bindings, queues, queue bindings, consumers.
func (c *Connection) recoverChannels(t Transport, chans []*Channel) error {
	g := new(errgroup.Group)
	for _, ch := range chans {
		if ch.res.Closed() {
			continue
		}
		ch := ch
		g.Go(func() error {
			return ch.recoverTopology(t)
		})
	}
	return g.Wait()
}

func (c *Connection) abandonRecovery(err error) {
	c.log.Error("recovery abandoned",
		slog.String("resource", c.name),
		slog.Any("error", err))
	c.rec.RecoveryFailed(c.name)
	c.events.Emit(event.TypeRecoveryFailed, map[string]any{"error": err.Error()})
	_ = c.res.HandleClose(nil)
}

func (c *Connection) channelsSnapshot() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Connection) remember(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch] = struct{}{}
}

func (c *Connection) forget(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, ch)
}
