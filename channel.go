package lyra

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stettix/lyra/internal/retryable"
)

// Channel is a wrapped broker channel. Topology declared through it is
// recorded and redeclared onto a fresh underlying channel after transport
// loss; consumers are replayed so the delivery channel handed to the
// application stays alive across recoveries.
type Channel struct {
	name string
	conn *Connection
	log  *slog.Logger
	res  *retryable.Resource
	topo *retryable.Topology

	recovering atomic.Bool

	mu        sync.Mutex
	ch        BrokerChannel
	consumers map[string]*consumer
	qos       *qosSettings
}

type qosSettings struct {
	prefetchCount int
	prefetchSize  int
	global        bool
}

// channelDelegate adapts the channel to the engine's capability interface:
// recovery runs against the channel's own reopened underlying channel, and
// recovery failures escalate.
type channelDelegate struct {
	ch *Channel
}

func (d *channelDelegate) RecoveryChannel() (retryable.Channel, error) {
	u := d.ch.underlying()
	if u == nil {
		return nil, amqp.ErrClosed
	}
	return u, nil
}

func (d *channelDelegate) ThrowOnRecoveryFailure() bool {
	return true
}

func (d *channelDelegate) AfterClosure() {
	d.ch.closeConsumers()
	d.ch.conn.forget(d.ch)
}

func (ch *Channel) underlying() BrokerChannel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ch
}

func (ch *Channel) install(bch BrokerChannel) {
	notify := bch.NotifyClose(make(chan *amqp.Error, 1))
	ch.mu.Lock()
	ch.ch = bch
	ch.mu.Unlock()
	go ch.watch(notify)
}

func (ch *Channel) watch(notify chan *amqp.Error) {
	aerr, ok := <-notify
	if !ok || aerr == nil {
		return
	}
	sig := retryable.SignalFromAMQPError(aerr)
	ch.res.NotifyShutdown(sig)
	if sig.Hard {
		return // connection-level loss: the connection supervisor recovers
	}
	if ch.res.Closed() || ch.conn.res.Closed() {
		return
	}
	ch.recoverSelf()
}

// recoverSelf handles a channel-level shutdown while the connection stays
// up: reopen the underlying channel and replay the topology.
func (ch *Channel) recoverSelf() {
	if !ch.recovering.CompareAndSwap(false, true) {
		return
	}
	defer ch.recovering.Store(false)

	ch.res.MarkRecovering(ch.conn)
	defer ch.res.MarkRecovered()

	t := ch.conn.currentTransport()
	if t == nil {
		return
	}
	if err := ch.recoverTopology(t); err != nil {
		// Caused by a connection-level closure: the connection supervisor
		// owns the rest.
		ch.log.Warn("channel recovery deferred to connection recovery",
			slog.String("resource", ch.name),
			slog.Any("error", err))
	}
}

// recoverTopology reopens the underlying channel on t and replays the
// recorded topology. It returns an error only for connection-level
// closures, which the connection supervisor handles by restarting recovery
// from the top; any other recovery failure closes this channel.
func (ch *Channel) recoverTopology(t Transport) error {
	policy := ch.conn.cfg.RecoveryPolicy
	stats := retryable.NewStats(policy)
	op := retryable.NewCallable("channel.reopen", func() (BrokerChannel, error) {
		return t.Channel()
	})
	bch, err := retryable.Call(ch.res, op, policy, stats, true, true)
	if err != nil {
		return ch.recoveryFailed(err)
	}
	ch.install(bch)

	if q := ch.qosSnapshot(); q != nil {
		if err := bch.Qos(q.prefetchCount, q.prefetchSize, q.global); err != nil {
			ch.log.Warn("failed to restore qos",
				slog.String("resource", ch.name),
				slog.Any("error", err))
		}
	}

	for _, ex := range ch.topo.Exchanges() {
		if err := ch.res.RecoverExchange(ex.Name, ex); err != nil {
			return ch.recoveryFailed(err)
		}
	}
	if err := ch.res.RecoverExchangeBindings(ch.topo); err != nil {
		return ch.recoveryFailed(err)
	}

	for _, q := range ch.topo.Queues() {
		oldName := q.Name()
		effective, err := ch.res.RecoverQueue(oldName, q)
		if err != nil {
			return ch.recoveryFailed(err)
		}
		if effective != oldName {
			ch.topo.RenameQueue(oldName, effective)
			ch.renameConsumers(oldName, effective)
		}
	}
	if err := ch.res.RecoverQueueBindings(ch.topo); err != nil {
		return ch.recoveryFailed(err)
	}

	if ch.conn.cfg.RecoverConsumers {
		if err := ch.recoverConsumers(bch); err != nil {
			return ch.recoveryFailed(err)
		}
	}
	return nil
}

// recoveryFailed applies the escalation policy: connection-level closures
// propagate so the supervisor restarts; anything else makes this channel
// unusable and closes it.
func (ch *Channel) recoveryFailed(err error) error {
	if retryable.IsConnectionClosure(err) {
		return err
	}
	ch.log.Error("channel recovery failed, closing channel",
		slog.String("resource", ch.name),
		slog.Any("error", err))
	_ = ch.res.HandleClose(nil)
	return nil
}

// call routes an operation through the engine with the connection's retry
// policy.
func call[T any](ch *Channel, name string, fn func(BrokerChannel) (T, error)) (T, error) {
	op := retryable.NewCallable(name, func() (T, error) {
		u := ch.underlying()
		if u == nil {
			var zero T
			return zero, amqp.ErrClosed
		}
		return fn(u)
	})
	return retryable.Call(ch.res, op, ch.conn.cfg.RetryPolicy, nil, true, true)
}

type unit = struct{}

func callVoid(ch *Channel, name string, fn func(BrokerChannel) error) error {
	_, err := call(ch, name, func(u BrokerChannel) (unit, error) {
		return unit{}, fn(u)
	})
	return err
}

// ExchangeDeclare declares an exchange and records it for recovery.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	decl := &retryable.ExchangeDeclaration{
		Name:       name,
		Kind:       kind,
		Durable:    durable,
		AutoDelete: autoDelete,
		Internal:   internal,
		NoWait:     noWait,
		Args:       args,
	}
	err := callVoid(ch, "exchange.declare", func(u BrokerChannel) error {
		return decl.Invoke(u)
	})
	if err == nil {
		ch.topo.AddExchange(decl)
	}
	return err
}

// ExchangeDelete deletes an exchange and forgets it and its bindings.
func (ch *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	err := callVoid(ch, "exchange.delete", func(u BrokerChannel) error {
		return u.ExchangeDelete(name, ifUnused, noWait)
	})
	if err == nil {
		ch.topo.RemoveExchange(name)
	}
	return err
}

// ExchangeBind binds an exchange to an exchange and records the binding.
func (ch *Channel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	err := callVoid(ch, "exchange.bind", func(u BrokerChannel) error {
		return u.ExchangeBind(destination, key, source, noWait, args)
	})
	if err == nil {
		ch.topo.AddExchangeBinding(retryable.Binding{
			Source:      source,
			Destination: destination,
			RoutingKey:  key,
			Arguments:   args,
		})
	}
	return err
}

// ExchangeUnbind removes an exchange binding and forgets it.
func (ch *Channel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	err := callVoid(ch, "exchange.unbind", func(u BrokerChannel) error {
		return u.ExchangeUnbind(destination, key, source, noWait, args)
	})
	if err == nil {
		ch.topo.RemoveExchangeBinding(retryable.Binding{
			Source:      source,
			Destination: destination,
			RoutingKey:  key,
		})
	}
	return err
}

// QueueDeclare declares a queue and records it for recovery. Server-named
// queues keep working across recoveries: the recorded declaration tracks
// the newly assigned name.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	decl := retryable.NewQueueDeclaration(name, durable, autoDelete, exclusive, noWait, args)
	q, err := call(ch, "queue.declare", func(u BrokerChannel) (amqp.Queue, error) {
		return decl.Invoke(u)
	})
	if err == nil {
		decl.SetName(q.Name)
		ch.topo.AddQueue(decl)
	}
	return q, err
}

// QueueDelete deletes a queue and forgets it and its bindings.
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	purged, err := call(ch, "queue.delete", func(u BrokerChannel) (int, error) {
		return u.QueueDelete(name, ifUnused, ifEmpty, noWait)
	})
	if err == nil {
		ch.topo.RemoveQueue(name)
	}
	return purged, err
}

// QueueBind binds a queue to an exchange and records the binding.
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	err := callVoid(ch, "queue.bind", func(u BrokerChannel) error {
		return u.QueueBind(name, key, exchange, noWait, args)
	})
	if err == nil {
		ch.topo.AddQueueBinding(retryable.Binding{
			Source:      exchange,
			Destination: name,
			RoutingKey:  key,
			Arguments:   args,
		})
	}
	return err
}

// QueueUnbind removes a queue binding and forgets it.
func (ch *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	err := callVoid(ch, "queue.unbind", func(u BrokerChannel) error {
		return u.QueueUnbind(name, key, exchange, args)
	})
	if err == nil {
		ch.topo.RemoveQueueBinding(retryable.Binding{
			Source:      exchange,
			Destination: name,
			RoutingKey:  key,
		})
	}
	return err
}

// Publish publishes with a background context.
func (ch *Channel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return ch.PublishWithContext(context.Background(), exchange, key, mandatory, immediate, msg)
}

// PublishWithContext publishes under the retry policy. A publish lost to a
// transport failure is retried on the recovered channel; the broker may
// observe duplicates.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return callVoid(ch, "basic.publish", func(u BrokerChannel) error {
		return u.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
	})
}

// Qos sets the prefetch and records it for replay on recovered channels.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	err := callVoid(ch, "basic.qos", func(u BrokerChannel) error {
		return u.Qos(prefetchCount, prefetchSize, global)
	})
	if err == nil {
		ch.mu.Lock()
		ch.qos = &qosSettings{prefetchCount: prefetchCount, prefetchSize: prefetchSize, global: global}
		ch.mu.Unlock()
	}
	return err
}

func (ch *Channel) qosSnapshot() *qosSettings {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.qos == nil {
		return nil
	}
	q := *ch.qos
	return &q
}

// Close closes the underlying channel and latches the wrapper closed,
// waking blocked callers and closing delivery channels. Idempotent.
func (ch *Channel) Close() error {
	return ch.res.HandleClose(func() error {
		u := ch.underlying()
		if u == nil {
			return nil
		}
		return u.Close()
	})
}

// IsOpen reports whether the channel is usable. It stays true while a
// recovery is in flight.
func (ch *Channel) IsOpen() bool {
	return !ch.res.Closed()
}

// AddShutdownListener registers a listener for channel shutdowns. The
// registration survives recovery.
func (ch *Channel) AddShutdownListener(l ShutdownListener) {
	ch.res.AddShutdownListener(l)
}

// RemoveShutdownListener removes a previously registered listener.
func (ch *Channel) RemoveShutdownListener(l ShutdownListener) {
	ch.res.RemoveShutdownListener(l)
}
