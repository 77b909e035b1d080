// Package lyra wraps a RabbitMQ client so that transient failures are
// absorbed behind stable connection and channel façades. Operations on a
// wrapped object are retried under configurable policies; when the
// transport is lost, the wrapper reconnects, redeclares the topology
// recorded on each channel (exchanges, queues, bindings), and replays
// consumer subscriptions. Application code keeps using the same objects
// across broker restarts and network drops.
//
// Recovery restores topology and subscriptions, not in-flight message
// state: messages the broker re-queues after a disconnect are redelivered
// by the broker under its own rules, and no ordering is guaranteed across
// a reconnect.
package lyra

import (
	"context"
	"log/slog"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stettix/lyra/event"
	"github.com/stettix/lyra/internal/retryable"
	"github.com/stettix/lyra/metrics"
)

// BrokerChannel is the broker channel surface the façade drives.
// *amqp091.Channel satisfies it; tests substitute fakes.
type BrokerChannel interface {
	retryable.Channel
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Cancel(consumer string, noWait bool) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Transport is the broker connection surface the façade drives.
type Transport interface {
	Channel() (BrokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Dialer opens a transport to the broker.
type Dialer func(url string) (Transport, error)

// AMQPDialer dials the broker with the amqp091 client.
func AMQPDialer(url string) (Transport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpTransport{conn}, nil
}

type amqpTransport struct {
	conn *amqp.Connection
}

func (t amqpTransport) Channel() (BrokerChannel, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (t amqpTransport) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return t.conn.NotifyClose(receiver)
}

func (t amqpTransport) Close() error {
	return t.conn.Close()
}

func (t amqpTransport) IsClosed() bool {
	return t.conn.IsClosed()
}

// ShutdownSignal is re-exported for shutdown listeners.
type ShutdownSignal = retryable.ShutdownSignal

// ShutdownListener observes transport shutdowns on a wrapped resource.
// Registrations are replayed across recovered transports.
type ShutdownListener = retryable.ShutdownListener

// Option configures a Dial.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	emitter event.Emitter
	rec     *metrics.Recorder
	dialer  Dialer
}

// WithLogger supplies the logger instead of building one from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventEmitter enables resilience event emission.
func WithEventEmitter(emitter event.Emitter) Option {
	return func(o *options) { o.emitter = emitter }
}

// WithMetrics enables Prometheus instrumentation through the given
// recorder. Share one recorder across connections.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *options) { o.rec = rec }
}

// WithDialer replaces the transport dialer. Used by tests and by hosts
// that need TLS or custom AMQP configuration.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

var connSeq atomic.Int64
