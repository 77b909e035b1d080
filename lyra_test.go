package lyra

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker scripts transports for the façade tests: dials can be made to
// fail, and live transports can be killed with a chosen reply code.
type fakeBroker struct {
	mu         sync.Mutex
	dials      int
	dialErrs   []error // consumed one per dial
	transports []*fakeTransport
	nameSeq    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

func (b *fakeBroker) failNextDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

func (b *fakeBroker) Dialer() Dialer {
	return func(url string) (Transport, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		if len(b.dialErrs) > 0 {
			err := b.dialErrs[0]
			b.dialErrs = b.dialErrs[1:]
			if err != nil {
				return nil, err
			}
		}
		t := &fakeTransport{broker: b}
		b.transports = append(b.transports, t)
		return t, nil
	}
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) current() *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transports) == 0 {
		return nil
	}
	return b.transports[len(b.transports)-1]
}

func (b *fakeBroker) nextQueueName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nameSeq++
	return fmt.Sprintf("amq.gen-%d", b.nameSeq)
}

// killCurrent tears down the newest transport with a connection-level
// error, as a broker restart would.
func (b *fakeBroker) killCurrent() {
	t := b.current()
	if t != nil {
		t.kill(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart", Server: true})
	}
}

type fakeTransport struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeBrokerChannel
}

func (t *fakeTransport) Channel() (BrokerChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeBrokerChannel{transport: t, consumes: make(map[string]chan amqp.Delivery)}
	t.channels = append(t.channels, ch)
	return ch, nil
}

func (t *fakeTransport) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = append(t.notify, receiver)
	return receiver
}

func (t *fakeTransport) Close() error {
	t.kill(nil)
	return nil
}

func (t *fakeTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// kill tears the transport down. A nil error is a graceful close; a non-nil
// error reaches every close notification, as the amqp091 client does.
func (t *fakeTransport) kill(err *amqp.Error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	notify := t.notify
	channels := t.channels
	t.mu.Unlock()

	for _, ch := range channels {
		ch.kill(err)
	}
	for _, c := range notify {
		if err != nil {
			select {
			case c <- err:
			default:
			}
		} else {
			close(c)
		}
	}
}

type bindingRecord struct {
	source      string
	destination string
	key         string
}

type publishRecord struct {
	exchange string
	key      string
	body     []byte
}

type fakeBrokerChannel struct {
	transport *fakeTransport

	mu            sync.Mutex
	closed        bool
	notify        []chan *amqp.Error
	exchanges     []string
	queues        []string
	exchangeBinds []bindingRecord
	queueBinds    []bindingRecord
	publishes     []publishRecord
	consumes      map[string]chan amqp.Delivery
	qosCount      int
}

func (f *fakeBrokerChannel) checkOpen() error {
	if f.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (f *fakeBrokerChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeBrokerChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkOpen()
}

func (f *fakeBrokerChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.exchangeBinds = append(f.exchangeBinds, bindingRecord{source: source, destination: destination, key: key})
	return nil
}

func (f *fakeBrokerChannel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkOpen()
}

func (f *fakeBrokerChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		name = f.transport.broker.nextQueueName()
	}
	f.queues = append(f.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeBrokerChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 0, f.checkOpen()
}

func (f *fakeBrokerChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.queueBinds = append(f.queueBinds, bindingRecord{source: exchange, destination: name, key: key})
	return nil
}

func (f *fakeBrokerChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkOpen()
}

func (f *fakeBrokerChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	deliveries := make(chan amqp.Delivery, 16)
	f.consumes[consumer] = deliveries
	return deliveries, nil
}

func (f *fakeBrokerChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return err
	}
	if deliveries, ok := f.consumes[consumer]; ok {
		delete(f.consumes, consumer)
		close(deliveries)
	}
	return nil
}

func (f *fakeBrokerChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.publishes = append(f.publishes, publishRecord{exchange: exchange, key: key, body: msg.Body})
	return nil
}

func (f *fakeBrokerChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.qosCount++
	return nil
}

func (f *fakeBrokerChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, receiver)
	return receiver
}

func (f *fakeBrokerChannel) Close() error {
	f.kill(nil)
	return nil
}

func (f *fakeBrokerChannel) kill(err *amqp.Error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	notify := f.notify
	consumes := f.consumes
	f.consumes = make(map[string]chan amqp.Delivery)
	f.mu.Unlock()

	for _, deliveries := range consumes {
		close(deliveries)
	}
	for _, c := range notify {
		if err != nil {
			select {
			case c <- err:
			default:
			}
		} else {
			close(c)
		}
	}
}

// deliver pushes a delivery to the named consumer on this channel.
func (f *fakeBrokerChannel) deliver(consumer string, body []byte) bool {
	f.mu.Lock()
	deliveries, ok := f.consumes[consumer]
	f.mu.Unlock()
	if !ok {
		return false
	}
	deliveries <- amqp.Delivery{ConsumerTag: consumer, Body: body}
	return true
}

func (f *fakeBrokerChannel) snapshotExchanges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.exchanges))
	copy(out, f.exchanges)
	return out
}

func (f *fakeBrokerChannel) snapshotQueues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queues))
	copy(out, f.queues)
	return out
}

func (f *fakeBrokerChannel) snapshotQueueBinds() []bindingRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bindingRecord, len(f.queueBinds))
	copy(out, f.queueBinds)
	return out
}

func (f *fakeBrokerChannel) snapshotPublishes() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishRecord, len(f.publishes))
	copy(out, f.publishes)
	return out
}

func (f *fakeBrokerChannel) consumerTags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.consumes))
	for tag := range f.consumes {
		out = append(out, tag)
	}
	return out
}

// latestChannel returns the newest broker channel opened on the transport.
func (t *fakeTransport) latestChannel() *fakeBrokerChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 {
		return nil
	}
	return t.channels[len(t.channels)-1]
}
