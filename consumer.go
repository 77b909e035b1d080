package lyra

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stettix/lyra/internal/retryable"
)

// consumer records one subscription so it can be replayed onto a recovered
// channel. The out channel handed to the application stays open across
// recoveries and closes when the wrapper channel closes.
type consumer struct {
	tag       string
	autoAck   bool
	exclusive bool
	noLocal   bool
	noWait    bool
	args      amqp.Table

	// decl is set when the consumer targets a recorded queue declaration,
	// so a server-assigned rename carries over automatically.
	decl *retryable.QueueDeclaration

	out    chan amqp.Delivery
	done   chan struct{}
	piping sync.WaitGroup
	once   sync.Once

	mu    sync.Mutex
	queue string
}

func (c *consumer) queueName() string {
	if c.decl != nil {
		return c.decl.Name()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

func (c *consumer) rename(oldName, newName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == oldName {
		c.queue = newName
	}
}

// pipe forwards one underlying delivery stream onto the application's
// channel. It exits when the stream closes (transport loss; a recovery
// starts a new pipe) or when the consumer is closed.
func (c *consumer) pipe(deliveries <-chan amqp.Delivery) {
	defer c.piping.Done()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case c.out <- d:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// close ends the subscription: stops the active pipe, waits for it, then
// closes the application's delivery channel.
func (c *consumer) close() {
	c.once.Do(func() {
		close(c.done)
		c.piping.Wait()
		close(c.out)
	})
}

// Consume starts a consumer under the retry policy and returns a delivery
// channel that survives recovery: deliveries from replayed subscriptions
// keep arriving on it. An empty consumer tag is replaced by a generated
// one so the subscription can be cancelled and replayed.
func (ch *Channel) Consume(queue, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if tag == "" {
		tag = uniqueConsumerTag()
	}

	cons := &consumer{
		tag:       tag,
		queue:     queue,
		autoAck:   autoAck,
		exclusive: exclusive,
		noLocal:   noLocal,
		noWait:    noWait,
		args:      args,
		decl:      ch.topo.Queue(queue),
		out:       make(chan amqp.Delivery),
		done:      make(chan struct{}),
	}

	deliveries, err := call(ch, "basic.consume", func(u BrokerChannel) (<-chan amqp.Delivery, error) {
		return u.Consume(cons.queueName(), tag, autoAck, exclusive, noLocal, noWait, args)
	})
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	ch.consumers[tag] = cons
	ch.mu.Unlock()

	cons.piping.Add(1)
	go cons.pipe(deliveries)
	return cons.out, nil
}

// Cancel stops a consumer and closes its delivery channel.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	err := callVoid(ch, "basic.cancel", func(u BrokerChannel) error {
		return u.Cancel(tag, noWait)
	})
	if err == nil {
		ch.mu.Lock()
		cons := ch.consumers[tag]
		delete(ch.consumers, tag)
		ch.mu.Unlock()
		if cons != nil {
			cons.close()
		}
	}
	return err
}

// recoverConsumers replays each recorded subscription onto the recovered
// underlying channel. Failures follow the channel's recovery failure
// policy.
func (ch *Channel) recoverConsumers(bch BrokerChannel) error {
	for _, cons := range ch.consumersSnapshot() {
		queue := cons.queueName()
		ch.log.Info("recovering consumer",
			slog.String("consumer", cons.tag),
			slog.String("queue", queue),
			slog.String("resource", ch.name))

		deliveries, err := bch.Consume(queue, cons.tag, cons.autoAck, cons.exclusive, cons.noLocal, cons.noWait, cons.args)
		if err != nil {
			ch.log.Error("failed to recover consumer",
				slog.String("consumer", cons.tag),
				slog.String("queue", queue),
				slog.String("resource", ch.name),
				slog.Any("error", err))
			// Channels escalate recovery failures; the caller decides
			// between restarting recovery and closing this channel.
			return err
		}

		cons.piping.Add(1)
		go cons.pipe(deliveries)
	}
	return nil
}

func (ch *Channel) consumersSnapshot() []*consumer {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*consumer, 0, len(ch.consumers))
	for _, cons := range ch.consumers {
		out = append(out, cons)
	}
	return out
}

func (ch *Channel) renameConsumers(oldName, newName string) {
	for _, cons := range ch.consumersSnapshot() {
		cons.rename(oldName, newName)
	}
}

func (ch *Channel) closeConsumers() {
	for _, cons := range ch.consumersSnapshot() {
		cons.close()
	}
}

func uniqueConsumerTag() string {
	return fmt.Sprintf("lyra-%s", uuid.NewString()[:8])
}
