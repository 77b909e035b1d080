package retryable

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the slice of the broker channel the engine drives during
// recovery. *amqp091.Channel satisfies it.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Binding records a declared binding between two exchanges or from an
// exchange to a queue.
type Binding struct {
	Source      string
	Destination string
	RoutingKey  string
	Arguments   amqp.Table
}

// ExchangeDeclaration captures an exchange declaration for replay onto a
// recovery channel.
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       amqp.Table
}

// Invoke redeclares the exchange on ch.
func (d *ExchangeDeclaration) Invoke(ch Channel) error {
	return ch.ExchangeDeclare(d.Name, d.Kind, d.Durable, d.AutoDelete, d.Internal, d.NoWait, d.Args)
}

func (d *ExchangeDeclaration) String() string {
	return fmt.Sprintf("exchange.declare(%s)", d.Name)
}

// QueueDeclaration captures a queue declaration for replay. Replay always
// uses the originally requested name (empty for server-named queues, so
// the server assigns a fresh one); the effective name is mutable and is
// updated after recovery so bindings and consumers target the right queue.
type QueueDeclaration struct {
	mu         sync.Mutex
	requested  string
	name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp.Table
}

// NewQueueDeclaration captures a queue declaration under its requested
// name, which may be empty for server-named queues.
func NewQueueDeclaration(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) *QueueDeclaration {
	return &QueueDeclaration{
		requested:  name,
		name:       name,
		Durable:    durable,
		AutoDelete: autoDelete,
		Exclusive:  exclusive,
		NoWait:     noWait,
		Args:       args,
	}
}

// Name returns the queue's current effective name.
func (d *QueueDeclaration) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// SetName updates the effective name after the server assigns one.
func (d *QueueDeclaration) SetName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
}

// Invoke redeclares the queue on ch with the originally requested name and
// returns the server's reply.
func (d *QueueDeclaration) Invoke(ch Channel) (amqp.Queue, error) {
	return ch.QueueDeclare(d.requested, d.Durable, d.AutoDelete, d.Exclusive, d.NoWait, d.Args)
}

func (d *QueueDeclaration) String() string {
	return fmt.Sprintf("queue.declare(%s)", d.Name())
}

// Topology is the per-resource registry of declared exchanges, queues, and
// bindings. Iteration happens under the registry's own lock so recovery
// passes observe a consistent view against concurrent façade mutations.
type Topology struct {
	mu               sync.Mutex
	exchanges        []*ExchangeDeclaration
	queues           []*QueueDeclaration
	exchangeBindings []Binding
	queueBindings    []Binding
}

// NewTopology returns an empty registry.
func NewTopology() *Topology {
	return &Topology{}
}

// AddExchange records a declared exchange, replacing an earlier declaration
// of the same name.
func (t *Topology) AddExchange(decl *ExchangeDeclaration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.exchanges {
		if e.Name == decl.Name {
			t.exchanges[i] = decl
			return
		}
	}
	t.exchanges = append(t.exchanges, decl)
}

// RemoveExchange forgets an exchange and its bindings.
func (t *Topology) RemoveExchange(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges = deleteFunc(t.exchanges, func(e *ExchangeDeclaration) bool { return e.Name == name })
	t.exchangeBindings = deleteFunc(t.exchangeBindings, func(b Binding) bool {
		return b.Source == name || b.Destination == name
	})
	t.queueBindings = deleteFunc(t.queueBindings, func(b Binding) bool { return b.Source == name })
}

// AddQueue records a declared queue, replacing an earlier declaration of
// the same name.
func (t *Topology) AddQueue(decl *QueueDeclaration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name := decl.Name()
	for i, q := range t.queues {
		if q.Name() == name {
			t.queues[i] = decl
			return
		}
	}
	t.queues = append(t.queues, decl)
}

// RemoveQueue forgets a queue and its bindings.
func (t *Topology) RemoveQueue(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues = deleteFunc(t.queues, func(q *QueueDeclaration) bool { return q.Name() == name })
	t.queueBindings = deleteFunc(t.queueBindings, func(b Binding) bool { return b.Destination == name })
}

// Queue returns the declaration for name, or nil.
func (t *Topology) Queue(name string) *QueueDeclaration {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.queues {
		if q.Name() == name {
			return q
		}
	}
	return nil
}

// AddExchangeBinding records an exchange-to-exchange binding.
func (t *Topology) AddExchangeBinding(b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchangeBindings = append(t.exchangeBindings, b)
}

// RemoveExchangeBinding forgets a binding previously recorded.
func (t *Topology) RemoveExchangeBinding(b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchangeBindings = removeBinding(t.exchangeBindings, b)
}

// AddQueueBinding records an exchange-to-queue binding.
func (t *Topology) AddQueueBinding(b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queueBindings = append(t.queueBindings, b)
}

// RemoveQueueBinding forgets a binding previously recorded.
func (t *Topology) RemoveQueueBinding(b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queueBindings = removeBinding(t.queueBindings, b)
}

// RenameQueue rewrites the destination of the queue's bindings after the
// server assigned a new name during recovery.
func (t *Topology) RenameQueue(oldName, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.queueBindings {
		if t.queueBindings[i].Destination == oldName {
			t.queueBindings[i].Destination = newName
		}
	}
}

// Exchanges returns a snapshot of the declared exchanges in declaration
// order.
func (t *Topology) Exchanges() []*ExchangeDeclaration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ExchangeDeclaration, len(t.exchanges))
	copy(out, t.exchanges)
	return out
}

// Queues returns a snapshot of the declared queues in declaration order.
func (t *Topology) Queues() []*QueueDeclaration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*QueueDeclaration, len(t.queues))
	copy(out, t.queues)
	return out
}

// ForEachExchangeBinding calls fn for each exchange binding in insertion
// order, holding the registry lock for the duration. A non-nil return from
// fn stops the iteration and is returned.
func (t *Topology) ForEachExchangeBinding(fn func(Binding) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.exchangeBindings {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// ForEachQueueBinding calls fn for each queue binding in insertion order,
// holding the registry lock for the duration.
func (t *Topology) ForEachQueueBinding(fn func(Binding) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.queueBindings {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func deleteFunc[T any](s []T, match func(T) bool) []T {
	out := s[:0]
	for _, v := range s {
		if !match(v) {
			out = append(out, v)
		}
	}
	return out
}

func removeBinding(s []Binding, b Binding) []Binding {
	out := s[:0]
	removed := false
	for _, v := range s {
		if !removed && v.Source == b.Source && v.Destination == b.Destination && v.RoutingKey == b.RoutingKey {
			removed = true
			continue
		}
		out = append(out, v)
	}
	return out
}
