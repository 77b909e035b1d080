package retryable

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stettix/lyra/config"
	"github.com/stettix/lyra/event"
	"github.com/stettix/lyra/internal/concurrent"
	"github.com/stettix/lyra/metrics"
)

// Delegate supplies the per-resource-kind behavior the engine needs:
// connections hand out a fresh channel on themselves for recovery and
// tolerate recovery failures; channels recover through an already-recovered
// underlying channel and escalate failures.
type Delegate interface {
	// RecoveryChannel returns the channel to replay declarations against.
	RecoveryChannel() (Channel, error)

	// ThrowOnRecoveryFailure reports whether a recovery failure should
	// always surface rather than be logged and skipped.
	ThrowOnRecoveryFailure() bool

	// AfterClosure runs once when the resource latches closed.
	AfterClosure()
}

// ShutdownListener observes transport shutdowns on a resource. Listener
// registration survives recovery: the engine replays registrations itself
// instead of handing them to the underlying transport.
type ShutdownListener interface {
	OnShutdown(sig *ShutdownSignal)
}

// Resource is the engine state for one wrapped connection or channel.
type Resource struct {
	name        string
	log         *slog.Logger
	delegate    Delegate
	circuit     *concurrent.ReentrantCircuit
	retryWaiter *concurrent.InterruptableWaiter
	events      *event.Builder
	metrics     *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once

	mu        sync.Mutex
	listeners []ShutdownListener
}

// ResourceConfig holds resource creation options.
type ResourceConfig struct {
	Name     string
	Delegate Delegate
	Logger   *slog.Logger
	Events   *event.Builder
	Metrics  *metrics.Recorder
}

// NewResource creates the engine state for a façade object.
func NewResource(cfg ResourceConfig) *Resource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resource{
		name:        cfg.Name,
		log:         logger,
		delegate:    cfg.Delegate,
		circuit:     concurrent.NewReentrantCircuit(),
		retryWaiter: concurrent.NewInterruptableWaiter(),
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Name returns the resource's identifying name.
func (r *Resource) Name() string {
	return r.name
}

// Closed reports whether the resource has latched closed.
func (r *Resource) Closed() bool {
	return r.closed.Load()
}

// Context is cancelled when the resource closes.
func (r *Resource) Context() context.Context {
	return r.ctx
}

// Recovering reports whether the resource's circuit is currently closed.
func (r *Resource) Recovering() bool {
	return r.circuit.IsClosed()
}

// Callable is a caller operation with enough identifying context for
// failure logs.
type Callable[T any] struct {
	name string
	fn   func() (T, error)
}

// NewCallable wraps fn under an identifying name.
func NewCallable[T any](name string, fn func() (T, error)) Callable[T] {
	return Callable[T]{name: name, fn: fn}
}

func (c Callable[T]) String() string {
	return c.name
}

// Call executes op with retries under policy. A non-nil stats marks the
// invocation as running inside a recovery context, where transport
// shutdowns propagate immediately. recoverable states whether this
// resource's own recovery should absorb its transport loss; when false,
// shutdowns propagate to the caller unchanged.
func Call[T any](r *Resource, op Callable[T], policy *config.Policy, stats *Stats, recoverable, logFailures bool) (T, error) {
	var zero T
	recovery := stats != nil

	for {
		value, err := op.fn()
		if err == nil {
			return value, nil
		}

		sig := ExtractShutdown(err)
		if sig == nil && logFailures && policy.AllowsAttempts() {
			r.log.Error("invocation failed",
				slog.String("operation", op.String()),
				slog.String("resource", r.name),
				slog.Any("error", err))
		}

		if sig != nil && (recovery || !recoverable) {
			return zero, err
		}
		if r.closed.Load() {
			return zero, err
		}

		var retry bool
		retry, stats = r.prepareRetry(op.String(), err, sig, policy, stats)
		if !retry {
			return zero, err
		}
	}
}

// prepareRetry runs the retry bookkeeping for one failure: classification,
// circuit arbitration, budget accounting, and the backoff sleep. Any panic
// inside it is swallowed so bookkeeping can never mask the caller's error.
func (r *Resource) prepareRetry(opName string, cause error, sig *ShutdownSignal, policy *config.Policy, stats *Stats) (retry bool, out *Stats) {
	out = stats
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Debug("retry bookkeeping failed",
				slog.String("operation", opName),
				slog.Any("panic", rec))
			retry = false
		}
	}()

	if !policy.AllowsAttempts() || !IsRetryable(cause, sig, policy.RetryAuthFailures()) {
		return false, out
	}

	attemptStart := time.Now()
	if out == nil {
		out = NewStats(policy)
	}

	// A transport shutdown means recovery is (or will be) in flight: block
	// on the circuit until the replacement transport is ready.
	if sig != nil {
		if policy.MaxDuration() <= 0 {
			if err := r.circuit.Await(r.ctx, nil); err != nil {
				r.recordInterrupted(err)
				return false, out
			}
		} else {
			wait, _ := out.MaxWaitTime()
			opened, err := r.circuit.AwaitFor(r.ctx, nil, wait)
			if err != nil {
				r.recordInterrupted(err)
				return false, out
			}
			if !opened {
				r.log.Debug("max wait time exceeded while awaiting recovery",
					slog.String("resource", r.name))
				return false, out
			}
		}
	}

	out.IncrementAttempts()
	if out.IsPolicyExceeded() {
		return false, out
	}

	r.metrics.RetryAttempt(r.name, opName)
	r.events.Emit(event.TypeRetryAttempted, map[string]any{
		"operation": opName,
		"attempt":   out.Attempts(),
		"error":     cause.Error(),
	})

	remaining := out.WaitTime() - time.Since(attemptStart)
	if remaining > 0 {
		if err := r.retryWaiter.Await(r.ctx, remaining); err != nil {
			r.recordInterrupted(err)
			return false, out
		}
	}
	if r.closed.Load() {
		return false, out
	}
	return true, out
}

func (r *Resource) recordInterrupted(err error) {
	r.metrics.WaitInterrupted(r.name)
	r.log.Debug("wait ended before recovery",
		slog.String("resource", r.name),
		slog.Any("cause", err))
}

// HandleClose intercepts close and abort. The delegate close runs first;
// regardless of its outcome the resource latches closed, the AfterClosure
// hook runs, and every blocked waiter is woken. Idempotent.
func (r *Resource) HandleClose(closeDelegate func() error) error {
	var err error
	if closeDelegate != nil {
		err = closeDelegate()
	}
	r.once.Do(func() {
		r.closed.Store(true)
		r.cancel()
		if r.delegate != nil {
			r.delegate.AfterClosure()
		}
		r.InterruptWaiters()
		r.events.Emit(event.TypeResourceClosed, nil)
	})
	return err
}

// InterruptWaiters wakes everything blocked on this resource: circuit
// waiters and retry sleepers.
func (r *Resource) InterruptWaiters() {
	r.circuit.InterruptWaiters()
	r.retryWaiter.InterruptWaiters()
}

// AddShutdownListener registers a listener. Registrations are held by the
// engine, never by the underlying transport, so they survive recovery.
func (r *Resource) AddShutdownListener(l ShutdownListener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// RemoveShutdownListener removes a previously registered listener.
func (r *Resource) RemoveShutdownListener(l ShutdownListener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// NotifyShutdown fans a shutdown signal out to the registered listeners.
func (r *Resource) NotifyShutdown(sig *ShutdownSignal) {
	r.mu.Lock()
	listeners := make([]ShutdownListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnShutdown(sig)
	}
}

// MarkRecovering closes the circuit on behalf of owner. Callers blocked in
// retries will wait until MarkRecovered.
func (r *Resource) MarkRecovering(owner any) {
	r.circuit.Close(owner)
	r.metrics.CircuitState(r.name, true)
	r.events.Emit(event.TypeCircuitClosed, nil)
}

// MarkRecovered opens the circuit, releasing blocked retriers.
func (r *Resource) MarkRecovered() {
	r.circuit.Open()
	if !r.circuit.IsClosed() {
		r.metrics.CircuitState(r.name, false)
		r.events.Emit(event.TypeCircuitOpened, nil)
	}
}

// AwaitRecovery blocks the caller until the circuit opens. Used by façade
// paths that must not race an in-flight recovery.
func (r *Resource) AwaitRecovery(ctx context.Context) error {
	return r.circuit.Await(ctx, nil)
}

// RecoverExchange replays an exchange declaration onto the recovery
// channel. Failures are logged and swallowed unless the delegate escalates
// recovery failures or the failure is itself a connection closure, which
// means the supervisor must restart recovery from the top.
func (r *Resource) RecoverExchange(name string, decl *ExchangeDeclaration) error {
	r.log.Info("recovering exchange",
		slog.String("exchange", name),
		slog.String("resource", r.name))

	ch, err := r.delegate.RecoveryChannel()
	if err == nil {
		err = decl.Invoke(ch)
	}
	if err != nil {
		r.log.Error("failed to recover exchange",
			slog.String("exchange", name),
			slog.String("resource", r.name),
			slog.Any("error", err))
		if r.delegate.ThrowOnRecoveryFailure() || IsConnectionClosure(err) {
			return err
		}
	}
	return nil
}

// RecoverExchangeBindings replays the registry's exchange bindings in
// insertion order. Bindings that fail without escalation are skipped, not
// removed.
func (r *Resource) RecoverExchangeBindings(topo *Topology) error {
	if topo == nil {
		return nil
	}
	return topo.ForEachExchangeBinding(func(b Binding) error {
		r.log.Info("recovering exchange binding",
			slog.String("source", b.Source),
			slog.String("destination", b.Destination),
			slog.String("routing_key", b.RoutingKey),
			slog.String("resource", r.name))

		ch, err := r.delegate.RecoveryChannel()
		if err == nil {
			err = ch.ExchangeBind(b.Destination, b.RoutingKey, b.Source, false, b.Arguments)
		}
		if err != nil {
			r.log.Error("failed to recover exchange binding",
				slog.String("source", b.Source),
				slog.String("destination", b.Destination),
				slog.String("routing_key", b.RoutingKey),
				slog.String("resource", r.name),
				slog.Any("error", err))
			if r.delegate.ThrowOnRecoveryFailure() || IsConnectionClosure(err) {
				return err
			}
		}
		return nil
	})
}

// RecoverQueue replays a queue declaration and returns the effective queue
// name. A server-assigned name that differs from the old one is written
// back to the declaration; on a swallowed failure the old name is returned
// unchanged.
func (r *Resource) RecoverQueue(name string, decl *QueueDeclaration) (string, error) {
	ch, err := r.delegate.RecoveryChannel()
	var q amqp.Queue
	if err == nil {
		q, err = decl.Invoke(ch)
	}
	if err != nil {
		r.log.Error("failed to recover queue",
			slog.String("queue", name),
			slog.String("resource", r.name),
			slog.Any("error", err))
		if r.delegate.ThrowOnRecoveryFailure() || IsConnectionClosure(err) {
			return name, err
		}
		return name, nil
	}

	if q.Name == name {
		r.log.Info("recovered queue",
			slog.String("queue", name),
			slog.String("resource", r.name))
	} else {
		r.log.Info("recovered queue under new name",
			slog.String("queue", name),
			slog.String("new_name", q.Name),
			slog.String("resource", r.name))
		decl.SetName(q.Name)
	}
	return q.Name, nil
}

// RecoverQueueBindings replays the registry's queue bindings in insertion
// order, with the same per-binding failure policy as exchange bindings.
func (r *Resource) RecoverQueueBindings(topo *Topology) error {
	if topo == nil {
		return nil
	}
	return topo.ForEachQueueBinding(func(b Binding) error {
		r.log.Info("recovering queue binding",
			slog.String("source", b.Source),
			slog.String("destination", b.Destination),
			slog.String("routing_key", b.RoutingKey),
			slog.String("resource", r.name))

		ch, err := r.delegate.RecoveryChannel()
		if err == nil {
			err = ch.QueueBind(b.Destination, b.RoutingKey, b.Source, false, b.Arguments)
		}
		if err != nil {
			r.log.Error("failed to recover queue binding",
				slog.String("source", b.Source),
				slog.String("destination", b.Destination),
				slog.String("routing_key", b.RoutingKey),
				slog.String("resource", r.name),
				slog.Any("error", err))
			if r.delegate.ThrowOnRecoveryFailure() || IsConnectionClosure(err) {
				return err
			}
		}
		return nil
	})
}
