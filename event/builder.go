package event

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Builder constructs events with automatic field population. A nil Builder
// or a Builder with a nil emitter drops events silently.
type Builder struct {
	emitter       Emitter
	resource      string
	correlationFn func() string
}

// NewBuilder creates a Builder for the named resource.
func NewBuilder(emitter Emitter, resource string, correlationFn func() string) *Builder {
	if correlationFn == nil {
		correlationFn = func() string { return "" }
	}
	return &Builder{
		emitter:       emitter,
		resource:      resource,
		correlationFn: correlationFn,
	}
}

// ForResource returns a Builder emitting to the same destination under a
// different resource name. Nil-safe.
func (b *Builder) ForResource(resource string) *Builder {
	if b == nil {
		return nil
	}
	return &Builder{
		emitter:       b.emitter,
		resource:      resource,
		correlationFn: b.correlationFn,
	}
}

// Build creates an Event with automatic ID and timestamp.
func (b *Builder) Build(eventType Type, metadata map[string]any) Event {
	return Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Resource:      b.resource,
		Timestamp:     time.Now(),
		CorrelationID: b.correlationFn(),
		Metadata:      metadata,
	}
}

// Emit builds and emits an event. Safe to call on a nil builder or emitter.
func (b *Builder) Emit(eventType Type, metadata map[string]any) {
	if b == nil || b.emitter == nil {
		return
	}
	b.emitter.Emit(b.Build(eventType, metadata))
}

// EmitContext is Emit with trace context propagation: when ctx carries a
// valid span, its trace and span ids are stamped onto the event.
func (b *Builder) EmitContext(ctx context.Context, eventType Type, metadata map[string]any) {
	if b == nil || b.emitter == nil {
		return
	}
	event := b.Build(eventType, metadata)
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		event.TraceID = spanCtx.TraceID().String()
		event.SpanID = spanCtx.SpanID().String()
	}
	b.emitter.Emit(event)
}
