package event

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *captureEmitter) Emit(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *captureEmitter) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

func TestBuilder_PopulatesFields(t *testing.T) {
	emitter := &captureEmitter{}
	builder := NewBuilder(emitter, "cxn-1", func() string { return "corr-1" })

	builder.Emit(TypeRecoveryStarted, map[string]any{"code": 320})

	events := emitter.all()
	require.Len(t, events, 1)
	event := events[0]

	assert.True(t, IsValidEventID(event.ID))
	assert.Equal(t, TypeRecoveryStarted, event.Type)
	assert.Equal(t, "cxn-1", event.Resource)
	assert.Equal(t, "corr-1", event.CorrelationID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, 320, event.Metadata["code"])
}

func TestBuilder_NilSafe(t *testing.T) {
	var builder *Builder
	builder.Emit(TypeRetryAttempted, nil) // must not panic
	assert.Nil(t, builder.ForResource("other"))

	builder = NewBuilder(nil, "cxn-1", nil)
	builder.Emit(TypeRetryAttempted, nil) // nil emitter drops silently
}

func TestBuilder_ForResource(t *testing.T) {
	emitter := &captureEmitter{}
	builder := NewBuilder(emitter, "cxn-1", nil)
	child := builder.ForResource("cxn-1/ch-1")

	child.Emit(TypeCircuitClosed, nil)

	events := emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, "cxn-1/ch-1", events[0].Resource)
}

func TestBuilder_EmitContextWithoutSpan(t *testing.T) {
	emitter := &captureEmitter{}
	builder := NewBuilder(emitter, "cxn-1", nil)

	builder.EmitContext(context.Background(), TypeRecoverySucceeded, nil)

	events := emitter.all()
	require.Len(t, events, 1)
	assert.Empty(t, events[0].TraceID, "no trace context to stamp")
}

func TestGenerateEventID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateEventID()
		require.True(t, IsValidEventID(id))
		require.False(t, seen[id])
		seen[id] = true
	}
}
