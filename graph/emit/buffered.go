package emit

import (
	"context"
	"sync"
)

// BufferedEmitter collects events in memory and forwards them to a
// downstream emitter on Flush or when the buffer fills.
//
// Use it to decouple hot execution paths from slow observability
// backends. Thread-safe.
type BufferedEmitter struct {
	mu       sync.Mutex
	buffer   []Event
	capacity int
	next     Emitter
}

// NewBufferedEmitter creates a BufferedEmitter forwarding to next. The
// buffer auto-flushes once capacity events accumulate; capacity <= 0
// defaults to 256.
func NewBufferedEmitter(next Emitter, capacity int) *BufferedEmitter {
	if capacity <= 0 {
		capacity = 256
	}
	return &BufferedEmitter{
		buffer:   make([]Event, 0, capacity),
		capacity: capacity,
		next:     next,
	}
}

// Emit buffers the event, flushing downstream when the buffer is full.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	b.buffer = append(b.buffer, event)
	var drained []Event
	if len(b.buffer) >= b.capacity {
		drained = b.drainLocked()
	}
	b.mu.Unlock()

	if drained != nil {
		_ = b.next.EmitBatch(context.Background(), drained)
	}
}

// EmitBatch buffers all events, flushing downstream when the buffer fills.
func (b *BufferedEmitter) EmitBatch(ctx context.Context, events []Event) error {
	b.mu.Lock()
	b.buffer = append(b.buffer, events...)
	var drained []Event
	if len(b.buffer) >= b.capacity {
		drained = b.drainLocked()
	}
	b.mu.Unlock()

	if drained != nil {
		return b.next.EmitBatch(ctx, drained)
	}
	return nil
}

// Flush forwards all buffered events downstream.
func (b *BufferedEmitter) Flush(ctx context.Context) error {
	b.mu.Lock()
	drained := b.drainLocked()
	b.mu.Unlock()

	if drained == nil {
		return b.next.Flush(ctx)
	}
	if err := b.next.EmitBatch(ctx, drained); err != nil {
		return err
	}
	return b.next.Flush(ctx)
}

// Len returns the number of buffered events.
func (b *BufferedEmitter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *BufferedEmitter) drainLocked() []Event {
	if len(b.buffer) == 0 {
		return nil
	}
	drained := b.buffer
	b.buffer = make([]Event, 0, b.capacity)
	return drained
}
