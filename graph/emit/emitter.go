package emit

import "context"

// Emitter receives observability events from workflow execution.
//
// Implementations must be thread-safe and must not block execution:
// buffer, drop with internal logging, or process asynchronously. Emit must
// not panic.
type Emitter interface {
	// Emit delivers one event to the backend.
	Emit(event Event)

	// EmitBatch delivers events in order as a single operation. Returns
	// an error only on catastrophic failure; individual event failures
	// are logged and skipped.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are delivered or ctx expires.
	// Safe to call repeatedly; call before shutdown to avoid losing
	// events.
	Flush(ctx context.Context) error
}
