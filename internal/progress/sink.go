package progress

import "context"

// Sink receives batches of lifecycle events. The hub calls every sink's
// Consume concurrently with the others, each under its own deadline, and
// calls Close once after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. The orchestrator depends on this rather
// than on Hub.
type Emitter interface {
	Emit(evt Event)
}
