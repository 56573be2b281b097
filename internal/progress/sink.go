package progress

import "context"

// Sink receives flushed event batches from the Hub. Consume may run
// concurrently with itself across hubs and must respect ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the producer-side view of the Hub. Crawl workers hold an
// Emitter so they never see buffering or sink details.
type Emitter interface {
	Emit(evt Event)
}
