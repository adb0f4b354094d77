package harvest

import (
	"context"
	"net/url"
	"time"
)

// Store hands out database sessions. Each pipeline task acquires one session
// and keeps it for its lifetime.
type Store interface {
	Acquire(ctx context.Context) (Session, error)
}

// Session is a single held connection to the relational store.
type Session interface {
	// CountPending returns the number of versions without a persisted document.
	CountPending(ctx context.Context) (int64, error)
	// StreamPending reads every pending item once, calling fn with batches of
	// at most batchSize items. An error from fn stops the stream.
	StreamPending(ctx context.Context, batchSize int, fn func(Batch) error) error
	// WriteBatch persists all documents in a single statement.
	WriteBatch(ctx context.Context, docs []FetchedDocument) error
	// WriteOne persists a single document.
	WriteOne(ctx context.Context, doc FetchedDocument) error
	// Release returns the connection to its pool.
	Release()
}

// Queue is the bounded hand-off between the producer and the workers.
type Queue interface {
	Enqueue(ctx context.Context, batch Batch) error
	Dequeue(ctx context.Context) (Batch, error)
	Close()
}

// Fetcher retrieves a document. Transport failures are returned as errors;
// HTTP-like statuses are reported in the response.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) (FetchResponse, error)
}

// Progress receives a total and monotonic increments for operator visibility.
type Progress interface {
	SetTotal(total int64)
	Add(delta int64)
}

// Publisher pushes run notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
