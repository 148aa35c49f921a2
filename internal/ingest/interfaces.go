package ingest

import (
	"context"
	"io"
	"time"
)

// RecordStore owns one capped, append-only collection per store name.
type RecordStore interface {
	EnsureCreated(ctx context.Context, store string) error
	Exists(ctx context.Context, store, uniqueID string) (bool, error)
	InsertMany(ctx context.Context, store string, records []Record) (int, error)
	// InsertIfAbsent inserts records only when no record tagged with uniqueID
	// is present, atomically with respect to other callers for the same id.
	InsertIfAbsent(ctx context.Context, store, uniqueID string, records []Record) (bool, error)
	Close()
}

// Fetcher downloads a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// LinkDiscoverer extracts candidate file links from a monitored page.
type LinkDiscoverer interface {
	Discover(ctx context.Context, pageURL string) ([]string, error)
}

// SourceLister exposes the monitored sources at the start of a cycle.
type SourceLister interface {
	Snapshot() []Source
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for ingestion tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for archived payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}
