package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs a single HTTP GET attempt and returns the body plus metadata.
// Transport failures are returned as errors; every HTTP status is a response.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ListingParser turns a listing page into product stubs and the page count.
type ListingParser interface {
	ParseListing(body []byte) (Listing, error)
}

// DetailParser turns a product payload into a partial record.
type DetailParser interface {
	ParseDetail(body []byte) (ProductRecord, error)
}

// CatalogSink persists product batches and exports the catalog.
type CatalogSink interface {
	UpsertBatch(ctx context.Context, records []ProductRecord) error
	ExportAll(ctx context.Context, path string) (string, error)
	// ListIncomplete returns ids of records that never received detail data.
	ListIncomplete(ctx context.Context, limit int) ([]string, error)
}

// CatalogStore is the persistence layer behind a CatalogSink.
type CatalogStore interface {
	EnsureSchema(ctx context.Context) error
	UpsertBatch(ctx context.Context, records []ProductRecord) error
	ListAll(ctx context.Context) ([]ProductRecord, error)
	ListIncomplete(ctx context.Context, limit int) ([]string, error)
	Schema() Schema
	Close()
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Pacer yields the delay applied at one pacing point.
type Pacer interface {
	Delay() time.Duration
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RequestLimiter gates outbound requests per host.
type RequestLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for export object keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
