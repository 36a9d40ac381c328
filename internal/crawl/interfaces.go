package crawl

import (
	"context"
	"time"
)

// Bucket names a keyed hash in the shared store.
type Bucket string

// Buckets backing per-job terminal and in-flight state.
const (
	BucketProcessing Bucket = "processing"
	BucketResults    Bucket = "results"
	BucketErrors     Bucket = "errors"
)

// Store exposes the atomic primitives the pipeline composes: one shared
// ordered list (the queue) plus keyed hashes for processing, results,
// errors and stats. The blocking pop is the sole mutual-exclusion
// mechanism for queue consumption; no caller-side locking is needed.
type Store interface {
	// PushTail appends a payload to the normal lane.
	PushTail(ctx context.Context, payload []byte) error
	// PushHead prepends a payload, jumping the expedited job ahead of
	// every normal job present at enqueue time.
	PushHead(ctx context.Context, payload []byte) error
	// PopBlocking atomically removes and returns the queue head, waiting
	// up to timeout. Returns ErrNoJob when the wait expires empty.
	PopBlocking(ctx context.Context, timeout time.Duration) ([]byte, error)
	// ListQueue returns a snapshot of the queue contents, head first.
	ListQueue(ctx context.Context) ([][]byte, error)
	// QueueLen returns the current queue depth.
	QueueLen(ctx context.Context) (int64, error)

	// SetField writes one hash field keyed by job ID.
	SetField(ctx context.Context, bucket Bucket, jobID string, payload []byte) error
	// GetField reads one hash field, returning ErrFieldMissing when absent.
	GetField(ctx context.Context, bucket Bucket, jobID string) ([]byte, error)
	// DeleteField removes one hash field. Deleting an absent field is not
	// an error.
	DeleteField(ctx context.Context, bucket Bucket, jobID string) error
	// FieldCount returns the number of entries in a bucket.
	FieldCount(ctx context.Context, bucket Bucket) (int64, error)

	// IncrStat adds delta to a named counter in the stats hash.
	IncrStat(ctx context.Context, name string, delta int64) error
	// Stats returns every accumulated counter.
	Stats(ctx context.Context) (map[string]int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// FetchClient performs the actual network retrieval. Implementations own
// their retry/backoff for transient failures; any error returned here is
// terminal for the job.
type FetchClient interface {
	Fetch(ctx context.Context, url string, params map[string]any) (FetchResult, error)
}

// Notifier delivers completion events for jobs that carry a callback.
// Delivery is best-effort and never alters job state.
type Notifier interface {
	Notify(ctx context.Context, event CompletionEvent) error
}

// Hasher computes digests for stored payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
