// Package memory provides an in-memory Store for development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/scrapeq/internal/crawl"
)

// Store implements crawl.Store with process-local state. It honors the same
// contract as the Redis store, including the atomic blocking pop, so the
// pipeline components can be exercised without a running Redis.
type Store struct {
	mu      sync.Mutex
	queue   [][]byte
	buckets map[crawl.Bucket]map[string][]byte
	stats   map[string]int64
	notify  chan struct{}
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		buckets: map[crawl.Bucket]map[string][]byte{
			crawl.BucketProcessing: {},
			crawl.BucketResults:    {},
			crawl.BucketErrors:     {},
		},
		stats:  make(map[string]int64),
		notify: make(chan struct{}),
	}
}

// PushTail appends to the normal lane.
func (s *Store) PushTail(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, clone(payload))
	s.wake()
	return nil
}

// PushHead prepends to the expedited lane.
func (s *Store) PushHead(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([][]byte{clone(payload)}, s.queue...)
	s.wake()
	return nil
}

// PopBlocking removes and returns the queue head, waiting up to timeout.
func (s *Store) PopBlocking(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			payload := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return payload, nil
		}
		wakeup := s.notify
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, crawl.ErrNoJob
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, crawl.ErrNoJob
		case <-wakeup:
			timer.Stop()
		}
	}
}

// ListQueue returns a head-first snapshot of the queue.
func (s *Store) ListQueue(_ context.Context) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.queue))
	for i, p := range s.queue {
		out[i] = clone(p)
	}
	return out, nil
}

// QueueLen returns the current queue depth.
func (s *Store) QueueLen(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue)), nil
}

// SetField writes one bucket entry keyed by job ID.
func (s *Store) SetField(_ context.Context, bucket crawl.Bucket, jobID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(bucket)[jobID] = clone(payload)
	return nil
}

// GetField reads one bucket entry.
func (s *Store) GetField(_ context.Context, bucket crawl.Bucket, jobID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.bucket(bucket)[jobID]
	if !ok {
		return nil, crawl.ErrFieldMissing
	}
	return clone(payload), nil
}

// DeleteField removes one bucket entry.
func (s *Store) DeleteField(_ context.Context, bucket crawl.Bucket, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bucket(bucket), jobID)
	return nil
}

// FieldCount returns the number of entries in a bucket.
func (s *Store) FieldCount(_ context.Context, bucket crawl.Bucket) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.bucket(bucket))), nil
}

// IncrStat adds delta to a named counter.
func (s *Store) IncrStat(_ context.Context, name string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] += delta
	return nil
}

// Stats returns a copy of the accumulated counters.
func (s *Store) Stats(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// wake signals every blocked pop that the queue changed. Callers must hold mu.
func (s *Store) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// bucket lazily creates unknown buckets so the store stays usable if a new
// bucket name is introduced. Callers must hold mu.
func (s *Store) bucket(name crawl.Bucket) map[string][]byte {
	b, ok := s.buckets[name]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[name] = b
	}
	return b
}

func clone(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
