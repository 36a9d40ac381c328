package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawl"
	"github.com/JakeFAU/scrapeq/internal/hash/sha256"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	notifymem "github.com/JakeFAU/scrapeq/internal/notify/memory"
	"github.com/JakeFAU/scrapeq/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeIDGen struct{}

func (fakeIDGen) NewID() (string, error) {
	return "0123456789abcdef", nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeFetcher struct {
	mu     sync.Mutex
	result crawl.FetchResult
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ map[string]any) (crawl.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return crawl.FetchResult{}, f.err
	}
	result := f.result
	result.URL = url
	return result, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingStore tracks the order of bucket writes and deletes.
type recordingStore struct {
	crawl.Store
	mu  sync.Mutex
	ops []string

	failResultWrite bool
	failErrorWrite  bool
}

func (s *recordingStore) SetField(ctx context.Context, bucket crawl.Bucket, jobID string, payload []byte) error {
	s.mu.Lock()
	s.ops = append(s.ops, "set:"+string(bucket))
	fail := (bucket == crawl.BucketResults && s.failResultWrite) ||
		(bucket == crawl.BucketErrors && s.failErrorWrite)
	s.mu.Unlock()
	if fail {
		return crawl.ErrStoreUnavailable
	}
	return s.Store.SetField(ctx, bucket, jobID, payload)
}

func (s *recordingStore) DeleteField(ctx context.Context, bucket crawl.Bucket, jobID string) error {
	s.mu.Lock()
	s.ops = append(s.ops, "del:"+string(bucket))
	s.mu.Unlock()
	return s.Store.DeleteField(ctx, bucket, jobID)
}

func (s *recordingStore) operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ops))
	copy(out, s.ops)
	return out
}

func newWorker(t *testing.T, store crawl.Store, fetcher crawl.FetchClient, notifier crawl.Notifier) *Worker {
	t.Helper()
	w, err := New(
		store,
		fetcher,
		notifier,
		sha256.New(),
		&fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		fakeIDGen{},
		Config{PopTimeout: 20 * time.Millisecond},
		zap.NewNop(),
	)
	require.NoError(t, err)
	return w
}

func enqueue(t *testing.T, store crawl.Store, job crawl.Job) {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, store.PushTail(context.Background(), payload))
}

func TestWorker_CompletesJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	fetcher := &fakeFetcher{result: crawl.FetchResult{
		StatusCode: 200,
		Body:       []byte("<html>hello</html>"),
		Metadata:   map[string]string{"content_type": "text/html"},
		Duration:   120 * time.Millisecond,
	}}
	notifier := notifymem.New()
	w := newWorker(t, store, fetcher, notifier)

	enqueue(t, store, crawl.Job{
		ID:          "job-1",
		URL:         "https://example.com/page",
		CallbackURL: "https://hooks.example.com/done",
		SubmittedAt: time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
	})
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := store.GetField(ctx, crawl.BucketResults, "job-1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	payload, err := store.GetField(ctx, crawl.BucketResults, "job-1")
	require.NoError(t, err)
	var entry crawl.ResultEntry
	require.NoError(t, json.Unmarshal(payload, &entry))
	require.Equal(t, "job-1", entry.JobID)
	require.Equal(t, "https://example.com/page", entry.URL)
	require.Equal(t, 200, entry.StatusCode)
	require.Equal(t, []byte("<html>hello</html>"), entry.Body)
	require.Equal(t, "text/html", entry.Metadata["content_type"])
	require.Len(t, entry.ContentHash, 64)
	require.EqualValues(t, 120, entry.DurationMs)
	require.False(t, entry.CompletedAt.IsZero())

	_, err = store.GetField(ctx, crawl.BucketProcessing, "job-1")
	require.ErrorIs(t, err, crawl.ErrFieldMissing)

	require.Eventually(t, func() bool {
		return len(notifier.Events()) == 1
	}, time.Second, 10*time.Millisecond)
	event := notifier.Events()[0]
	require.Equal(t, "job-1", event.JobID)
	require.Equal(t, crawl.StatusCompleted, event.Status)
	require.Equal(t, "https://hooks.example.com/done", event.CallbackURL)
}

func TestWorker_RecordsFetchFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	fetcher := &fakeFetcher{err: errors.New("upstream returned 502")}
	notifier := notifymem.New()
	w := newWorker(t, store, fetcher, notifier)

	enqueue(t, store, crawl.Job{
		ID:          "job-1",
		URL:         "https://example.com/broken",
		CallbackURL: "https://hooks.example.com/done",
	})
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := store.GetField(ctx, crawl.BucketErrors, "job-1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	payload, err := store.GetField(ctx, crawl.BucketErrors, "job-1")
	require.NoError(t, err)
	var entry crawl.ErrorEntry
	require.NoError(t, json.Unmarshal(payload, &entry))
	require.Equal(t, "upstream returned 502", entry.Message)
	require.False(t, entry.FailedAt.IsZero())

	_, err = store.GetField(ctx, crawl.BucketResults, "job-1")
	require.ErrorIs(t, err, crawl.ErrFieldMissing)
	_, err = store.GetField(ctx, crawl.BucketProcessing, "job-1")
	require.ErrorIs(t, err, crawl.ErrFieldMissing)

	require.Eventually(t, func() bool {
		return len(notifier.Events()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, crawl.StatusError, notifier.Events()[0].Status)
	require.Equal(t, "upstream returned 502", notifier.Events()[0].Error)
}

func TestWorker_WritesResultBeforeClearingClaim(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &recordingStore{Store: memory.NewStore()}
	fetcher := &fakeFetcher{result: crawl.FetchResult{StatusCode: 200, Body: []byte("ok")}}
	w := newWorker(t, store, fetcher, nil)

	enqueue(t, store, crawl.Job{ID: "job-1", URL: "https://example.com"})
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		for _, op := range store.operations() {
			if op == "del:processing" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, []string{
		"set:processing",
		"set:results",
		"del:processing",
	}, store.operations())
}

func TestWorker_KeepsClaimWhenTerminalWritesFail(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &recordingStore{
		Store:           memory.NewStore(),
		failResultWrite: true,
		failErrorWrite:  true,
	}
	fetcher := &fakeFetcher{result: crawl.FetchResult{StatusCode: 200, Body: []byte("ok")}}
	w := newWorker(t, store, fetcher, nil)

	enqueue(t, store, crawl.Job{ID: "job-1", URL: "https://example.com"})
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		ops := store.operations()
		return len(ops) >= 3 && ops[len(ops)-1] == "set:errors"
	}, time.Second, 10*time.Millisecond)

	// Neither terminal write landed, so the processing breadcrumb must
	// survive for orphan detection.
	_, err := store.GetField(ctx, crawl.BucketProcessing, "job-1")
	require.NoError(t, err)
	for _, op := range store.operations() {
		require.NotEqual(t, "del:processing", op)
	}
}

func TestWorker_DropsMalformedPayloads(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	fetcher := &fakeFetcher{result: crawl.FetchResult{StatusCode: 200}}
	w := newWorker(t, store, fetcher, nil)

	require.NoError(t, store.PushTail(ctx, []byte("{not json")))
	require.NoError(t, store.PushTail(ctx, []byte(`{"id":"","url":""}`)))
	enqueue(t, store, crawl.Job{ID: "job-good", URL: "https://example.com"})
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := store.GetField(ctx, crawl.BucketResults, "job-good")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	// Only the well-formed job produced any bucket entries.
	n, err := store.FieldCount(ctx, crawl.BucketResults)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = store.FieldCount(ctx, crawl.BucketErrors)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, fetcher.fetchCount())
}

// popFailStore fails a fixed number of dequeues before delegating.
type popFailStore struct {
	crawl.Store
	mu        sync.Mutex
	failsLeft int
	failures  int
}

func (s *popFailStore) PopBlocking(ctx context.Context, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if s.failsLeft > 0 {
		s.failsLeft--
		s.failures++
		s.mu.Unlock()
		return nil, crawl.ErrStoreUnavailable
	}
	s.mu.Unlock()
	return s.Store.PopBlocking(ctx, timeout)
}

func (s *popFailStore) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func TestWorker_RecoversFromDequeueFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backing := memory.NewStore()
	store := &popFailStore{Store: backing, failsLeft: 3}
	fetcher := &fakeFetcher{result: crawl.FetchResult{StatusCode: 200, Body: []byte("ok")}}

	w, err := New(
		store,
		fetcher,
		nil,
		sha256.New(),
		&fakeClock{now: time.Now()},
		fakeIDGen{},
		Config{
			PopTimeout:     20 * time.Millisecond,
			BackoffInitial: time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
		},
		zap.NewNop(),
	)
	require.NoError(t, err)

	enqueue(t, backing, crawl.Job{ID: "job-1", URL: "https://example.com"})
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := backing.GetField(ctx, crawl.BucketResults, "job-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, store.failureCount())
}

func TestWorker_EachJobProcessedOnceAcrossWorkers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	fetcher := &fakeFetcher{result: crawl.FetchResult{StatusCode: 200, Body: []byte("ok")}}

	const jobs = 50
	for i := 0; i < jobs; i++ {
		enqueue(t, store, crawl.Job{
			ID:  fmt.Sprintf("job-%d", i),
			URL: fmt.Sprintf("https://example.com/%d", i),
		})
	}
	for i := 0; i < 4; i++ {
		go newWorker(t, store, fetcher, nil).Run(ctx)
	}

	require.Eventually(t, func() bool {
		n, err := store.FieldCount(ctx, crawl.BucketResults)
		return err == nil && n == jobs
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, jobs, fetcher.fetchCount())
	n, err := store.FieldCount(ctx, crawl.BucketErrors)
	require.NoError(t, err)
	require.Zero(t, n)
}

// A pop can succeed in the same instant the context is cancelled; the
// payload is already off the queue and must go back, not disappear.
func TestWorker_RequeuesJobWhenShutdownRacesPop(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := &fakeFetcher{result: crawl.FetchResult{StatusCode: 200, Body: []byte("ok")}}
	w := newWorker(t, store, fetcher, nil)

	job := crawl.Job{ID: "job-1", URL: "https://example.com"}
	enqueue(t, store, job)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	// The job is back on the queue, untouched everywhere else.
	bg := context.Background()
	n, err := store.QueueLen(bg)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	payload, err := store.PopBlocking(bg, time.Second)
	require.NoError(t, err)
	var requeued crawl.Job
	require.NoError(t, json.Unmarshal(payload, &requeued))
	require.Equal(t, job.ID, requeued.ID)
	require.Equal(t, job.URL, requeued.URL)

	for _, bucket := range []crawl.Bucket{crawl.BucketProcessing, crawl.BucketResults, crawl.BucketErrors} {
		count, err := store.FieldCount(bg, bucket)
		require.NoError(t, err)
		require.Zerof(t, count, "bucket %s not empty", bucket)
	}
	require.Zero(t, fetcher.fetchCount())
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(t, memory.NewStore(), &fakeFetcher{}, nil)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_IDCarriesHostAndSuffix(t *testing.T) {
	t.Parallel()

	w := newWorker(t, memory.NewStore(), &fakeFetcher{}, nil)
	parts := strings.Split(w.ID(), ":")
	require.Len(t, parts, 2)
	require.NotEmpty(t, parts[0])
	require.Len(t, parts[1], 8)
}
