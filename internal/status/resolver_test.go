package status

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawl"
	"github.com/JakeFAU/scrapeq/internal/store/memory"
)

func setField(t *testing.T, store crawl.Store, bucket crawl.Bucket, jobID string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, store.SetField(context.Background(), bucket, jobID, payload))
}

func pushJob(t *testing.T, store crawl.Store, job crawl.Job) {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, store.PushTail(context.Background(), payload))
}

func TestResolver_StatusQueued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	submitted := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pushJob(t, store, crawl.Job{ID: "job-1", URL: "https://example.com/a", SubmittedAt: submitted})
	pushJob(t, store, crawl.Job{ID: "job-2", URL: "https://example.com/b", SubmittedAt: submitted})

	state, err := r.GetStatus(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusQueued, state.Status)
	require.NotNil(t, state.Queued)
	require.Equal(t, "https://example.com/b", state.Queued.URL)
	require.Equal(t, 2, state.Queued.Position)
	require.True(t, state.Queued.SubmittedAt.Equal(submitted))
	require.Nil(t, state.Processing)
	require.Nil(t, state.Completed)
	require.Nil(t, state.Failed)
}

func TestResolver_StatusProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	setField(t, store, crawl.BucketProcessing, "job-1", crawl.ProcessingEntry{
		WorkerID:  "host:abcd1234",
		StartedAt: started,
	})

	state, err := r.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusProcessing, state.Status)
	require.NotNil(t, state.Processing)
	require.Equal(t, "host:abcd1234", state.Processing.WorkerID)
	require.True(t, state.Processing.StartedAt.Equal(started))
}

func TestResolver_StatusCompleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	completed := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	setField(t, store, crawl.BucketResults, "job-1", crawl.ResultEntry{
		JobID:       "job-1",
		URL:         "https://example.com",
		StatusCode:  200,
		CompletedAt: completed,
	})

	state, err := r.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, state.Status)
	require.NotNil(t, state.Completed)
	require.Equal(t, "https://example.com", state.Completed.URL)
	require.True(t, state.Completed.CompletedAt.Equal(completed))
}

func TestResolver_StatusError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	setField(t, store, crawl.BucketErrors, "job-1", crawl.ErrorEntry{
		Message:  "fetch failed",
		FailedAt: time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC),
	})

	state, err := r.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusError, state.Status)
	require.NotNil(t, state.Failed)
	require.Equal(t, "fetch failed", state.Failed.Message)
}

func TestResolver_StatusUnknownJob(t *testing.T) {
	t.Parallel()

	r := NewResolver(memory.NewStore(), zap.NewNop())
	_, err := r.GetStatus(context.Background(), "nope")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

// A result entry wins over a stale processing breadcrumb, which a crashed
// cleanup can legitimately leave behind.
func TestResolver_ResultOutranksStaleClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	setField(t, store, crawl.BucketProcessing, "job-1", crawl.ProcessingEntry{WorkerID: "host:dead0001"})
	setField(t, store, crawl.BucketResults, "job-1", crawl.ResultEntry{JobID: "job-1", StatusCode: 200})

	state, err := r.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, state.Status)
}

func TestResolver_GetResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	setField(t, store, crawl.BucketResults, "job-1", crawl.ResultEntry{
		JobID:       "job-1",
		URL:         "https://example.com",
		StatusCode:  200,
		Body:        []byte("<html/>"),
		ContentHash: "abc123",
	})

	entry, err := r.GetResult(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", entry.JobID)
	require.Equal(t, []byte("<html/>"), entry.Body)
	require.Equal(t, "abc123", entry.ContentHash)

	// Reads do not consume the result.
	again, err := r.GetResult(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, entry, again)
}

func TestResolver_GetResultPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	pushJob(t, store, crawl.Job{ID: "job-1", URL: "https://example.com"})

	_, err := r.GetResult(ctx, "job-1")
	var pending *crawl.PendingError
	require.ErrorAs(t, err, &pending)
	require.Equal(t, "job-1", pending.JobID)
	require.Equal(t, crawl.StatusQueued, pending.Status)

	setField(t, store, crawl.BucketProcessing, "job-2", crawl.ProcessingEntry{WorkerID: "host:1"})
	_, err = r.GetResult(ctx, "job-2")
	require.ErrorAs(t, err, &pending)
	require.Equal(t, crawl.StatusProcessing, pending.Status)
}

func TestResolver_GetResultFailedJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	setField(t, store, crawl.BucketErrors, "job-1", crawl.ErrorEntry{Message: "boom"})

	_, err := r.GetResult(ctx, "job-1")
	var failed *crawl.FailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, "job-1", failed.JobID)
	require.Equal(t, "boom", failed.Message)
}

func TestResolver_GetResultUnknownJob(t *testing.T) {
	t.Parallel()

	r := NewResolver(memory.NewStore(), zap.NewNop())
	_, err := r.GetResult(context.Background(), "nope")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestResolver_Stats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	pushJob(t, store, crawl.Job{ID: "q1", URL: "https://example.com"})
	pushJob(t, store, crawl.Job{ID: "q2", URL: "https://example.com"})
	setField(t, store, crawl.BucketProcessing, "p1", crawl.ProcessingEntry{WorkerID: "host:1"})
	setField(t, store, crawl.BucketResults, "c1", crawl.ResultEntry{JobID: "c1"})
	setField(t, store, crawl.BucketErrors, "e1", crawl.ErrorEntry{Message: "x"})
	require.NoError(t, store.IncrStat(ctx, crawl.StatJobsSubmitted, 5))
	require.NoError(t, store.IncrStat(ctx, crawl.StatBatchSubmissions, 1))

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Current.Queued)
	require.EqualValues(t, 1, stats.Current.Processing)
	require.EqualValues(t, 1, stats.Current.Completed)
	require.EqualValues(t, 1, stats.Current.Failed)
	require.EqualValues(t, 5, stats.Accumulated[crawl.StatJobsSubmitted])
	require.EqualValues(t, 1, stats.Accumulated[crawl.StatBatchSubmissions])
}

func TestResolver_QueueScanSkipsGarbage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	r := NewResolver(store, zap.NewNop())

	require.NoError(t, store.PushTail(ctx, []byte("{garbage")))
	pushJob(t, store, crawl.Job{ID: "job-1", URL: "https://example.com"})

	state, err := r.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusQueued, state.Status)
	require.Equal(t, 2, state.Queued.Position)
}
