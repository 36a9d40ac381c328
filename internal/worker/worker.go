// Package worker implements the consumer side of the crawl job pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawl"
	"github.com/JakeFAU/scrapeq/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	// PopTimeout bounds each blocking dequeue so the loop can observe
	// shutdown. Defaults to one second.
	PopTimeout time.Duration
	// BackoffInitial and BackoffMax bound the capped exponential sleep
	// applied after store failures outside the per-job path.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *Config) applyDefaults() {
	if c.PopTimeout <= 0 {
		c.PopTimeout = time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Worker consumes jobs from the shared queue one at a time. Throughput
// scales by running more workers; no coordination beyond the store's
// atomic pop is needed.
type Worker struct {
	id       string
	store    crawl.Store
	fetcher  crawl.FetchClient
	notifier crawl.Notifier
	hasher   crawl.Hasher
	clock    crawl.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker with a process-unique identity.
func New(
	store crawl.Store,
	fetcher crawl.FetchClient,
	notifier crawl.Notifier,
	hasher crawl.Hasher,
	clock crawl.Clock,
	idGen crawl.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	cfg.applyDefaults()
	id, err := workerID(idGen)
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:       id,
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		hasher:   hasher,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", id)),
	}, nil
}

// ID returns the worker identity recorded in processing entries.
func (w *Worker) ID() string {
	return w.id
}

// Run blocks, consuming jobs until the context finishes. Transient store
// failures never exit the loop; they back off and resume.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	backoff := w.cfg.BackoffInitial
	for {
		payload, err := w.store.PopBlocking(ctx, w.cfg.PopTimeout)
		if err == nil {
			// The pop already removed the payload from the queue. If
			// shutdown raced it, put it back instead of dropping it.
			if ctx.Err() != nil {
				w.requeue(payload)
				w.logger.Info("worker stopping")
				return
			}
			backoff = w.cfg.BackoffInitial
			w.processPayload(ctx, payload)
			continue
		}
		switch {
		case ctx.Err() != nil:
			w.logger.Info("worker stopping")
			return
		case errors.Is(err, crawl.ErrNoJob):
			backoff = w.cfg.BackoffInitial
		default:
			w.logger.Error("dequeue failed", zap.Error(err))
			if !w.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, w.cfg.BackoffMax)
		}
	}
}

// processPayload claims and runs one job. Payloads that do not decode to a
// usable job are logged and dropped; they cannot be attributed to any ID.
func (w *Worker) processPayload(ctx context.Context, payload []byte) {
	var job crawl.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		w.logger.Error("malformed job payload", zap.Error(err))
		return
	}
	if job.ID == "" || job.URL == "" {
		w.logger.Error("job payload missing id or url", zap.ByteString("payload", payload))
		return
	}

	w.logger.Info("processing job", zap.String("job_id", job.ID), zap.String("url", job.URL))
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.claim(ctx, job.ID); err != nil {
		// Without the processing breadcrumb the job would be invisible
		// while running; record the failure instead of proceeding blind.
		w.logger.Error("claim failed", zap.String("job_id", job.ID), zap.Error(err))
		w.recordError(ctx, job, fmt.Sprintf("claim failed: %v", err))
		return
	}

	result, err := w.fetcher.Fetch(ctx, job.URL, job.Params)
	if err != nil {
		w.logger.Warn("fetch failed", zap.String("job_id", job.ID), zap.Error(err))
		w.recordError(ctx, job, err.Error())
		w.notify(ctx, job, crawl.StatusError, err.Error())
		return
	}
	metrics.ObserveFetch(job.URL, result.StatusCode, result.Duration)

	if err := w.recordResult(ctx, job, result); err != nil {
		w.logger.Error("persist result failed", zap.String("job_id", job.ID), zap.Error(err))
		w.recordError(ctx, job, fmt.Sprintf("persist result: %v", err))
		w.notify(ctx, job, crawl.StatusError, err.Error())
		return
	}

	w.logger.Info("job completed", zap.String("job_id", job.ID))
	metrics.ObserveJob(string(crawl.StatusCompleted))
	w.notify(ctx, job, crawl.StatusCompleted, "")
}

// claim writes the processing breadcrumb before any work starts.
func (w *Worker) claim(ctx context.Context, jobID string) error {
	entry := crawl.ProcessingEntry{
		WorkerID:  w.id,
		StartedAt: w.clock.Now(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal processing entry: %w", err)
	}
	if err := w.store.SetField(ctx, crawl.BucketProcessing, jobID, payload); err != nil {
		return fmt.Errorf("write processing entry: %w", err)
	}
	return nil
}

// recordResult durably writes the result entry, then clears the processing
// breadcrumb. The order is deliberate: a crash between the two writes
// leaves the job visible as processing, never silently lost.
func (w *Worker) recordResult(ctx context.Context, job crawl.Job, result crawl.FetchResult) error {
	entry := crawl.ResultEntry{
		JobID:       job.ID,
		URL:         job.URL,
		StatusCode:  result.StatusCode,
		Body:        result.Body,
		Metadata:    result.Metadata,
		DurationMs:  result.Duration.Milliseconds(),
		SubmittedAt: job.SubmittedAt,
		CompletedAt: w.clock.Now(),
	}
	if w.hasher != nil {
		hash, err := w.hasher.Hash(result.Body)
		if err != nil {
			return fmt.Errorf("hash body: %w", err)
		}
		entry.ContentHash = hash
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal result entry: %w", err)
	}
	if err := w.store.SetField(ctx, crawl.BucketResults, job.ID, payload); err != nil {
		return fmt.Errorf("write result entry: %w", err)
	}
	w.clearProcessing(ctx, job.ID)
	return nil
}

// recordError writes the terminal error entry, then clears the processing
// breadcrumb, same ordering rationale as recordResult.
func (w *Worker) recordError(ctx context.Context, job crawl.Job, message string) {
	entry := crawl.ErrorEntry{
		Message:  message,
		FailedAt: w.clock.Now(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		w.logger.Error("marshal error entry failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := w.store.SetField(ctx, crawl.BucketErrors, job.ID, payload); err != nil {
		// The processing entry stays put so the job is not lost.
		w.logger.Error("write error entry failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(crawl.StatusError))
	w.clearProcessing(ctx, job.ID)
}

// requeue returns a popped payload to the queue head during shutdown.
// The loop context is already cancelled, so the push gets its own
// bounded context.
func (w *Worker) requeue(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.PushHead(ctx, payload); err != nil {
		w.logger.Error("requeue on shutdown failed", zap.Error(err))
	}
}

func (w *Worker) clearProcessing(ctx context.Context, jobID string) {
	if err := w.store.DeleteField(ctx, crawl.BucketProcessing, jobID); err != nil {
		// The terminal entry is already durable and the resolver checks
		// results before processing, so a stale breadcrumb is harmless.
		w.logger.Warn("clear processing entry failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// notify delivers a completion event when the job carries a callback.
// Delivery failures are logged; job state is already final.
func (w *Worker) notify(ctx context.Context, job crawl.Job, status crawl.Status, errText string) {
	if w.notifier == nil || job.CallbackURL == "" {
		return
	}
	event := crawl.CompletionEvent{
		JobID:       job.ID,
		URL:         job.URL,
		Status:      status,
		Error:       errText,
		CallbackURL: job.CallbackURL,
		FinishedAt:  w.clock.Now(),
	}
	if err := w.notifier.Notify(ctx, event); err != nil {
		w.logger.Warn("completion callback failed",
			zap.String("job_id", job.ID),
			zap.String("callback_url", job.CallbackURL),
			zap.Error(err),
		)
	}
}

// sleep waits for d or until the context finishes. Returns false when the
// worker should stop.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// workerID builds the hostname:suffix identity recorded in processing
// entries for observability and orphan detection.
func workerID(idGen crawl.IDGenerator) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	id, err := idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	suffix := id
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return host + ":" + suffix, nil
}
