// Package status implements the read side of the crawl job pipeline.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawl"
)

// Resolver reconciles a job ID against the four store locations to answer
// "what is the state of job X". It is read-only.
type Resolver struct {
	store  crawl.Store
	logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(store crawl.Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// GetStatus determines the job's state. Terminal and in-flight states are
// O(1) hash lookups; only the queued case scans the list, acceptable
// because queued jobs are the minority in a healthy system. Returns
// crawl.ErrNotFound when the ID is unknown everywhere.
func (r *Resolver) GetStatus(ctx context.Context, jobID string) (crawl.JobState, error) {
	if state, ok, err := r.completedState(ctx, jobID); err != nil || ok {
		return state, err
	}
	if state, ok, err := r.processingState(ctx, jobID); err != nil || ok {
		return state, err
	}
	if state, ok, err := r.failedState(ctx, jobID); err != nil || ok {
		return state, err
	}
	if state, ok, err := r.queuedState(ctx, jobID); err != nil || ok {
		return state, err
	}
	return crawl.JobState{}, crawl.ErrNotFound
}

// GetResult returns the stored payload for a completed job. A job that
// exists but is not terminal yields a *crawl.PendingError; a failed job
// yields a *crawl.FailedError carrying the stored message.
func (r *Resolver) GetResult(ctx context.Context, jobID string) (crawl.ResultEntry, error) {
	payload, err := r.store.GetField(ctx, crawl.BucketResults, jobID)
	if err == nil {
		var entry crawl.ResultEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return crawl.ResultEntry{}, fmt.Errorf("decode result entry: %w", err)
		}
		return entry, nil
	}
	if !errors.Is(err, crawl.ErrFieldMissing) {
		return crawl.ResultEntry{}, err
	}

	state, err := r.GetStatus(ctx, jobID)
	if err != nil {
		return crawl.ResultEntry{}, err
	}
	switch state.Status {
	case crawl.StatusError:
		return crawl.ResultEntry{}, &crawl.FailedError{JobID: jobID, Message: state.Failed.Message}
	default:
		return crawl.ResultEntry{}, &crawl.PendingError{JobID: jobID, Status: state.Status}
	}
}

// Stats combines live bucket gauges with the accumulated counters.
func (r *Resolver) Stats(ctx context.Context) (crawl.QueueStats, error) {
	queued, err := r.store.QueueLen(ctx)
	if err != nil {
		return crawl.QueueStats{}, err
	}
	processing, err := r.store.FieldCount(ctx, crawl.BucketProcessing)
	if err != nil {
		return crawl.QueueStats{}, err
	}
	completed, err := r.store.FieldCount(ctx, crawl.BucketResults)
	if err != nil {
		return crawl.QueueStats{}, err
	}
	failed, err := r.store.FieldCount(ctx, crawl.BucketErrors)
	if err != nil {
		return crawl.QueueStats{}, err
	}
	accumulated, err := r.store.Stats(ctx)
	if err != nil {
		return crawl.QueueStats{}, err
	}
	return crawl.QueueStats{
		Current: crawl.CurrentStats{
			Queued:     queued,
			Processing: processing,
			Completed:  completed,
			Failed:     failed,
		},
		Accumulated: accumulated,
	}, nil
}

func (r *Resolver) completedState(ctx context.Context, jobID string) (crawl.JobState, bool, error) {
	payload, err := r.store.GetField(ctx, crawl.BucketResults, jobID)
	if errors.Is(err, crawl.ErrFieldMissing) {
		return crawl.JobState{}, false, nil
	}
	if err != nil {
		return crawl.JobState{}, false, err
	}
	var entry crawl.ResultEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return crawl.JobState{}, false, fmt.Errorf("decode result entry: %w", err)
	}
	return crawl.JobState{
		JobID:  jobID,
		Status: crawl.StatusCompleted,
		Completed: &crawl.CompletedState{
			URL:         entry.URL,
			CompletedAt: entry.CompletedAt,
		},
	}, true, nil
}

func (r *Resolver) processingState(ctx context.Context, jobID string) (crawl.JobState, bool, error) {
	payload, err := r.store.GetField(ctx, crawl.BucketProcessing, jobID)
	if errors.Is(err, crawl.ErrFieldMissing) {
		return crawl.JobState{}, false, nil
	}
	if err != nil {
		return crawl.JobState{}, false, err
	}
	var entry crawl.ProcessingEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return crawl.JobState{}, false, fmt.Errorf("decode processing entry: %w", err)
	}
	return crawl.JobState{
		JobID:  jobID,
		Status: crawl.StatusProcessing,
		Processing: &crawl.ProcessingState{
			WorkerID:  entry.WorkerID,
			StartedAt: entry.StartedAt,
		},
	}, true, nil
}

func (r *Resolver) failedState(ctx context.Context, jobID string) (crawl.JobState, bool, error) {
	payload, err := r.store.GetField(ctx, crawl.BucketErrors, jobID)
	if errors.Is(err, crawl.ErrFieldMissing) {
		return crawl.JobState{}, false, nil
	}
	if err != nil {
		return crawl.JobState{}, false, err
	}
	var entry crawl.ErrorEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return crawl.JobState{}, false, fmt.Errorf("decode error entry: %w", err)
	}
	return crawl.JobState{
		JobID:  jobID,
		Status: crawl.StatusError,
		Failed: &crawl.FailedState{
			Message:  entry.Message,
			FailedAt: entry.FailedAt,
		},
	}, true, nil
}

// queuedState scans the queue snapshot for the job ID. Position is
// 1-based from the head. Undecodable payloads are skipped; the worker
// discards them on pop anyway.
func (r *Resolver) queuedState(ctx context.Context, jobID string) (crawl.JobState, bool, error) {
	snapshot, err := r.store.ListQueue(ctx)
	if err != nil {
		return crawl.JobState{}, false, err
	}
	for idx, payload := range snapshot {
		var job crawl.Job
		if err := json.Unmarshal(payload, &job); err != nil {
			r.logger.Warn("undecodable queue payload during scan", zap.Int("position", idx+1))
			continue
		}
		if job.ID != jobID {
			continue
		}
		return crawl.JobState{
			JobID:  jobID,
			Status: crawl.StatusQueued,
			Queued: &crawl.QueuedState{
				URL:         job.URL,
				Position:    idx + 1,
				SubmittedAt: job.SubmittedAt,
			},
		}, true, nil
	}
	return crawl.JobState{}, false, nil
}
