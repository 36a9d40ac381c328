// Package crawl defines core types shared across the job pipeline subsystems.
package crawl

import (
	"time"
)

// Status represents the lifecycle state of a crawl job.
type Status string

// Job status values reported by the resolver.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Job is the unit of work pushed onto the shared queue. The ID is assigned
// at submission and is the correlation key across every store bucket.
type Job struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// ProcessingEntry is the breadcrumb a worker writes when it claims a job.
// An entry whose StartedAt is far in the past with no matching result or
// error indicates a crashed worker.
type ProcessingEntry struct {
	WorkerID  string    `json:"worker"`
	StartedAt time.Time `json:"started"`
}

// ErrorEntry is the terminal record for a failed job.
type ErrorEntry struct {
	Message  string    `json:"error"`
	FailedAt time.Time `json:"time"`
}

// FetchResult is what a FetchClient returns on success.
type FetchResult struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Body       []byte            `json:"body"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Duration   time.Duration     `json:"-"`
}

// ResultEntry is the terminal record for a completed job. It carries the
// job's own URL and submission time alongside the fetched payload so the
// read side never has to consult the (already drained) queue.
type ResultEntry struct {
	JobID       string            `json:"job_id"`
	URL         string            `json:"url"`
	StatusCode  int               `json:"status_code"`
	Body        []byte            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	SubmittedAt time.Time         `json:"submitted_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// JobState is the tagged union the resolver reconstructs from the four
// underlying buckets. Exactly one variant matching Status is populated.
type JobState struct {
	JobID      string           `json:"job_id"`
	Status     Status           `json:"status"`
	Queued     *QueuedState     `json:"queued,omitempty"`
	Processing *ProcessingState `json:"processing,omitempty"`
	Completed  *CompletedState  `json:"completed,omitempty"`
	Failed     *FailedState     `json:"failed,omitempty"`
}

// QueuedState describes a job still waiting on the queue.
type QueuedState struct {
	URL         string    `json:"url"`
	Position    int       `json:"queue_position"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ProcessingState describes a job claimed by a worker.
type ProcessingState struct {
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
}

// CompletedState describes a job with a stored result.
type CompletedState struct {
	URL         string    `json:"url,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// FailedState describes a job with a stored error.
type FailedState struct {
	Message  string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// CompletionEvent is delivered to a Notifier once a job reaches a terminal
// state.
type CompletionEvent struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CallbackURL string    `json:"-"`
	FinishedAt  time.Time `json:"finished_at"`
}

// QueueStats combines live gauges with the accumulated submitter counters.
type QueueStats struct {
	Current     CurrentStats     `json:"current"`
	Accumulated map[string]int64 `json:"accumulated"`
}

// CurrentStats counts jobs per store bucket at the time of the query.
type CurrentStats struct {
	Queued     int64 `json:"queued_jobs"`
	Processing int64 `json:"processing_jobs"`
	Completed  int64 `json:"completed_jobs"`
	Failed     int64 `json:"failed_jobs"`
}

// Stat counter names maintained by the submission side.
const (
	StatJobsSubmitted    = "jobs_submitted"
	StatBatchSubmissions = "batch_submissions"
)
