package crawl

import "errors"

// Sentinel errors surfaced by the store and resolver. Callers branch with
// errors.Is rather than matching message text.
var (
	// ErrStoreUnavailable wraps any transport failure talking to the
	// shared store. A push that fails with it must not be treated as
	// enqueued.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrNoJob is returned by PopBlocking when the wait expires with an
	// empty queue.
	ErrNoJob = errors.New("no job available")

	// ErrFieldMissing is returned by GetField when the bucket has no
	// entry for the job ID.
	ErrFieldMissing = errors.New("field not present")

	// ErrNotFound means a job ID is unknown to all four buckets.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidURL rejects a submission before it touches the store.
	ErrInvalidURL = errors.New("invalid url")
)

// PendingError signals that a result was requested for a job that exists
// but has not reached a terminal state yet.
type PendingError struct {
	JobID  string
	Status Status
}

func (e *PendingError) Error() string {
	return "job " + e.JobID + " is still " + string(e.Status)
}

// FailedError carries the stored error message for a job that terminated
// in the error bucket.
type FailedError struct {
	JobID   string
	Message string
}

func (e *FailedError) Error() string {
	return "job " + e.JobID + " failed: " + e.Message
}
