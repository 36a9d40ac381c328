// Package queue implements the submission side of the crawl job pipeline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawl"
)

// Manager enqueues jobs onto the shared store and maintains submitter-side
// statistics.
type Manager struct {
	store  crawl.Store
	idGen  crawl.IDGenerator
	clock  crawl.Clock
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store crawl.Store, idGen crawl.IDGenerator, clock crawl.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		idGen:  idGen,
		clock:  clock,
		logger: logger,
	}
}

// SubmitRequest carries one crawl submission.
type SubmitRequest struct {
	URL         string
	Params      map[string]any
	Priority    int
	CallbackURL string
}

// Receipt is returned for a durably queued job. QueuePosition is the queue
// length observed right after the push and is inherently racy.
type Receipt struct {
	JobID         string
	URL           string
	QueuePosition int64
	SubmittedAt   time.Time
}

// Submit validates, builds and durably enqueues one job. Priority above
// zero uses the expedited lane (queue head); everything else appends.
// When Submit returns an error the job does not exist anywhere.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Receipt, error) {
	if err := validateURL(req.URL); err != nil {
		return Receipt{}, err
	}
	if req.CallbackURL != "" {
		if err := validateURL(req.CallbackURL); err != nil {
			return Receipt{}, fmt.Errorf("callback_url: %w", err)
		}
	}

	jobID, err := m.idGen.NewID()
	if err != nil {
		return Receipt{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawl.Job{
		ID:          jobID,
		URL:         req.URL,
		Params:      req.Params,
		Priority:    req.Priority,
		CallbackURL: req.CallbackURL,
		SubmittedAt: m.clock.Now(),
	}
	if err := m.push(ctx, job); err != nil {
		return Receipt{}, err
	}

	m.bumpStat(ctx, crawl.StatJobsSubmitted, 1)

	position, err := m.store.QueueLen(ctx)
	if err != nil {
		// The job is already durably queued; report position zero rather
		// than failing the submission.
		m.logger.Warn("queue length lookup failed", zap.String("job_id", jobID), zap.Error(err))
		position = 0
	}

	m.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("url", job.URL),
		zap.Int("priority", job.Priority),
		zap.Int64("queue_position", position),
	)
	return Receipt{
		JobID:         jobID,
		URL:           job.URL,
		QueuePosition: position,
		SubmittedAt:   job.SubmittedAt,
	}, nil
}

// SubmitBatch enqueues every URL at normal priority. Queueing is not
// transactional across the batch: if the store fails mid-way the IDs
// already enqueued are returned along with the error.
func (m *Manager) SubmitBatch(ctx context.Context, urls []string) ([]string, error) {
	for _, u := range urls {
		if err := validateURL(u); err != nil {
			return nil, fmt.Errorf("url %q: %w", u, err)
		}
	}

	submitted := make([]string, 0, len(urls))
	for _, u := range urls {
		jobID, err := m.idGen.NewID()
		if err != nil {
			return submitted, fmt.Errorf("generate job id: %w", err)
		}
		job := crawl.Job{
			ID:          jobID,
			URL:         u,
			SubmittedAt: m.clock.Now(),
		}
		if err := m.push(ctx, job); err != nil {
			m.finishBatchStats(ctx, len(submitted))
			return submitted, err
		}
		submitted = append(submitted, jobID)
	}

	m.finishBatchStats(ctx, len(submitted))
	m.logger.Info("batch submitted", zap.Int("count", len(submitted)))
	return submitted, nil
}

func (m *Manager) push(ctx context.Context, job crawl.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if job.Priority > 0 {
		if err := m.store.PushHead(ctx, payload); err != nil {
			return fmt.Errorf("enqueue expedited: %w", err)
		}
		return nil
	}
	if err := m.store.PushTail(ctx, payload); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (m *Manager) finishBatchStats(ctx context.Context, submitted int) {
	if submitted > 0 {
		m.bumpStat(ctx, crawl.StatJobsSubmitted, int64(submitted))
	}
	m.bumpStat(ctx, crawl.StatBatchSubmissions, 1)
}

// bumpStat updates an aggregate counter. Stats are reporting-only, so a
// failed increment is logged and swallowed.
func (m *Manager) bumpStat(ctx context.Context, name string, delta int64) {
	if err := m.store.IncrStat(ctx, name, delta); err != nil {
		m.logger.Warn("stat increment failed", zap.String("stat", name), zap.Error(err))
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", crawl.ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", crawl.ErrInvalidURL, raw)
	}
	return nil
}
