// Package api exposes the HTTP interface for the crawl job pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/crawl"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/queue"
	"github.com/JakeFAU/scrapeq/internal/status"
	"go.uber.org/zap"
)

// Server wires HTTP handlers to the queue manager and resolver.
type Server struct {
	router   chi.Router
	manager  *queue.Manager
	resolver *status.Resolver
	store    crawl.Store
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	manager *queue.Manager,
	resolver *status.Resolver,
	store crawl.Store,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		manager:  manager,
		resolver: resolver,
		store:    store,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/crawl", s.submitCrawl)
	r.Post("/batch", s.submitBatch)
	r.Get("/status/{job_id}", s.getStatus)
	r.Get("/result/{job_id}", s.getResult)
	r.Get("/stats", s.getStats)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type crawlRequest struct {
	URL         string         `json:"url"`
	Params      map[string]any `json:"params"`
	Priority    int            `json:"priority"`
	CallbackURL string         `json:"callback_url"`
}

type crawlResponse struct {
	JobID         string    `json:"job_id"`
	URL           string    `json:"url"`
	Status        string    `json:"status"`
	QueuePosition int64     `json:"queue_position"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

type batchRequest struct {
	URLs []string `json:"urls"`
}

type batchResponse struct {
	Status string   `json:"status"`
	Count  int      `json:"count"`
	JobIDs []string `json:"job_ids"`
}

type statusResponse struct {
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	URL           string     `json:"url,omitempty"`
	QueuePosition int        `json:"queue_position,omitempty"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	StartedAt     *time.Time `json:"processing_started,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, s.logger, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "healthy", "store": "connected"})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid JSON")
		return
	}
	receipt, err := s.manager.Submit(r.Context(), queue.SubmitRequest{
		URL:         req.URL,
		Params:      req.Params,
		Priority:    req.Priority,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	metrics.SetQueueDepth(receipt.QueuePosition)
	writeJSON(w, s.logger, http.StatusAccepted, crawlResponse{
		JobID:         receipt.JobID,
		URL:           receipt.URL,
		Status:        string(crawl.StatusQueued),
		QueuePosition: receipt.QueuePosition,
		SubmittedAt:   receipt.SubmittedAt,
	})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		writeError(w, s.logger, http.StatusBadRequest, "urls required")
		return
	}
	jobIDs, err := s.manager.SubmitBatch(r.Context(), req.URLs)
	if err != nil {
		if len(jobIDs) > 0 {
			// Part of the batch is durably queued; report what landed.
			writeJSON(w, s.logger, http.StatusInternalServerError, map[string]any{
				"error":   "batch partially submitted: " + err.Error(),
				"count":   len(jobIDs),
				"job_ids": jobIDs,
			})
			return
		}
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, batchResponse{
		Status: "submitted",
		Count:  len(jobIDs),
		JobIDs: jobIDs,
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	state, err := s.resolver.GetStatus(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, crawl.ErrNotFound):
			writeError(w, s.logger, http.StatusNotFound, "job "+jobID+" not found")
		case errors.Is(err, crawl.ErrStoreUnavailable):
			writeError(w, s.logger, http.StatusServiceUnavailable, "store unreachable")
		default:
			writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, s.logger, http.StatusOK, toStatusResponse(state))
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	entry, err := s.resolver.GetResult(r.Context(), jobID)
	if err != nil {
		var pending *crawl.PendingError
		var failed *crawl.FailedError
		switch {
		case errors.As(err, &pending):
			writeJSON(w, s.logger, http.StatusAccepted, map[string]string{
				"job_id": jobID,
				"status": string(pending.Status),
				"detail": pending.Error(),
			})
		case errors.As(err, &failed):
			writeJSON(w, s.logger, http.StatusBadRequest, map[string]string{
				"job_id": jobID,
				"status": string(crawl.StatusError),
				"error":  failed.Message,
			})
		case errors.Is(err, crawl.ErrNotFound):
			writeError(w, s.logger, http.StatusNotFound, "job "+jobID+" not found")
		case errors.Is(err, crawl.ErrStoreUnavailable):
			writeError(w, s.logger, http.StatusServiceUnavailable, "store unreachable")
		default:
			writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, s.logger, http.StatusOK, entry)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.resolver.Stats(r.Context())
	if err != nil {
		if errors.Is(err, crawl.ErrStoreUnavailable) {
			writeError(w, s.logger, http.StatusServiceUnavailable, "store unreachable")
			return
		}
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.SetQueueDepth(stats.Current.Queued)
	writeJSON(w, s.logger, http.StatusOK, stats)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawl.ErrInvalidURL):
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawl.ErrStoreUnavailable):
		writeError(w, s.logger, http.StatusServiceUnavailable, "store unreachable")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, s.logger, http.StatusRequestTimeout, err.Error())
	default:
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
	}
}

func toStatusResponse(state crawl.JobState) statusResponse {
	resp := statusResponse{
		JobID:  state.JobID,
		Status: string(state.Status),
	}
	switch {
	case state.Queued != nil:
		resp.URL = state.Queued.URL
		resp.QueuePosition = state.Queued.Position
		resp.SubmittedAt = timePtr(state.Queued.SubmittedAt)
	case state.Processing != nil:
		resp.WorkerID = state.Processing.WorkerID
		resp.StartedAt = timePtr(state.Processing.StartedAt)
	case state.Completed != nil:
		resp.URL = state.Completed.URL
		resp.CompletedAt = timePtr(state.Completed.CompletedAt)
	case state.Failed != nil:
		resp.Error = state.Failed.Message
		resp.CompletedAt = timePtr(state.Failed.FailedAt)
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, code int, msg string) {
	writeJSON(w, logger, code, map[string]string{"error": msg})
}
