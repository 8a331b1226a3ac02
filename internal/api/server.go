// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kbforge/scrapeindex/internal/config"
	"github.com/kbforge/scrapeindex/internal/crawler"
	"github.com/kbforge/scrapeindex/internal/dispatcher"
	"github.com/kbforge/scrapeindex/internal/kb"
	"github.com/kbforge/scrapeindex/internal/metrics"
	"github.com/kbforge/scrapeindex/internal/retrieval"
	"github.com/kbforge/scrapeindex/internal/scrapejob"
)

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	jobs       scrapejob.Store
	kbs        kb.Store
	searcher   *retrieval.Searcher
	dispatcher *dispatcher.Dispatcher
	idGen      crawler.IDGenerator
	clock      crawler.Clock
	cfg        config.Config
	progress   *ProgressHandler
}

// NewServer constructs a Server with middleware and routes. progress may be
// nil, in which case /v1/runs still exists but always answers 503 (see
// ProgressHandler's nil-repo guard) rather than being removed from the
// route table.
func NewServer(
	jobs scrapejob.Store,
	kbs kb.Store,
	searcher *retrieval.Searcher,
	dispatcher *dispatcher.Dispatcher,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	progress *ProgressHandler,
) *Server {
	if progress == nil {
		progress = NewProgressHandler(nil, nil)
	}
	s := &Server{
		jobs:       jobs,
		kbs:        kbs,
		searcher:   searcher,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		progress:   progress,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJobStatus)
				r.Post("/select", s.selectURLs)
				r.Get("/result", s.getJobResult)
			})
		})
		r.Get("/search", s.search)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.progress.ListJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.progress.GetJob)
				r.Get("/sites", s.progress.ListJobSites)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// submitJobRequest is the payload for POST /v1/jobs.
type submitJobRequest struct {
	BaseURL         string `json:"baseUrl"`
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	MaxPages        int    `json:"maxPages"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "baseUrl required")
		return
	}
	if req.KnowledgeBaseID == "" {
		writeError(w, http.StatusBadRequest, "knowledgeBaseId required")
		return
	}
	if _, err := s.kbs.FindKnowledgeBase(r.Context(), req.KnowledgeBaseID); err != nil {
		if errors.Is(err, kb.ErrNotFound) {
			writeError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load knowledge base")
		return
	}

	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = s.cfg.Crawler.MaxPagesDefault
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate job id")
		return
	}
	job := scrapejob.Job{
		ID:              jobID,
		BaseURL:         req.BaseURL,
		KnowledgeBaseID: req.KnowledgeBaseID,
		Status:          scrapejob.StatusDiscovering,
		MaxPages:        maxPages,
		CreatedAt:       s.clock.Now(),
	}
	if _, err := s.jobs.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := s.enqueue(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// selectURLsRequest is the payload for POST /v1/jobs/{job_id}/select.
type selectURLsRequest struct {
	SelectedURLs []string `json:"selectedUrls"`
}

func (s *Server) selectURLs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req selectURLsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.jobs.FindJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	next, err := scrapejob.Transition(job, scrapejob.Event{
		Kind:         scrapejob.EventSelect,
		SelectedURLs: req.SelectedURLs,
	})
	if err != nil {
		if errors.Is(err, scrapejob.ErrSelectedNotDiscovered) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	status := next.Status
	if err := s.jobs.UpdateJob(r.Context(), jobID, scrapejob.Patch{
		Status:       &status,
		SelectedURLs: next.SelectedURLs,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist selection")
		return
	}

	if err := s.enqueue(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": next})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.FindJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.FindJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	selected := make(map[string]struct{}, len(job.SelectedURLs))
	for _, u := range job.SelectedURLs {
		selected[u] = struct{}{}
	}

	docs, err := s.kbs.ListDocuments(r.Context(), job.KnowledgeBaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch documents")
		return
	}
	var jobDocs []kb.Document
	for _, doc := range docs {
		if doc.SourceURL != nil {
			if _, ok := selected[*doc.SourceURL]; ok {
				jobDocs = append(jobDocs, doc)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "documents": jobDocs})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	kbID := r.URL.Query().Get("knowledgeBaseId")
	query := r.URL.Query().Get("q")
	if kbID == "" || query == "" {
		writeError(w, http.StatusBadRequest, "knowledgeBaseId and q are required")
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	results, err := s.searcher.Search(r.Context(), kbID, query, limit)
	if err != nil {
		if errors.Is(err, kb.ErrNotFound) {
			writeError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func parsePositiveInt(raw string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse int: %w", err)
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

// enqueue pushes a wakeup for jobID onto the dispatcher's queue. The queue
// item carries no job data; a jobrunner always reloads the current job
// record before deciding what to do.
func (s *Server) enqueue(ctx context.Context, jobID string) error {
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := crawler.QueueItem{
		JobID:     jobID,
		Attempt:   1,
		Submitted: s.clock.Now().Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered", "error", rec)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("write JSON failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
