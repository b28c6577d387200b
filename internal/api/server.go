// Package api exposes the HTTP interface for the email scraping service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/jobmanager"
	"github.com/scrapekit/emailscraper/internal/livestore"
	"github.com/scrapekit/emailscraper/internal/metrics"
	"github.com/scrapekit/emailscraper/internal/scraper"
	"github.com/scrapekit/emailscraper/internal/storage"
)

const requestTimeout = 60 * time.Second

// Server wires HTTP handlers to the job manager and the live store.
type Server struct {
	router chi.Router
	jobs   *jobmanager.Manager
	live   *livestore.Store
	log    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs *jobmanager.Manager, live *livestore.Store, log *zap.Logger) *Server {
	s := &Server{
		jobs: jobs,
		live: live,
		log:  log.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/start", s.startJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/cancel", s.cancelJob)
				r.Get("/export", s.exportEmails)
			})
		})
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.listWorkers)
			r.Get("/logs", s.workerLogs)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Listing one job exercises the durable store round trip.
	if _, _, err := s.jobs.ListJobs(r.Context(), "", 1, 0); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createJobRequest struct {
	Name      string               `json:"name"`
	CreatedBy string               `json:"created_by"`
	URLs      []string             `json:"urls"`
	Settings  *scraper.JobSettings `json:"settings"`
}

type createJobResponse struct {
	Job    scraper.Job             `json:"job"`
	Intake jobmanager.CreateReport `json:"intake"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, report, err := s.jobs.CreateJob(r.Context(), req.Name, req.CreatedBy, req.URLs, req.Settings)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createJobResponse{Job: job, Intake: report})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	status := scraper.JobStatus(r.URL.Query().Get("status"))
	jobs, total, err := s.jobs.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	details, err := s.jobs.JobDetails(r.Context(), id)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.jobs.DeleteJob(r.Context(), id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "deleted": true})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "running", s.jobs.StartJob)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "paused", s.jobs.PauseJob)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "cancelled", s.jobs.CancelJob)
}

func (s *Server) transition(
	w http.ResponseWriter,
	r *http.Request,
	status string,
	apply func(context.Context, int64) error,
) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := apply(r.Context(), id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": status})
}

func (s *Server) exportEmails(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	payload, filename, err := s.jobs.ExportEmails(r.Context(), id, format)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	contentType := "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	if format == jobmanager.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := w.Write(payload); err != nil {
		s.log.Error("export write failed", zap.Error(err))
	}
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	ids := s.live.ActiveWorkers(r.Context())
	workers := make([]scraper.WorkerSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.live.Worker(r.Context(), id); ok {
			workers = append(workers, snap)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

func (s *Server) workerLogs(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit", 100)
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.live.WorkerLogs(r.Context(), int64(n))})
}

// writeManagerError maps job manager failures onto HTTP statuses.
func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobmanager.ErrEmptyName),
		errors.Is(err, jobmanager.ErrNoValidURLs),
		errors.Is(err, jobmanager.ErrTooManyURLs),
		errors.Is(err, jobmanager.ErrUnknownFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobmanager.ErrInvalidTransition),
		errors.Is(err, jobmanager.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "job_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, elapsed)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("error", rec))
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

// routePattern resolves the chi pattern after routing so metric labels
// stay low-cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

type requestIDKey struct{}

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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
