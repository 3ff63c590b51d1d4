// Package api serves the HTTP control surface over the job store.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"supertask/internal/errors"
	"supertask/internal/jobs"
	"supertask/internal/models"
	"supertask/internal/namespace"
	"supertask/internal/ratelimit"
	"supertask/internal/store"
	"supertask/internal/telemetry"
)

const defaultExecutionLimit = 50

// Server wires HTTP handlers for job management.
type Server struct {
	svc     *jobs.Service
	limiter ratelimit.Limiter
	wake    func()
	log     *zap.SugaredLogger
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter throttles mutations per namespace.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithWake is called after every successful mutation.
func WithWake(fn func()) Option {
	return func(s *Server) { s.wake = fn }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// New constructs the API server.
func New(svc *jobs.Service, opts ...Option) *Server {
	s := &Server{svc: svc, wake: func() {}, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/namespaces/{ns}/jobs", func(r chi.Router) {
		r.Use(s.validNamespace)
		r.Get("/", s.handleList)
		r.With(s.rateLimited).Delete("/", s.handleDeleteAll)
		r.Get("/{id}", s.handleGet)
		r.With(s.rateLimited).Put("/{id}", s.handlePut)
		r.With(s.rateLimited).Delete("/{id}", s.handleDelete)
		r.Get("/{id}/executions", s.handleExecutions)
	})
	return r
}

// jobRequest is the writable part of a job. Identity comes from the path.
type jobRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Enabled     *bool          `json:"enabled"`
	Trigger     string         `json:"trigger"`
	Payload     models.Payload `json:"payload"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var filter store.Filter
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "enabled must be true or false", http.StatusBadRequest)
			return
		}
		filter.Enabled = &enabled
	}
	list, err := s.svc.List(r.Context(), chi.URLParam(r, "ns"), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), chi.URLParam(r, "ns"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", etag(job.Version))
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	expected, err := ifMatch(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req jobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	job := models.Job{
		Namespace:   chi.URLParam(r, "ns"),
		ID:          chi.URLParam(r, "id"),
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled == nil || *req.Enabled,
		Trigger:     req.Trigger,
		Payload:     req.Payload,
	}
	saved, err := s.svc.Put(r.Context(), job, expected)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Infow("job written", "namespace", saved.Namespace, "job_id", saved.ID, "version", saved.Version)
	s.wake()

	status := http.StatusOK
	if saved.Version == 1 {
		status = http.StatusCreated
	}
	w.Header().Set("ETag", etag(saved.Version))
	writeJSON(w, status, saved)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	expected, err := ifMatch(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ns, id := chi.URLParam(r, "ns"), chi.URLParam(r, "id")
	if err := s.svc.Delete(r.Context(), ns, id, expected); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Infow("job deleted", "namespace", ns, "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.DeleteAll(r.Context(), chi.URLParam(r, "ns"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultExecutionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ns, id := chi.URLParam(r, "ns"), chi.URLParam(r, "id")
	if _, err := s.svc.Get(r.Context(), ns, id); err != nil {
		s.writeError(w, err)
		return
	}
	recs, err := s.svc.Executions(r.Context(), ns, id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

func (s *Server) validNamespace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := namespace.Validate(chi.URLParam(r, "ns")); err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := s.limiter.Allow(r.Context(), chi.URLParam(r, "ns"))
		if err != nil {
			s.log.Warnw("rate limiter unavailable", "error", err)
			http.Error(w, "rate limit error", http.StatusServiceUnavailable)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err):
		code = http.StatusNotFound
	case errors.IsConflictError(err):
		code = http.StatusConflict
	case errors.IsInvalidError(err):
		code = http.StatusBadRequest
	case errors.IsUnavailableError(err):
		code = http.StatusServiceUnavailable
	default:
		s.log.Errorw("request failed", "error", err)
	}
	msg := err.Error()
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		msg += " (" + strings.Join(hints, "; ") + ")"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

// ifMatch reads the expected version. An absent header means unconditional.
func ifMatch(r *http.Request) (*int64, error) {
	v := strings.TrimSpace(r.Header.Get("If-Match"))
	if v == "" || v == "*" {
		return nil, nil
	}
	n, err := strconv.ParseInt(strings.Trim(strings.TrimPrefix(v, "W/"), `"`), 10, 64)
	if err != nil || n < 0 {
		return nil, errors.Newf("If-Match must be a job version, got %q", v)
	}
	return &n, nil
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
