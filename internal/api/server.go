package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/metrics"
	"github.com/JakeFAU/pagecapture/internal/queue"
)

const (
	maxRequestBytes   = 64 << 10
	defaultRetryAfter = 5 * time.Second
	defaultTimeout    = 60 * time.Second
)

// JobQueue is the part of the queue manager the handlers use.
type JobQueue interface {
	Enqueue(input capture.JobInput) (string, error)
	GetStatus(jobID string) (capture.Job, error)
	Claim(jobID string) (capture.ArtifactRef, error)
	Unclaim(jobID string)
	OpenArtifact(ctx context.Context, ref capture.ArtifactRef) (io.ReadCloser, error)
	Release(ctx context.Context, jobID string) error
	Stats() queue.Stats
}

// Options configures the server.
type Options struct {
	// APIKey enables X-API-Key authentication on /v1 when set.
	APIKey string
	// RequestTimeout bounds non-streaming handlers (default 60s).
	RequestTimeout time.Duration
	// RetryAfter is advertised when the queue is full or an artifact is not
	// ready (default 5s).
	RetryAfter time.Duration
}

// Server wires HTTP handlers to the job queue.
type Server struct {
	router   chi.Router
	queue    JobQueue
	validate *validator.Validate
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(q JobQueue, opts Options, logger *zap.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultTimeout
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = defaultRetryAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:    q,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.With(timeoutMiddleware(opts.RequestTimeout)).Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.With(timeoutMiddleware(opts.RequestTimeout)).Get("/", s.getJob)
				r.Get("/artifact", s.downloadArtifact)
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
	stats := s.queue.Stats()
	status := http.StatusOK
	state := "ready"
	if stats.ShuttingDown {
		status = http.StatusServiceUnavailable
		state = "shutting_down"
	}
	writeJSON(w, status, map[string]any{"status": state, "queue": stats})
}

type submitResponse struct {
	JobID    string            `json:"job_id"`
	Status   capture.JobStatus `json:"status"`
	Position *int              `json:"position"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var input capture.JobInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(input); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	jobID, err := s.queue.Enqueue(input)
	switch {
	case errors.Is(err, capture.ErrQueueFull):
		s.setRetryAfter(w)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, capture.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	case err != nil:
		s.logger.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	resp := submitResponse{JobID: jobID, Status: capture.JobStatusQueued}
	if job, err := s.queue.GetStatus(jobID); err == nil {
		resp.Status = job.Status
		resp.Position = job.Position
	}
	w.Header().Set("Location", "/v1/jobs/"+jobID)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetStatus(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// downloadArtifact claims the artifact, streams it and releases it once the
// body has been written in full. A failed stream gives the claim back.
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	ref, err := s.queue.Claim(jobID)
	switch {
	case errors.Is(err, capture.ErrArtifactNotReady):
		s.setRetryAfter(w)
		writeError(w, http.StatusConflict, "artifact not ready")
		return
	case errors.Is(err, capture.ErrArtifactNotFound), errors.Is(err, capture.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	case err != nil:
		s.logger.Error("retrieve artifact failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve artifact")
		return
	}

	body, err := s.queue.OpenArtifact(r.Context(), ref)
	if err != nil {
		s.queue.Unclaim(jobID)
		s.logger.Error("open artifact failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open artifact")
		return
	}
	defer func() {
		if cerr := body.Close(); cerr != nil {
			s.logger.Warn("close artifact failed", zap.String("job_id", jobID), zap.Error(cerr))
		}
	}()

	w.Header().Set("Content-Type", ref.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+path.Ext(ref.Path)))
	if ref.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	}
	if ref.SHA256 != "" {
		w.Header().Set("X-Content-SHA256", ref.SHA256)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.queue.Unclaim(jobID)
		s.logger.Warn("artifact download interrupted", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	if err := s.queue.Release(context.WithoutCancel(r.Context()), jobID); err != nil {
		s.logger.Warn("release after download failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Server) setRetryAfter(w http.ResponseWriter) {
	secs := int(s.opts.RetryAfter.Round(time.Second) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "http_url":
		return fmt.Sprintf("%s must be an absolute http or https URL", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
