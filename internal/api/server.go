package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/browser"
	"github.com/JakeFAU/qa-scanner/internal/memory"
	"github.com/JakeFAU/qa-scanner/internal/metrics"
	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
)

// Config controls the HTTP surface.
type Config struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
	// APIKey, when set, is required in the X-API-Key header on /v1 routes.
	APIKey string `mapstructure:"api_key"`
}

// Jobs is the asynchronous job surface.
type Jobs interface {
	Submit(ctx context.Context, payload queue.Payload, opts queue.SubmitOptions) (string, error)
	PollProgress(ctx context.Context, jobID string) (queue.Progress, error)
}

// Scanner runs a synchronous single-page scan.
type Scanner interface {
	Scan(ctx context.Context, req qa.ScanRequest) (qa.ScanResult, error)
}

// PoolStatus reports browser pool state.
type PoolStatus interface {
	Stats() browser.Stats
	Ready() bool
}

// MemoryStatus reports memory monitor state.
type MemoryStatus interface {
	Report() memory.Report
}

// Deps are the components the handlers call. Nil components make their routes return 503.
type Deps struct {
	Jobs    Jobs
	Scanner Scanner
	Pool    PoolStatus
	Memory  MemoryStatus
}

// Server wires HTTP handlers to the scanner components.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 3 * time.Minute
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/jobs", s.submitJob)
			r.Get("/jobs/{job_id}", s.getJob)
			r.Get("/pool", s.poolStats)
			r.Get("/memory", s.memoryReport)
		})
		r.Post("/scans", s.scan)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil || !s.deps.Pool.Ready() {
		writeError(w, http.StatusServiceUnavailable, "browser pool not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	Kind        queue.Kind        `json:"kind"`
	SiteID      string            `json:"site_id"`
	URLs        []string          `json:"urls"`
	Checks      []qa.CheckKind    `json:"checks"`
	MaxPages    int               `json:"max_pages"`
	TestForms   bool              `json:"test_forms"`
	SubmitForms bool              `json:"submit_forms"`
	FormValues  qa.FormValues     `json:"form_values"`
	Tags        map[string]string `json:"tags"`
	Priority    int               `json:"priority"`
	MaxAttempts int               `json:"max_attempts"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
		return
	}
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Kind == "" {
		req.Kind = queue.KindScan
	}
	jobID, err := s.deps.Jobs.Submit(r.Context(), queue.Payload{
		Kind:        req.Kind,
		SiteID:      req.SiteID,
		URLs:        req.URLs,
		Checks:      req.Checks,
		MaxPages:    req.MaxPages,
		TestForms:   req.TestForms,
		SubmitForms: req.SubmitForms,
		FormValues:  req.FormValues,
		Tags:        req.Tags,
	}, queue.SubmitOptions{Priority: req.Priority, MaxAttempts: req.MaxAttempts})
	if err != nil {
		if errors.Is(err, queue.ErrSubmissionThrottled) {
			w.Header().Set("Retry-After", "1")
		}
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
		return
	}
	progress, err := s.deps.Jobs.PollProgress(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner unavailable")
		return
	}
	var req qa.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ScanTimeout)
	defer cancel()
	res, err := s.deps.Scanner.Scan(ctx, req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "browser pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

func (s *Server) memoryReport(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory monitor unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Memory.Report())
}

// writeFailure maps domain errors to status codes.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, qa.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, qa.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrSubmissionThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, qa.ErrCapacity), errors.Is(err, queue.ErrQueueFull), errors.Is(err, qa.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, qa.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, qa.ErrUnauthorized):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": strconv.Itoa(status)})
}
