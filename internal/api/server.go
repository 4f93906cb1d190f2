package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/config"
	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/dispatcher"
	"github.com/JakeFAU/registry-crawler/internal/id/uuid"
	"github.com/JakeFAU/registry-crawler/internal/metrics"
	"github.com/JakeFAU/registry-crawler/internal/orchestrator"
)

const (
	defaultRequestTimeout = 5 * time.Minute
	readyTimeout          = 2 * time.Second
	enqueueTimeout        = 5 * time.Second
	defaultFieldKeyLimit  = 100
	maxFieldKeyLimit      = 1000
)

// Orchestrator is the subset of *orchestrator.Orchestrator the API triggers.
type Orchestrator interface {
	Run(ctx context.Context, opts orchestrator.RunOptions) (crawler.RunResult, error)
	CreateRegistry(ctx context.Context, registry crawler.Registry) (crawler.Registry, error)
	ParseNamesFromCode(ctx context.Context, opts orchestrator.WalkOptions) (crawler.WalkResult, error)
}

// Dispatcher is the subset of *dispatcher.Dispatcher the API enqueues through.
type Dispatcher interface {
	Enqueue(ctx context.Context, task crawler.Task) error
	EnqueueName(ctx context.Context, nameID int64, jobID string) (crawler.Task, error)
	EnqueuePendingNames(ctx context.Context) (dispatcher.BulkResult, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator, dispatcher, and store.
type Server struct {
	router     chi.Router
	store      crawler.Store
	orch       Orchestrator
	dispatcher Dispatcher
	idGen      crawler.IDGenerator
	clock      crawler.Clock
	logger     *zap.Logger
}

// Options holds optional server settings.
type Options struct {
	// RequestTimeout bounds every request, including synchronous walks.
	RequestTimeout time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store crawler.Store,
	orch Orchestrator,
	dispatch Dispatcher,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		store:      store,
		orch:       orch,
		dispatcher: dispatch,
		idGen:      idGen,
		clock:      clock,
		logger:     logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/registries", s.createRegistry)
		r.Post("/registries/run", s.runRegistry)
		r.Post("/codes/walk", s.walkCode)
		r.Route("/names", func(r chi.Router) {
			r.Post("/enqueue-pending", s.enqueuePendingNames)
			r.Post("/{name_id}/enqueue", s.enqueueName)
		})
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/cancel", s.cancelJob)
		})
		r.Get("/field-keys", s.listFieldKeys)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	pinger, ok := s.store.(Pinger)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Shortname string `json:"shortname"`
	URL       string `json:"url"`
	Force     bool   `json:"force"`
}

func (s *Server) runRegistry(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.orch.Run(r.Context(), orchestrator.RunOptions{
		Shortname: req.Shortname,
		URL:       req.URL,
		Force:     req.Force,
	})
	if err != nil {
		s.internalError(w, "registry run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type createRegistryRequest struct {
	Shortname      string                 `json:"shortname"`
	URL            string                 `json:"url"`
	BasePath       string                 `json:"base_path"`
	Charset        string                 `json:"charset"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	Selectors      crawler.SelectorConfig `json:"selectors"`
}

func (s *Server) createRegistry(w http.ResponseWriter, r *http.Request) {
	var req createRegistryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	registry, err := s.orch.CreateRegistry(r.Context(), crawler.Registry{
		Shortname: req.Shortname,
		URL:       req.URL,
		BasePath:  req.BasePath,
		Charset:   req.Charset,
		Selectors: req.Selectors,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
	})
	switch {
	case errors.Is(err, crawler.ErrInvalidRegistry), errors.Is(err, crawler.ErrInvalidSelectors):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, crawler.ErrDuplicateRegistry):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.internalError(w, "registry create failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"registry": registry})
}

type walkRequest struct {
	CodeID   int64 `json:"code_id"`
	MaxPages int   `json:"max_pages"`
	Async    bool  `json:"async"`
}

func (s *Server) walkCode(w http.ResponseWriter, r *http.Request) {
	var req walkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CodeID < 0 || req.MaxPages < 0 {
		writeError(w, http.StatusBadRequest, "code_id and max_pages must be >= 0")
		return
	}
	if req.Async {
		if req.MaxPages > 0 {
			writeError(w, http.StatusBadRequest, "max_pages is not supported for async walks")
			return
		}
		s.walkCodeAsync(w, r, req.CodeID)
		return
	}
	result, err := s.orch.ParseNamesFromCode(r.Context(), orchestrator.WalkOptions{
		CodeID:   req.CodeID,
		MaxPages: req.MaxPages,
	})
	if err != nil {
		s.internalError(w, "walk failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// walkCodeAsync records a queued crawl job and hands the walk to the workers.
func (s *Server) walkCodeAsync(w http.ResponseWriter, r *http.Request, codeID int64) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		s.internalError(w, "generate job id failed", err)
		return
	}
	now := s.clock.Now()
	job := crawler.CrawlJob{
		ID:        jobID,
		Kind:      crawler.TaskWalkCode,
		TargetID:  codeID,
		Status:    crawler.CrawlJobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CrawlJobs().Create(r.Context(), job); err != nil {
		s.internalError(w, "create crawl job failed", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	task := crawler.Task{ID: jobID, Name: crawler.TaskWalkCode, Arg: codeID, EnqueuedAt: now}
	if err := s.dispatcher.Enqueue(ctx, task); err != nil {
		errText := fmt.Sprintf("enqueue: %v", err)
		if updateErr := s.store.CrawlJobs().UpdateStatus(
			context.WithoutCancel(r.Context()), jobID, crawler.CrawlJobFailed, errText,
		); updateErr != nil {
			s.logger.Error("mark crawl job failed", zap.String("job_id", jobID), zap.Error(updateErr))
		}
		s.internalError(w, "enqueue walk failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(crawler.CrawlJobQueued),
	})
}

type enqueueNameRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) enqueueName(w http.ResponseWriter, r *http.Request) {
	nameID, err := strconv.ParseInt(chi.URLParam(r, "name_id"), 10, 64)
	if err != nil || nameID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid name_id")
		return
	}
	var req enqueueNameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	task, err := s.dispatcher.EnqueueName(ctx, nameID, req.JobID)
	switch {
	case err == nil:
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "name not found")
		return
	case errors.Is(err, crawler.ErrDuplicateTask):
		writeError(w, http.StatusConflict, "job already queued")
		return
	default:
		s.internalError(w, "enqueue name failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"job_id": task.ID,
	})
}

func (s *Server) enqueuePendingNames(w http.ResponseWriter, r *http.Request) {
	result, err := s.dispatcher.EnqueuePendingNames(r.Context())
	if err != nil {
		s.internalError(w, "enqueue pending names failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "queued",
		"enqueued": result.Enqueued,
		"skipped":  result.Skipped,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.CrawlJobs().Get(r.Context(), jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.internalError(w, "load crawl job failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.store.CrawlJobs().RequestCancel(r.Context(), jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.internalError(w, "request cancel failed", err)
		return
	}
	s.logger.Info("cancel requested", zap.String("job_id", jobID))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":           jobID,
		"cancel_requested": true,
	})
}

func (s *Server) listFieldKeys(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultFieldKeyLimit, maxFieldKeyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	keys, err := s.store.FieldKeys().List(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list field keys failed", err)
		return
	}
	if keys == nil {
		keys = []crawler.FieldKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"field_keys": keys})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody decodes an optional JSON body; an empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.RequestID()
		}
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
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
