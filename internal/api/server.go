// Package api exposes the HTTP interface for the orchestrator.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/ingest"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/signature"
)

// DefaultMaxBodyBytes caps signed ingestion bodies when no limit is configured.
const DefaultMaxBodyBytes = 10 << 20

// CrawlService is the user-facing crawl API.
type CrawlService interface {
	RequestCrawl(ctx context.Context, userID, projectID string) (crawl.Job, error)
	GetJob(ctx context.Context, userID, jobID string) (crawl.Job, error)
	CancelJob(ctx context.Context, userID, jobID, reason string) (crawl.Job, error)
	ShareJob(ctx context.Context, userID, jobID string, level crawl.ShareLevel, ttl time.Duration) (crawl.Job, error)
	ListJobs(ctx context.Context, userID, projectID string, limit int) ([]crawl.Job, error)
}

// Ingestor applies worker results.
type Ingestor interface {
	IngestBatch(ctx context.Context, batch ingest.Batch) (ingest.Result, error)
	Rescore(ctx context.Context, jobID string) (ingest.RescoreResult, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Config carries the HTTP-layer settings.
type Config struct {
	// Tokens maps bearer tokens to user IDs.
	Tokens         map[string]string
	Verifier       *signature.Verifier
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	ReadyChecks    map[string]ReadyCheck
}

// Server wires HTTP handlers to the crawl service and ingestor.
type Server struct {
	router   chi.Router
	crawls   CrawlService
	ingestor Ingestor
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(crawls CrawlService, ingestor Ingestor, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{crawls: crawls, ingestor: ingestor, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/crawls", s.requestCrawl)
		r.Route("/crawls/{job_id}", func(r chi.Router) {
			r.Get("/", s.getCrawl)
			r.Post("/cancel", s.cancelCrawl)
			r.Post("/share", s.shareCrawl)
		})
		r.Get("/projects/{project_id}/crawls", s.listCrawls)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.signedBody)
		r.Post("/ingest/batch", s.ingestBatch)
		r.Post("/ingest/rescore-llm", s.rescore)
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
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.cfg.ReadyChecks {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failing", failing))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
