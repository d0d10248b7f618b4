// Package server provides the HTTP front end of the mirror.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/simple-mirror/backend"
	"github.com/wolfeidau/simple-mirror/blobcache"
	"github.com/wolfeidau/simple-mirror/cache"
	"github.com/wolfeidau/simple-mirror/mirror"
	"github.com/wolfeidau/simple-mirror/protocol/pypi"
	"github.com/wolfeidau/simple-mirror/store/records"
	"github.com/wolfeidau/simple-mirror/telemetry"
)

// Mirror is the sync engine the routes read from.
type Mirror interface {
	Repository(ctx context.Context, slug string) (*records.Repository, error)
	GetPackage(ctx context.Context, slug, name string) (*records.Package, error)
	GetPackageFile(ctx context.Context, slug, name, filename string) (blobcache.File, error)
}

// FileServer answers a request with a cached file.
type FileServer interface {
	Serve(w http.ResponseWriter, r *http.Request, f blobcache.File) error
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// AuthToken enables Bearer token authentication when non-empty.
	AuthToken string

	// HealthCheck, when set, is called by /health. An error reports the
	// server as unavailable.
	HealthCheck func(ctx context.Context) error

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the mirror.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	svc   Mirror
	files FileServer
	pages cache.Cache
}

// New creates a new server. Rendered index pages are memoized in pages.
func New(cfg Config, svc Mirror, files FileServer, pages cache.Cache) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute // large wheels on a cold cache
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		svc:    svc,
		files:  files,
		pages:  pages,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped route handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /{repository}/simple/{package}/{$}", s.handleIndex)
	mux.HandleFunc("GET /{repository}/simple/{package}", s.handleIndexSlash)
	mux.HandleFunc("GET /{repository}/file/{package}/{version}/{filename}", s.handleFile)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.config.HealthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.config.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleIndexSlash redirects a project page request to its canonical
// trailing-slash form.
func (s *Server) handleIndexSlash(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "index")
	http.Redirect(w, r, withQuery(r.URL.Path+"/", r), http.StatusMovedPermanently)
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// writeError maps service errors onto HTTP status codes. Unexpected errors
// are logged and answered with a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, mirror.ErrRepositoryNotFound),
		errors.Is(err, mirror.ErrPackageNotFound),
		errors.Is(err, mirror.ErrPackageFileNotFound),
		errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pypi.ErrIndexParsing):
		return http.StatusServiceUnavailable
	case errors.Is(err, blobcache.ErrDigestMismatch),
		errors.Is(err, pypi.ErrUpstreamStatus),
		errors.Is(err, pypi.ErrIndexTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Repository != "" {
			attrs = append(attrs, "repository", tags.Repository)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// withQuery appends the raw query of r to path.
func withQuery(path string, r *http.Request) string {
	if r.URL.RawQuery == "" {
		return path
	}
	return path + "?" + r.URL.RawQuery
}

