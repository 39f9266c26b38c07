// Package server provides the HTTP control API for the offline engine.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/offline-engine/engine"
	"github.com/wolfeidau/offline-engine/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server exposes engine status, statistics and operations over HTTP.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	engine     *engine.Engine
}

// New creates a new server for eng.
func New(cfg Config, eng *engine.Engine) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
		engine: eng,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // ForceSync can drain a long queue
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the complete handler chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Engine status and statistics
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Sync
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /queue/failed", s.handleFailed)
	mux.HandleFunc("POST /queue/failed/{id}/requeue", s.handleRequeue)

	// Intents and reads
	mux.HandleFunc("POST /intents", s.handleIntent)
	mux.HandleFunc("GET /fetch", s.handleFetch)

	// Offline data
	mux.HandleFunc("DELETE /data", s.handleClear)

	// Connectivity reports from the host application
	mux.HandleFunc("PUT /network/online", s.handleOnline)
	mux.HandleFunc("PUT /network/visible", s.handleVisible)

	// Error history
	mux.HandleFunc("GET /errors", s.handleErrors)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint and cache result.
		r = telemetry.InjectTags(r)
		telemetry.SetRoute(r, deriveRoute(r.URL.Path))
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != telemetry.CacheBypass {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			s.logger.Debug("http request", attrs...)
		} else {
			s.logger.Info("http request", attrs...)
		}

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
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

// deriveRoute groups request paths for metrics.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/metrics" || path == "/status" || path == "/stats":
		return "internal"
	case path == "/sync" || strings.HasPrefix(path, "/queue/"):
		return "sync"
	case path == "/intents":
		return "intents"
	case path == "/fetch":
		return "cache"
	case path == "/data":
		return "data"
	case strings.HasPrefix(path, "/network/"):
		return "network"
	case path == "/errors":
		return "errors"
	default:
		return "unknown"
	}
}
