// Package server provides the HTTP server for the image cache.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/image-cache/fetch"
	"github.com/wolfeidau/image-cache/guard"
	"github.com/wolfeidau/image-cache/origin"
	"github.com/wolfeidau/image-cache/store"
	"github.com/wolfeidau/image-cache/telemetry"
	"github.com/wolfeidau/image-cache/transform"
)

// DefaultCacheControl is sent with served artifacts. Canonical paths are
// immutable: the same key always yields the same bytes.
const DefaultCacheControl = "public, max-age=31536000, immutable"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for the artifact store.
	StoragePath string

	// DisableStorage turns off artifact persistence. Every request is
	// produced from the source and served inline.
	DisableStorage bool

	// CacheTTL is the time-to-live for cached artifacts.
	// Artifacts not served within this duration are expired.
	// Zero disables TTL-based expiration.
	CacheTTL time.Duration

	// CacheMaxSize is the maximum size of the artifact cache in bytes.
	// When exceeded, least-recently-served artifacts are evicted.
	// Zero disables size-based eviction.
	CacheMaxSize int64

	// ExpiryCheckInterval is how often to check for expired artifacts.
	// Default is 1 hour.
	ExpiryCheckInterval time.Duration

	// FetchTimeout bounds a single source fetch. Default 10s.
	FetchTimeout time.Duration

	// MaxSourceSize is the source download ceiling in bytes. Default 20 MiB.
	MaxSourceSize int64

	// MaxOutputSize is the inline serving ceiling in bytes. Default 10 MiB.
	MaxOutputSize int64

	// CacheControl overrides the Cache-Control header sent with artifacts.
	CacheControl string

	// AuthToken enables Bearer token authentication when non-empty.
	AuthToken string

	// AllowLoopbackSources permits fetching from loopback addresses.
	// For local development only.
	AllowLoopbackSources bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the image cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store     *store.FileStore
	origin    *origin.Service
	expiryMgr *store.ExpiryManager
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = fetch.DefaultTimeout
	}
	if cfg.MaxSourceSize == 0 {
		cfg.MaxSourceSize = fetch.DefaultMaxBytes
	}
	if cfg.MaxOutputSize == 0 {
		cfg.MaxOutputSize = origin.DefaultMaxOutputSize
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = DefaultCacheControl
	}

	guardOpts := []guard.Option{
		guard.WithLogger(cfg.Logger.With("component", "guard")),
	}
	if cfg.AllowLoopbackSources {
		guardOpts = append(guardOpts, guard.WithAllowLoopback())
	}
	originGuard := guard.New(guardOpts...)

	fetcher := fetch.New(
		fetch.WithGuard(originGuard),
		fetch.WithTransport(telemetry.NewInstrumentedTransport(nil)),
		fetch.WithTimeout(cfg.FetchTimeout),
		fetch.WithMaxBytes(cfg.MaxSourceSize),
		fetch.WithLogger(cfg.Logger.With("component", "fetch")),
	)

	transformer := transform.New(
		transform.WithLogger(cfg.Logger.With("component", "transform")),
	)

	var fileStore *store.FileStore
	var expiryMgr *store.ExpiryManager
	if !cfg.DisableStorage {
		var err error
		fileStore, err = store.NewFileStore(cfg.StoragePath,
			store.WithLogger(cfg.Logger.With("component", "store")),
		)
		if err != nil {
			return nil, fmt.Errorf("creating artifact store: %w", err)
		}

		if cfg.CacheTTL > 0 || cfg.CacheMaxSize > 0 {
			expiryCfg := store.ExpiryConfig{
				TTL:           cfg.CacheTTL,
				MaxSize:       cfg.CacheMaxSize,
				CheckInterval: cfg.ExpiryCheckInterval,
				Logger:        cfg.Logger.With("component", "expiry"),
			}
			expiryMgr = store.NewExpiryManager(fileStore, expiryCfg)
		}
	}

	originOpts := []origin.Option{
		origin.WithMaxOutputSize(cfg.MaxOutputSize),
		origin.WithLogger(cfg.Logger.With("component", "origin")),
	}
	if fileStore != nil {
		originOpts = append(originOpts, origin.WithStore(fileStore))
	}
	originSvc := origin.New(fetcher, transformer, originOpts...)

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		store:     fileStore,
		origin:    originSvc,
		expiryMgr: expiryMgr,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Canonical proxy paths
	mux.HandleFunc("GET /proxy/", s.handleProxy)
	mux.HandleFunc("HEAD /proxy/", s.handleProxy)

	// Edge entry point: query-parameter requests normalised to canonical paths
	mux.HandleFunc("GET /{$}", s.handleEdge)
	mux.HandleFunc("HEAD /{$}", s.handleEdge)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.store == nil {
		_, _ = w.Write([]byte(`{"error":"storage disabled"}`))
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_, _ = fmt.Fprintf(w, `{"artifacts":%d,"total_size":%d,"oldest_used":"%s","newest_used":"%s"}`,
		stats.Artifacts,
		stats.TotalSize,
		stats.OldestUsed.Format(time.RFC3339),
		stats.NewestUsed.Format(time.RFC3339),
	)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Outcome != "" {
			attrs = append(attrs, "outcome", tags.Outcome)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	if s.expiryMgr != nil {
		s.logger.Info("starting expiry manager",
			"ttl", s.config.CacheTTL,
			"max_size", s.config.CacheMaxSize,
			"check_interval", s.config.ExpiryCheckInterval,
		)
		if err := s.expiryMgr.Start(context.Background()); err != nil {
			return fmt.Errorf("starting expiry manager: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.expiryMgr != nil {
		s.expiryMgr.Stop()
	}

	err := s.httpServer.Shutdown(ctx)

	if s.store != nil {
		if closeErr := s.store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
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
