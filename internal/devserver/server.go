package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server is a small record API for exercising fieldsync clients locally.
type Server struct {
	config  Config
	http    *http.Server
	store   *Store
	metrics *Metrics
	limiter *RateLimiter
	rand    func() float64
	addr    string
	cancel  context.CancelFunc
}

// NewServer creates a Server with the given config and store.
func NewServer(cfg Config, store *Store) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		config:  cfg,
		store:   store,
		metrics: NewMetrics(),
		limiter: NewRateLimiter(),
		rand:    defaultRand,
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler exposes the routed handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Addr is the bound listen address once Start has returned.
func (s *Server) Addr() string {
	return s.addr
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr().String()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.config.RateLimit > 0 {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.limiter.cleanup()
				}
			}
		}()
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	mux.HandleFunc("POST /{resource}", s.record(s.handleCreate))
	mux.HandleFunc("GET /{resource}", s.record(s.handleList))
	mux.HandleFunc("GET /{resource}/{id}", s.record(s.handleGet))
	mux.HandleFunc("PUT /{resource}/{id}", s.record(s.handleReplace))
	mux.HandleFunc("PATCH /{resource}/{id}", s.record(s.handlePatch))
	mux.HandleFunc("DELETE /{resource}/{id}", s.record(s.handleDelete))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(s.config.MaxBodyBytes))
}

// record wraps a record route with auth, rate limiting and fault injection.
func (s *Server) record(h http.HandlerFunc) http.HandlerFunc {
	return s.requireToken(s.withRateLimit(s.withFaults(h)))
}

// handleHealth returns a health check response, pinging the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
