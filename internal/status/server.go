// Package status serves the HTTP health checks, the Prometheus metrics and the
// profile report of a running instance.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"scalestack/pkg/logging"
)

const subsystem = "Status"

// Default server timeouts.
const (
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Config configures the status server.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
}

// Server serves the status endpoints over HTTP.
//
// Endpoints:
//   - GET /health: liveness check
//   - GET /health/ready: readiness check, 503 until every service runs
//   - GET /status: services, peers, claims and bus counters
//   - GET /metrics: Prometheus metrics, when a gatherer is given
//   - GET <profile path>: recent lifecycle timings of the profile service
type Server struct {
	config Config
	server *http.Server

	mu   sync.Mutex
	addr string

	shutdownOnce sync.Once
}

// NewServer creates a stopped server. gatherer may be nil.
func NewServer(config Config, src Source, gatherer prometheus.Gatherer) *Server {
	config.applyDefaults()
	return &Server{
		config: config,
		server: &http.Server{
			Handler:      NewRouter(src, gatherer),
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Start listens on the configured address and serves until ctx is cancelled
// or the server fails. Cancellation shuts the server down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("status server listen on %s: %w", s.config.Listen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		logging.Info(subsystem, "Status server listening on http://%s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// ctx is already cancelled; shut down on a fresh deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("status server failed: %w", err)
	}
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("status server shutdown: %w", err)
			logging.Error(subsystem, err, "Status server shutdown failed")
			return
		}
		logging.Info(subsystem, "Status server stopped")
	})
	return shutdownErr
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
