package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"scalestack/pkg/logging"
)

const subsystem = "Admin"

// EndpointPath is the path of the MCP endpoint.
const EndpointPath = "/mcp"

// ServerName is announced to MCP clients.
const ServerName = "scalestack-admin"

// Config configures the admin server.
type Config struct {
	Listen  string
	Version string
}

// Server serves the admin tools with the MCP streamable HTTP transport.
type Server struct {
	config Config
	tools  *Tools
	mcp    *server.MCPServer
	server *http.Server

	mu   sync.Mutex
	addr string

	shutdownOnce sync.Once
}

// NewServer creates a stopped admin server for node.
func NewServer(config Config, node Node) *Server {
	if config.Version == "" {
		config.Version = "dev"
	}
	tools := NewTools(node)
	mcpServer := server.NewMCPServer(
		ServerName,
		config.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	mcpServer.AddTools(tools.ServerTools()...)

	s := &Server{
		config: config,
		tools:  tools,
		mcp:    mcpServer,
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving the MCP endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(EndpointPath, server.NewStreamableHTTPServer(s.mcp))
	return r
}

// Start listens on the configured address and serves until ctx is cancelled
// or the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("admin server listen on %s: %w", s.config.Listen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		logging.Info(subsystem, "Admin server listening on http://%s%s", ln.Addr(), EndpointPath)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("admin server failed: %w", err)
	}
}

// Stop shuts the server down and stops renewing admin claims. It is safe to
// call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.tools.Close()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("admin server shutdown: %w", err)
			logging.Error(subsystem, err, "Admin server shutdown failed")
			return
		}
		logging.Info(subsystem, "Admin server stopped")
	})
	return shutdownErr
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Endpoint returns the URL clients connect to, or "" before Start.
func (s *Server) Endpoint() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	return "http://" + addr + EndpointPath
}

// EndpointFor returns the admin URL for a listen address. Unspecified hosts
// are reached over the loopback interface.
func EndpointFor(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + EndpointPath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + EndpointPath
}
