package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/autoexec/internal/status"
)

// Router provides read-only HTTP handlers over a status store.
// Endpoints:
//
//	GET {basePath}/status   snapshot of every service
//
// Any other path answers 404 "Not Found".
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	store      *status.Store
	basePath   string
	managerPID int
	apiURL     string
}

// StatusResponse is the document served by the status endpoint.
type StatusResponse struct {
	ManagerPID int                             `json:"manager_pid"`
	APIURL     string                          `json:"api_url"`
	Services   map[string]status.ServiceStatus `json:"services"`
}

// NewRouter constructs a Router. apiURL is echoed in every response.
func NewRouter(store *status.Store, basePath string, managerPID int, apiURL string) *Router {
	return &Router{store: store, basePath: sanitizeBase(basePath), managerPID: managerPID, apiURL: apiURL}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET(r.basePath+"/status", r.handleStatus)
	g.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not Found")
	})
	return g
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, StatusResponse{
		ManagerPID: r.managerPID,
		APIURL:     r.apiURL,
		Services:   r.store.Snapshot(),
	})
}

// Server is a running status endpoint.
type Server struct {
	http   *http.Server
	ln     net.Listener
	apiURL string
	done   chan struct{}
}

// NewServer binds addr and serves the status router in its own goroutine.
// Bind errors are returned to the caller.
func NewServer(addr, basePath string, store *status.Store, managerPID int, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	apiURL := APIURL(addr, ln.Addr(), basePath)
	r := NewRouter(store, basePath, managerPID, apiURL)
	s := &Server{
		http: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ln:     ln,
		apiURL: apiURL,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("status server started", "url", apiURL)
	return s, nil
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// APIURL is the advertised status URL.
func (s *Server) APIURL() string { return s.apiURL }

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}

// APIURL derives the advertised status URL from the configured listen address,
// taking the port from bound when the configured one is 0 or missing.
func APIURL(listen string, bound net.Addr, basePath string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		host = listen
	}
	if bound != nil {
		if _, p, err := net.SplitHostPort(bound.String()); err == nil && (port == "" || port == "0") {
			port = p
		}
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + sanitizeBase(basePath) + "/status"
}
