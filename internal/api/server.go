// Package api serves the local status and provisioning HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host         string
	Port         int
	JWTSecret    string // empty disables every write endpoint
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns default API server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server represents the HTTP API server
type Server struct {
	config     ServerConfig
	logger     *logrus.Entry
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub

	device   Device
	profiles ProfileStore
	creds    CredentialReader

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new API server instance
func NewServer(config ServerConfig, device Device, profileStore ProfileStore, creds CredentialReader, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	s := &Server{
		config:   config,
		logger:   logger,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		device:   device,
		profiles: profileStore,
		creds:    creds,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub used for state change events
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the address the server is listening on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port, or 0 before Start
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Start listens and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithField("addr", ln.Addr().String()).Info("Starting API server")

	s.hub.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		s.hub.Stop()
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not closed by http.Server
	s.hub.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}

	s.logger.Info("API server shutdown complete")
	return nil
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/profiles/{id:[0-9]+}", s.handleGetProfile).Methods(http.MethodGet)
	api.HandleFunc("/wifi", s.handleGetWiFi).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	// Write endpoints require a bearer token
	protected := api.PathPrefix("").Subrouter()
	protected.Use(s.authenticationMiddleware)

	protected.HandleFunc("/profiles/{id:[0-9]+}", s.handlePutProfile).Methods(http.MethodPut)
	protected.HandleFunc("/profiles/{id:[0-9]+}", s.handleDeleteProfile).Methods(http.MethodDelete)
	protected.HandleFunc("/wifi", s.handlePutWiFi).Methods(http.MethodPut)
}
