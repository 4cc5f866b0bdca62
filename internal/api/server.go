// Package api provides the HTTP API server for the sync orchestrator.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/marketing-sync/internal/logging"
	"github.com/marketing-sync/internal/service"
	"github.com/marketing-sync/internal/types"
	"github.com/marketing-sync/internal/worker"
)

// SyncServiceInterface defines the sync service operations the server needs.
type SyncServiceInterface interface {
	TriggerSync(ctx context.Context, brandID string, platform types.Platform, force bool) (*service.TriggerResult, error)
	SyncStatus(ctx context.Context, brandID string, platform types.Platform) (*service.StatusResult, error)
	RevokeConnection(ctx context.Context, connectionID string) (int, error)
}

// Drainer defines the synchronous job-draining capability of the worker pool.
type Drainer interface {
	Drain(ctx context.Context, maxJobs int) []worker.Outcome
}

// HealthCheck probes one dependency's reachability.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	syncService  SyncServiceInterface
	drainer      Drainer
	config       *ServerConfig
	healthChecks map[string]HealthCheck
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, syncService SyncServiceInterface, drainer Drainer) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		syncService:  syncService,
		drainer:      drainer,
		config:       config,
		healthChecks: make(map[string]HealthCheck),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	readTimeout := s.config.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout == 0 {
		// The drain endpoint processes jobs synchronously.
		writeTimeout = 5 * time.Minute
	}
	idleTimeout := s.config.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = time.Minute
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Sync endpoints
	api.HandleFunc("/sync/{brandId}/{platform}", s.handleTriggerSync).Methods("POST")
	api.HandleFunc("/sync-status/{brandId}/{platform}", s.handleSyncStatus).Methods("GET")
	api.HandleFunc("/process", s.handleProcess).Methods("POST")

	// Connection lifecycle
	api.HandleFunc("/connections/{id}", s.handleRevokeConnection).Methods("DELETE")
}

// RegisterHealthCheck adds a named dependency probe to the health endpoint.
func (s *Server) RegisterHealthCheck(name string, check HealthCheck) {
	s.healthChecks[name] = check
}

// handleHealth reports service health plus the reachability of each
// registered dependency. Any failing probe degrades the response to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(s.healthChecks))
	for name, check := range s.healthChecks {
		if err := check(ctx); err != nil {
			status = "degraded"
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{
		"status":  status,
		"service": "marketing-sync",
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	respondJSON(w, code, body)
}

// Router returns the configured router, used by handler tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
