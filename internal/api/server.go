// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/queue"
	"github.com/preyanshu/chainwatch/internal/storage"
	"github.com/preyanshu/chainwatch/internal/types"
)

// Service interfaces for dependency injection and testing

// SchedulerInterface defines the scheduler operations the API uses
type SchedulerInterface interface {
	Submit(ctx context.Context, spec *models.JobSpec) (*models.Job, error)
	Delete(ctx context.Context, id string) (bool, error)
	ClearAll(ctx context.Context) ([]string, error)
	QueueStatus(ctx context.Context) (*queue.Counts, error)
}

// JobReaderInterface defines the job store reads the API uses
type JobReaderInterface interface {
	GetByID(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, status types.JobStatus) ([]*models.Job, error)
	GetLogs(ctx context.Context, jobID string, source types.LogSource, filter storage.LogFilter) ([]*models.JobLogEntry, error)
	LastErrorLog(ctx context.Context, jobID string) (*models.JobLogEntry, error)
}

// HealthChecker reports reachability of a backing service
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	scheduler  SchedulerInterface
	jobs       JobReaderInterface
	config     *ServerConfig
	health     map[string]HealthChecker
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, scheduler SchedulerInterface, jobs JobReaderInterface, health map[string]HealthChecker) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		scheduler: scheduler,
		jobs:      jobs,
		config:    config,
		health:    health,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rps := s.config.RequestsPerSec
	if rps <= 0 {
		rps = 50
	}
	rateLimiter := NewRateLimiter(rps)

	// Middleware order matters: logging wraps everything, recovery
	// catches panics before they reach the listener.
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes. Literal paths register before
// the {id} patterns so clear-all and queue-status never match as ids.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	s.router.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	s.router.HandleFunc("/jobs/queue-status", s.handleQueueStatus).Methods("GET")
	s.router.HandleFunc("/jobs/failed", s.handleFailedJobs).Methods("GET")
	s.router.HandleFunc("/jobs/clear-all", s.handleClearAll).Methods("DELETE")
	s.router.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	s.router.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods("DELETE")
	s.router.HandleFunc("/jobs/{id}/logs", s.handleJobLogs).Methods("GET")
	s.router.HandleFunc("/jobs/{id}/service-logs", s.handleJobServiceLogs).Methods("GET")
}

// handleHealth reports the server and backing-store status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"service": "chainwatch"}
	healthy := true
	for name, checker := range s.health {
		if err := checker.Ping(ctx); err != nil {
			status[name] = "unreachable"
			healthy = false
		} else {
			status[name] = "ok"
		}
	}

	if healthy {
		status["status"] = "healthy"
		respondJSON(w, http.StatusOK, status)
		return
	}
	status["status"] = "degraded"
	respondJSON(w, http.StatusServiceUnavailable, status)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
