// Package http exposes the progression engine over a JSON REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// AllowedOrigins for CORS. Empty disables the CORS middleware.
	AllowedOrigins []string

	// EnableMetrics mounts GET /metrics.
	EnableMetrics bool

	// ServiceName is the span name prefix used by the tracing middleware.
	ServiceName string

	// Mode is the gin mode: "release", "debug" or "test".
	Mode string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxBodyBytes:   1 << 20, // 1 MB
		AllowedOrigins: []string{"*"},
		EnableMetrics:  true,
		ServiceName:    "progressiond",
		Mode:           gin.ReleaseMode,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// ProgressSubmitter is the write side of the API.
type ProgressSubmitter interface {
	Handle(ctx context.Context, cmd command.SubmitProgressCommand) (*command.SubmitProgressResult, error)
}

// NodeStatusReader answers single-node status queries.
type NodeStatusReader interface {
	Handle(ctx context.Context, q query.GetNodeStatusQuery) (*query.NodeStatusDTO, error)
}

// CourseProgressReader answers whole-course queries.
type CourseProgressReader interface {
	Handle(ctx context.Context, q query.GetCourseProgressQuery) (*query.CourseProgressDTO, error)
}

// RequestObserver records per-request metrics.
type RequestObserver interface {
	HTTPRequest(method, route, status string, d time.Duration)
}

// MetricsExporter serves the metrics registry.
type MetricsExporter interface {
	Handler() http.Handler
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	Submit         ProgressSubmitter
	NodeStatus     NodeStatusReader
	CourseProgress CourseProgressReader

	// Health backs /health and /ready. Nil reports healthy with no checks.
	Health *handlers.HealthChecker

	// Observer and Metrics are optional.
	Observer RequestObserver
	Metrics  MetricsExporter

	Logger *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Health == nil {
		deps.Health = handlers.NewHealthChecker("")
	}

	s := &Server{
		config: config,
		deps:   deps,
		engine: gin.New(),
		logger: deps.Logger.With(logger.Component("http")),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Address(),
		Handler:      s.engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupMiddleware() {
	s.engine.Use(
		requestIDMiddleware(),
		recoveryMiddleware(s.logger),
		otelgin.Middleware(s.config.ServiceName),
		accessLogMiddleware(s.logger, s.deps.Observer),
	)
	if len(s.config.AllowedOrigins) > 0 {
		s.engine.Use(cors.New(cors.Config{
			AllowOrigins:  s.config.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{"Content-Type", "Authorization", headerRequestID},
			ExposeHeaders: []string{headerRequestID, "Retry-After"},
			MaxAge:        12 * time.Hour,
		}))
	}
	if s.config.MaxBodyBytes > 0 {
		s.engine.Use(bodyLimitMiddleware(s.config.MaxBodyBytes))
	}
}

func (s *Server) setupRoutes() {
	s.engine.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "not_found", "route not found", nil)
	})

	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)

	if s.config.EnableMetrics && s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	api := s.engine.Group("/api/v1")
	{
		api.POST("/progress-events", s.handleSubmitProgress)
		api.GET("/users/:user_id/nodes/:node_id/status", s.handleNodeStatus)
		api.GET("/users/:user_id/courses/:course_id/progress", s.handleCourseProgress)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Address()
}
