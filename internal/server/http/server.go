// Package http provides the admin HTTP server for the load balancer:
// service and instance management, stats, selection probing and the
// Prometheus metrics endpoint.
package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avlb/internal/balancer"
	"github.com/vyrodovalexey/avlb/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// requestIDHeader carries the request correlation ID.
const requestIDHeader = "X-Request-Id"

// Server is the admin HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	balancer   *balancer.Balancer
	logger     observability.Logger
	config     *ServerConfig
	mu         sync.RWMutex
	running    bool
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:      ":8081",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// NewServer creates the admin server and registers all routes.
func NewServer(config *ServerConfig, b *balancer.Balancer, logger observability.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()

	s := &Server{
		engine:   engine,
		balancer: b,
		logger:   logger,
		config:   config,
	}

	engine.Use(gin.Recovery())
	engine.Use(s.requestIDMiddleware())
	engine.Use(s.loggingMiddleware())
	s.registerRoutes()

	return s
}

// Engine returns the underlying Gin engine. Used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// requestIDMiddleware assigns a UUID to requests that arrive without one.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// loggingMiddleware logs one line per completed request.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("admin request",
			observability.String("requestId", c.GetString("requestID")),
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("duration", time.Since(start)),
		)
	}
}

// registerRoutes wires all admin endpoints.
func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/services", s.handleListServices)
		v1.POST("/services", s.handleRegisterService)
		v1.GET("/services/:name", s.handleServiceStats)
		v1.DELETE("/services/:name", s.handleUnregisterService)

		v1.GET("/services/:name/instances", s.handleListInstances)
		v1.POST("/services/:name/instances", s.handleAddInstance)
		v1.DELETE("/services/:name/instances/:id", s.handleRemoveInstance)
		v1.POST("/services/:name/instances/:id/healthy", s.handleMarkHealthy)
		v1.POST("/services/:name/instances/:id/unhealthy", s.handleMarkUnhealthy)

		v1.GET("/services/:name/select", s.handleSelect)
	}
}

// Start starts the admin server. It blocks until the listener fails or
// the server is stopped.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting admin HTTP server",
		observability.String("address", s.config.Address),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop stops the admin server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("stopping admin HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
