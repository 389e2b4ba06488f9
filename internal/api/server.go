// Package api implements the HTTP surface: the Anthropic-compatible
// messages/count_tokens/models routes, the buffered cc/v1 variant, and the
// admin routes gated on a configured admin key.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huazz233/kiro-proxy/internal/config"
	"github.com/huazz233/kiro-proxy/internal/executor"
	"github.com/huazz233/kiro-proxy/internal/metrics"
	"github.com/huazz233/kiro-proxy/internal/pool"
	"github.com/sirupsen/logrus"
)

// ServerOption customizes Server construction.
type ServerOption func(*serverOptions)

type serverOptions struct {
	engineConfigurator func(*gin.Engine)
	bodyLimitBytes     int64
}

// WithEngineConfigurator runs fn against the underlying gin.Engine before
// routes are registered, for callers that need to attach extra middleware.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(o *serverOptions) { o.engineConfigurator = fn }
}

// WithBodyLimitBytes overrides the default 50 MiB request body ceiling.
func WithBodyLimitBytes(n int64) ServerOption {
	return func(o *serverOptions) { o.bodyLimitBytes = n }
}

const defaultBodyLimitBytes = 50 << 20

// Server hosts the gin engine and its lifecycle.
type Server struct {
	cfg      *config.Config
	pool     *pool.Pool
	executor *executor.Executor
	log      *logrus.Logger

	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer wires the pool, executor, and config into a routed gin engine.
func NewServer(cfg *config.Config, p *pool.Pool, ex *executor.Executor, log *logrus.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	options := serverOptions{bodyLimitBytes: defaultBodyLimitBytes}
	for _, opt := range opts {
		opt(&options)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginLogger(log), ginRecovery(log))
	engine.Use(requestIDMiddleware())
	engine.Use(metrics.Middleware())
	engine.Use(bodyLimitMiddleware(options.bodyLimitBytes))

	if options.engineConfigurator != nil {
		options.engineConfigurator(engine)
	}

	s := &Server{cfg: cfg, pool: p, executor: ex, log: log, engine: engine}
	s.setupRoutes(options)
	return s
}

func (s *Server) setupRoutes(options serverOptions) {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", metrics.Handler())

	auth := authMiddleware(s.cfg.APIKey)

	v1 := s.engine.Group("/v1", auth)
	v1.POST("/messages", s.handleMessages)
	v1.POST("/messages/count_tokens", s.handleCountTokens)
	v1.GET("/models", s.handleModels)

	cc := s.engine.Group("/cc/v1", auth)
	cc.POST("/messages", s.handleCCMessages)
	cc.POST("/messages/count_tokens", s.handleCountTokens)

	if s.cfg.AdminAPIKey != "" {
		s.registerAdminRoutes()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server until it exits or is stopped, blocking the
// caller. A bind failure or other fatal listen error is returned as-is so
// main can map it to exit code 1.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("api: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down, honoring ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the underlying gin.Engine, used by tests that drive the
// server with httptest without binding a real listener.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
