package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"orderflow/config"
	"orderflow/internal/handler"
	"orderflow/internal/middleware"
	"orderflow/internal/services"
	"orderflow/internal/transport/httpdto"
	"orderflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck = func(ctx context.Context) error

// Handlers groups the route handlers. Nil handlers leave their routes out,
// which lets the inventory process serve only health and metrics.
type Handlers struct {
	Orders *handler.OrderHandler
	Outbox *handler.OutboxHandler
}

type RouteOptions struct {
	Auth         *services.AuthService
	OrderLimiter middleware.Limiter
	Health       map[string]HealthCheck
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	if l == nil {
		l = logger.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) SetupRoutes(handlers Handlers, opts RouteOptions) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/health", s.health(opts.Health))
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if handlers.Orders != nil {
		orders := s.engine.Group("/v1/orders")
		place := []gin.HandlerFunc{handlers.Orders.Place}
		if opts.OrderLimiter != nil {
			place = append([]gin.HandlerFunc{middleware.RateLimitMiddleware(opts.OrderLimiter, s.logger)}, place...)
		}
		orders.POST("", place...)
		orders.GET("/:id", handlers.Orders.Get)
	}

	if handlers.Outbox != nil && opts.Auth != nil {
		admin := s.engine.Group("/v1/admin", middleware.OperatorAuthMiddleware(opts.Auth))
		{
			admin.GET("/outbox", handlers.Outbox.List)
			admin.GET("/outbox/stats", handlers.Outbox.Stats)
			admin.GET("/outbox/:id", handlers.Outbox.Get)
			admin.POST("/outbox/:id/requeue", handlers.Outbox.Requeue)
		}
	}
}

func (s *Server) health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := gin.H{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, httpdto.Response[gin.H]{Data: status, Error: "unhealthy", Code: "UNHEALTHY"})
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(status))
	}
}

// Start serves until ctx is cancelled, then shuts down within grace.
func (s *Server) Start(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server", zap.Duration("grace", grace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
