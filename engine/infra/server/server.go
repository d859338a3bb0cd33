package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/flowgate/flowgate/engine/infra/monitoring"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/logger"
	"github.com/gin-gonic/gin"
)

const (
	httpReadTimeout  = 15 * time.Second
	httpWriteTimeout = 15 * time.Second
	httpIdleTimeout  = 60 * time.Second
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker func(ctx context.Context) error

// Server hosts the thin HTTP surface of the router.
type Server struct {
	cfg        *config.ServerConfig
	engine     *gin.Engine
	httpServer *http.Server
	health     map[string]HealthChecker
}

func New(
	ctx context.Context,
	cfg *config.Config,
	handlers *Handlers,
	mon *monitoring.Service,
	health map[string]HealthChecker,
) *Server {
	if cfg.Runtime.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(ctx))
	if cfg.Server.CORSEnabled {
		engine.Use(corsMiddleware(&cfg.Server.CORS))
	}
	engine.Use(mon.GinMiddleware())
	s := &Server{cfg: &cfg.Server, engine: engine, health: health}
	engine.GET("/healthz", s.healthz)
	if cfg.Monitoring.Enabled {
		engine.GET(cfg.Monitoring.Path, gin.WrapH(mon.ExporterHandler()))
	}
	handlers.Register(engine)
	return s
}

// Engine exposes the router for handler tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until the context is canceled, then drains within the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}
	log := logger.FromContext(ctx)
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.shutdown(ctx)
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info("HTTP server draining", "timeout", s.cfg.ShutdownTimeout)
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	log.Info("HTTP server stopped")
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	ctx := c.Request.Context()
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "failing": name})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger attaches a request-scoped logger and emits one line per
// request.
func requestLogger(baseCtx context.Context) gin.HandlerFunc {
	base := logger.FromContext(baseCtx)
	return func(c *gin.Context) {
		start := time.Now()
		log := base.With("method", c.Request.Method, "path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(logger.ContextWithLogger(c.Request.Context(), log))
		c.Next()
		log.Debug("request handled",
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func corsMiddleware(cfg *config.CORSConfig) gin.HandlerFunc {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	wildcard := false
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			if cfg.AllowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			if cfg.MaxAge > 0 {
				c.Header("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Flowgate-Signature")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
