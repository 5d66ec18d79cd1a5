// Package httpapi serves signed media links and the admin REST API over gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/unklstewy/securelinks/internal/assets"
	"github.com/unklstewy/securelinks/internal/engines/keys"
	"github.com/unklstewy/securelinks/internal/engines/links"
	"github.com/unklstewy/securelinks/internal/engines/permissions"
	"github.com/unklstewy/securelinks/internal/engines/tracking"
	"github.com/unklstewy/securelinks/internal/geo"
	"github.com/unklstewy/securelinks/internal/ratelimit"
	"github.com/unklstewy/securelinks/pkg/healthcheck"
	"go.uber.org/zap"
)

// Config contains HTTP server settings.
type Config struct {
	ListenAddress   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	TrustedProxies  []string

	// RateLimitRequests per RateLimitWindow per client IP. Zero disables limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Debug bool
}

// Deps are the engines behind the HTTP surface.
type Deps struct {
	Links       *links.Engine
	Permissions *permissions.Engine
	Tracking    *tracking.Engine
	Keys        *keys.Store
	Assets      assets.Resolver
	Health      *healthcheck.Engine

	// Limiter is optional.
	Limiter ratelimit.Limiter
	// Auth is optional; without it the admin API is not mounted.
	Auth *Authenticator
}

// Server is the HTTP front end.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	router  *gin.Engine
	proxies *geo.Proxies
	stopCh chan struct{}
	once   sync.Once
}

// NewServer builds the router. Start must be called to accept connections.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Links == nil || deps.Permissions == nil || deps.Tracking == nil || deps.Assets == nil {
		return nil, errors.New("links, permissions, tracking and assets are required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	proxies, err := geo.NewProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(zap.String("component", "http_server")),
		stopCh:  make(chan struct{}),
		proxies: proxies,
	}
	router, err := s.setupRouter()
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled or Stop is called, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	serverErrors := make(chan error, 1)

	go func() {
		defer wg.Done()
		s.logger.Info("HTTP server starting", zap.String("address", httpServer.Addr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case <-s.stopCh:
		s.logger.Info("Server stop requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Error during HTTP server shutdown", zap.Error(err))
	}
	wg.Wait()

	s.logger.Info("HTTP server stopped")
	return nil
}

// Stop asks a running Start to shut down.
func (s *Server) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *Server) setupRouter() (*gin.Engine, error) {
	if s.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	router.Use(RecoveryMiddleware(s.logger))
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(s.logger))

	router.GET("/healthz", s.handleHealth)

	media := newMediaHandler(s)
	router.GET("/media/:media/:format/:hash/", media.serve)
	router.GET("/download/:hash/", media.serve)

	if s.deps.Auth != nil {
		newAdminAPI(s).register(router.Group("/api/v1"))
	} else {
		s.logger.Warn("Admin API disabled: no admin credentials configured")
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody("not found"))
	})
	return router, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": healthcheck.StatusHealthy})
		return
	}
	result := s.deps.Health.CheckAll(c.Request.Context())
	status := http.StatusOK
	if result.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}
