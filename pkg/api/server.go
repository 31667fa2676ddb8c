// Package api provides the HTTP control API for devices and their channels
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/device"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
)

// Server represents the HTTP API server
type Server struct {
	devices    *device.Manager
	store      *storage.DB
	identity   func() *packet.Packet
	router     *gin.Engine
	config     *Config
	limiter    *RateLimiter
	httpServer *http.Server
	log        *zap.Logger
	startTime  time.Time
}

// Config holds server configuration
type Config struct {
	Listen       string
	EnableCORS   bool
	RateLimit    int // Requests per minute, zero disables
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8716",
		EnableCORS:   true,
		RateLimit:    300,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server. store may be nil.
func NewServer(devices *device.Manager, store *storage.DB, identity func() *packet.Packet, config *Config, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		devices:   devices,
		store:     store,
		identity:  identity,
		router:    gin.New(),
		config:    config,
		log:       logger.Named("api"),
		startTime: time.Now(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	if s.config.RateLimit > 0 {
		s.limiter = NewRateLimiter(s.config.RateLimit)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/identity", s.handleIdentity)

		devices := v1.Group("/devices")
		{
			devices.GET("", s.handleListDevices)
			devices.GET("/:id", s.handleGetDevice)
			devices.DELETE("/:id", s.handleForgetDevice)
			devices.POST("/:id/packets", s.handleSendPacket)
			devices.POST("/:id/pair", s.handlePair)
			devices.DELETE("/:id/pair", s.handleUnpair)
			devices.GET("/:id/transfers", s.handleListTransfers)
			devices.DELETE("/:id/transfers/:transferID", s.handleCancelTransfer)
		}
	}

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.log.Info("HTTP API server starting", zap.String("addr", s.config.Listen))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err, ok := <-errs:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP API server")
	return s.Stop()
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
