package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/versus-project/versus/internal/config"
	"github.com/versus-project/versus/internal/db"
	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/monitor"
	"github.com/versus-project/versus/internal/netplay"
	intnet "github.com/versus-project/versus/internal/network"
	"github.com/versus-project/versus/internal/util"
)

// StatsSource is the part of a netplay session the API reads.
type StatsSource interface {
	Stats() netplay.Stats
}

// Server is the status API of a running peer.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	version  string
	logger   zerolog.Logger

	// Optional components; nil disables the routes that need them.
	latency *monitor.LatencyMonitor
	matches *db.MatchLog

	mu      sync.RWMutex
	session StatsSource

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, version string) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		version:  version,
		logger:   util.ComponentLogger("api"),
	}
}

// SetDependencies injects runtime dependencies (called after all components are initialized).
func (s *Server) SetDependencies(latency *monitor.LatencyMonitor, matches *db.MatchLog) {
	s.latency = latency
	s.matches = matches
}

// SetSession publishes the running session; nil clears it.
func (s *Server) SetSession(session StatsSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

func (s *Server) currentSession() StatsSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	addr := net.JoinHostPort("", strconv.Itoa(apiCfg.Port))

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status API starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetApplicationData().API
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleGetVersion)
		public.GET("/system", s.handleGetSystem)
	}

	status := router.Group("/api")
	{
		status.GET("/session", s.handleGetSession)
		status.GET("/latency", s.handleGetLatency)
		status.GET("/matches", s.handleGetMatches)
		status.GET("/matches/:id", s.handleGetMatch)
		status.GET("/config", s.handleGetConfig)
	}

	// Writes are accepted from this machine only.
	local := router.Group("/api/config")
	local.Use(LocalOnly())
	{
		local.POST("/netplay", s.handleSetNetplayField)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "versus status API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
