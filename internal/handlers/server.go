package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unimindcare/carechat/config"
	"github.com/unimindcare/carechat/internal/middleware"
	"github.com/unimindcare/carechat/internal/observability"
	"github.com/unimindcare/carechat/internal/redis"
)

// Server is the development relay: login, directory, history, uploads and
// the signaling WebSocket.
type Server struct {
	cfg    *config.Config
	store  *redis.Store
	logger *slog.Logger

	roomsMu sync.RWMutex
	rooms   map[string]*Room
}

func NewServer(cfg *config.Config, store *redis.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		logger: observability.OrDiscard(logger).With(slog.String("component", "relay")),
		rooms:  make(map[string]*Room),
	}
}

// Router wires the relay routes
func (s *Server) Router() (*gin.Engine, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(s.logger))

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(s.cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.Static("/uploads", s.cfg.UploadDir)

	requireAuth := middleware.JWTAuth(s.cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", s.Login)

		apiGroup.GET("/users/all", requireAuth, s.Users)
		apiGroup.GET("/users/me", requireAuth, s.Me)
		apiGroup.POST("/upload", requireAuth, s.Upload)
	}

	router.GET("/messages/:userA/:userB", requireAuth, s.History)

	// WebSocket signaling endpoint
	router.GET("/ws", requireAuth, s.HandleSignaling)

	return router, nil
}

func (s *Server) storeError(operation string, err error) {
	observability.RelayStoreErrors.WithLabelValues(operation).Inc()
	s.logger.Error("redis operation failed", slog.String("operation", operation), slog.String("error", err.Error()))
}
