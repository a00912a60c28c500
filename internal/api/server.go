package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/session-proxy/internal/api/handler"
	"github.com/user/session-proxy/internal/api/middleware"
	"github.com/user/session-proxy/internal/metrics"
	"github.com/user/session-proxy/internal/service"
	"github.com/user/session-proxy/internal/session"
	"go.uber.org/zap"
)

// Server wraps the HTTP router and dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server.
type ServerDeps struct {
	Dispatcher *service.Dispatcher
	Sessions   *session.Mapper
	// RequestLogs is nil when request logs are not persisted.
	RequestLogs handler.RequestLookup
	// Metrics is nil when the metrics endpoint is disabled.
	Metrics *metrics.Collector

	RateLimit        *middleware.RateLimitConfig
	CORSAllowOrigins []string
	// AdminTokenHash is the bcrypt hash of the admin token. The admin API
	// is not mounted when it is empty.
	AdminTokenHash string
	AccessLog      bool
	SessionTTL     time.Duration
	Logger         *zap.Logger
}

// NewServer creates a new API server with all routes configured. ctx
// bounds background work owned by the middleware.
func NewServer(ctx context.Context, deps ServerDeps) *Server {
	logger := deps.Logger

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware.
	r.Use(middleware.Recovery(logger))
	if deps.AccessLog {
		r.Use(middleware.Logger(logger))
	}
	r.Use(deps.Metrics.Middleware())
	r.Use(middleware.CORS(deps.CORSAllowOrigins))
	r.Use(middleware.RateLimit(ctx, deps.RateLimit))

	healthHandler := handler.NewHealthHandler(deps.Sessions, deps.Dispatcher)
	r.GET("/api/health", healthHandler.Health)

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	chatHandler := handler.NewChatHandler(deps.Dispatcher, logger)
	r.POST("/v1/chat/completions", chatHandler.Completions)
	r.POST("/openai/v1/chat/completions", chatHandler.Completions)

	if deps.AdminTokenHash != "" {
		admin := r.Group("/api")
		admin.Use(middleware.RequireAdmin(deps.AdminTokenHash))
		{
			sessionHandler := handler.NewSessionHandler(deps.Sessions, deps.SessionTTL, logger)
			admin.POST("/sessions", sessionHandler.Register)
			admin.GET("/sessions", sessionHandler.List)
			admin.DELETE("/sessions/:session_key", sessionHandler.Revoke)

			if deps.RequestLogs != nil {
				requestHandler := handler.NewRequestLogHandler(deps.RequestLogs, logger)
				admin.GET("/requests/:request_id", requestHandler.Get)
			}
		}
	}

	r.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, http.StatusNotFound, "Not found", "")
	})

	return &Server{
		router: r,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
