package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/chatrelay/internal/api/admin"
	"github.com/liliang-cn/chatrelay/internal/api/chat"
	"github.com/liliang-cn/chatrelay/internal/api/middleware"
	"github.com/liliang-cn/chatrelay/internal/metrics"
	"github.com/liliang-cn/chatrelay/internal/service"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
	SinkTimeout  time.Duration
	// RateLimiter guards the endpoints that open upstream streams; nil
	// disables limiting.
	RateLimiter *middleware.RateLimiter
}

// SetupRouter sets up the Gin router
func SetupRouter(
	chatService *service.ChatService,
	adminService *service.AdminService,
	cfg RouterConfig,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.Middleware())

	// CORS middleware
	r.Use(middleware.CORS(cfg.AllowOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Chat API (public)
	var limited []gin.HandlerFunc
	if cfg.RateLimiter != nil {
		limited = append(limited, middleware.RateLimit(cfg.RateLimiter))
	}
	chatHandler := chat.NewHandler(chatService, cfg.SinkTimeout, logger)
	chatHandler.RegisterRoutes(r.Group("/api"), limited...)

	// Admin API (requires API key)
	adminHandler := admin.NewHandler(adminService)
	adminGroup := r.Group("/api/admin")
	adminGroup.Use(middleware.Auth(cfg.APIKey))
	adminHandler.RegisterRoutes(adminGroup)

	return r
}
