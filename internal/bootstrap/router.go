package bootstrap

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	httpHandler "typing-race/internal/handler/http"
	wsHandler "typing-race/internal/handler/websocket"
	"typing-race/internal/middleware"
	"typing-race/internal/repository"
	"typing-race/internal/service"
)

// routerDeps 组装路由需要的处理器和中间件依赖
type routerDeps struct {
	log       *logrus.Logger
	auth      *httpHandler.AuthHandler
	rooms     *httpHandler.RoomHandler
	ws        *wsHandler.WebSocketHandler
	verifier  service.IdentityVerifier
	rateLimit repository.RateLimitRepository
}

func newRouter(cfg *Config, deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(deps.log))
	router.Use(CORSMiddleware(cfg.CORSAllowedOrigin))

	api := router.Group("/api/v1")
	authRoutes := api.Group("/auth")
	authRoutes.Use(middleware.RateLimit(deps.rateLimit, cfg.RateLimitMax, cfg.RateLimitWindow))
	{
		authRoutes.POST("/register", deps.auth.Register)
		authRoutes.POST("/login", deps.auth.Login)
	}
	// 先认证再限流，限流键使用用户 ID
	roomRoutes := api.Group("/multiplayer")
	roomRoutes.Use(middleware.Auth(deps.verifier), middleware.RateLimit(deps.rateLimit, cfg.RateLimitMax, cfg.RateLimitWindow))
	{
		roomRoutes.POST("/create-room", deps.rooms.CreateRoom)
		roomRoutes.GET("/room/:code", deps.rooms.GetRoom)
		roomRoutes.GET("/active-rooms", deps.rooms.ListActiveRooms)
	}
	// WebSocket 在握手之后自己校验令牌
	router.GET("/ws/:code", deps.ws.HandleConnection)
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	return router
}

// CORSMiddleware 允许配置的前端来源访问管理接口
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
		})

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
			return
		}
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
