package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"typing-race/internal/repository"
)

// RateLimit 返回一个 Gin 中间件，按用户 (未认证时按客户端 IP) 限制窗口内的请求数。
// 计数器在共享存储中，多个进程共用同一个限额。
func RateLimit(limiter repository.RateLimitRepository, maxRequests int, window time.Duration) gin.HandlerFunc {
	if limiter == nil {
		panic("RateLimitRepository cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if uid := c.GetString(ContextUserID); uid != "" {
			key = "user:" + uid
		}

		exceeded, err := limiter.CheckRateLimit(c.Request.Context(), key, maxRequests, window)
		if err != nil {
			logrus.WithError(err).Error("RateLimit: Failed to check rate limit")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Rate limiting error"})
			return
		}
		if exceeded {
			logrus.WithField("key", key).Warn("RateLimit: Too many requests")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "Too many requests"})
			return
		}

		c.Next()
	}
}
