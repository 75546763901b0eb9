package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"typing-race/internal/service"
)

// ErrMissingAuthHeader 定义一个自定义错误，用于表示缺少 Authorization 头
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// 上下文中保存身份信息的键
const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
)

// Auth 返回一个 Gin 中间件，用 IdentityVerifier 校验 Bearer Token。
// 校验通过后 user_id 和 username 写入上下文。
func Auth(verifier service.IdentityVerifier) gin.HandlerFunc {
	if verifier == nil {
		panic("IdentityVerifier cannot be nil for Auth middleware")
	}

	return func(c *gin.Context) {
		tokenStr, err := ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			if errors.Is(err, ErrMissingAuthHeader) {
				logrus.Warn("Auth middleware: Missing Authorization header")
				abortUnauthorized(c, "Authorization header is required")
			} else {
				logrus.Warnf("Auth middleware: Malformed token format: %v", err)
				abortUnauthorized(c, "Invalid token format")
			}
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), tokenStr)
		if err != nil {
			logrus.WithError(err).Warn("Auth middleware: Invalid token")
			abortUnauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(ContextUserID, identity.UserID)
		c.Set(ContextUsername, identity.Username)
		logrus.WithField("user_id", identity.UserID).Debug("Auth middleware: User authenticated via JWT")

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": message})
}

// ExtractBearerToken 解析 "Bearer <token>" 格式的 Authorization 头
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}
	parts := strings.Split(authHeader, " ")
	// 使用 EqualFold 忽略 "Bearer" 的大小写
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}
