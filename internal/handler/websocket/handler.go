package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"typing-race/internal/hub"
	"typing-race/internal/middleware"
	"typing-race/internal/service"
)

// WebSocketHandler 负责 WebSocket 升级和身份校验，之后把连接交给 Hub
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
	verifier service.IdentityVerifier
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。
// allowedOrigin 为空或 "*" 时允许任意来源。
func NewWebSocketHandler(h *hub.Hub, verifier service.IdentityVerifier, allowedOrigin string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if verifier == nil {
		panic("IdentityVerifier cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}

	return &WebSocketHandler{
		upgrader: upgrader,
		hub:      h,
		verifier: verifier,
	}
}

// HandleConnection 处理 /ws/:code。令牌在握手完成后校验，
// 失败时用 1008 关闭连接而不是返回 HTTP 错误，客户端才能拿到关闭原因。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	logCtx := logrus.WithField("room_code", code)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		logCtx.WithError(err).Warn("WS Handler: Failed to upgrade connection")
		return
	}

	token := c.Query("token")
	if token == "" {
		token, _ = middleware.ExtractBearerToken(c.GetHeader("Authorization"))
	}
	identity, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: Rejecting connection with invalid token")
		hub.RejectConn(conn, websocket.ClosePolicyViolation, "Invalid token", 0)
		return
	}

	logCtx.WithField("user_id", identity.UserID).Info("WS Handler: Connection upgraded to WebSocket")
	h.hub.Serve(conn, code, identity)
}
