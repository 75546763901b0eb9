package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpHandler "typing-race/internal/handler/http"
	wsHandler "typing-race/internal/handler/websocket"
	"typing-race/internal/hub"
	redisstate "typing-race/internal/infra/state/redis"
	"typing-race/internal/repository/mocks"
	"typing-race/internal/service"
)

type staticVerifier struct{}

func (staticVerifier) Verify(_ context.Context, token string) (service.Identity, error) {
	if token != "valid" {
		return service.Identity{}, service.ErrAuthenticationFailed
	}
	return service.Identity{UserID: "1", Username: "alice"}, nil
}

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stateRepo := redisstate.NewRedisRoomStateRepository(client, "test:")
	rooms := service.NewRoomService(stateRepo)
	authService, err := service.NewAuthService(new(mocks.UserRepository), "secret", time.Hour)
	require.NoError(t, err)
	h := hub.NewHub(rooms, service.NewRaceService(rooms, service.NewCommonWordSource()), nil, hub.Options{})

	cfg := &Config{RateLimitMax: 100, RateLimitWindow: time.Minute, CORSAllowedOrigin: "http://example.test"}
	return newRouter(cfg, routerDeps{
		log:       logrus.StandardLogger(),
		auth:      httpHandler.NewAuthHandler(authService),
		rooms:     httpHandler.NewRoomHandler(rooms),
		ws:        wsHandler.NewWebSocketHandler(h, staticVerifier{}, ""),
		verifier:  staticVerifier{},
		rateLimit: stateRepo,
	})
}

func serve(r *gin.Engine, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(""))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_Ping(t *testing.T) {
	w := serve(testRouter(t), http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
	assert.Equal(t, "http://example.test", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Preflight(t *testing.T) {
	w := serve(testRouter(t), http.MethodOptions, "/api/v1/multiplayer/create-room", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRouter_MultiplayerRequiresAuth(t *testing.T) {
	r := testRouter(t)

	w := serve(r, http.MethodGet, "/api/v1/multiplayer/active-rooms", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, http.MethodGet, "/api/v1/multiplayer/active-rooms", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, http.MethodGet, "/api/v1/multiplayer/active-rooms", "Bearer valid")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"rooms":[]}`, w.Body.String())
}

func TestRouter_CreateThenGetRoom(t *testing.T) {
	r := testRouter(t)

	w := serve(r, http.MethodPost, "/api/v1/multiplayer/create-room", "Bearer valid")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"room_code"`)

	w = serve(r, http.MethodGet, "/api/v1/multiplayer/room/NOPE00", "Bearer valid")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
