package websocket

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typing-race/internal/domain"
	"typing-race/internal/hub"
	redisstate "typing-race/internal/infra/state/redis"
	"typing-race/internal/service"
)

type tokenVerifier map[string]service.Identity

func (v tokenVerifier) Verify(_ context.Context, token string) (service.Identity, error) {
	id, ok := v[token]
	if !ok {
		return service.Identity{}, service.ErrAuthenticationFailed
	}
	return id, nil
}

func setupServer(t *testing.T) (*httptest.Server, *service.RoomService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rooms := service.NewRoomService(redisstate.NewRedisRoomStateRepository(client, "test:"))
	h := hub.NewHub(rooms, service.NewRaceService(rooms, service.NewCommonWordSource()), nil, hub.Options{})
	require.NoError(t, h.Start(context.Background()))

	verifier := tokenVerifier{"tok-1": {UserID: "1", Username: "alice"}}
	r := gin.New()
	r.GET("/ws/:code", NewWebSocketHandler(h, verifier, "").HandleConnection)
	srv := httptest.NewServer(r)

	t.Cleanup(func() { _ = client.Close() })
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return srv, rooms
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr
	}
}

func TestHandleConnection_InvalidToken(t *testing.T) {
	srv, _ := setupServer(t)

	conn := dial(t, srv, "/ws/ABC123?token=forged")

	closeErr := expectClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "Invalid token", closeErr.Text)
}

func TestHandleConnection_MissingToken(t *testing.T) {
	srv, _ := setupServer(t)

	conn := dial(t, srv, "/ws/ABC123")

	assert.Equal(t, websocket.ClosePolicyViolation, expectClose(t, conn).Code)
}

func TestHandleConnection_UnknownRoom(t *testing.T) {
	srv, _ := setupServer(t)

	conn := dial(t, srv, "/ws/ZZZ999?token=tok-1")

	closeErr := expectClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "Room not found", closeErr.Text)
}

func TestHandleConnection_JoinsWithLowercaseCode(t *testing.T) {
	srv, rooms := setupServer(t)
	room, err := rooms.CreateRoom(context.Background(), "1", domain.DefaultSettings())
	require.NoError(t, err)

	conn := dial(t, srv, "/ws/"+strings.ToLower(room.Code)+"?token=tok-1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event struct {
		Type   string `json:"type"`
		YourID string `json:"your_id"`
	}
	for event.Type != hub.TypeRoomJoined {
		require.NoError(t, conn.ReadJSON(&event))
	}
	assert.Equal(t, "1", event.YourID)
}
