package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstate "typing-race/internal/infra/state/redis"
	"typing-race/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubVerifier struct {
	identity service.Identity
	err      error
	gotToken string
}

func (v *stubVerifier) Verify(_ context.Context, token string) (service.Identity, error) {
	v.gotToken = token
	return v.identity, v.err
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr error
	}{
		{header: "Bearer abc", token: "abc"},
		{header: "bearer abc", token: "abc"},
		{header: "", wantErr: ErrMissingAuthHeader},
		{header: "Token abc", wantErr: jwt.ErrTokenMalformed},
		{header: "Bearer", wantErr: jwt.ErrTokenMalformed},
		{header: "Bearer a b", wantErr: jwt.ErrTokenMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			token, err := ExtractBearerToken(tt.header)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.token, token)
		})
	}
}

func authRouter(v service.IdentityVerifier) *gin.Engine {
	r := gin.New()
	r.GET("/me", Auth(v), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":  c.GetString(ContextUserID),
			"username": c.GetString(ContextUsername),
		})
	})
	return r
}

func TestAuth(t *testing.T) {
	v := &stubVerifier{identity: service.Identity{UserID: "12", Username: "racer"}}
	r := authRouter(v)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"12","username":"racer"}`, w.Body.String())
	assert.Equal(t, "good-token", v.gotToken)
}

func TestAuth_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
		err    error
	}{
		{name: "missing header"},
		{name: "malformed header", header: "Basic xyz"},
		{name: "verifier rejects", header: "Bearer bad", err: service.ErrAuthenticationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := authRouter(&stubVerifier{err: tt.err})
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"success":false`)
		})
	}
}

type failingLimiter struct{}

func (failingLimiter) CheckRateLimit(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := redisstate.NewRedisRoomStateRepository(client, "test:")

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User"); uid != "" {
			c.Set(ContextUserID, uid)
		}
	})
	r.GET("/", RateLimit(limiter, 2, time.Minute), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, call("1"))
	assert.Equal(t, http.StatusNoContent, call("1"))
	assert.Equal(t, http.StatusTooManyRequests, call("1"))
	// 不同用户有独立的计数
	assert.Equal(t, http.StatusNoContent, call("2"))
	assert.True(t, mr.Exists("test:ratelimit:user:1"))
}

func TestRateLimit_StoreError(t *testing.T) {
	r := gin.New()
	r.GET("/", RateLimit(failingLimiter{}, 1, time.Minute), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRateLimit_PanicsOnBadConfig(t *testing.T) {
	assert.Panics(t, func() { RateLimit(nil, 1, time.Minute) })
	assert.Panics(t, func() { RateLimit(failingLimiter{}, 0, time.Minute) })
	assert.Panics(t, func() { RateLimit(failingLimiter{}, 1, 0) })
}
