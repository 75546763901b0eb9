package http

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"typing-race/internal/domain"
	"typing-race/internal/repository"
	"typing-race/internal/repository/mocks"
	"typing-race/internal/service"
)

func setupAuthRouter(t *testing.T) (*gin.Engine, *mocks.UserRepository) {
	t.Helper()
	repo := new(mocks.UserRepository)
	svc, err := service.NewAuthService(repo, "handler-test-secret", time.Hour)
	require.NoError(t, err)
	h := NewAuthHandler(svc)

	r := gin.New()
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
	return r, repo
}

func TestAuthHandler_Register(t *testing.T) {
	r, repo := setupAuthRouter(t)
	repo.On("Save", mock.Anything, mock.AnythingOfType("*domain.User")).
		Run(func(args mock.Arguments) { args.Get(1).(*domain.User).ID = 3 }).
		Return(nil).Once()

	w, body := doRequest(r, http.MethodPost, "/register", `{"username":"racer","password":"secret1"}`, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "3", body["user_id"])
	repo.AssertExpectations(t)
}

func TestAuthHandler_Register_Rejects(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		r, repo := setupAuthRouter(t)
		w, body := doRequest(r, http.MethodPost, "/register", `{"username":"ab","password":"x"}`, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, msgInvalidRegistration, body["error"])
		assert.NotContains(t, body["error"], "RegisterRequest")
		repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})
	t.Run("duplicate", func(t *testing.T) {
		r, repo := setupAuthRouter(t)
		repo.On("Save", mock.Anything, mock.Anything).Return(repository.ErrDuplicateEntry).Once()
		w, body := doRequest(r, http.MethodPost, "/register", `{"username":"racer","password":"secret1"}`, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, service.ErrRegistrationFailed.Error(), body["error"])
	})
}

func TestAuthHandler_Login(t *testing.T) {
	r, repo := setupAuthRouter(t)
	repo.On("FindByUsername", mock.Anything, "ghost").Return(nil, repository.ErrUserNotFound).Once()

	w, body := doRequest(r, http.MethodPost, "/login", `{"username":"ghost","password":"whatever"}`, "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, body["success"])

	w, _ = doRequest(r, http.MethodPost, "/login", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleServiceError_StoreUnavailable(t *testing.T) {
	r := gin.New()
	r.GET("/", func(c *gin.Context) {
		HandleServiceError(c, service.ErrStoreUnavailable)
	})

	w, body := doRequest(r, http.MethodGet, "/", "", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Service temporarily unavailable", body["error"])
}
