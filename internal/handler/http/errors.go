package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"typing-race/internal/service"
)

// 请求体绑定失败时返回的固定提示，绑定错误的细节只写日志
const (
	msgInvalidRoomSettings = "Invalid input: mode must be time or words with a positive value"
	msgInvalidRegistration = "Invalid input: username must be 3-50 characters and password at least 6"
	msgInvalidLogin        = "Invalid input: username and password required"
)

func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAuthenticationFailed):
		ErrorResponse(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrRegistrationFailed),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidSubmode):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRoomNotFound):
		ErrorResponse(c, http.StatusNotFound, "Room not found")
	case errors.Is(err, service.ErrStoreUnavailable), errors.Is(err, service.ErrAllocationExhausted):
		logrus.WithError(err).Error("Service temporarily unavailable")
		ErrorResponse(c, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		// Log the internal error for debugging
		logrus.WithError(err).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
