package http

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"typing-race/internal/domain"
	"typing-race/internal/service"
)

// RoomHandler 封装了与房间管理相关的 HTTP 处理逻辑
type RoomHandler struct {
	roomService *service.RoomService
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService) *RoomHandler {
	return &RoomHandler{roomService: roomService}
}

// CreateRoomRequest 请求体可以省略，缺省字段使用默认设置
type CreateRoomRequest struct {
	Mode       string `json:"mode" binding:"omitempty,oneof=time words"`
	Value      int    `json:"value" binding:"omitempty,gt=0"`
	Difficulty string `json:"difficulty" binding:"omitempty,max=20"`
}

// RoomView 房间详情的对外视图
type RoomView struct {
	Code        string          `json:"code"`
	UserCount   int             `json:"user_count"`
	Users       []domain.Member `json:"users"`
	RaceStarted bool            `json:"race_started"`
	Words       []string        `json:"words"`
	CreatedAt   time.Time       `json:"created_at"`
	Settings    domain.Settings `json:"settings"`
}

// RoomSummary 房间列表中的一项
type RoomSummary struct {
	Code        string    `json:"code"`
	UserCount   int       `json:"user_count"`
	RaceStarted bool      `json:"race_started"`
	CreatedAt   time.Time `json:"created_at"`
}

func newRoomView(room *domain.Room) RoomView {
	words := room.Words
	if words == nil {
		words = []string{}
	}
	return RoomView{
		Code:        room.Code,
		UserCount:   len(room.Members),
		Users:       room.MemberList(),
		RaceStarted: room.RaceStarted(),
		Words:       words,
		CreatedAt:   room.CreatedAt,
		Settings:    room.Settings,
	}
}

// CreateRoom 处理创建新房间的请求
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		logrus.Warn("Handler.CreateRoom: User ID not found in context, middleware missing or failed?")
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, msgInvalidRoomSettings)
		return
	}

	room, err := h.roomService.CreateRoom(c.Request.Context(), userID, domain.Settings{
		Mode:       req.Mode,
		Value:      req.Value,
		Difficulty: req.Difficulty,
	})
	if err != nil {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("room_code", room.Code).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusOK, gin.H{
		"room_code": room.Code,
		"message":   "Room created successfully",
	})
}

// GetRoom 返回房间详情，房间码不区分大小写
func (h *RoomHandler) GetRoom(c *gin.Context) {
	code := strings.ToUpper(c.Param("code"))
	room, err := h.roomService.GetRoom(c.Request.Context(), code)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"room": newRoomView(room)})
}

// ListActiveRooms 列出所有存活的房间，按创建时间倒序
func (h *RoomHandler) ListActiveRooms(c *gin.Context) {
	rooms, err := h.roomService.ListActiveRooms(c.Request.Context())
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	summaries := lo.Map(rooms, func(r *domain.Room, _ int) RoomSummary {
		return RoomSummary{
			Code:        r.Code,
			UserCount:   len(r.Members),
			RaceStarted: r.RaceStarted(),
			CreatedAt:   r.CreatedAt,
		}
	})
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	SuccessResponse(c, http.StatusOK, gin.H{"rooms": summaries})
}
