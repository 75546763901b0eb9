package hub

import (
	"time"

	"typing-race/internal/domain"
)

// 客户端 -> 服务端的消息类型。聊天消息的入站和出站类型同名。
const (
	TypeChatMessage    = "chat_message"
	TypeStartRace      = "start_race"
	TypeTypingProgress = "typing_progress"
	TypeToggleReady    = "toggle_ready"
)

// 服务端 -> 客户端的事件类型
const (
	TypeRoomJoined        = "room_joined"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeChatBroadcast     = TypeChatMessage
	TypeRaceStarted       = "race_started"
	TypeUserProgress      = "user_progress"
	TypeUserReadyChanged  = "user_ready_changed"
)

// envelope 只解析 type 字段，具体载荷按类型二次解析
type envelope struct {
	Type string `json:"type"`
}

type chatPayload struct {
	Message string `json:"message"`
}

// progressPayload 接受浮点数，入库前取整
type progressPayload struct {
	Progress float64 `json:"progress" validate:"gte=0,lte=100"`
	WPM      float64 `json:"wpm" validate:"gte=0"`
	Accuracy float64 `json:"accuracy" validate:"gte=0,lte=100"`
}

// RoomJoinedEvent 只发给刚加入的连接
type RoomJoinedEvent struct {
	Type   string       `json:"type"`
	Room   *domain.Room `json:"room"`
	YourID string       `json:"your_id"`
}

type UserJoinedEvent struct {
	Type      string          `json:"type"`
	User      domain.Member   `json:"user"`
	RoomUsers []domain.Member `json:"room_users"`
}

type UserLeftEvent struct {
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	Username  string          `json:"username"`
	RoomUsers []domain.Member `json:"room_users"`
}

type ChatMessageEvent struct {
	Type    string             `json:"type"`
	Message domain.ChatMessage `json:"message"`
}

type RaceStartedEvent struct {
	Type      string    `json:"type"`
	Words     []string  `json:"words"`
	StartTime time.Time `json:"start_time"`
}

type UserProgressEvent struct {
	Type     string  `json:"type"`
	UserID   string  `json:"user_id"`
	Progress int     `json:"progress"`
	WPM      int     `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
}

type UserReadyChangedEvent struct {
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	Ready     bool            `json:"ready"`
	RoomUsers []domain.Member `json:"room_users"`
}
