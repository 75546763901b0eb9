package domain

import (
	"sort"
	"time"
)

// RaceState 表示房间比赛所处的阶段。只允许 Lobby -> Racing 一次单向迁移。
type RaceState string

const (
	RaceStateLobby  RaceState = "lobby"
	RaceStateRacing RaceState = "racing"
)

// 比赛模式
const (
	ModeTime  = "time"
	ModeWords = "words"
)

// Settings 房间的比赛设置，创建后不可变。
type Settings struct {
	Mode       string `json:"mode"`       // "time" 或 "words"
	Value      int    `json:"value"`      // 秒数或单词数
	Difficulty string `json:"difficulty"` // 仅作展示
}

// DefaultSettings 与前端默认值保持一致
func DefaultSettings() Settings {
	return Settings{Mode: ModeTime, Value: 60, Difficulty: "medium"}
}

// Room 表示一个比赛房间在共享状态存储中的完整视图。
type Room struct {
	Code          string            `json:"code"`
	CreatorID     string            `json:"creator_id"`
	Members       map[string]Member `json:"users"`
	Messages      []ChatMessage     `json:"messages"`
	Words         []string          `json:"words"`
	Settings      Settings          `json:"settings"`
	RaceState     RaceState         `json:"race_state"`
	RaceStartTime *time.Time        `json:"race_start_time,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// RaceStarted 比赛是否已开始
func (r *Room) RaceStarted() bool {
	return r.RaceState == RaceStateRacing
}

// MemberList 按加入时间返回成员列表 (用于 room_users 字段)
func (r *Room) MemberList() []Member {
	list := make([]Member, 0, len(r.Members))
	for _, m := range r.Members {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list
}

// Member 房间内的一个参与者。
type Member struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	JoinedAt  time.Time `json:"joined_at"`
	IsHost    bool      `json:"is_host"`
	Progress  int       `json:"progress"` // 0..100
	WPM       int       `json:"wpm"`
	Accuracy  float64   `json:"accuracy"` // 0..100
	Ready     bool      `json:"ready"`
	SessionID string    `json:"-"` // 持有该成员身份的连接 ID，不对外暴露
}

// ChatMessage 房间聊天记录中的一条消息。
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
