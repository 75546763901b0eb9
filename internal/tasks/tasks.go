package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// 定义任务类型常量
const (
	TypeRoomsSweep = "rooms:sweep" // 清理无人房间和失效的用户索引
)

// RoomsSweepPayload 清理任务的参数。GraceSeconds 为 0 时使用 worker 的默认宽限期。
type RoomsSweepPayload struct {
	GraceSeconds int64 `json:"grace_seconds,omitempty"`
}

// Grace 返回宽限期，未设置时返回 fallback
func (p RoomsSweepPayload) Grace(fallback time.Duration) time.Duration {
	if p.GraceSeconds <= 0 {
		return fallback
	}
	return time.Duration(p.GraceSeconds) * time.Second
}

// NewRoomsSweepTask 创建一个房间清理任务
func NewRoomsSweepTask(grace time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomsSweepPayload{GraceSeconds: int64(grace / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomsSweep, payload, asynq.MaxRetry(1), asynq.Timeout(time.Minute)), nil
}
