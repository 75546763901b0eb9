package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"typing-race/internal/service"
	"typing-race/internal/tasks"
)

// RoomSweeper 由 service.RoomService 实现
type RoomSweeper interface {
	SweepAbandoned(ctx context.Context, grace time.Duration) (service.SweepResult, error)
}

// RoomsSweepHandler 处理周期性的房间清理任务
type RoomsSweepHandler struct {
	sweeper      RoomSweeper
	defaultGrace time.Duration
}

// NewRoomsSweepHandler 创建 Handler 实例
func NewRoomsSweepHandler(sweeper RoomSweeper, defaultGrace time.Duration) *RoomsSweepHandler {
	if sweeper == nil {
		panic("RoomSweeper cannot be nil for RoomsSweepHandler")
	}
	return &RoomsSweepHandler{sweeper: sweeper, defaultGrace: defaultGrace}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomsSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
	})

	var payload tasks.RoomsSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logCtx.WithError(err).Error("Failed to unmarshal task payload")
			return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	grace := payload.Grace(h.defaultGrace)

	result, err := h.sweeper.SweepAbandoned(ctx, grace)
	if err != nil {
		logCtx.WithError(err).Error("Room sweep failed")
		return fmt.Errorf("sweep abandoned rooms: %w", err)
	}

	logCtx.WithFields(logrus.Fields{
		"grace":          grace.String(),
		"rooms_deleted":  result.RoomsDeleted,
		"indexes_pruned": result.IndexesPruned,
	}).Info("Room sweep task processed successfully")
	return nil
}
