package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RaceStart 一次成功开赛的结果，用于 race_started 广播
type RaceStart struct {
	Words     []string
	StartTime time.Time
}

// RaceService 比赛生命周期: 只负责 lobby -> racing 这一次迁移
type RaceService struct {
	rooms *RoomService
	words WordSource
	now   func() time.Time
}

// NewRaceService 创建 RaceService 实例
func NewRaceService(rooms *RoomService, words WordSource) *RaceService {
	if rooms == nil || words == nil {
		panic("RoomService and WordSource cannot be nil for RaceService")
	}
	return &RaceService{rooms: rooms, words: words, now: time.Now}
}

// Start 由房间成员发起开赛。
// started 为 false 表示比赛已经开始过，调用方不应再广播。
func (s *RaceService) Start(ctx context.Context, code, userID string) (*RaceStart, bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "user_id": userID})

	if _, err := s.rooms.Member(ctx, code, userID); err != nil {
		return nil, false, err
	}
	room, err := s.rooms.GetRoom(ctx, code)
	if err != nil {
		return nil, false, err
	}
	if room.RaceStarted() {
		return nil, false, nil
	}

	words, err := s.words.WordsFor(room.Settings.Mode, room.Settings.Value)
	if err != nil {
		logCtx.WithError(err).Warn("Cannot generate words for room settings")
		return nil, false, err
	}

	start := s.now().UTC()
	started, err := s.rooms.StartRace(ctx, code, words, start)
	if err != nil {
		return nil, false, err
	}
	if !started {
		logCtx.Debug("Race already started by a concurrent request")
		return nil, false, nil
	}

	logCtx.WithField("word_count", len(words)).Info("Race started")
	return &RaceStart{Words: words, StartTime: start}, true, nil
}
