package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"typing-race/internal/domain"
	"typing-race/internal/repository"
)

const (
	// DefaultRoomTTL 房间自创建起的最长存活时间
	DefaultRoomTTL = 24 * time.Hour
	// DefaultUserIndexTTL 用户->房间索引的存活时间
	DefaultUserIndexTTL = time.Hour
	// MessageHistoryLimit 每个房间保留的聊天记录条数
	MessageHistoryLimit = 100
	// MaxChatLength 单条聊天消息的最大字符数
	MaxChatLength = 500

	codeAlphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength      = 6
	maxCodeAttempts = 10
)

// Progress 一次 typing_progress 上报的内容
type Progress struct {
	Progress int
	WPM      int
	Accuracy float64
}

// Departure 描述一次离开房间的结果
type Departure struct {
	Removed     bool         // 本次调用确实移除了成员
	RoomDeleted bool         // 房间因为没有成员而被删除
	Username    string       // 被移除成员的用户名
	Room        *domain.Room // 移除后的房间视图 (房间被删除时为 nil)
}

// ReadyChange 一次准备状态切换的结果
type ReadyChange struct {
	Ready bool         // 切换后的 ready 值
	Room  *domain.Room // 切换后的房间视图
}

// SweepResult 一次清理任务的统计
type SweepResult struct {
	RoomsDeleted  int
	IndexesPruned int
}

// RoomService 房间状态管理器: 维护房间不变量，并把存储错误映射为业务错误。
// 它不持有任何状态，所有状态都在 RoomStateRepository 中。
type RoomService struct {
	rooms    repository.RoomStateRepository
	roomTTL  time.Duration
	indexTTL time.Duration
	newCode  func() (string, error)
	now      func() time.Time
}

// NewRoomService 创建 RoomService 实例
func NewRoomService(rooms repository.RoomStateRepository) *RoomService {
	if rooms == nil {
		panic("RoomStateRepository cannot be nil for RoomService")
	}
	return &RoomService{
		rooms:    rooms,
		roomTTL:  DefaultRoomTTL,
		indexTTL: DefaultUserIndexTTL,
		newCode:  randomRoomCode,
		now:      time.Now,
	}
}

// CreateRoom 分配唯一房间码并创建一个空房间。
// 创建者不会自动加入，加入发生在 WebSocket 连接建立时。
func (s *RoomService) CreateRoom(ctx context.Context, creatorID string, settings domain.Settings) (*domain.Room, error) {
	logCtx := logrus.WithField("creator_id", creatorID)

	if settings.Mode == "" {
		settings = domain.DefaultSettings()
	}
	if settings.Difficulty == "" {
		settings.Difficulty = domain.DefaultSettings().Difficulty
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			logCtx.WithError(err).Error("Failed to generate room code")
			return nil, ErrInternalServer
		}
		room := &domain.Room{
			Code:      code,
			CreatorID: creatorID,
			Members:   map[string]domain.Member{},
			Messages:  []domain.ChatMessage{},
			Words:     []string{},
			Settings:  settings,
			RaceState: domain.RaceStateLobby,
			CreatedAt: s.now().UTC(),
		}
		err = s.rooms.CreateRoom(ctx, room, s.roomTTL)
		if errors.Is(err, repository.ErrCodeTaken) {
			logCtx.WithFields(logrus.Fields{"room_code": code, "attempt": attempt}).Debug("Room code collision, retrying")
			continue
		}
		if err != nil {
			logCtx.WithError(err).Error("Failed to reserve room code")
			return nil, mapRepoError(err, ErrInternalServer)
		}
		logCtx.WithField("room_code", code).Info("Room created")
		return room, nil
	}

	logCtx.Errorf("Failed to allocate a unique room code after %d attempts", maxCodeAttempts)
	return nil, ErrAllocationExhausted
}

// GetRoom 读取房间完整视图
func (s *RoomService) GetRoom(ctx context.Context, code string) (*domain.Room, error) {
	room, err := s.rooms.GetRoom(ctx, code)
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	return room, nil
}

// RoomExists 判断房间是否存在
func (s *RoomService) RoomExists(ctx context.Context, code string) (bool, error) {
	ok, err := s.rooms.RoomExists(ctx, code)
	if err != nil {
		return false, mapRepoError(err, ErrRoomNotFound)
	}
	return ok, nil
}

// MemberIDs 返回房间当前成员 ID，房间不存在时返回空列表
func (s *RoomService) MemberIDs(ctx context.Context, code string) ([]string, error) {
	ids, err := s.rooms.MemberIDs(ctx, code)
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	return ids, nil
}

// Member 读取单个成员，不是成员时返回 ErrNotMember
func (s *RoomService) Member(ctx context.Context, code, userID string) (*domain.Member, error) {
	m, err := s.rooms.GetMember(ctx, code, userID)
	if err != nil {
		return nil, mapRepoError(err, ErrNotMember)
	}
	return m, nil
}

// UserRoom 返回用户当前所在的房间码，没有时返回空字符串
func (s *RoomService) UserRoom(ctx context.Context, userID string) (string, error) {
	code, err := s.rooms.GetUserRoom(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", mapRepoError(err, ErrRoomNotFound)
	}
	return code, nil
}

// AddMember 把成员加入房间，返回加入后的房间视图
func (s *RoomService) AddMember(ctx context.Context, code string, member domain.Member) (*domain.Room, error) {
	if member.JoinedAt.IsZero() {
		member.JoinedAt = s.now().UTC()
	}
	if err := s.rooms.AddMember(ctx, code, member, s.indexTTL); err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	return s.GetRoom(ctx, code)
}

// RemoveMember 移除成员。sessionID 非空时，只有成员仍属于该连接才会移除，
// 因此对同一个连接重复调用是无副作用的。
func (s *RoomService) RemoveMember(ctx context.Context, code, userID, sessionID string) (*Departure, error) {
	out, err := s.rooms.RemoveMember(ctx, code, userID, sessionID)
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound)
	}

	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "user_id": userID, "session_id": sessionID})
	switch out.Status {
	case repository.MemberAbsent:
		return &Departure{}, nil
	case repository.RoomDeleted:
		logCtx.Info("Last member left, room deleted")
		return &Departure{Removed: true, RoomDeleted: true, Username: out.Username}, nil
	}

	dep := &Departure{Removed: true, Username: out.Username}
	room, err := s.rooms.GetRoom(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		dep.RoomDeleted = true
		return dep, nil
	}
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	dep.Room = room
	logCtx.WithField("remaining", len(room.Members)).Info("Member left room")
	return dep, nil
}

// UpdateProgress 更新成员的比赛进度 (字段级)
func (s *RoomService) UpdateProgress(ctx context.Context, code, userID string, p Progress) error {
	if p.Progress < 0 || p.Progress > 100 || p.WPM < 0 || p.Accuracy < 0 || p.Accuracy > 100 {
		return ErrInvalidInput
	}
	err := s.rooms.UpdateProgress(ctx, code, userID, p.Progress, p.WPM, p.Accuracy)
	return mapRepoError(err, ErrNotMember)
}

// ToggleReady 翻转成员的准备状态，返回新值和更新后的房间视图。
// 只允许在大厅阶段切换，比赛开始后返回 ErrRaceInProgress。
func (s *RoomService) ToggleReady(ctx context.Context, code, userID string) (*ReadyChange, error) {
	ready, err := s.rooms.ToggleReady(ctx, code, userID)
	if err != nil {
		return nil, mapRepoError(err, ErrNotMember)
	}
	room, err := s.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	return &ReadyChange{Ready: ready, Room: room}, nil
}

// AppendMessage 追加一条已构造好的聊天消息
func (s *RoomService) AppendMessage(ctx context.Context, code string, msg domain.ChatMessage) error {
	err := s.rooms.AppendMessage(ctx, code, msg, MessageHistoryLimit)
	return mapRepoError(err, ErrRoomNotFound)
}

// PostMessage 校验成员身份和消息内容，构造 ChatMessage 并持久化
func (s *RoomService) PostMessage(ctx context.Context, code, userID, text string) (*domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > MaxChatLength {
		return nil, ErrInvalidInput
	}
	member, err := s.Member(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	msg := domain.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		Username:  member.Username,
		Message:   text,
		Timestamp: s.now().UTC(),
	}
	if err := s.AppendMessage(ctx, code, msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// StartRace 执行 lobby -> racing 迁移，返回本次调用是否完成了迁移
func (s *RoomService) StartRace(ctx context.Context, code string, words []string, startTime time.Time) (bool, error) {
	started, err := s.rooms.StartRace(ctx, code, words, startTime)
	if err != nil {
		return false, mapRepoError(err, ErrRoomNotFound)
	}
	return started, nil
}

// ListActiveRoomCodes 列出所有存活房间的房间码
func (s *RoomService) ListActiveRoomCodes(ctx context.Context) ([]string, error) {
	codes, err := s.rooms.ListRoomCodes(ctx)
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	return codes, nil
}

// ListActiveRooms 读取所有存活房间；列举和读取之间被删除的房间会被跳过
func (s *RoomService) ListActiveRooms(ctx context.Context) ([]*domain.Room, error) {
	codes, err := s.ListActiveRoomCodes(ctx)
	if err != nil {
		return nil, err
	}
	rooms := make([]*domain.Room, 0, len(codes))
	for _, code := range codes {
		room, err := s.GetRoom(ctx, code)
		if errors.Is(err, ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// SweepAbandoned 删除创建超过 grace 仍没有成员的房间，并清理失效的用户索引
func (s *RoomService) SweepAbandoned(ctx context.Context, grace time.Duration) (SweepResult, error) {
	var result SweepResult
	rooms, err := s.ListActiveRooms(ctx)
	if err != nil {
		return result, err
	}

	cutoff := s.now().Add(-grace)
	abandoned := lo.Filter(rooms, func(r *domain.Room, _ int) bool {
		return len(r.Members) == 0 && r.CreatedAt.Before(cutoff)
	})
	for _, room := range abandoned {
		deleted, err := s.rooms.DeleteRoomIfEmpty(ctx, room.Code)
		if err != nil {
			return result, mapRepoError(err, ErrRoomNotFound)
		}
		if deleted {
			result.RoomsDeleted++
			logrus.WithField("room_code", room.Code).Info("Swept abandoned room")
		}
	}

	pruned, err := s.rooms.PruneUserIndex(ctx)
	if err != nil {
		return result, mapRepoError(err, ErrRoomNotFound)
	}
	result.IndexesPruned = pruned
	return result, nil
}

// randomRoomCode 用 crypto/rand 生成 6 位房间码。
// 拒绝 >= 252 的字节，保证 36 个字符等概率。
func randomRoomCode() (string, error) {
	const limit = 256 - 256%len(codeAlphabet)
	code := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength*2)
	for len(code) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(code) == codeLength {
				break
			}
		}
	}
	return string(code), nil
}
