package repository

import (
	"context"
	"time"

	"typing-race/internal/domain"
)

// RemovalStatus 描述 RemoveMember 的结果
type RemovalStatus int

const (
	// MemberAbsent 成员不在房间内，或成员身份已属于另一个连接，什么都没做
	MemberAbsent RemovalStatus = iota
	// MemberRemoved 成员已移除，房间仍有其他成员
	MemberRemoved
	// RoomDeleted 移除的是最后一个成员，房间及其所有 key 已删除
	RoomDeleted
)

// RemovalOutcome 是 RemoveMember 的返回值
type RemovalOutcome struct {
	Status   RemovalStatus
	Username string // 被移除成员的用户名 (MemberAbsent 时为空)
}

// RoomStateRepository 定义了房间实时状态的存储操作，由 Redis 实现。
// 所有成员级别的写操作都必须是字段级别的原子操作，不允许整房间读-改-写。
type RoomStateRepository interface {
	// CreateRoom 原子地占用房间码并写入房间元数据。码已存在时返回 ErrCodeTaken。
	CreateRoom(ctx context.Context, room *domain.Room, ttl time.Duration) error

	// GetRoom 读取房间完整视图。房间不存在时返回 ErrRoomNotFound。
	GetRoom(ctx context.Context, code string) (*domain.Room, error)

	// RoomExists 判断房间是否存在。
	RoomExists(ctx context.Context, code string) (bool, error)

	// MemberIDs 返回房间当前成员的用户 ID 列表。房间不存在时返回空列表。
	MemberIDs(ctx context.Context, code string) ([]string, error)

	// GetMember 读取单个成员。成员不在房间内时返回 ErrNotFound。
	GetMember(ctx context.Context, code, userID string) (*domain.Member, error)

	// AddMember 写入 (或覆盖) 一个成员，并设置用户->房间索引。房间不存在时返回 ErrRoomNotFound。
	AddMember(ctx context.Context, code string, member domain.Member, indexTTL time.Duration) error

	// RemoveMember 移除成员；sessionID 非空时只有成员仍属于该连接才会移除。
	// 最后一个成员离开时同一个原子操作内删除整个房间。
	RemoveMember(ctx context.Context, code, userID, sessionID string) (RemovalOutcome, error)

	// UpdateProgress 只更新成员的 progress/wpm/accuracy 字段。成员不存在时返回 ErrNotFound。
	UpdateProgress(ctx context.Context, code, userID string, progress, wpm int, accuracy float64) error

	// ToggleReady 原子地翻转成员的 ready 标志并返回新值。成员不存在时返回 ErrNotFound，
	// 房间不在大厅阶段时返回 ErrNotInLobby。
	ToggleReady(ctx context.Context, code, userID string) (bool, error)

	// AppendMessage 追加聊天消息并只保留最近 limit 条。房间不存在时返回 ErrRoomNotFound。
	AppendMessage(ctx context.Context, code string, msg domain.ChatMessage, limit int) error

	// StartRace 比较并设置 race_state: 只有处于 lobby 时才写入 words 和开始时间。
	// 返回 true 表示本次调用完成了迁移。房间不存在时返回 ErrRoomNotFound。
	StartRace(ctx context.Context, code string, words []string, startTime time.Time) (bool, error)

	// DeleteRoomIfEmpty 房间没有成员时删除房间，返回是否删除。
	DeleteRoomIfEmpty(ctx context.Context, code string) (bool, error)

	// ListRoomCodes 列出所有存活房间的房间码。
	ListRoomCodes(ctx context.Context) ([]string, error)

	// GetUserRoom 读取用户->房间索引。索引不存在时返回 ErrNotFound。
	GetUserRoom(ctx context.Context, userID string) (string, error)

	// PruneUserIndex 删除指向已不存在房间的用户索引，返回删除数量。
	PruneUserIndex(ctx context.Context) (int, error)
}

// RateLimitRepository 提供基于计数器的限流。
type RateLimitRepository interface {
	// CheckRateLimit 递增 key 的计数并返回是否超过 limit。
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
