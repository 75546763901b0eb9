package repository

import "errors"

// 通用的存储库错误
var (
	// ErrNotFound 表示请求的记录未找到 (房间不存在、成员不在房间内、索引缺失)
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateEntry 表示尝试插入的数据违反了唯一约束
	ErrDuplicateEntry = errors.New("repository: duplicate entry")
	// ErrCodeTaken 表示房间码已被占用，调用方应换一个码重试
	ErrCodeTaken = errors.New("repository: room code already taken")
	// ErrNotInLobby 表示房间已经开始比赛，只能在大厅阶段进行的修改被拒绝
	ErrNotInLobby = errors.New("repository: room is not in lobby")
)

// 特定资源的错误
var (
	ErrUserNotFound = ErrNotFound
	ErrRoomNotFound = ErrNotFound
)
