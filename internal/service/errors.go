package service

import (
	"errors"
	"fmt"

	"typing-race/internal/repository"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrRoomNotFound         = errors.New("room not found")
	ErrNotMember            = errors.New("user is not a member of the room")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRegistrationFailed   = errors.New("registration failed: username or email already exists")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidSubmode       = errors.New("invalid mode/value combination")
	ErrAllocationExhausted  = errors.New("could not allocate a unique room code")
	ErrStoreUnavailable     = errors.New("room state store unavailable")
	ErrRaceInProgress       = errors.New("race already in progress")
	ErrInternalServer       = errors.New("internal server error")
)

// mapRepoError 将仓库层错误映射为服务层错误。
// notFound 指定 ErrNotFound 在当前上下文中的含义 (房间不存在或不是成员)。
// 其余错误一律视为存储不可用，保留原始错误用于日志。
func mapRepoError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return notFound
	}
	if errors.Is(err, repository.ErrNotInLobby) {
		return ErrRaceInProgress
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
