package domain

import (
	"strconv"
	"time"
)

// User 已注册的玩家账号 (MySQL users 表)。
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"type:varchar(191);uniqueIndex:idx_username;not null"`
	Password  string    `gorm:"type:text;not null"` // bcrypt 哈希
	Email     string    `gorm:"type:varchar(191);uniqueIndex:idx_email"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// PublicID 房间和消息中使用的字符串形式的用户 ID
func (u *User) PublicID() string {
	return strconv.FormatUint(uint64(u.ID), 10)
}
