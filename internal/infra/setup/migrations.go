package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"typing-race/internal/domain"
)

// MigrateDB 迁移用户表。房间状态只存在于 Redis，不落库。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}
	if err := migrateUsersTable(db); err != nil {
		return fmt.Errorf("failed to migrate users table: %w", err)
	}
	logrus.Info("Database migration completed successfully")
	return nil
}

// migrateUsersTable 表不存在时用原生 SQL 建表 (固定索引列长度)，否则交给 AutoMigrate 补齐列和索引
func migrateUsersTable(db *gorm.DB) error {
	if db.Migrator().HasTable(&domain.User{}) {
		if err := db.AutoMigrate(&domain.User{}); err != nil {
			return fmt.Errorf("failed to auto-migrate users table: %w", err)
		}
		logrus.Info("Users table schema checked/updated successfully")
		return nil
	}

	sql := `
	CREATE TABLE users (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(191) NOT NULL,
		password TEXT NOT NULL,
		email VARCHAR(191),
		created_at DATETIME(3),
		updated_at DATETIME(3),
		UNIQUE INDEX idx_username (username),
		UNIQUE INDEX idx_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci;
	`
	if err := db.Exec(sql).Error; err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	logrus.Info("Users table created successfully")
	return nil
}
