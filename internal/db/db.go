package db

import (
	"time"

	"chatclient/internal/storage"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect 打开本地 sqlite 存储，文件被其他进程锁住时做简单重试。
func Connect(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 5; i++ {
		gdb, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				// sqlite 单写者，限制为一个连接避免 database is locked。
				sqlDB.SetMaxOpenConns(1)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(100+i*100) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移本地存储涉及的表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&storage.Entry{})
}
