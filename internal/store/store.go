package store

import (
	"errors"
	"fmt"
	"strings"

	"hotel_checkout/internal/model"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrPendingAttemptExists = errors.New("order already has a pending payment attempt")
	ErrAlreadySettled       = errors.New("payment attempt already settled")
	ErrStateMismatch        = errors.New("order and payment attempt status out of lockstep")
	ErrDuplicateCallback    = errors.New("callback already applied")
)

// Open 连接数据库并自动建表。driver 取值 sqlite / mysql。
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		// 驱动错误翻译成 gorm.ErrDuplicatedKey 等通用错误
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if driver == "sqlite" {
		// sqlite 单写者，串行化连接避免 database is locked
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("db tracing plugin: %w", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db, nil
}

// IsUniqueViolation 判断写入是否撞上唯一约束。
// 开启 TranslateError 后 sqlite / mysql 驱动都会返回 gorm.ErrDuplicatedKey，
// 字符串匹配只兜底未翻译的错误。
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint") || strings.Contains(s, "Duplicate entry")
}
