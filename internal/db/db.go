package db

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vehicledx/backend/internal/domain"
	"github.com/vehicledx/backend/internal/platform/envutil"
	"github.com/vehicledx/backend/internal/platform/logger"
)

// Init opens the postgres connection and migrates the orchestrator
// schema.
func Init(log *logger.Logger) (*gorm.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return nil, fmt.Errorf("missing DATABASE_URL")
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(envutil.Int("DB_MAX_OPEN_CONNS", 25))
	sqlDB.SetMaxIdleConns(envutil.Int("DB_MAX_IDLE_CONNS", 5))
	sqlDB.SetConnMaxLifetime(envutil.DurationSeconds("DB_CONN_MAX_LIFETIME_SECONDS", 30*time.Minute))

	if err := gdb.AutoMigrate(
		&domain.Conversation{},
		&domain.Message{},
		&domain.LedgerEntry{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	log.Info("database ready")
	return gdb, nil
}
