package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"flextasker/realtime-gateway/config"
	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// Connect opens the last-seen store. Writes happen once per user going
// offline and never sit on the realtime path, so the pool stays small and
// a slow statement is logged rather than traced.
func Connect(ctx context.Context, cfg *config.Config, log *utils.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:                 newGormLogger(log, cfg.DBSlowQuery),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(min(cfg.DBMaxIdleConns, cfg.DBMaxOpenConns))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.DBAutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(&models.UserPresence{}); err != nil {
			return nil, fmt.Errorf("failed to migrate user_presence: %w", err)
		}
	}
	return db, nil
}

// gormWriter sends gorm's warnings and slow-query reports to the service log.
type gormWriter struct {
	log *utils.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn("Database", "detail", fmt.Sprintf(format, args...))
}

func newGormLogger(log *utils.Logger, slow time.Duration) logger.Interface {
	return logger.New(gormWriter{log: log.With("component", "db")}, logger.Config{
		SlowThreshold:             slow,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
