package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"flextasker/realtime-gateway/models"
)

// LastSeenWriter durably records when a user was last connected.
type LastSeenWriter interface {
	WriteLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

type NopLastSeenWriter struct{}

func (NopLastSeenWriter) WriteLastSeen(context.Context, string, time.Time) error { return nil }

// GormLastSeenWriter upserts rows of the user_presence table.
type GormLastSeenWriter struct {
	db *gorm.DB
}

func NewGormLastSeenWriter(db *gorm.DB) *GormLastSeenWriter {
	return &GormLastSeenWriter{db: db}
}

func (w *GormLastSeenWriter) WriteLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	row := models.UserPresence{
		UserID:   userID,
		Status:   models.StatusOffline,
		LastSeen: lastSeen,
	}
	err := w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_seen", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to write last seen for %s: %w", userID, err)
	}
	return nil
}

// LastSeen reads the persisted last-seen time; the zero time means never seen.
func (w *GormLastSeenWriter) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	var row models.UserPresence
	err := w.db.WithContext(ctx).Select("last_seen").Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read last seen for %s: %w", userID, err)
	}
	return row.LastSeen, nil
}
