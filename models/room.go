package models

import "time"

type RoomType string

const (
	RoomTypeChat         RoomType = "chat"
	RoomTypeTask         RoomType = "task"
	RoomTypeNotification RoomType = "notification"
	RoomTypePrivate      RoomType = "private"
)

func (t RoomType) Valid() bool {
	switch t {
	case RoomTypeChat, RoomTypeTask, RoomTypeNotification, RoomTypePrivate:
		return true
	}
	return false
}

// Room is a snapshot of a named membership group.
type Room struct {
	ID           string    `json:"id"`
	Type         RoomType  `json:"type"`
	Members      []string  `json:"members"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
}
