package models

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the known presence statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the live, per-instance view of a user's connections.
type PresenceRecord struct {
	UserID          string         `json:"user_id"`
	ConnectionIDs   []string       `json:"connection_ids"`
	Status          PresenceStatus `json:"status"`
	LastSeen        time.Time      `json:"last_seen"`
	CurrentRoom     string         `json:"current_room,omitempty"`
	CurrentActivity string         `json:"current_activity,omitempty"`
}

// UserPresence is the shared (Redis) and durable (Postgres) presence snapshot.
type UserPresence struct {
	UserID    string         `json:"user_id" gorm:"primaryKey;size:128"`
	Status    PresenceStatus `json:"status" gorm:"size:16;not null"` // online, away, busy, offline
	LastSeen  time.Time      `json:"last_seen"`
	Device    string         `json:"device,omitempty" gorm:"size:64"`
	UpdatedAt time.Time      `json:"-"`
}

func (UserPresence) TableName() string {
	return "user_presence"
}

type StatusResponse struct {
	UserID      string         `json:"user_id"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"last_seen"`
	IsOnline    bool           `json:"is_online"`
	Connections int            `json:"connections"`
}

type OnlineUsersResponse struct {
	Count int            `json:"count"`
	Users []UserPresence `json:"users"`
}
