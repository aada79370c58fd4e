package models

import "time"

// ConnectionMetadata is captured once at handshake and never changes.
type ConnectionMetadata struct {
	UserAgent   string    `json:"user_agent"`
	Platform    string    `json:"platform"`
	IP          string    `json:"ip"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Connection is a single authenticated transport connection owned by this instance.
type Connection struct {
	ID       string             `json:"id"`
	UserID   string             `json:"user_id"`
	Role     string             `json:"role"`
	Metadata ConnectionMetadata `json:"metadata"`
}

// Identity is what a verified handshake token resolves to.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}
