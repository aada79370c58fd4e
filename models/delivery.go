package models

import "time"

// MessageDeliveryRecord correlates a sent message with its recipients' acknowledgments.
type MessageDeliveryRecord struct {
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	Recipients []string  `json:"recipients"`
	Delivered  []string  `json:"delivered"`
	Failed     []string  `json:"failed"`
	Timestamp  time.Time `json:"timestamp"`
	Completed  bool      `json:"completed"`
}

// RateLimitBucket describes the state of a token bucket after a consumption.
type RateLimitBucket struct {
	Key             string    `json:"key"`
	PointsRemaining int       `json:"points_remaining"`
	ResetAt         time.Time `json:"reset_at"`
	BlockedUntil    time.Time `json:"blocked_until,omitempty"`
}
