package services

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors; every *EventError unwraps to exactly one of these.
var (
	ErrAuthentication       = errors.New("authentication failed")
	ErrValidation           = errors.New("validation failed")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrRoomNotFound         = errors.New("room not found")
	ErrBackplaneUnavailable = errors.New("backplane unavailable")
	ErrInternal             = errors.New("internal failure")
)

// Wire error types sent to clients.
const (
	ErrorTypeAuthentication = "authentication_error"
	ErrorTypeValidation     = "validation_error"
	ErrorTypeRateLimit      = "rate_limit_exceeded"
	ErrorTypeRoomNotFound   = "room_not_found"
	ErrorTypeInternal       = "internal_error"
)

// EventError is the client-visible {type, message} shape of a failure.
type EventError struct {
	Type       string
	Message    string
	RetryAfter time.Duration
	kind       error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *EventError) Unwrap() error { return e.kind }

// Retryable reports whether the client may retry the same request later.
func (e *EventError) Retryable() bool {
	switch e.kind {
	case ErrValidation, ErrRateLimitExceeded, ErrRoomNotFound:
		return true
	}
	return false
}

func NewAuthenticationError(msg string) *EventError {
	return &EventError{Type: ErrorTypeAuthentication, Message: msg, kind: ErrAuthentication}
}

func NewValidationError(format string, args ...any) *EventError {
	return &EventError{Type: ErrorTypeValidation, Message: fmt.Sprintf(format, args...), kind: ErrValidation}
}

func NewRateLimitError(retryAfter time.Duration) *EventError {
	return &EventError{
		Type:       ErrorTypeRateLimit,
		Message:    fmt.Sprintf("too many requests, retry in %s", retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
		kind:       ErrRateLimitExceeded,
	}
}

func NewRoomNotFoundError(roomID string) *EventError {
	return &EventError{Type: ErrorTypeRoomNotFound, Message: fmt.Sprintf("room %q does not exist", roomID), kind: ErrRoomNotFound}
}

func NewInternalError(msg string) *EventError {
	return &EventError{Type: ErrorTypeInternal, Message: msg, kind: ErrInternal}
}

// AsEventError maps any error onto the client taxonomy. Errors outside the
// taxonomy become internal failures with a generic message.
func AsEventError(err error) *EventError {
	var ee *EventError
	if errors.As(err, &ee) {
		return ee
	}
	return NewInternalError("internal server error")
}
