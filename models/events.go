package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Inbound event names.
const (
	EventRoomJoin         = "room:join"
	EventRoomLeave        = "room:leave"
	EventChatMessage      = "chat:message"
	EventPresenceUpdate   = "presence:update"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventMessageDelivered = "message:delivered"
	EventPing             = "ping"
)

// Outbound event names.
const (
	EventConnectionStatus = "connection_status"
	EventRoomJoined       = "room:joined"
	EventRoomLeft         = "room:left"
	EventRoomUserJoined   = "room:user_joined"
	EventRoomUserLeft     = "room:user_left"
	EventTypingIndicator  = "typing:indicator"
	EventMessageSent      = "message:sent"
	EventAllDelivered     = "message:all_delivered"
	EventError            = "error"
	EventPong             = "pong"
)

const (
	MaxContentLength = 4000
	MaxIDLength      = 128
	MaxActivityLen   = 256
)

type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeImage        MessageType = "image"
	MessageTypeFile         MessageType = "file"
	MessageTypeSystem       MessageType = "system"
	MessageTypeTaskUpdate   MessageType = "task_update"
	MessageTypeNotification MessageType = "notification"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem,
		MessageTypeTaskUpdate, MessageTypeNotification:
		return true
	}
	return false
}

var (
	errMissingEvent = errors.New("event name is required")
	errBothTargets  = errors.New("exactly one of roomId or recipientId is required")
)

// InboundFrame is the raw wire shape of every client event.
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// InboundEvent is the validated, typed form of an InboundFrame.
type InboundEvent interface {
	EventName() string
	Validate() error
}

type RoomJoin struct {
	RoomID   string   `json:"roomId"`
	RoomType RoomType `json:"roomType,omitempty"`
}

func (RoomJoin) EventName() string { return EventRoomJoin }

func (e RoomJoin) Validate() error {
	if err := validateID("roomId", e.RoomID); err != nil {
		return err
	}
	if e.RoomType != "" && !e.RoomType.Valid() {
		return fmt.Errorf("unknown room type %q", e.RoomType)
	}
	return nil
}

type RoomLeave struct {
	RoomID string `json:"roomId"`
}

func (RoomLeave) EventName() string { return EventRoomLeave }

func (e RoomLeave) Validate() error { return validateID("roomId", e.RoomID) }

type ChatMessage struct {
	Content     string         `json:"content"`
	Type        MessageType    `json:"type"`
	RecipientID string         `json:"recipientId,omitempty"`
	RoomID      string         `json:"roomId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (ChatMessage) EventName() string { return EventChatMessage }

func (e ChatMessage) Validate() error {
	if e.Content == "" {
		return errors.New("content is required")
	}
	if utf8.RuneCountInString(e.Content) > MaxContentLength {
		return fmt.Errorf("content exceeds %d characters", MaxContentLength)
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return validateTarget(e.RoomID, e.RecipientID)
}

type PresenceUpdate struct {
	Status          PresenceStatus `json:"status"`
	CurrentActivity string         `json:"currentActivity,omitempty"`
}

func (PresenceUpdate) EventName() string { return EventPresenceUpdate }

func (e PresenceUpdate) Validate() error {
	switch e.Status {
	case StatusOnline, StatusAway, StatusBusy:
	case "":
		return errors.New("status is required")
	default:
		return fmt.Errorf("status %q cannot be set explicitly", e.Status)
	}
	if len(e.CurrentActivity) > MaxActivityLen {
		return fmt.Errorf("currentActivity exceeds %d bytes", MaxActivityLen)
	}
	return nil
}

// Typing covers both typing:start and typing:stop.
type Typing struct {
	Start       bool   `json:"-"`
	RoomID      string `json:"roomId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

func (e Typing) EventName() string {
	if e.Start {
		return EventTypingStart
	}
	return EventTypingStop
}

func (e Typing) Validate() error { return validateTarget(e.RoomID, e.RecipientID) }

// Target returns the channel-qualified typing target.
func (e Typing) Target() string {
	if e.RoomID != "" {
		return "room:" + e.RoomID
	}
	return "user:" + e.RecipientID
}

type MessageDelivered struct {
	MessageID string `json:"messageId"`
}

func (MessageDelivered) EventName() string { return EventMessageDelivered }

func (e MessageDelivered) Validate() error { return validateID("messageId", e.MessageID) }

type Ping struct{}

func (Ping) EventName() string { return EventPing }

func (Ping) Validate() error { return nil }

// DecodeInbound parses a raw frame into its typed event and validates it.
// Unknown fields are rejected so that malformed clients fail loudly.
func DecodeInbound(raw []byte) (InboundEvent, error) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if frame.Event == "" {
		return nil, errMissingEvent
	}

	var ev InboundEvent
	switch frame.Event {
	case EventRoomJoin:
		ev = &RoomJoin{}
	case EventRoomLeave:
		ev = &RoomLeave{}
	case EventChatMessage:
		ev = &ChatMessage{}
	case EventPresenceUpdate:
		ev = &PresenceUpdate{}
	case EventTypingStart:
		ev = &Typing{Start: true}
	case EventTypingStop:
		ev = &Typing{}
	case EventMessageDelivered:
		ev = &MessageDelivered{}
	case EventPing:
		ev = &Ping{}
	default:
		return nil, fmt.Errorf("unknown event %q", frame.Event)
	}

	if len(frame.Data) > 0 && !bytes.Equal(frame.Data, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(frame.Data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", frame.Event, err)
		}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func validateID(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > MaxIDLength {
		return fmt.Errorf("%s exceeds %d bytes", field, MaxIDLength)
	}
	return nil
}

func validateTarget(roomID, recipientID string) error {
	switch {
	case roomID != "" && recipientID != "":
		return errBothTargets
	case roomID != "":
		return validateID("roomId", roomID)
	case recipientID != "":
		return validateID("recipientId", recipientID)
	}
	return errBothTargets
}

// OutboundFrame is the wire shape of every server event.
type OutboundFrame struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectionStatusPayload struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	InstanceID   string `json:"instanceId"`
}

type RoomPayload struct {
	RoomID      string   `json:"roomId"`
	RoomType    RoomType `json:"roomType,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	MemberCount int      `json:"memberCount"`
}

type ChatMessagePayload struct {
	MessageID   string         `json:"messageId"`
	SenderID    string         `json:"senderId"`
	Content     string         `json:"content"`
	Type        MessageType    `json:"type"`
	RoomID      string         `json:"roomId,omitempty"`
	RecipientID string         `json:"recipientId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Title       string         `json:"title,omitempty"`
	Body        string         `json:"body,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

type PresencePayload struct {
	UserID          string         `json:"userId"`
	Status          PresenceStatus `json:"status"`
	LastSeen        time.Time      `json:"lastSeen"`
	CurrentActivity string         `json:"currentActivity,omitempty"`
}

type TypingPayload struct {
	UserID      string `json:"userId"`
	RoomID      string `json:"roomId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

type MessageSentPayload struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type AllDeliveredPayload struct {
	MessageID  string `json:"messageId"`
	Recipients int    `json:"recipients"`
}

type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
