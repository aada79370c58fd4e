package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// Envelope kinds carried over the backplane.
const (
	KindEvent   = "event"   // fan out to local sessions
	KindSync    = "sync"    // request room membership from other instances
	KindMembers = "members" // reply to KindSync
	KindAck     = "ack"     // forwarded delivery acknowledgment
)

// Well-known channels.
const (
	PresenceChannel    = "presence"
	DeliveryAckChannel = "delivery:ack"
)

func UserChannel(userID string) string { return "user:" + userID }
func RoomChannel(roomID string) string { return "room:" + roomID }

// Envelope is the unit published on the backplane.
type Envelope struct {
	Origin     string          `json:"origin"`
	Kind       string          `json:"kind"`
	Event      string          `json:"event,omitempty"`
	MessageID  string          `json:"message_id,omitempty"`
	SenderID   string          `json:"sender_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Restricted bool            `json:"restricted,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	Except     []string        `json:"except,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// allows reports whether a session of userID may receive this envelope.
func (e *Envelope) allows(userID string) bool {
	for _, u := range e.Except {
		if u == userID {
			return false
		}
	}
	if !e.Restricted || userID == e.SenderID {
		return true
	}
	for _, u := range e.Recipients {
		if u == userID {
			return true
		}
	}
	return false
}

// EnvelopeObserver sees envelopes published by other instances before local fan-out.
type EnvelopeObserver func(ctx context.Context, channel string, env Envelope)

// DropHandler is told when a frame could not be queued for a session.
type DropHandler func(env Envelope, s *Session)

// Hub fans backplane channels out to the sessions attached on this instance.
type Hub struct {
	instanceID string
	backplane  Backplane
	clock      Clock
	logger     *utils.Logger

	// subLocks orders Subscribe and Unsubscribe calls per channel; they run
	// outside mu because backplane I/O may block.
	subLocks *keyedMutex

	mu         sync.RWMutex
	channels   map[string]map[string]*Session
	listeners  map[string]func(ctx context.Context, env Envelope)
	subscribed map[string]bool
	observer   EnvelopeObserver
	onDrop     DropHandler

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	degraded  atomic.Int64
}

func NewHub(instanceID string, backplane Backplane, clock Clock, logger *utils.Logger) *Hub {
	return &Hub{
		instanceID: instanceID,
		backplane:  backplane,
		clock:      clock,
		logger:     logger,
		subLocks:   newKeyedMutex(),
		channels:   make(map[string]map[string]*Session),
		listeners:  make(map[string]func(ctx context.Context, env Envelope)),
		subscribed: make(map[string]bool),
	}
}

func (h *Hub) InstanceID() string { return h.instanceID }

// SetObserver registers the hook applied to foreign envelopes.
func (h *Hub) SetObserver(fn EnvelopeObserver) {
	h.mu.Lock()
	h.observer = fn
	h.mu.Unlock()
}

func (h *Hub) SetDropHandler(fn DropHandler) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Listen subscribes an instance-level consumer (no sessions) to channel.
func (h *Hub) Listen(ctx context.Context, channel string, fn func(ctx context.Context, env Envelope)) error {
	unlock := h.subLocks.Lock(channel)
	defer unlock()

	h.mu.Lock()
	h.listeners[channel] = fn
	h.mu.Unlock()
	return h.ensureSubscribed(ctx, channel)
}

// Attach adds s to channel, subscribing on the backplane for the first local session.
func (h *Hub) Attach(ctx context.Context, channel string, s *Session) {
	unlock := h.subLocks.Lock(channel)
	defer unlock()

	h.mu.Lock()
	sessions, ok := h.channels[channel]
	if !ok {
		sessions = make(map[string]*Session)
		h.channels[channel] = sessions
	}
	sessions[s.ID()] = s
	h.mu.Unlock()

	if err := h.ensureSubscribed(ctx, channel); err != nil {
		h.logger.Warn("Backplane subscribe failed, channel is local-only until reconnect",
			"channel", channel, "error", err)
	}
}

// Detach removes s from channel, unsubscribing after the last local session.
func (h *Hub) Detach(ctx context.Context, channel string, s *Session) {
	unlock := h.subLocks.Lock(channel)
	defer unlock()

	h.mu.Lock()
	sessions, ok := h.channels[channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(sessions, s.ID())
	if len(sessions) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.channels, channel)
	_, listening := h.listeners[channel]
	drop := !listening && h.subscribed[channel]
	if drop {
		delete(h.subscribed, channel)
	}
	h.mu.Unlock()

	if drop {
		if err := h.backplane.Unsubscribe(ctx, channel); err != nil {
			h.logger.Warn("Backplane unsubscribe failed", "channel", channel, "error", err)
		}
	}
}

// ensureSubscribed subscribes channel unless a subscription is already held.
// A failed attempt still counts as held: the backplane keeps the handler and
// resubscribes it on reconnect. Callers hold the channel's subLock.
func (h *Hub) ensureSubscribed(ctx context.Context, channel string) error {
	h.mu.Lock()
	held := h.subscribed[channel]
	h.subscribed[channel] = true
	h.mu.Unlock()

	if held {
		return nil
	}
	return h.backplane.Subscribe(ctx, channel, h.receive)
}

// Subscribed reports whether the hub holds a backplane subscription for channel.
func (h *Hub) Subscribed(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subscribed[channel]
}

// LocalUsers lists the distinct users with a session attached to channel.
func (h *Hub) LocalUsers(channel string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	users := make([]string, 0, len(h.channels[channel]))
	for _, s := range h.channels[channel] {
		if _, dup := seen[s.UserID()]; dup {
			continue
		}
		seen[s.UserID()] = struct{}{}
		users = append(users, s.UserID())
	}
	return users
}

// Sessions returns the sessions attached to channel.
func (h *Hub) Sessions(channel string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.channels[channel]))
	for _, s := range h.channels[channel] {
		out = append(out, s)
	}
	return out
}

// HasLocalUser reports whether any session of userID is attached to channel.
func (h *Hub) HasLocalUser(channel, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.channels[channel] {
		if s.UserID() == userID {
			return true
		}
	}
	return false
}

// PublishEvent wraps data as an outbound event and publishes it on channel.
func (h *Hub) PublishEvent(ctx context.Context, channel, event string, data any, opts ...EnvelopeOption) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	env := Envelope{Kind: KindEvent, Event: event, Data: raw}
	for _, opt := range opts {
		opt(&env)
	}
	return h.Publish(ctx, channel, env)
}

// Publish sends env through the backplane. If the backplane is down the
// envelope is delivered to local sessions only and no error is returned.
func (h *Hub) Publish(ctx context.Context, channel string, env Envelope) error {
	env.Origin = h.instanceID
	if env.Timestamp.IsZero() {
		env.Timestamp = h.clock.Now()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	h.published.Add(1)
	if err := h.backplane.Publish(ctx, channel, payload); err != nil {
		h.degraded.Add(1)
		h.logger.Debug("Delivering locally without backplane", "channel", channel, "error", err)
		h.dispatch(ctx, channel, env)
	}
	return nil
}

func (h *Hub) receive(channel string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.logger.Error("Failed to decode backplane envelope", "channel", channel, "error", err)
		return
	}
	h.dispatch(context.Background(), channel, env)
}

func (h *Hub) dispatch(ctx context.Context, channel string, env Envelope) {
	h.mu.RLock()
	listener := h.listeners[channel]
	observer := h.observer
	h.mu.RUnlock()

	if listener != nil {
		listener(ctx, env)
	}
	if observer != nil && env.Origin != h.instanceID {
		observer(ctx, channel, env)
	}
	if env.Kind == KindEvent {
		h.deliverLocal(channel, env)
	}
}

func (h *Hub) deliverLocal(channel string, env Envelope) {
	frame, err := json.Marshal(models.OutboundFrame{
		Event:     env.Event,
		Data:      env.Data,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		h.logger.Error("Failed to encode outbound frame", "event", env.Event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.channels[channel]))
	for _, s := range h.channels[channel] {
		if env.allows(s.UserID()) {
			targets = append(targets, s)
		}
	}
	onDrop := h.onDrop
	h.mu.RUnlock()

	for _, s := range targets {
		if s.Send(frame) {
			h.delivered.Add(1)
			continue
		}
		h.dropped.Add(1)
		if onDrop != nil {
			onDrop(env, s)
		}
	}
}

// HubStats are cumulative counters since start.
type HubStats struct {
	Channels  int   `json:"channels"`
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Degraded  int64 `json:"degraded"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.channels)
	h.mu.RUnlock()
	return HubStats{
		Channels:  n,
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Degraded:  h.degraded.Load(),
	}
}

// EnvelopeOption adjusts an event envelope before publishing.
type EnvelopeOption func(*Envelope)

// ExceptUsers suppresses delivery to the listed users.
func ExceptUsers(userIDs ...string) EnvelopeOption {
	return func(e *Envelope) { e.Except = append(e.Except, userIDs...) }
}

// OnlyRecipients restricts delivery to a membership snapshot plus the sender.
func OnlyRecipients(senderID string, recipients []string) EnvelopeOption {
	return func(e *Envelope) {
		e.SenderID = senderID
		e.Restricted = true
		e.Recipients = append([]string(nil), recipients...)
	}
}

func WithMessageID(id string) EnvelopeOption {
	return func(e *Envelope) { e.MessageID = id }
}
