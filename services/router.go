package services

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// OutgoingMessage is a chat message accepted from a connected client.
type OutgoingMessage struct {
	SenderID    string
	Content     string
	Type        models.MessageType
	RecipientID string
	RoomID      string
	Metadata    map[string]any
}

func (m OutgoingMessage) channel() string {
	if m.RoomID != "" {
		return RoomChannel(m.RoomID)
	}
	return UserChannel(m.RecipientID)
}

// RouterStats are cumulative counters since start.
type RouterStats struct {
	Sent      int64 `json:"sent"`
	Acked     int64 `json:"acked"`
	Forwarded int64 `json:"forwarded"`
	Completed int64 `json:"completed"`
}

// MessageRouter resolves recipients, registers delivery records and fans
// messages out through the hub.
type MessageRouter struct {
	hub       *Hub
	rooms     *RoomDirectory
	delivery  *DeliveryTracker
	typing    *TypingTracker
	formatter NotificationFormatter
	clock     Clock
	logger    *utils.Logger

	newID func() string

	// sendLocks keeps acceptance order per target channel on this instance.
	sendLocks *keyedMutex

	sent      atomic.Int64
	acked     atomic.Int64
	forwarded atomic.Int64
	completed atomic.Int64
}

func NewMessageRouter(hub *Hub, rooms *RoomDirectory, delivery *DeliveryTracker, typing *TypingTracker, formatter NotificationFormatter, clock Clock, logger *utils.Logger) *MessageRouter {
	r := &MessageRouter{
		hub:       hub,
		rooms:     rooms,
		delivery:  delivery,
		typing:    typing,
		formatter: formatter,
		clock:     clock,
		logger:    logger,
		newID:     uuid.NewString,
		sendLocks: newKeyedMutex(),
	}
	delivery.OnComplete(func(rec models.MessageDeliveryRecord) {
		r.publishCompletion(context.Background(), rec)
	})
	return r
}

// Start subscribes to acknowledgments forwarded by other instances.
func (r *MessageRouter) Start(ctx context.Context) error {
	return r.hub.Listen(ctx, DeliveryAckChannel, r.onForwardedAck)
}

// Send validates msg, registers its delivery record and publishes it. Nothing
// is published when validation fails.
func (r *MessageRouter) Send(ctx context.Context, msg OutgoingMessage) (models.ChatMessagePayload, error) {
	in := models.ChatMessage{
		Content:     msg.Content,
		Type:        msg.Type,
		RecipientID: msg.RecipientID,
		RoomID:      msg.RoomID,
		Metadata:    msg.Metadata,
	}
	if err := in.Validate(); err != nil {
		return models.ChatMessagePayload{}, NewValidationError("%s", err.Error())
	}

	channel := msg.channel()
	unlock := r.sendLocks.Lock(channel)
	defer unlock()

	var recipients []string
	if msg.RoomID != "" {
		members, err := r.rooms.Members(msg.RoomID)
		if err != nil {
			return models.ChatMessagePayload{}, err
		}
		recipients = make([]string, 0, len(members))
		for _, m := range members {
			if m != msg.SenderID {
				recipients = append(recipients, m)
			}
		}
	} else {
		recipients = []string{msg.RecipientID}
	}

	now := r.clock.Now()
	payload := models.ChatMessagePayload{
		MessageID:   r.newID(),
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		Type:        msg.Type,
		RoomID:      msg.RoomID,
		RecipientID: msg.RecipientID,
		Metadata:    msg.Metadata,
		Timestamp:   now,
	}
	if msg.Type == models.MessageTypeNotification && r.formatter != nil {
		title, body, err := r.formatter.Format(ctx, payload)
		if err != nil {
			r.logger.Warn("Failed to format notification", "message_id", payload.MessageID, "error", err)
		} else {
			payload.Title, payload.Body = title, body
		}
	}

	completed, err := r.delivery.Register(payload.MessageID, msg.SenderID, recipients, now)
	if err != nil {
		r.logger.Error("Failed to register delivery record", "message_id", payload.MessageID, "error", err)
		return models.ChatMessagePayload{}, NewInternalError("failed to register message")
	}
	if msg.RoomID != "" {
		if err := r.rooms.Touch(msg.RoomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
			r.logger.Warn("Failed to touch room", "room_id", msg.RoomID, "error", err)
		}
	}

	opts := []EnvelopeOption{OnlyRecipients(msg.SenderID, recipients), WithMessageID(payload.MessageID)}
	if err := r.hub.PublishEvent(ctx, channel, models.EventChatMessage, payload, opts...); err != nil {
		r.logger.Error("Failed to publish message", "message_id", payload.MessageID, "error", err)
		return models.ChatMessagePayload{}, NewInternalError("failed to publish message")
	}
	// The sender's other sessions follow direct conversations on their own channel.
	if msg.RecipientID != "" && msg.RecipientID != msg.SenderID {
		if err := r.hub.PublishEvent(ctx, UserChannel(msg.SenderID), models.EventChatMessage, payload, opts...); err != nil {
			r.logger.Warn("Failed to mirror message to sender", "message_id", payload.MessageID, "error", err)
		}
	}
	r.sent.Add(1)

	if completed {
		if rec, ok := r.delivery.Get(payload.MessageID); ok {
			r.publishCompletion(ctx, rec)
		}
	}
	return payload, nil
}

// Acknowledge applies userID's ack for messageID, forwarding it to the other
// instances when the record is not held here.
func (r *MessageRouter) Acknowledge(ctx context.Context, messageID, userID string) error {
	res := r.delivery.Acknowledge(messageID, userID)
	if res.Known {
		if res.Applied {
			r.acked.Add(1)
		}
		return nil
	}
	r.forwarded.Add(1)
	return r.hub.Publish(ctx, DeliveryAckChannel, Envelope{
		Kind:      KindAck,
		MessageID: messageID,
		SenderID:  userID,
	})
}

func (r *MessageRouter) onForwardedAck(_ context.Context, env Envelope) {
	if env.Kind != KindAck || env.Origin == r.hub.InstanceID() {
		return
	}
	if res := r.delivery.Acknowledge(env.MessageID, env.SenderID); res.Applied {
		r.acked.Add(1)
	}
}

func (r *MessageRouter) publishCompletion(ctx context.Context, rec models.MessageDeliveryRecord) {
	r.completed.Add(1)
	err := r.hub.PublishEvent(ctx, UserChannel(rec.SenderID), models.EventAllDelivered, models.AllDeliveredPayload{
		MessageID:  rec.MessageID,
		Recipients: len(rec.Recipients),
	})
	if err != nil {
		r.logger.Error("Failed to publish delivery completion", "message_id", rec.MessageID, "error", err)
	}
}

// MarkUndelivered records a frame that could not be queued for a recipient.
func (r *MessageRouter) MarkUndelivered(env Envelope, s *Session) {
	if env.MessageID == "" || s.UserID() == env.SenderID {
		return
	}
	if r.delivery.MarkFailed(env.MessageID, s.UserID()) {
		r.logger.Debug("Marked delivery failed", "message_id", env.MessageID, "user_id", s.UserID())
	}
}

// Typing starts or stops userID's indicator at the event's target.
func (r *MessageRouter) Typing(ctx context.Context, userID string, ev models.Typing) error {
	if ev.RoomID != "" && !r.rooms.Exists(ev.RoomID) {
		return NewRoomNotFoundError(ev.RoomID)
	}
	entry := TypingEntry{UserID: userID, RoomID: ev.RoomID, RecipientID: ev.RecipientID}
	if ev.Start {
		r.typing.Start(entry, r.clock.Now())
	} else if !r.typing.Stop(entry) {
		return nil
	}
	return r.publishTyping(ctx, entry, ev.Start)
}

// FlushTyping publishes a stop for every indicator that expired by now.
func (r *MessageRouter) FlushTyping(ctx context.Context) int {
	expired := r.typing.Expire(r.clock.Now())
	for _, e := range expired {
		if err := r.publishTyping(ctx, e, false); err != nil {
			r.logger.Warn("Failed to publish typing expiry", "user_id", e.UserID, "error", err)
		}
	}
	return len(expired)
}

// ClearTyping stops every indicator userID still has open.
func (r *MessageRouter) ClearTyping(ctx context.Context, userID string) {
	for _, e := range r.typing.ClearUser(userID) {
		if err := r.publishTyping(ctx, e, false); err != nil {
			r.logger.Warn("Failed to publish typing stop", "user_id", userID, "error", err)
		}
	}
}

func (r *MessageRouter) publishTyping(ctx context.Context, e TypingEntry, typing bool) error {
	return r.hub.PublishEvent(ctx, e.Channel(), models.EventTypingIndicator, models.TypingPayload{
		UserID:      e.UserID,
		RoomID:      e.RoomID,
		RecipientID: e.RecipientID,
		IsTyping:    typing,
	}, ExceptUsers(e.UserID))
}

func (r *MessageRouter) Stats() RouterStats {
	return RouterStats{
		Sent:      r.sent.Load(),
		Acked:     r.acked.Load(),
		Forwarded: r.forwarded.Load(),
		Completed: r.completed.Load(),
	}
}
