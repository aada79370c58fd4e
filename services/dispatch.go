package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// HandlerFunc processes one validated inbound event for a session.
type HandlerFunc func(ctx context.Context, s *Session, ev models.InboundEvent) error

// Dispatcher routes decoded inbound events to their handlers. It is the
// only path from the transport into the service and is usable without one.
type Dispatcher struct {
	gateway        *Gateway
	router         *MessageRouter
	presence       *PresenceRegistry
	events         *RateLimiter
	typing         *RateLimiter
	abuseThreshold int32
	logger         *utils.Logger

	handlers map[string]HandlerFunc
}

func NewDispatcher(gateway *Gateway, router *MessageRouter, presence *PresenceRegistry, events, typing *RateLimiter, abuseThreshold int, logger *utils.Logger) *Dispatcher {
	d := &Dispatcher{
		gateway:        gateway,
		router:         router,
		presence:       presence,
		events:         events,
		typing:         typing,
		abuseThreshold: int32(abuseThreshold),
		logger:         logger,
	}
	d.handlers = map[string]HandlerFunc{
		models.EventRoomJoin:         d.roomJoin,
		models.EventRoomLeave:        d.roomLeave,
		models.EventChatMessage:      d.chatMessage,
		models.EventPresenceUpdate:   d.presenceUpdate,
		models.EventTypingStart:      d.typingEvent,
		models.EventTypingStop:       d.typingEvent,
		models.EventMessageDelivered: d.messageDelivered,
		models.EventPing:             d.ping,
	}
	return d
}

// Handle processes one raw frame from s. The returned error has already been
// reported to the client.
func (d *Dispatcher) Handle(ctx context.Context, s *Session, raw []byte) (err error) {
	if s.Closed() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.Logger().Error("Event handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = d.fail(ctx, s, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if d.events != nil {
		if err := d.events.Consume(ctx, s.ID(), 1); err != nil {
			return d.fail(ctx, s, err)
		}
	}

	ev, err := models.DecodeInbound(raw)
	if err != nil {
		return d.fail(ctx, s, NewValidationError("%s", err.Error()))
	}

	if _, isTyping := ev.(*models.Typing); isTyping && d.typing != nil {
		if err := d.typing.Consume(ctx, s.ID(), 1); err != nil {
			return d.fail(ctx, s, err)
		}
	}
	s.resetRejections()

	h, ok := d.handlers[ev.EventName()]
	if !ok {
		return d.fail(ctx, s, NewValidationError("unsupported event %q", ev.EventName()))
	}
	if err := h(ctx, s, ev); err != nil {
		return d.fail(ctx, s, err)
	}
	return nil
}

// fail reports err to the client and closes the session when err is
// terminal or the client keeps hitting its rate limit.
func (d *Dispatcher) fail(ctx context.Context, s *Session, err error) error {
	ee := AsEventError(err)
	if errors.Is(ee, ErrInternal) {
		s.Logger().Error("Event failed", "error", err)
	}
	s.SendError(ee)

	switch {
	case errors.Is(ee, ErrRateLimitExceeded):
		if n := s.recordRejection(); d.abuseThreshold > 0 && n >= d.abuseThreshold {
			s.Logger().Warn("Rate limit abuse threshold reached", "rejections", n)
			d.gateway.Disconnect(ctx, s, fmt.Errorf("rate limit abuse: %w", ee))
		}
	case !ee.Retryable():
		d.gateway.Disconnect(ctx, s, ee)
	}
	return ee
}

func (d *Dispatcher) roomJoin(ctx context.Context, s *Session, ev models.InboundEvent) error {
	e := ev.(*models.RoomJoin)
	_, err := d.gateway.JoinRoom(ctx, s, e.RoomID, e.RoomType)
	return err
}

func (d *Dispatcher) roomLeave(ctx context.Context, s *Session, ev models.InboundEvent) error {
	e := ev.(*models.RoomLeave)
	_, err := d.gateway.LeaveRoom(ctx, s, e.RoomID)
	return err
}

func (d *Dispatcher) chatMessage(ctx context.Context, s *Session, ev models.InboundEvent) error {
	e := ev.(*models.ChatMessage)
	msg, err := d.router.Send(ctx, OutgoingMessage{
		SenderID:    s.UserID(),
		Content:     e.Content,
		Type:        e.Type,
		RecipientID: e.RecipientID,
		RoomID:      e.RoomID,
		Metadata:    e.Metadata,
	})
	if err != nil {
		return err
	}
	s.SendEvent(models.EventMessageSent, models.MessageSentPayload{
		MessageID: msg.MessageID,
		Timestamp: msg.Timestamp,
	})
	return nil
}

func (d *Dispatcher) presenceUpdate(ctx context.Context, s *Session, ev models.InboundEvent) error {
	e := ev.(*models.PresenceUpdate)
	_, err := d.presence.SetStatus(ctx, s.UserID(), e.Status, e.CurrentActivity)
	return err
}

func (d *Dispatcher) typingEvent(ctx context.Context, s *Session, ev models.InboundEvent) error {
	return d.router.Typing(ctx, s.UserID(), *ev.(*models.Typing))
}

func (d *Dispatcher) messageDelivered(ctx context.Context, s *Session, ev models.InboundEvent) error {
	e := ev.(*models.MessageDelivered)
	if err := d.router.Acknowledge(ctx, e.MessageID, s.UserID()); err != nil {
		s.Logger().Warn("Failed to forward acknowledgment", "message_id", e.MessageID, "error", err)
	}
	return nil
}

func (d *Dispatcher) ping(_ context.Context, s *Session, _ models.InboundEvent) error {
	s.SendEvent(models.EventPong, struct{}{})
	return nil
}
