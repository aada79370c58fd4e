package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// Session is the per-connection state owned by the accepting instance. The
// transport drains Outbound and closes the socket once Done is closed.
type Session struct {
	conn   models.Connection
	logger *utils.Logger
	clock  Clock

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closeReason atomic.Value

	mu    sync.Mutex
	rooms map[string]struct{}

	rejections atomic.Int32
}

func newSession(conn models.Connection, buffer int, clock Clock, logger *utils.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:   conn,
		logger: logger.With("connection_id", conn.ID, "user_id", conn.UserID),
		clock:  clock,
		out:    make(chan []byte, buffer),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}
}

func (s *Session) ID() string                    { return s.conn.ID }
func (s *Session) UserID() string                { return s.conn.UserID }
func (s *Session) Connection() models.Connection { return s.conn }
func (s *Session) Logger() *utils.Logger         { return s.logger }

// Context is cancelled when the session is closed.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Outbound yields encoded frames for the transport writer.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Send queues a frame without blocking. It reports false when the session is
// closed or its queue is full.
func (s *Session) Send(frame []byte) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.logger.Warn("Outbound queue full, dropping frame")
		return false
	}
}

// SendEvent encodes and queues a single event for this session only.
func (s *Session) SendEvent(event string, data any) bool {
	frame, err := json.Marshal(models.OutboundFrame{
		Event:     event,
		Data:      data,
		Timestamp: s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("Failed to encode event", "event", event, "error", err)
		return false
	}
	return s.Send(frame)
}

// SendError delivers the stable {type, message} error shape.
func (s *Session) SendError(err *EventError) bool {
	return s.SendEvent(models.EventError, models.ErrorPayload{Type: err.Type, Message: err.Message})
}

// Closed reports whether the session has been terminated.
func (s *Session) Closed() bool { return s.ctx.Err() != nil }

// CloseReason returns why the session was terminated, if it was.
func (s *Session) CloseReason() error {
	if v, ok := s.closeReason.Load().(error); ok {
		return v
	}
	return nil
}

// terminate stops all further processing for the session. It returns false
// when the session was already terminated.
func (s *Session) terminate(reason error) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		if reason != nil {
			s.closeReason.Store(reason)
		}
		s.cancel()
	})
	return first
}

func (s *Session) addRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

func (s *Session) removeRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

// Rooms returns the rooms this session joined.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// InRoom reports whether this session joined roomID.
func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) recordRejection() int32 { return s.rejections.Add(1) }
func (s *Session) resetRejections()       { s.rejections.Store(0) }
