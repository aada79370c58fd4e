package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// TransportMeta is what the transport knows about a client at handshake.
type TransportMeta struct {
	IP        string
	UserAgent string
	Platform  string
}

type GatewayOptions struct {
	SendBuffer            int
	MaxConnectionsPerUser int
}

// GatewayStats are point-in-time and cumulative connection counters.
type GatewayStats struct {
	Sessions int   `json:"sessions"`
	Accepted int64 `json:"accepted"`
	Refused  int64 `json:"refused"`
	Closed   int64 `json:"closed"`
}

// Gateway owns the sessions accepted by this instance and the membership
// bookkeeping that follows them.
type Gateway struct {
	instanceID string
	verifier   TokenVerifier
	handshake  *RateLimiter
	presence   *PresenceRegistry
	rooms      *RoomDirectory
	hub        *Hub
	router     *MessageRouter
	clock      Clock
	logger     *utils.Logger
	opts       GatewayOptions

	roomLocks *keyedMutex

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session

	accepted atomic.Int64
	refused  atomic.Int64
	closed   atomic.Int64
}

func NewGateway(hub *Hub, verifier TokenVerifier, handshake *RateLimiter, presence *PresenceRegistry, rooms *RoomDirectory, router *MessageRouter, clock Clock, logger *utils.Logger, opts GatewayOptions) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	g := &Gateway{
		instanceID: hub.InstanceID(),
		verifier:   verifier,
		handshake:  handshake,
		presence:   presence,
		rooms:      rooms,
		hub:        hub,
		router:     router,
		clock:      clock,
		logger:     logger,
		opts:       opts,
		roomLocks:  newKeyedMutex(),
		sessions:   make(map[string]*Session),
		byUser:     make(map[string]map[string]*Session),
	}
	hub.SetObserver(g.observe)
	return g
}

// Connect runs the handshake. On any error no session, presence or channel
// state has been created.
func (g *Gateway) Connect(ctx context.Context, token string, meta TransportMeta) (*Session, error) {
	if g.handshake != nil {
		if err := g.handshake.Consume(ctx, meta.IP, 1); err != nil {
			g.refused.Add(1)
			return nil, err
		}
	}

	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		g.refused.Add(1)
		var ee *EventError
		if errors.As(err, &ee) && errors.Is(ee, ErrAuthentication) {
			return nil, ee
		}
		g.logger.Warn("Token verification failed", "error", err)
		return nil, NewAuthenticationError("invalid token")
	}

	conn := models.Connection{
		ID:     uuid.NewString(),
		UserID: identity.UserID,
		Role:   identity.Role,
		Metadata: models.ConnectionMetadata{
			UserAgent:   meta.UserAgent,
			Platform:    meta.Platform,
			IP:          meta.IP,
			ConnectedAt: g.clock.Now(),
		},
	}
	s := newSession(conn, g.opts.SendBuffer, g.clock, g.logger)

	if err := g.register(s); err != nil {
		g.refused.Add(1)
		s.terminate(err)
		return nil, err
	}

	g.hub.Attach(ctx, UserChannel(conn.UserID), s)
	g.hub.Attach(ctx, PresenceChannel, s)
	g.presence.AddConnection(ctx, conn.UserID, conn.ID, meta.Platform)

	s.SendEvent(models.EventConnectionStatus, models.ConnectionStatusPayload{
		Status:       "connected",
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		InstanceID:   g.instanceID,
	})
	g.accepted.Add(1)
	s.Logger().Info("Client connected", "ip", meta.IP, "platform", meta.Platform)
	return s, nil
}

func (g *Gateway) register(s *Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	userSessions := g.byUser[s.UserID()]
	if g.opts.MaxConnectionsPerUser > 0 && len(userSessions) >= g.opts.MaxConnectionsPerUser {
		return NewValidationError("connection limit of %d reached", g.opts.MaxConnectionsPerUser)
	}
	if userSessions == nil {
		userSessions = make(map[string]*Session)
		g.byUser[s.UserID()] = userSessions
	}
	userSessions[s.ID()] = s
	g.sessions[s.ID()] = s
	return nil
}

func (g *Gateway) unregister(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.sessions, s.ID())
	if userSessions, ok := g.byUser[s.UserID()]; ok {
		delete(userSessions, s.ID())
		if len(userSessions) == 0 {
			delete(g.byUser, s.UserID())
		}
	}
}

// Disconnect tears a session down. Only the first call has any effect.
func (g *Gateway) Disconnect(ctx context.Context, s *Session, reason error) {
	if !s.terminate(reason) {
		return
	}
	g.unregister(s)

	for _, roomID := range s.Rooms() {
		if _, err := g.LeaveRoom(ctx, s, roomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
			s.Logger().Warn("Failed to leave room on disconnect", "room_id", roomID, "error", err)
		}
	}
	g.hub.Detach(ctx, UserChannel(s.UserID()), s)
	g.hub.Detach(ctx, PresenceChannel, s)

	if g.presence.RemoveConnection(ctx, s.UserID(), s.ID()) {
		g.router.ClearTyping(ctx, s.UserID())
	}
	g.closed.Add(1)

	if reason != nil {
		s.Logger().Info("Client disconnected", "reason", reason.Error())
	} else {
		s.Logger().Info("Client disconnected")
	}
}

// JoinRoom adds the session's user to roomID and subscribes the session to it.
func (g *Gateway) JoinRoom(ctx context.Context, s *Session, roomID string, roomType models.RoomType) (JoinResult, error) {
	unlock := g.roomLocks.Lock(roomID)
	defer unlock()

	res, err := g.rooms.Join(roomID, s.UserID(), roomType)
	if err != nil {
		return JoinResult{}, err
	}
	channel := RoomChannel(roomID)
	s.addRoom(roomID)
	g.hub.Attach(ctx, channel, s)
	g.presence.SetCurrentRoom(s.UserID(), roomID, true)

	if res.Created {
		// Ask instances already hosting the room for their members.
		if err := g.hub.Publish(ctx, channel, Envelope{Kind: KindSync}); err != nil {
			s.Logger().Warn("Failed to request room members", "room_id", roomID, "error", err)
		}
		if synced, ok := g.rooms.Get(roomID); ok {
			res.Room = synced
		}
	}
	count := len(res.Room.Members)
	if res.Added {
		err := g.hub.PublishEvent(ctx, channel, models.EventRoomUserJoined, models.RoomPayload{
			RoomID:      roomID,
			UserID:      s.UserID(),
			MemberCount: count,
		}, ExceptUsers(s.UserID()))
		if err != nil {
			s.Logger().Warn("Failed to announce join", "room_id", roomID, "error", err)
		}
	}
	s.SendEvent(models.EventRoomJoined, models.RoomPayload{
		RoomID:      roomID,
		RoomType:    res.Room.Type,
		UserID:      s.UserID(),
		MemberCount: count,
	})
	return res, nil
}

// LeaveRoom detaches the session from roomID. The user stays a member while
// another of their sessions on this instance is still in the room.
func (g *Gateway) LeaveRoom(ctx context.Context, s *Session, roomID string) (int, error) {
	unlock := g.roomLocks.Lock(roomID)
	defer unlock()

	joined := s.InRoom(roomID)
	if !joined && !g.rooms.Exists(roomID) {
		return 0, NewRoomNotFoundError(roomID)
	}
	channel := RoomChannel(roomID)
	if joined {
		s.removeRoom(roomID)
		g.hub.Detach(ctx, channel, s)
	}

	var remaining int
	if g.hub.HasLocalUser(channel, s.UserID()) {
		if room, ok := g.rooms.Get(roomID); ok {
			remaining = len(room.Members)
		}
	} else {
		n, _, err := g.rooms.Leave(roomID, s.UserID())
		if err != nil && !(joined && errors.Is(err, ErrRoomNotFound)) {
			return 0, err
		}
		remaining = n
		g.presence.SetCurrentRoom(s.UserID(), roomID, false)

		err = g.hub.PublishEvent(ctx, channel, models.EventRoomUserLeft, models.RoomPayload{
			RoomID:      roomID,
			UserID:      s.UserID(),
			MemberCount: remaining,
		}, ExceptUsers(s.UserID()))
		if err != nil {
			s.Logger().Warn("Failed to announce leave", "room_id", roomID, "error", err)
		}
	}

	s.SendEvent(models.EventRoomLeft, models.RoomPayload{
		RoomID:      roomID,
		UserID:      s.UserID(),
		MemberCount: remaining,
	})
	return remaining, nil
}

// EvictIdleRoom drops roomID from the directory if it is still idle and
// detaches the local sessions from it. Idleness is re-checked under the room
// lock so a concurrent join either keeps the room alive or is evicted with it.
func (g *Gateway) EvictIdleRoom(ctx context.Context, roomID string, now time.Time, ttl time.Duration) (int, bool) {
	unlock := g.roomLocks.Lock(roomID)
	defer unlock()

	if !g.rooms.EvictIfIdle(roomID, now, ttl) {
		return 0, false
	}
	channel := RoomChannel(roomID)
	sessions := g.hub.Sessions(channel)
	for _, s := range sessions {
		s.removeRoom(roomID)
		g.hub.Detach(ctx, channel, s)
		g.presence.SetCurrentRoom(s.UserID(), roomID, false)
		s.SendEvent(models.EventRoomLeft, models.RoomPayload{RoomID: roomID, UserID: s.UserID()})
	}
	return len(sessions), true
}

// observe keeps the local room cache in step with other instances. It runs
// on the backplane delivery path and must not take room locks.
func (g *Gateway) observe(ctx context.Context, channel string, env Envelope) {
	roomID, ok := strings.CutPrefix(channel, "room:")
	if !ok {
		return
	}

	switch env.Kind {
	case KindSync:
		if users := g.hub.LocalUsers(channel); len(users) > 0 {
			g.publishMembers(ctx, channel, users)
		}
	case KindMembers:
		var users []string
		if err := json.Unmarshal(env.Data, &users); err != nil {
			g.logger.Warn("Malformed members reply", "room_id", roomID, "error", err)
			return
		}
		for _, u := range users {
			g.rooms.ApplyRemoteJoin(roomID, u)
		}
	case KindEvent:
		if env.Event != models.EventRoomUserJoined && env.Event != models.EventRoomUserLeft {
			return
		}
		var p models.RoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.UserID == "" {
			g.logger.Warn("Malformed membership event", "room_id", roomID, "event", env.Event)
			return
		}
		if env.Event == models.EventRoomUserJoined {
			g.rooms.ApplyRemoteJoin(roomID, p.UserID)
			return
		}
		if g.hub.HasLocalUser(channel, p.UserID) {
			// Still here through a local session; restore the member elsewhere.
			g.publishMembers(ctx, channel, []string{p.UserID})
			return
		}
		g.rooms.ApplyRemoteLeave(roomID, p.UserID)
	}
}

func (g *Gateway) publishMembers(ctx context.Context, channel string, users []string) {
	raw, err := json.Marshal(users)
	if err != nil {
		g.logger.Error("Failed to encode members reply", "channel", channel, "error", err)
		return
	}
	if err := g.hub.Publish(ctx, channel, Envelope{Kind: KindMembers, Data: raw}); err != nil {
		g.logger.Warn("Failed to publish members reply", "channel", channel, "error", err)
	}
}

// Session returns a session accepted by this instance.
func (g *Gateway) Session(id string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

// Sessions lists every open session on this instance.
func (g *Gateway) Sessions() []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

func (g *Gateway) Stats() GatewayStats {
	g.mu.RLock()
	n := len(g.sessions)
	g.mu.RUnlock()
	return GatewayStats{
		Sessions: n,
		Accepted: g.accepted.Load(),
		Refused:  g.refused.Load(),
		Closed:   g.closed.Load(),
	}
}
