package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// ServerDeps are the collaborators a Server is assembled from. Nil optional
// fields fall back to in-process or no-op implementations.
type ServerDeps struct {
	Backplane     Backplane
	Buckets       BucketStore
	Verifier      TokenVerifier
	PresenceStore PresenceStore
	LastSeen      LastSeenWriter
	Formatter     NotificationFormatter
	Metrics       MetricsSink
	Clock         Clock
	Logger        *utils.Logger
}

type ServerOptions struct {
	InstanceID            string
	SendBuffer            int
	MaxConnectionsPerUser int
	AbuseThreshold        int
	HandshakePolicy       RateLimitPolicy
	EventPolicy           RateLimitPolicy
	TypingPolicy          RateLimitPolicy
	RoomIdleTTL           time.Duration
	DeliveryRetention     time.Duration
	TypingTTL             time.Duration
	JobTimeout            time.Duration
}

// ScheduleSpecs are the cron specs of the maintenance jobs. Empty specs
// leave the job unscheduled.
type ScheduleSpecs struct {
	DeliveryPurge   string
	RoomSweep       string
	TypingFlush     string
	Metrics         string
	BackplanePing   string
	BucketSweep     string
	PresenceRefresh string
}

// Server wires one gateway instance together and owns its background jobs.
type Server struct {
	Hub        *Hub
	Presence   *PresenceRegistry
	Rooms      *RoomDirectory
	Delivery   *DeliveryTracker
	Typing     *TypingTracker
	Router     *MessageRouter
	Gateway    *Gateway
	Dispatcher *Dispatcher
	Scheduler  *Scheduler

	backplane     Backplane
	presenceStore PresenceStore
	limiters      []*RateLimiter
	metrics       MetricsSink
	clock         Clock
	logger        *utils.Logger
	opts          ServerOptions

	statsMu  sync.Mutex
	lastHub  HubStats
	lastSent RouterStats
}

func NewServer(deps ServerDeps, opts ServerOptions) *Server {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = utils.NewNopLogger()
	}
	if deps.Backplane == nil {
		deps.Backplane = NewMemoryBroker().Client()
	}
	if deps.Buckets == nil {
		deps.Buckets = NewMemoryBucketStore()
	}
	if deps.PresenceStore == nil {
		deps.PresenceStore = NopPresenceStore{}
	}
	if deps.Formatter == nil {
		deps.Formatter = DefaultNotificationFormatter()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewLogMetrics(deps.Logger)
	}
	logger := deps.Logger.With("instance_id", opts.InstanceID)

	s := &Server{
		backplane:     deps.Backplane,
		presenceStore: deps.PresenceStore,
		metrics:       deps.Metrics,
		clock:         deps.Clock,
		logger:        logger,
		opts:          opts,
	}

	s.Hub = NewHub(opts.InstanceID, deps.Backplane, deps.Clock, logger)
	s.Presence = NewPresenceRegistry(opts.InstanceID, hubPresencePublisher{hub: s.Hub}, deps.PresenceStore, deps.LastSeen, deps.Clock, logger)
	s.Rooms = NewRoomDirectory(deps.Clock)
	s.Delivery = NewDeliveryTracker(opts.DeliveryRetention)
	s.Typing = NewTypingTracker(opts.TypingTTL)
	s.Router = NewMessageRouter(s.Hub, s.Rooms, s.Delivery, s.Typing, deps.Formatter, deps.Clock, logger)
	s.Hub.SetDropHandler(s.Router.MarkUndelivered)

	handshake := s.limiter(opts.HandshakePolicy, deps.Buckets)
	events := s.limiter(opts.EventPolicy, deps.Buckets)
	typing := s.limiter(opts.TypingPolicy, deps.Buckets)

	s.Gateway = NewGateway(s.Hub, deps.Verifier, handshake, s.Presence, s.Rooms, s.Router, deps.Clock, logger, GatewayOptions{
		SendBuffer:            opts.SendBuffer,
		MaxConnectionsPerUser: opts.MaxConnectionsPerUser,
	})
	s.Dispatcher = NewDispatcher(s.Gateway, s.Router, s.Presence, events, typing, opts.AbuseThreshold, logger)
	s.Scheduler = NewScheduler(opts.JobTimeout, logger)
	return s
}

func (s *Server) limiter(policy RateLimitPolicy, store BucketStore) *RateLimiter {
	if policy.Points <= 0 {
		return nil
	}
	rl := NewRateLimiter(policy, store, s.clock, s.logger)
	s.limiters = append(s.limiters, rl)
	return rl
}

// RegisterJobs adds the maintenance sweeps to the scheduler.
func (s *Server) RegisterJobs(specs ScheduleSpecs) error {
	jobs := []struct {
		name string
		spec string
		run  JobFunc
	}{
		{"delivery_purge", specs.DeliveryPurge, s.PurgeDeliveries},
		{"room_sweep", specs.RoomSweep, s.SweepIdleRooms},
		{"typing_flush", specs.TypingFlush, s.FlushTyping},
		{"metrics", specs.Metrics, s.ReportMetrics},
		{"backplane_ping", specs.BackplanePing, s.PingBackplane},
		{"bucket_sweep", specs.BucketSweep, s.SweepBuckets},
		{"presence_refresh", specs.PresenceRefresh, s.RefreshPresence},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := s.Scheduler.Add(j.name, j.spec, j.run); err != nil {
			return err
		}
	}
	return nil
}

// Start subscribes instance-level channels and starts the scheduler.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Router.Start(ctx); err != nil {
		// Acks from other instances resume once the backplane reconnects.
		s.logger.Warn("Failed to subscribe to forwarded acknowledgments", "error", err)
	}
	return s.Scheduler.Start(ctx)
}

// Close disconnects every session, stops the jobs and closes the backplane.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if err := s.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, sess := range s.Gateway.Sessions() {
		s.Gateway.Disconnect(ctx, sess, errors.New("server shutting down"))
	}
	if err := s.backplane.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) PurgeDeliveries(context.Context) error {
	purged, incomplete := s.Delivery.Purge(s.clock.Now())
	if purged > 0 {
		s.logger.Debug("Purged delivery records", "purged", purged, "incomplete", incomplete)
	}
	return nil
}

func (s *Server) SweepIdleRooms(ctx context.Context) error {
	now := s.clock.Now()
	for _, roomID := range s.Rooms.IdleRooms(now, s.opts.RoomIdleTTL) {
		if n, ok := s.Gateway.EvictIdleRoom(ctx, roomID, now, s.opts.RoomIdleTTL); ok {
			s.logger.Info("Evicted idle room", "room_id", roomID, "sessions", n)
		}
	}
	return nil
}

func (s *Server) FlushTyping(ctx context.Context) error {
	s.Router.FlushTyping(ctx)
	return nil
}

func (s *Server) PingBackplane(ctx context.Context) error {
	return s.backplane.Ping(ctx)
}

func (s *Server) SweepBuckets(context.Context) error {
	n := 0
	for _, rl := range s.limiters {
		n += rl.Sweep()
	}
	if n > 0 {
		s.logger.Debug("Swept idle rate limit buckets", "buckets", n)
	}
	return nil
}

func (s *Server) RefreshPresence(ctx context.Context) error {
	return s.Presence.Refresh(ctx)
}

// ReportMetrics emits current gauges and the counter deltas since the last report.
func (s *Server) ReportMetrics(ctx context.Context) error {
	st := s.Stats()
	m := s.metrics
	m.Gauge(ctx, "realtime_sessions", int64(st.Gateway.Sessions))
	m.Gauge(ctx, "realtime_online_users", int64(st.Users))
	m.Gauge(ctx, "realtime_rooms", int64(st.Rooms))
	m.Gauge(ctx, "realtime_delivery_records", int64(st.DeliveryRecords))
	m.Gauge(ctx, "realtime_typing_entries", int64(st.TypingEntries))
	m.Gauge(ctx, "realtime_channels", int64(st.Hub.Channels))

	s.statsMu.Lock()
	prevHub, prevRouter := s.lastHub, s.lastSent
	s.lastHub, s.lastSent = st.Hub, st.Router
	s.statsMu.Unlock()

	m.Count(ctx, "realtime_messages_sent_total", st.Router.Sent-prevRouter.Sent)
	m.Count(ctx, "realtime_messages_completed_total", st.Router.Completed-prevRouter.Completed)
	m.Count(ctx, "realtime_frames_delivered_total", st.Hub.Delivered-prevHub.Delivered)
	m.Count(ctx, "realtime_frames_dropped_total", st.Hub.Dropped-prevHub.Dropped)
	m.Count(ctx, "realtime_degraded_publishes_total", st.Hub.Degraded-prevHub.Degraded)
	return nil
}

// ServerStats is the snapshot served by the stats endpoint.
type ServerStats struct {
	InstanceID         string       `json:"instanceId"`
	BackplaneAvailable bool         `json:"backplaneAvailable"`
	Users              int          `json:"users"`
	Connections        int          `json:"connections"`
	Rooms              int          `json:"rooms"`
	DeliveryRecords    int          `json:"deliveryRecords"`
	TypingEntries      int          `json:"typingEntries"`
	Gateway            GatewayStats `json:"gateway"`
	Hub                HubStats     `json:"hub"`
	Router             RouterStats  `json:"router"`
}

func (s *Server) Stats() ServerStats {
	users, conns := s.Presence.Counts()
	return ServerStats{
		InstanceID:         s.opts.InstanceID,
		BackplaneAvailable: s.backplane.Available(),
		Users:              users,
		Connections:        conns,
		Rooms:              s.Rooms.Count(),
		DeliveryRecords:    s.Delivery.Len(),
		TypingEntries:      s.Typing.Len(),
		Gateway:            s.Gateway.Stats(),
		Hub:                s.Hub.Stats(),
		Router:             s.Router.Stats(),
	}
}

// LookupPresence answers for users connected here first and falls back to
// the shared store for users connected elsewhere.
func (s *Server) LookupPresence(ctx context.Context, userID string) (models.StatusResponse, error) {
	if rec, ok := s.Presence.GetPresence(userID); ok {
		return models.StatusResponse{
			UserID:      userID,
			Status:      rec.Status,
			LastSeen:    rec.LastSeen,
			IsOnline:    true,
			Connections: len(rec.ConnectionIDs),
		}, nil
	}
	p, err := s.presenceStore.GetPresence(ctx, userID)
	if err != nil {
		return models.StatusResponse{}, err
	}
	return models.StatusResponse{
		UserID:   userID,
		Status:   p.Status,
		LastSeen: p.LastSeen,
		IsOnline: p.Status != models.StatusOffline,
	}, nil
}

// OnlineUsers merges the shared store's view with this instance's users.
func (s *Server) OnlineUsers(ctx context.Context) ([]models.UserPresence, error) {
	shared, err := s.presenceStore.GetOnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.UserPresence, len(shared))
	for _, p := range shared {
		byID[p.UserID] = p
	}
	for _, rec := range s.Presence.OnlineUsers() {
		byID[rec.UserID] = models.UserPresence{
			UserID:   rec.UserID,
			Status:   rec.Status,
			LastSeen: rec.LastSeen,
		}
	}
	out := make([]models.UserPresence, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type hubPresencePublisher struct {
	hub *Hub
}

func (p hubPresencePublisher) PublishPresence(ctx context.Context, payload models.PresencePayload) error {
	return p.hub.PublishEvent(ctx, PresenceChannel, models.EventPresenceUpdate, payload)
}
