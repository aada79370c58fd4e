package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// PresencePublisher broadcasts presence changes to interested sessions.
type PresencePublisher interface {
	PublishPresence(ctx context.Context, p models.PresencePayload) error
}

type presenceEntry struct {
	conns       map[string]struct{}
	status      models.PresenceStatus
	lastSeen    time.Time
	currentRoom string
	activity    string
}

func (e *presenceEntry) snapshot(userID string) models.PresenceRecord {
	ids := make([]string, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return models.PresenceRecord{
		UserID:          userID,
		ConnectionIDs:   ids,
		Status:          e.status,
		LastSeen:        e.lastSeen,
		CurrentRoom:     e.currentRoom,
		CurrentActivity: e.activity,
	}
}

// PresenceRegistry tracks the connections of users connected to this
// instance. Transition checks run under the same lock as the mutation, so
// concurrent disconnects produce exactly one offline transition.
type PresenceRegistry struct {
	instanceID string
	publisher  PresencePublisher
	store      PresenceStore
	lastSeen   LastSeenWriter
	clock      Clock
	logger     *utils.Logger

	// userLocks orders each user's transitions and their side effects.
	userLocks *keyedMutex

	mu      sync.RWMutex
	records map[string]*presenceEntry
}

func NewPresenceRegistry(instanceID string, publisher PresencePublisher, store PresenceStore, lastSeen LastSeenWriter, clock Clock, logger *utils.Logger) *PresenceRegistry {
	if store == nil {
		store = NopPresenceStore{}
	}
	if lastSeen == nil {
		lastSeen = NopLastSeenWriter{}
	}
	return &PresenceRegistry{
		instanceID: instanceID,
		publisher:  publisher,
		store:      store,
		lastSeen:   lastSeen,
		clock:      clock,
		logger:     logger,
		userLocks:  newKeyedMutex(),
		records:    make(map[string]*presenceEntry),
	}
}

// AddConnection registers connID for userID and reports whether the user
// went from zero to one connection.
func (p *PresenceRegistry) AddConnection(ctx context.Context, userID, connID string, device string) bool {
	unlock := p.userLocks.Lock(userID)
	defer unlock()
	now := p.clock.Now()

	p.mu.Lock()
	e, ok := p.records[userID]
	if !ok {
		e = &presenceEntry{conns: make(map[string]struct{})}
		p.records[userID] = e
	}
	becameOnline := len(e.conns) == 0
	e.conns[connID] = struct{}{}
	e.lastSeen = now
	if becameOnline {
		e.status = models.StatusOnline
		e.activity = ""
	}
	rec := e.snapshot(userID)
	p.mu.Unlock()

	if becameOnline {
		p.mirror(ctx, rec, device)
		p.broadcast(ctx, rec)
	}
	return becameOnline
}

// RemoveConnection unregisters connID and reports whether the user went from
// one to zero connections on this instance.
func (p *PresenceRegistry) RemoveConnection(ctx context.Context, userID, connID string) bool {
	unlock := p.userLocks.Lock(userID)
	defer unlock()
	now := p.clock.Now()

	p.mu.Lock()
	e, ok := p.records[userID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if _, had := e.conns[connID]; !had {
		p.mu.Unlock()
		return false
	}
	delete(e.conns, connID)
	becameOffline := len(e.conns) == 0
	e.lastSeen = now
	if becameOffline {
		e.status = models.StatusOffline
		delete(p.records, userID)
	}
	rec := e.snapshot(userID)
	p.mu.Unlock()

	if !becameOffline {
		return false
	}

	elsewhere, err := p.store.RemovePresence(ctx, userID, p.instanceID)
	if err != nil {
		p.logger.Error("Failed to remove shared presence", "user_id", userID, "error", err)
	}
	if elsewhere {
		p.logger.Debug("User still connected on another instance", "user_id", userID)
		return true
	}
	if err := p.lastSeen.WriteLastSeen(ctx, userID, now); err != nil {
		p.logger.Error("Failed to persist last seen", "user_id", userID, "error", err)
	}
	p.broadcast(ctx, rec)
	return true
}

// SetStatus applies an explicit status override for a connected user.
func (p *PresenceRegistry) SetStatus(ctx context.Context, userID string, status models.PresenceStatus, activity string) (models.PresenceRecord, error) {
	if status == models.StatusOffline || !status.Valid() {
		return models.PresenceRecord{}, NewValidationError("status %q cannot be set explicitly", status)
	}
	unlock := p.userLocks.Lock(userID)
	defer unlock()

	p.mu.Lock()
	e, ok := p.records[userID]
	if !ok || len(e.conns) == 0 {
		p.mu.Unlock()
		return models.PresenceRecord{}, NewValidationError("user %q has no active connections", userID)
	}
	e.status = status
	e.activity = activity
	e.lastSeen = p.clock.Now()
	rec := e.snapshot(userID)
	p.mu.Unlock()

	p.mirror(ctx, rec, "")
	p.broadcast(ctx, rec)
	return rec, nil
}

// SetCurrentRoom records the room a user last joined; clearing only succeeds
// when roomID is still the current room.
func (p *PresenceRegistry) SetCurrentRoom(userID, roomID string, joined bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.records[userID]
	if !ok {
		return
	}
	if joined {
		e.currentRoom = roomID
	} else if e.currentRoom == roomID {
		e.currentRoom = ""
	}
}

func (p *PresenceRegistry) GetPresence(userID string) (models.PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.records[userID]
	if !ok {
		return models.PresenceRecord{UserID: userID, Status: models.StatusOffline}, false
	}
	return e.snapshot(userID), true
}

// IsOnline reports whether userID has at least one open connection here.
func (p *PresenceRegistry) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.records[userID]
	return ok && len(e.conns) > 0
}

func (p *PresenceRegistry) ConnectionCount(userID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.records[userID]; ok {
		return len(e.conns)
	}
	return 0
}

// OnlineUsers lists users connected to this instance, sorted by user ID.
func (p *PresenceRegistry) OnlineUsers() []models.PresenceRecord {
	p.mu.RLock()
	out := make([]models.PresenceRecord, 0, len(p.records))
	for id, e := range p.records {
		out = append(out, e.snapshot(id))
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Counts returns the number of users and connections held by this instance.
func (p *PresenceRegistry) Counts() (users, connections int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.records {
		connections += len(e.conns)
	}
	return len(p.records), connections
}

// Refresh re-mirrors every local user so shared presence keys do not expire
// while users stay connected.
func (p *PresenceRegistry) Refresh(ctx context.Context) error {
	var firstErr error
	for _, rec := range p.OnlineUsers() {
		err := p.store.UpdatePresence(ctx, models.UserPresence{
			UserID:   rec.UserID,
			Status:   rec.Status,
			LastSeen: p.clock.Now(),
		}, p.instanceID)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *PresenceRegistry) mirror(ctx context.Context, rec models.PresenceRecord, device string) {
	err := p.store.UpdatePresence(ctx, models.UserPresence{
		UserID:   rec.UserID,
		Status:   rec.Status,
		LastSeen: rec.LastSeen,
		Device:   device,
	}, p.instanceID)
	if err != nil {
		p.logger.Error("Failed to update shared presence", "user_id", rec.UserID, "error", err)
	}
}

func (p *PresenceRegistry) broadcast(ctx context.Context, rec models.PresenceRecord) {
	if p.publisher == nil {
		return
	}
	err := p.publisher.PublishPresence(ctx, models.PresencePayload{
		UserID:          rec.UserID,
		Status:          rec.Status,
		LastSeen:        rec.LastSeen,
		CurrentActivity: rec.CurrentActivity,
	})
	if err != nil {
		p.logger.Error("Failed to broadcast presence", "user_id", rec.UserID, "error", err)
	}
}
