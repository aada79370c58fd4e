package services

import (
	"sort"
	"sync"
	"time"

	"flextasker/realtime-gateway/models"
)

type roomEntry struct {
	roomType     models.RoomType
	members      map[string]struct{}
	createdAt    time.Time
	lastActivity time.Time
	messageCount int64
}

func (r *roomEntry) snapshot(id string) models.Room {
	members := make([]string, 0, len(r.members))
	for m := range r.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return models.Room{
		ID:           id,
		Type:         r.roomType,
		Members:      members,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
		MessageCount: r.messageCount,
	}
}

// JoinResult describes the directory state after a join.
type JoinResult struct {
	Room    models.Room
	Created bool // the room did not exist before this join
	Added   bool // the user was not already a member
}

// RoomDirectory is this instance's advisory cache of room membership.
// Membership is never an access-control source: rooms can be evicted while
// members are still present.
type RoomDirectory struct {
	clock Clock

	mu    sync.RWMutex
	rooms map[string]*roomEntry
}

func NewRoomDirectory(clock Clock) *RoomDirectory {
	return &RoomDirectory{
		clock: clock,
		rooms: make(map[string]*roomEntry),
	}
}

// Join adds userID to roomID, creating the room on first join. The first
// join fixes the room type; later joins may omit it.
func (d *RoomDirectory) Join(roomID, userID string, roomType models.RoomType) (JoinResult, error) {
	if err := validateRoomRef(roomID, roomType); err != nil {
		return JoinResult{}, err
	}
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	r, exists := d.rooms[roomID]
	if !exists {
		if roomType == "" {
			roomType = models.RoomTypeChat
		}
		r = &roomEntry{
			roomType:  roomType,
			members:   make(map[string]struct{}),
			createdAt: now,
		}
		d.rooms[roomID] = r
	} else if roomType != "" && roomType != r.roomType {
		return JoinResult{}, NewValidationError("room %q is of type %s, not %s", roomID, r.roomType, roomType)
	}

	_, member := r.members[userID]
	r.members[userID] = struct{}{}
	r.lastActivity = now

	return JoinResult{Room: r.snapshot(roomID), Created: !exists, Added: !member}, nil
}

// Leave removes userID and deletes the room once it is empty. It returns the
// remaining member count and whether the room was deleted.
func (d *RoomDirectory) Leave(roomID, userID string) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return 0, false, NewRoomNotFoundError(roomID)
	}
	delete(r.members, userID)
	r.lastActivity = d.clock.Now()
	if len(r.members) == 0 {
		delete(d.rooms, roomID)
		return 0, true, nil
	}
	return len(r.members), false, nil
}

// ApplyRemoteJoin records a member learned from another instance. Unlike
// Join it never fails and does not create a room this instance has no
// interest in.
func (d *RoomDirectory) ApplyRemoteJoin(roomID, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := r.members[userID]; member {
		return false
	}
	r.members[userID] = struct{}{}
	r.lastActivity = d.clock.Now()
	return true
}

// ApplyRemoteLeave drops a member that left through another instance.
func (d *RoomDirectory) ApplyRemoteLeave(roomID, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := r.members[userID]; !member {
		return false
	}
	delete(r.members, userID)
	if len(r.members) == 0 {
		delete(d.rooms, roomID)
	}
	return true
}

// Touch records a message sent to the room.
func (d *RoomDirectory) Touch(roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return NewRoomNotFoundError(roomID)
	}
	r.lastActivity = d.clock.Now()
	r.messageCount++
	return nil
}

// Members returns a snapshot of the room's members, sorted.
func (d *RoomDirectory) Members(roomID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return nil, NewRoomNotFoundError(roomID)
	}
	return r.snapshot(roomID).Members, nil
}

func (d *RoomDirectory) Get(roomID string) (models.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return models.Room{}, false
	}
	return r.snapshot(roomID), true
}

func (d *RoomDirectory) Exists(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[roomID]
	return ok
}

// IdleRooms lists rooms idle for longer than ttl, members or not. It does
// not remove them; see EvictIfIdle.
func (d *RoomDirectory) IdleRooms(now time.Time, ttl time.Duration) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var idle []string
	for id, r := range d.rooms {
		if now.Sub(r.lastActivity) > ttl {
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle
}

// EvictIfIdle deletes roomID if it is still idle for longer than ttl.
func (d *RoomDirectory) EvictIfIdle(roomID string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok || now.Sub(r.lastActivity) <= ttl {
		return false
	}
	delete(d.rooms, roomID)
	return true
}

func (d *RoomDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

func validateRoomRef(roomID string, roomType models.RoomType) error {
	if roomID == "" {
		return NewValidationError("roomId is required")
	}
	if len(roomID) > models.MaxIDLength {
		return NewValidationError("roomId exceeds %d bytes", models.MaxIDLength)
	}
	if roomType != "" && !roomType.Valid() {
		return NewValidationError("unknown room type %q", roomType)
	}
	return nil
}
