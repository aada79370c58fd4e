package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newRegistry(instanceID string, store PresenceStore, clock Clock) (*PresenceRegistry, *recordingPublisher, *recordingLastSeen) {
	pub := &recordingPublisher{}
	lastSeen := &recordingLastSeen{}
	return NewPresenceRegistry(instanceID, pub, store, lastSeen, clock, utils.NewNopLogger()), pub, lastSeen
}

func TestPresenceRegistry_OnlineWhileConnected(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(testStart)
	reg, pub, lastSeen := newRegistry("node-1", nil, clock)

	assert.True(t, reg.AddConnection(ctx, "alice", "c1", "web"))
	assert.False(t, reg.AddConnection(ctx, "alice", "c2", "ios"))
	assert.True(t, reg.IsOnline("alice"))
	assert.Equal(t, 2, reg.ConnectionCount("alice"))

	rec, ok := reg.GetPresence("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"c1", "c2"}, rec.ConnectionIDs)
	assert.Equal(t, models.StatusOnline, rec.Status)

	clock.Advance(time.Minute)
	assert.False(t, reg.RemoveConnection(ctx, "alice", "c1"))
	assert.True(t, reg.IsOnline("alice"))
	assert.False(t, reg.RemoveConnection(ctx, "alice", "unknown"))

	clock.Advance(time.Minute)
	assert.True(t, reg.RemoveConnection(ctx, "alice", "c2"))
	assert.False(t, reg.IsOnline("alice"))
	assert.Equal(t, 0, reg.ConnectionCount("alice"))

	rec, ok = reg.GetPresence("alice")
	assert.False(t, ok)
	assert.Equal(t, models.StatusOffline, rec.Status)

	assert.Equal(t, []models.PresenceStatus{models.StatusOnline, models.StatusOffline}, pub.statuses("alice"))
	at, ok := lastSeen.get("alice")
	require.True(t, ok)
	assert.Equal(t, testStart.Add(2*time.Minute), at)
}

func TestPresenceRegistry_SetStatus(t *testing.T) {
	ctx := context.Background()
	reg, pub, _ := newRegistry("node-1", nil, NewManualClock(testStart))

	_, err := reg.SetStatus(ctx, "alice", models.StatusAway, "")
	assert.True(t, errors.Is(err, ErrValidation), "status needs a connection")

	reg.AddConnection(ctx, "alice", "c1", "web")
	rec, err := reg.SetStatus(ctx, "alice", models.StatusBusy, "reviewing task #4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, rec.Status)
	assert.Equal(t, "reviewing task #4", rec.CurrentActivity)

	_, err = reg.SetStatus(ctx, "alice", models.StatusOffline, "")
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = reg.SetStatus(ctx, "alice", "sleeping", "")
	assert.True(t, errors.Is(err, ErrValidation))

	assert.Equal(t, []models.PresenceStatus{models.StatusOnline, models.StatusBusy}, pub.statuses("alice"))

	// A second connection does not reset an explicit status.
	reg.AddConnection(ctx, "alice", "c2", "web")
	rec, _ = reg.GetPresence("alice")
	assert.Equal(t, models.StatusBusy, rec.Status)
}

func TestPresenceRegistry_CurrentRoom(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry("node-1", nil, NewManualClock(testStart))
	reg.AddConnection(ctx, "alice", "c1", "web")

	reg.SetCurrentRoom("alice", "r1", true)
	reg.SetCurrentRoom("alice", "r2", true)
	reg.SetCurrentRoom("alice", "r1", false)
	rec, _ := reg.GetPresence("alice")
	assert.Equal(t, "r2", rec.CurrentRoom)

	reg.SetCurrentRoom("alice", "r2", false)
	rec, _ = reg.GetPresence("alice")
	assert.Empty(t, rec.CurrentRoom)
}

func TestPresenceRegistry_ConcurrentDisconnectsGoOfflineOnce(t *testing.T) {
	ctx := context.Background()
	reg, pub, _ := newRegistry("node-1", nil, NewManualClock(testStart))

	const n = 50
	for i := 0; i < n; i++ {
		reg.AddConnection(ctx, "alice", fmt.Sprintf("c%d", i), "web")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	offline := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if reg.RemoveConnection(ctx, "alice", id) {
				mu.Lock()
				offline++
				mu.Unlock()
			}
		}(fmt.Sprintf("c%d", i))
	}
	wg.Wait()

	assert.Equal(t, 1, offline)
	assert.Equal(t, []models.PresenceStatus{models.StatusOnline, models.StatusOffline}, pub.statuses("alice"))
	assert.False(t, reg.IsOnline("alice"))
}

func TestPresenceRegistry_NoOfflineWhileConnectedElsewhere(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	clock := NewManualClock(testStart)
	store := NewRedisPresenceStore(client, time.Minute, clock, utils.NewNopLogger())

	one, pubOne, seenOne := newRegistry("node-1", store, clock)
	two, pubTwo, seenTwo := newRegistry("node-2", store, clock)

	one.AddConnection(ctx, "alice", "c1", "web")
	two.AddConnection(ctx, "alice", "c2", "ios")

	assert.True(t, one.RemoveConnection(ctx, "alice", "c1"))
	assert.Equal(t, []models.PresenceStatus{models.StatusOnline}, pubOne.statuses("alice"))
	_, written := seenOne.get("alice")
	assert.False(t, written)

	shared, err := store.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, shared.Status)

	assert.True(t, two.RemoveConnection(ctx, "alice", "c2"))
	assert.Equal(t, []models.PresenceStatus{models.StatusOnline, models.StatusOffline}, pubTwo.statuses("alice"))
	_, written = seenTwo.get("alice")
	assert.True(t, written)

	shared, err = store.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, shared.Status)
}

func TestPresenceRegistry_RefreshKeepsSharedPresence(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	clock := NewManualClock(testStart)
	store := NewRedisPresenceStore(client, time.Minute, clock, utils.NewNopLogger())
	reg, _, _ := newRegistry("node-1", store, clock)

	reg.AddConnection(ctx, "alice", "c1", "web")

	clock.Advance(45 * time.Second)
	mr.FastForward(45 * time.Second)
	require.NoError(t, reg.Refresh(ctx))

	clock.Advance(45 * time.Second)
	mr.FastForward(45 * time.Second)

	p, err := store.GetPresence(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, p.Status)
	assert.Equal(t, testStart.Add(45*time.Second), p.LastSeen.UTC())
}
