package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// gatedBackplane holds every Unsubscribe until release is closed.
type gatedBackplane struct {
	*MemoryBackplane
	entered chan string
	release chan struct{}
}

func (b *gatedBackplane) Unsubscribe(ctx context.Context, channel string) error {
	b.entered <- channel
	<-b.release
	return b.MemoryBackplane.Unsubscribe(ctx, channel)
}

func testSession(id, userID string) *Session {
	return newSession(models.Connection{ID: id, UserID: userID}, 16, NewManualClock(testStart), utils.NewNopLogger())
}

func TestHub_AttachDuringLastDetachKeepsSubscription(t *testing.T) {
	ctx := context.Background()
	bp := &gatedBackplane{
		MemoryBackplane: NewMemoryBroker().Client(),
		entered:         make(chan string, 1),
		release:         make(chan struct{}),
	}
	hub := NewHub("node-1", bp, NewManualClock(testStart), utils.NewNopLogger())
	channel := UserChannel("alice")
	c1 := testSession("c1", "alice")
	c2 := testSession("c2", "alice")

	hub.Attach(ctx, channel, c1)
	require.True(t, hub.Subscribed(channel))

	detached := make(chan struct{})
	go func() {
		hub.Detach(ctx, channel, c1)
		close(detached)
	}()
	require.Equal(t, channel, <-bp.entered)

	attached := make(chan struct{})
	go func() {
		hub.Attach(ctx, channel, c2)
		close(attached)
	}()

	// The attach waits for the in-flight unsubscribe instead of racing it.
	assert.Never(t, func() bool {
		select {
		case <-attached:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(bp.release)
	<-detached
	<-attached

	require.True(t, hub.Subscribed(channel))
	require.NoError(t, hub.PublishEvent(ctx, channel, models.EventPong, map[string]string{}))

	select {
	case raw := <-c2.Outbound():
		assert.Contains(t, string(raw), models.EventPong)
	default:
		t.Fatal("session attached after the last detach received nothing")
	}
	assert.Empty(t, c1.Outbound())
}

func TestHub_LastDetachUnsubscribes(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	hub := NewHub("node-1", broker.Client(), NewManualClock(testStart), utils.NewNopLogger())
	other := broker.Client()
	s := testSession("c1", "alice")

	hub.Attach(ctx, PresenceChannel, s)
	hub.Detach(ctx, PresenceChannel, s)
	hub.Detach(ctx, PresenceChannel, s)
	assert.False(t, hub.Subscribed(PresenceChannel))

	require.NoError(t, other.Publish(ctx, PresenceChannel, []byte(`{"kind":"event","event":"pong"}`)))
	assert.Zero(t, hub.Stats().Delivered)
	assert.Zero(t, hub.Stats().Channels)
}

func TestHub_ListenerKeepsSubscriptionAfterSessionsLeave(t *testing.T) {
	ctx := context.Background()
	hub := NewHub("node-1", NewMemoryBroker().Client(), NewManualClock(testStart), utils.NewNopLogger())
	var heard int
	require.NoError(t, hub.Listen(ctx, DeliveryAckChannel, func(context.Context, Envelope) { heard++ }))

	s := testSession("c1", "alice")
	hub.Attach(ctx, DeliveryAckChannel, s)
	hub.Detach(ctx, DeliveryAckChannel, s)

	require.True(t, hub.Subscribed(DeliveryAckChannel))
	require.NoError(t, hub.Publish(ctx, DeliveryAckChannel, Envelope{Kind: KindAck}))
	assert.Equal(t, 1, heard)
}

func TestGateway_ConcurrentChurnKeepsSharedChannels(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance(t, NewMemoryBroker(), "node-1", NewManualClock(testStart))
	bob := inst.connect("bob")
	alice := inst.connect("alice")

	const rounds = 8
	type worker struct {
		user  string
		token string
	}
	var workers []worker
	for i := 0; i < 3; i++ {
		workers = append(workers, worker{"alice", mintToken(t, "alice", time.Now().Add(time.Hour))})
	}
	for i := 0; i < 4; i++ {
		u := fmt.Sprintf("user-%d", i)
		workers = append(workers, worker{u, mintToken(t, u, time.Now().Add(time.Hour))})
	}

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w worker) {
			defer wg.Done()
			meta := TransportMeta{IP: fmt.Sprintf("10.0.1.%d", i), Platform: "web"}
			for r := 0; r < rounds; r++ {
				s, err := inst.Gateway.Connect(ctx, w.token, meta)
				if !assert.NoError(t, err, w.user) {
					return
				}
				inst.Gateway.Disconnect(ctx, s, nil)
			}
		}(i, w)
	}
	wg.Wait()

	assert.Equal(t, 2, inst.Gateway.Stats().Sessions)
	assert.True(t, inst.Presence.IsOnline("alice"))
	for i := 0; i < 4; i++ {
		assert.False(t, inst.Presence.IsOnline(fmt.Sprintf("user-%d", i)))
	}
	assert.True(t, inst.Hub.Subscribed(PresenceChannel))
	assert.True(t, inst.Hub.Subscribed(UserChannel("alice")))
	assert.False(t, inst.Hub.Subscribed(UserChannel("user-0")))

	drain(t, bob)
	drain(t, alice)
	require.NoError(t, inst.Hub.PublishEvent(ctx, PresenceChannel, models.EventPresenceUpdate, models.PresencePayload{
		UserID: "carol", Status: models.StatusAway,
	}))
	require.NoError(t, inst.Hub.PublishEvent(ctx, UserChannel("alice"), models.EventPong, map[string]string{}))

	assert.Len(t, named(drain(t, bob), models.EventPresenceUpdate), 1)
	aliceFrames := drain(t, alice)
	assert.Len(t, named(aliceFrames, models.EventPresenceUpdate), 1)
	assert.Len(t, named(aliceFrames, models.EventPong), 1)
}
