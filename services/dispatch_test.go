package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flextasker/realtime-gateway/models"
)

func lastError(t *testing.T, frames []frame) models.ErrorPayload {
	t.Helper()
	errs := named(frames, models.EventError)
	require.NotEmpty(t, errs)
	var p models.ErrorPayload
	errs[len(errs)-1].decode(t, &p)
	return p
}

func TestDispatcher_RejectsBadFrames(t *testing.T) {
	inst := newTestInstance(t, NewMemoryBroker(), "node-1", NewManualClock(testStart))
	alice := inst.connect("alice")
	drain(t, alice)

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `not json`},
		{"missing event", `{"data":{}}`},
		{"unknown event", `{"event":"room:destroy","data":{"roomId":"r1"}}`},
		{"unknown field", `{"event":"room:join","data":{"roomId":"r1","admin":true}}`},
		{"both targets", `{"event":"chat:message","data":{"content":"x","type":"text","roomId":"r1","recipientId":"bob"}}`},
		{"bad message type", `{"event":"chat:message","data":{"content":"x","type":"sms","recipientId":"bob"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := inst.Dispatcher.Handle(context.Background(), alice, []byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			p := lastError(t, drain(t, alice))
			assert.Equal(t, ErrorTypeValidation, p.Type)
			assert.NotEmpty(t, p.Message)
		})
	}
	assert.False(t, alice.Closed(), "validation errors keep the session open")
	assert.Equal(t, 0, inst.Rooms.Count())
}

func TestDispatcher_PingPong(t *testing.T) {
	inst := newTestInstance(t, NewMemoryBroker(), "node-1", NewManualClock(testStart))
	alice := inst.connect("alice")
	drain(t, alice)

	require.NoError(t, inst.send(alice, models.EventPing, nil))
	frames := drain(t, alice)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventPong, frames[0].Event)
	assert.True(t, testStart.Equal(frames[0].Timestamp))
}

func TestDispatcher_PresenceUpdate(t *testing.T) {
	inst := newTestInstance(t, NewMemoryBroker(), "node-1", NewManualClock(testStart))
	alice := inst.connect("alice")
	bob := inst.connect("bob")
	drain(t, bob)

	require.NoError(t, inst.send(alice, models.EventPresenceUpdate, map[string]any{
		"status": "away", "currentActivity": "in a meeting",
	}))
	updates := named(drain(t, bob), models.EventPresenceUpdate)
	require.Len(t, updates, 1)
	var p models.PresencePayload
	updates[0].decode(t, &p)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, models.StatusAway, p.Status)
	assert.Equal(t, "in a meeting", p.CurrentActivity)

	err := inst.send(alice, models.EventPresenceUpdate, map[string]any{"status": "offline"})
	assert.True(t, errors.Is(err, ErrValidation))
	rec, _ := inst.Presence.GetPresence("alice")
	assert.Equal(t, models.StatusAway, rec.Status)
}

func TestDispatcher_AbuseThresholdDisconnects(t *testing.T) {
	inst := newTestInstance(t, NewMemoryBroker(), "node-1", NewManualClock(testStart), func(_ *ServerDeps, o *ServerOptions) {
		o.EventPolicy = RateLimitPolicy{Name: "event", Points: 2, Window: time.Minute, Block: time.Minute}
	})
	alice := inst.connect("alice")
	drain(t, alice)

	require.NoError(t, inst.send(alice, models.EventPing, nil))
	require.NoError(t, inst.send(alice, models.EventPing, nil))

	for i := 0; i < 2; i++ {
		err := inst.send(alice, models.EventPing, nil)
		assert.True(t, errors.Is(err, ErrRateLimitExceeded))
		assert.False(t, alice.Closed())
	}
	frames := drain(t, alice)
	assert.Equal(t, ErrorTypeRateLimit, lastError(t, frames).Type)

	err := inst.send(alice, models.EventPing, nil)
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	assert.True(t, alice.Closed())
	assert.True(t, errors.Is(alice.CloseReason(), ErrRateLimitExceeded))
	assert.False(t, inst.Presence.IsOnline("alice"))

	// Frames from a closed session are ignored.
	assert.NoError(t, inst.send(alice, models.EventPing, nil))
}

func TestDispatcher_SuccessResetsRejections(t *testing.T) {
	inst := newTestInstance(t, NewMemoryBroker(), "node-1", NewManualClock(testStart), func(_ *ServerDeps, o *ServerOptions) {
		o.TypingPolicy = RateLimitPolicy{Name: "typing", Points: 1, Window: 10 * time.Second, Block: 10 * time.Second}
	})
	alice := inst.connect("alice")
	typing := map[string]any{"recipientId": "bob"}

	require.NoError(t, inst.send(alice, models.EventTypingStart, typing))
	for round := 0; round < 2; round++ {
		for i := 0; i < 2; i++ {
			err := inst.send(alice, models.EventTypingStart, typing)
			require.True(t, errors.Is(err, ErrRateLimitExceeded))
		}
		require.NoError(t, inst.send(alice, models.EventPing, nil))
	}
	assert.False(t, alice.Closed())

	for i := 0; i < 3; i++ {
		inst.send(alice, models.EventTypingStart, typing)
	}
	assert.True(t, alice.Closed())
}

func TestDispatcher_RecoversFromPanics(t *testing.T) {
	inst := newTestInstance(t, NewMemoryBroker(), "node-1", NewManualClock(testStart))
	inst.Dispatcher.handlers[models.EventPing] = func(context.Context, *Session, models.InboundEvent) error {
		panic("boom")
	}
	alice := inst.connect("alice")
	bob := inst.connect("bob")
	drain(t, alice)

	err := inst.send(alice, models.EventPing, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))

	p := lastError(t, drain(t, alice))
	assert.Equal(t, ErrorTypeInternal, p.Type)
	assert.Equal(t, "internal server error", p.Message)
	assert.True(t, alice.Closed())

	// Other sessions are unaffected.
	require.NoError(t, inst.send(bob, models.EventRoomJoin, map[string]any{"roomId": "r1"}))
	assert.False(t, bob.Closed())
}

func TestDispatcher_UntypedHandlerErrorIsInternal(t *testing.T) {
	inst := newTestInstance(t, NewMemoryBroker(), "node-1", NewManualClock(testStart))
	inst.Dispatcher.handlers[models.EventPing] = func(context.Context, *Session, models.InboundEvent) error {
		return errors.New("database exploded")
	}
	alice := inst.connect("alice")
	drain(t, alice)

	err := inst.send(alice, models.EventPing, nil)
	assert.True(t, errors.Is(err, ErrInternal))
	p := lastError(t, drain(t, alice))
	assert.NotContains(t, p.Message, "database")
	assert.True(t, alice.Closed())
}

func TestDispatcher_AckForUnknownMessageIsForwarded(t *testing.T) {
	inst := newTestInstance(t, NewMemoryBroker(), "node-1", NewManualClock(testStart))
	bob := inst.connect("bob")
	drain(t, bob)

	require.NoError(t, inst.send(bob, models.EventMessageDelivered, map[string]any{"messageId": "elsewhere"}))
	assert.Equal(t, int64(1), inst.Router.Stats().Forwarded)
	assert.Empty(t, named(drain(t, bob), models.EventError))
}
