package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flextasker/realtime-gateway/models"
)

func TestDeliveryTracker_CompletesOnce(t *testing.T) {
	tracker := NewDeliveryTracker(time.Minute)
	var completions []models.MessageDeliveryRecord
	tracker.OnComplete(func(rec models.MessageDeliveryRecord) {
		completions = append(completions, rec)
	})

	done, err := tracker.Register("m1", "alice", []string{"bob", "carol"}, testStart)
	require.NoError(t, err)
	assert.False(t, done)

	res := tracker.Acknowledge("m1", "bob")
	assert.Equal(t, AckResult{Known: true, Applied: true}, res)

	// Repeated and foreign acks are no-ops.
	assert.Equal(t, AckResult{Known: true}, tracker.Acknowledge("m1", "bob"))
	assert.Equal(t, AckResult{Known: true}, tracker.Acknowledge("m1", "mallory"))
	assert.Equal(t, AckResult{Known: true}, tracker.Acknowledge("m1", "alice"))
	assert.Empty(t, completions)

	res = tracker.Acknowledge("m1", "carol")
	assert.Equal(t, AckResult{Known: true, Applied: true, Completed: true}, res)
	require.Len(t, completions, 1)
	assert.Equal(t, "m1", completions[0].MessageID)
	assert.Equal(t, []string{"bob", "carol"}, completions[0].Delivered)
	assert.True(t, completions[0].Completed)

	assert.Equal(t, AckResult{Known: true}, tracker.Acknowledge("m1", "carol"))
	assert.Len(t, completions, 1)
}

func TestDeliveryTracker_ZeroRecipientsCompleteAtRegistration(t *testing.T) {
	tracker := NewDeliveryTracker(time.Minute)
	fired := false
	tracker.OnComplete(func(models.MessageDeliveryRecord) { fired = true })

	done, err := tracker.Register("m1", "alice", nil, testStart)
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, fired, "the caller reports completion for empty recipient sets")

	rec, ok := tracker.Get("m1")
	require.True(t, ok)
	assert.True(t, rec.Completed)
}

func TestDeliveryTracker_RejectsDuplicateID(t *testing.T) {
	tracker := NewDeliveryTracker(time.Minute)
	_, err := tracker.Register("m1", "alice", []string{"bob"}, testStart)
	require.NoError(t, err)
	_, err = tracker.Register("m1", "alice", []string{"bob"}, testStart)
	assert.Error(t, err)
}

func TestDeliveryTracker_UnknownMessage(t *testing.T) {
	tracker := NewDeliveryTracker(time.Minute)
	assert.Equal(t, AckResult{}, tracker.Acknowledge("nope", "bob"))
	assert.False(t, tracker.Known("nope"))
	assert.False(t, tracker.MarkFailed("nope", "bob"))
}

func TestDeliveryTracker_MarkFailedThenAck(t *testing.T) {
	tracker := NewDeliveryTracker(time.Minute)
	_, err := tracker.Register("m1", "alice", []string{"bob"}, testStart)
	require.NoError(t, err)

	assert.True(t, tracker.MarkFailed("m1", "bob"))
	assert.False(t, tracker.MarkFailed("m1", "carol"))
	rec, _ := tracker.Get("m1")
	assert.Equal(t, []string{"bob"}, rec.Failed)

	tracker.Acknowledge("m1", "bob")
	rec, _ = tracker.Get("m1")
	assert.Empty(t, rec.Failed)
	assert.True(t, rec.Completed)
	assert.False(t, tracker.MarkFailed("m1", "bob"))
}

func TestDeliveryTracker_Purge(t *testing.T) {
	tracker := NewDeliveryTracker(10 * time.Minute)
	_, err := tracker.Register("old-done", "alice", []string{"bob"}, testStart)
	require.NoError(t, err)
	tracker.Acknowledge("old-done", "bob")
	_, err = tracker.Register("old-pending", "alice", []string{"bob"}, testStart)
	require.NoError(t, err)
	_, err = tracker.Register("fresh", "alice", []string{"bob"}, testStart.Add(5*time.Minute))
	require.NoError(t, err)

	purged, incomplete := tracker.Purge(testStart.Add(10 * time.Minute))
	assert.Equal(t, 2, purged)
	assert.Equal(t, 1, incomplete)
	assert.Equal(t, 1, tracker.Len())
	assert.True(t, tracker.Known("fresh"))

	// Late acks for purged messages are unknown, not errors.
	assert.Equal(t, AckResult{}, tracker.Acknowledge("old-pending", "bob"))
}

func TestDeliveryTracker_ConcurrentAcksCompleteOnce(t *testing.T) {
	tracker := NewDeliveryTracker(time.Minute)
	var mu sync.Mutex
	completions := 0
	tracker.OnComplete(func(models.MessageDeliveryRecord) {
		mu.Lock()
		completions++
		mu.Unlock()
	})

	recipients := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	_, err := tracker.Register("m1", "sender", recipients, testStart)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, r := range recipients {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				tracker.Acknowledge("m1", user)
			}(r)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, completions)
}
