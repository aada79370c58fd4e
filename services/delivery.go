package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"flextasker/realtime-gateway/models"
)

type deliveryEntry struct {
	senderID   string
	recipients map[string]struct{}
	delivered  map[string]struct{}
	failed     map[string]struct{}
	timestamp  time.Time
	completed  bool
}

func (e *deliveryEntry) snapshot(id string) models.MessageDeliveryRecord {
	return models.MessageDeliveryRecord{
		MessageID:  id,
		SenderID:   e.senderID,
		Recipients: sortedKeys(e.recipients),
		Delivered:  sortedKeys(e.delivered),
		Failed:     sortedKeys(e.failed),
		Timestamp:  e.timestamp,
		Completed:  e.completed,
	}
}

// AckResult reports what an acknowledgment did.
type AckResult struct {
	Known     bool // a record exists for the message on this instance
	Applied   bool // the ack changed the record
	Completed bool // this ack completed the record
}

// CompletionHandler runs once per message, outside the tracker's lock.
type CompletionHandler func(rec models.MessageDeliveryRecord)

// DeliveryTracker correlates sent messages with recipient acknowledgments.
// Recipients are fixed at registration and records are purged after the
// retention window whether or not they completed.
type DeliveryTracker struct {
	retention  time.Duration
	onComplete CompletionHandler

	mu      sync.Mutex
	records map[string]*deliveryEntry
}

func NewDeliveryTracker(retention time.Duration) *DeliveryTracker {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &DeliveryTracker{
		retention: retention,
		records:   make(map[string]*deliveryEntry),
	}
}

// OnComplete sets the handler fired when the last recipient acknowledges.
func (t *DeliveryTracker) OnComplete(fn CompletionHandler) {
	t.mu.Lock()
	t.onComplete = fn
	t.mu.Unlock()
}

// Register creates the record for messageID. A message with no recipients is
// complete immediately; Register reports that instead of firing the handler.
func (t *DeliveryTracker) Register(messageID, senderID string, recipients []string, now time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.records[messageID]; dup {
		return false, fmt.Errorf("message %s already registered", messageID)
	}
	e := &deliveryEntry{
		senderID:   senderID,
		recipients: make(map[string]struct{}, len(recipients)),
		delivered:  make(map[string]struct{}),
		failed:     make(map[string]struct{}),
		timestamp:  now,
	}
	for _, r := range recipients {
		e.recipients[r] = struct{}{}
	}
	e.completed = len(e.recipients) == 0
	t.records[messageID] = e
	return e.completed, nil
}

// Acknowledge marks userID as having received messageID. Repeated acks,
// acks from non-recipients and acks for unknown messages change nothing.
func (t *DeliveryTracker) Acknowledge(messageID, userID string) AckResult {
	t.mu.Lock()
	e, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		return AckResult{}
	}
	res := AckResult{Known: true}
	if _, recipient := e.recipients[userID]; !recipient || e.completed {
		t.mu.Unlock()
		return res
	}
	if _, done := e.delivered[userID]; done {
		t.mu.Unlock()
		return res
	}

	e.delivered[userID] = struct{}{}
	delete(e.failed, userID)
	res.Applied = true
	if len(e.delivered) == len(e.recipients) {
		e.completed = true
		res.Completed = true
	}
	rec := e.snapshot(messageID)
	handler := t.onComplete
	t.mu.Unlock()

	if res.Completed && handler != nil {
		handler(rec)
	}
	return res
}

// MarkFailed records that delivery to userID could not be attempted.
// A later ack still counts.
func (t *DeliveryTracker) MarkFailed(messageID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.records[messageID]
	if !ok {
		return false
	}
	if _, recipient := e.recipients[userID]; !recipient {
		return false
	}
	if _, done := e.delivered[userID]; done {
		return false
	}
	e.failed[userID] = struct{}{}
	return true
}

func (t *DeliveryTracker) Get(messageID string) (models.MessageDeliveryRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.records[messageID]
	if !ok {
		return models.MessageDeliveryRecord{}, false
	}
	return e.snapshot(messageID), true
}

func (t *DeliveryTracker) Known(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[messageID]
	return ok
}

// Purge drops records older than the retention window and returns how many
// were dropped, and how many of those never completed.
func (t *DeliveryTracker) Purge(now time.Time) (purged, incomplete int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.records {
		if now.Sub(e.timestamp) >= t.retention {
			if !e.completed {
				incomplete++
			}
			delete(t.records, id)
			purged++
		}
	}
	return purged, incomplete
}

func (t *DeliveryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
