package services

import (
	"container/heap"
	"sync"
	"time"
)

// TypingEntry identifies one user typing at one target. Exactly one of
// RoomID and RecipientID is set.
type TypingEntry struct {
	UserID      string
	RoomID      string
	RecipientID string
}

// Channel is the backplane channel the indicator is published on.
func (e TypingEntry) Channel() string {
	if e.RoomID != "" {
		return RoomChannel(e.RoomID)
	}
	return UserChannel(e.RecipientID)
}

func (e TypingEntry) key() string { return e.UserID + "|" + e.Channel() }

type typingItem struct {
	entry   TypingEntry
	expires time.Time
	index   int
}

type typingHeap []*typingItem

func (h typingHeap) Len() int           { return len(h) }
func (h typingHeap) Less(i, j int) bool { return h[i].expires.Before(h[j].expires) }
func (h typingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *typingHeap) Push(x any) {
	item := x.(*typingItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *typingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TypingTracker expires typing indicators that were never stopped. Entries
// sit in a min-heap ordered by expiry so a flush only touches what is due.
type TypingTracker struct {
	ttl time.Duration

	mu    sync.Mutex
	items map[string]*typingItem
	queue typingHeap
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &TypingTracker{
		ttl:   ttl,
		items: make(map[string]*typingItem),
	}
}

// Start records or refreshes an entry. It reports true when the entry is new.
func (t *TypingTracker) Start(entry TypingEntry, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := entry.key()
	if item, ok := t.items[k]; ok {
		item.expires = now.Add(t.ttl)
		heap.Fix(&t.queue, item.index)
		return false
	}
	item := &typingItem{entry: entry, expires: now.Add(t.ttl)}
	heap.Push(&t.queue, item)
	t.items[k] = item
	return true
}

// Stop removes an entry, reporting whether it existed.
func (t *TypingTracker) Stop(entry TypingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(entry.key())
}

// Expire pops every entry due at or before now.
func (t *TypingTracker) Expire(now time.Time) []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []TypingEntry
	for t.queue.Len() > 0 && !t.queue[0].expires.After(now) {
		item := heap.Pop(&t.queue).(*typingItem)
		delete(t.items, item.entry.key())
		due = append(due, item.entry)
	}
	return due
}

// ClearUser removes and returns all entries for userID.
func (t *TypingTracker) ClearUser(userID string) []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleared []TypingEntry
	for k, item := range t.items {
		if item.entry.UserID == userID {
			cleared = append(cleared, item.entry)
			t.removeLocked(k)
		}
	}
	return cleared
}

func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *TypingTracker) removeLocked(k string) bool {
	item, ok := t.items[k]
	if !ok {
		return false
	}
	heap.Remove(&t.queue, item.index)
	delete(t.items, k)
	return true
}
