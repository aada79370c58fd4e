package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MessageHandler receives every payload published on a subscribed channel,
// including payloads this instance published itself.
type MessageHandler func(channel string, payload []byte)

// Backplane is the publish/subscribe layer shared by all instances.
// An instance holds at most one handler per channel.
type Backplane interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, channel string) error
	// Available reports whether the last interaction with the broker succeeded.
	Available() bool
	Ping(ctx context.Context) error
	Close() error
}

// MemoryBroker is an in-process broker; each instance gets its own client.
// Delivery is synchronous and preserves publish order.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*MemoryBackplane]MessageHandler
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*MemoryBackplane]MessageHandler)}
}

// Client returns a new backplane endpoint attached to the broker.
func (b *MemoryBroker) Client() *MemoryBackplane {
	c := &MemoryBackplane{broker: b}
	c.up.Store(true)
	return c
}

func (b *MemoryBroker) publish(channel string, payload []byte) {
	b.mu.RLock()
	targets := make([]MessageHandler, 0, len(b.subs[channel]))
	for client, h := range b.subs[channel] {
		if client.up.Load() && !client.closed.Load() {
			targets = append(targets, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(channel, payload)
	}
}

// MemoryBackplane is one instance's view of a MemoryBroker.
type MemoryBackplane struct {
	broker *MemoryBroker
	up     atomic.Bool
	closed atomic.Bool
}

// SetAvailable simulates the broker connection going down or coming back.
func (c *MemoryBackplane) SetAvailable(up bool) { c.up.Store(up) }

func (c *MemoryBackplane) Available() bool { return c.up.Load() && !c.closed.Load() }

func (c *MemoryBackplane) Publish(_ context.Context, channel string, payload []byte) error {
	if !c.Available() {
		return fmt.Errorf("publish %s: %w", channel, ErrBackplaneUnavailable)
	}
	c.broker.publish(channel, payload)
	return nil
}

func (c *MemoryBackplane) Subscribe(_ context.Context, channel string, handler MessageHandler) error {
	if c.closed.Load() {
		return fmt.Errorf("subscribe %s: %w", channel, ErrBackplaneUnavailable)
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.broker.subs[channel] == nil {
		c.broker.subs[channel] = make(map[*MemoryBackplane]MessageHandler)
	}
	c.broker.subs[channel][c] = handler
	return nil
}

func (c *MemoryBackplane) Unsubscribe(_ context.Context, channel string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	delete(c.broker.subs[channel], c)
	if len(c.broker.subs[channel]) == 0 {
		delete(c.broker.subs, channel)
	}
	return nil
}

func (c *MemoryBackplane) Ping(context.Context) error {
	if !c.Available() {
		return ErrBackplaneUnavailable
	}
	return nil
}

func (c *MemoryBackplane) Close() error {
	c.closed.Store(true)
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for channel, clients := range c.broker.subs {
		delete(clients, c)
		if len(clients) == 0 {
			delete(c.broker.subs, channel)
		}
	}
	return nil
}
