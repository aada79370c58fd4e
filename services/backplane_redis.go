package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"flextasker/realtime-gateway/utils"
)

const (
	backplaneChannelPrefix = "rt:"
	backplaneRetryDelay    = time.Second
)

// RedisBackplane multiplexes every subscribed channel over one go-redis PubSub.
// go-redis reconnects and resubscribes on its own; until it does, publishes
// fail and callers fall back to local delivery.
type RedisBackplane struct {
	redis  *redis.Client
	pubsub *redis.PubSub
	logger *utils.Logger

	mu       sync.RWMutex
	handlers map[string]MessageHandler

	available atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisBackplane(client *redis.Client, logger *utils.Logger) *RedisBackplane {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBackplane{
		redis:    client,
		pubsub:   client.Subscribe(ctx),
		logger:   logger,
		handlers: make(map[string]MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.available.Store(true)

	b.wg.Add(1)
	go b.listen()

	return b
}

func (b *RedisBackplane) Available() bool { return b.available.Load() }

func (b *RedisBackplane) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.redis.Publish(ctx, backplaneChannelPrefix+channel, payload).Err(); err != nil {
		b.markDown(err)
		return fmt.Errorf("publish %s: %w: %v", channel, ErrBackplaneUnavailable, err)
	}
	b.markUp()
	return nil
}

func (b *RedisBackplane) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	b.mu.Lock()
	b.handlers[channel] = handler
	b.mu.Unlock()

	if err := b.pubsub.Subscribe(ctx, backplaneChannelPrefix+channel); err != nil {
		// The handler stays registered; go-redis resubscribes it on reconnect.
		b.markDown(err)
		return fmt.Errorf("subscribe %s: %w: %v", channel, ErrBackplaneUnavailable, err)
	}
	return nil
}

func (b *RedisBackplane) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()

	if err := b.pubsub.Unsubscribe(ctx, backplaneChannelPrefix+channel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBackplane) Ping(ctx context.Context) error {
	if err := b.redis.Ping(ctx).Err(); err != nil {
		b.markDown(err)
		return fmt.Errorf("%w: %v", ErrBackplaneUnavailable, err)
	}
	b.markUp()
	return nil
}

// Close stops the receive loop. The redis client itself is owned by the caller.
func (b *RedisBackplane) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}

// listen receives pub/sub messages and dispatches them by channel.
func (b *RedisBackplane) listen() {
	defer b.wg.Done()

	for {
		msg, err := b.pubsub.ReceiveMessage(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			b.markDown(err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(backplaneRetryDelay):
			}
			continue
		}
		b.markUp()

		channel := strings.TrimPrefix(msg.Channel, backplaneChannelPrefix)
		b.mu.RLock()
		handler := b.handlers[channel]
		b.mu.RUnlock()
		if handler != nil {
			handler(channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBackplane) markDown(err error) {
	if b.available.Swap(false) {
		b.logger.Warn("Backplane unavailable, degrading to local delivery", "error", err)
	}
}

func (b *RedisBackplane) markUp() {
	if !b.available.Swap(true) {
		b.logger.Info("Backplane available again, resuming cross-instance delivery")
	}
}
