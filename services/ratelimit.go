package services

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

// RateLimitPolicy is a token bucket of Points refilled evenly over Window.
// Exhausting the bucket blocks the key for Block regardless of refill.
type RateLimitPolicy struct {
	Name   string
	Points int
	Window time.Duration
	Block  time.Duration
}

// perSecond is the continuous refill rate.
func (p RateLimitPolicy) perSecond() float64 {
	if p.Window <= 0 {
		return float64(p.Points)
	}
	return float64(p.Points) / p.Window.Seconds()
}

// idleAfter is how long an untouched bucket is kept before it is certainly full again.
func (p RateLimitPolicy) idleAfter() time.Duration {
	d := p.Window
	if p.Block > d {
		d = p.Block
	}
	return 2 * d
}

// BucketStore holds bucket state; the Redis implementation is shared by all instances.
type BucketStore interface {
	Take(ctx context.Context, policy RateLimitPolicy, key string, cost int, now time.Time) (models.RateLimitBucket, bool, error)
}

type RateLimiter struct {
	policy   RateLimitPolicy
	store    BucketStore
	fallback BucketStore
	clock    Clock
	logger   *utils.Logger
}

// NewRateLimiter builds a limiter for one policy. When the primary store
// errors, consumption falls back to an instance-local bucket.
func NewRateLimiter(policy RateLimitPolicy, store BucketStore, clock Clock, logger *utils.Logger) *RateLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	rl := &RateLimiter{
		policy: policy,
		store:  store,
		clock:  clock,
		logger: logger,
	}
	if _, local := store.(*MemoryBucketStore); !local {
		rl.fallback = NewMemoryBucketStore()
	}
	return rl
}

func (rl *RateLimiter) Policy() RateLimitPolicy { return rl.policy }

// Consume takes cost points from key's bucket, returning a rate limit
// *EventError when the bucket is exhausted or blocked.
func (rl *RateLimiter) Consume(ctx context.Context, key string, cost int) error {
	if cost < 1 {
		cost = 1
	}
	now := rl.clock.Now()

	bucket, ok, err := rl.store.Take(ctx, rl.policy, key, cost, now)
	if err != nil {
		if rl.fallback == nil {
			return err
		}
		rl.logger.Warn("Rate limit store unavailable, using local bucket",
			"policy", rl.policy.Name, "error", err)
		bucket, ok, err = rl.fallback.Take(ctx, rl.policy, key, cost, now)
		if err != nil {
			return err
		}
	}
	if !ok {
		retry := bucket.ResetAt.Sub(now)
		if bucket.BlockedUntil.After(now) {
			retry = bucket.BlockedUntil.Sub(now)
		}
		return NewRateLimitError(retry)
	}
	return nil
}

// Sweep drops idle local buckets from stores that keep them in memory.
func (rl *RateLimiter) Sweep() int {
	n := 0
	for _, s := range []BucketStore{rl.store, rl.fallback} {
		if mem, ok := s.(*MemoryBucketStore); ok {
			n += mem.Sweep(rl.clock.Now(), rl.policy.idleAfter())
		}
	}
	return n
}

type memBucket struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
	lastUsed     time.Time
}

// MemoryBucketStore keeps buckets in process memory, one rate.Limiter per key.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{buckets: make(map[string]*memBucket)}
}

func (s *MemoryBucketStore) Take(_ context.Context, policy RateLimitPolicy, key string, cost int, now time.Time) (models.RateLimitBucket, bool, error) {
	id := policy.Name + ":" + key

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[id]
	if !ok {
		b = &memBucket{limiter: rate.NewLimiter(rate.Limit(policy.perSecond()), policy.Points)}
		// Pin the limiter's clock to ours so the bucket starts full at now.
		b.limiter.SetLimitAt(now, rate.Limit(policy.perSecond()))
		s.buckets[id] = b
	}
	b.lastUsed = now

	state := models.RateLimitBucket{Key: key}
	if now.Before(b.blockedUntil) {
		state.BlockedUntil = b.blockedUntil
		state.ResetAt = b.blockedUntil
		return state, false, nil
	}

	allowed := b.limiter.AllowN(now, cost)
	tokens := b.limiter.TokensAt(now)
	state.PointsRemaining = int(math.Max(0, math.Floor(tokens)))
	state.ResetAt = now.Add(refillDuration(policy, tokens))
	if !allowed && policy.Block > 0 {
		b.blockedUntil = now.Add(policy.Block)
		state.BlockedUntil = b.blockedUntil
	}
	return state, allowed, nil
}

// Sweep removes buckets untouched for longer than idle and not blocked.
func (s *MemoryBucketStore) Sweep(now time.Time, idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, b := range s.buckets {
		if now.Sub(b.lastUsed) > idle && !now.Before(b.blockedUntil) {
			delete(s.buckets, id)
			n++
		}
	}
	return n
}

func (s *MemoryBucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// refillDuration is how long until a bucket holding tokens is full again.
func refillDuration(policy RateLimitPolicy, tokens float64) time.Duration {
	missing := float64(policy.Points) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / policy.perSecond() * float64(time.Second))
}
