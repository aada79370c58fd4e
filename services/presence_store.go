package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

const (
	presenceKeyPrefix  = "presence:"
	instancesKeyPrefix = "presence:instances:"
	onlineSetKey       = "online_users"
	maxWatchRetries    = 5
)

// PresenceStore is the shared presence view other instances query. Each
// instance registers itself under a user so one instance disconnecting does
// not mark a user offline who is still connected elsewhere.
type PresenceStore interface {
	UpdatePresence(ctx context.Context, presence models.UserPresence, instanceID string) error
	// RemovePresence reports whether the user is still connected on another instance.
	RemovePresence(ctx context.Context, userID, instanceID string) (bool, error)
	GetPresence(ctx context.Context, userID string) (*models.UserPresence, error)
	GetOnlineUsers(ctx context.Context) ([]models.UserPresence, error)
}

// NopPresenceStore is used when the instance runs without Redis.
type NopPresenceStore struct{}

func (NopPresenceStore) UpdatePresence(context.Context, models.UserPresence, string) error {
	return nil
}

func (NopPresenceStore) RemovePresence(context.Context, string, string) (bool, error) {
	return false, nil
}

func (NopPresenceStore) GetPresence(_ context.Context, userID string) (*models.UserPresence, error) {
	return &models.UserPresence{UserID: userID, Status: models.StatusOffline}, nil
}

func (NopPresenceStore) GetOnlineUsers(context.Context) ([]models.UserPresence, error) {
	return []models.UserPresence{}, nil
}

type RedisPresenceStore struct {
	redis  *redis.Client
	logger *utils.Logger
	clock  Clock
	ttl    time.Duration
}

func NewRedisPresenceStore(redisClient *redis.Client, ttl time.Duration, clock Clock, logger *utils.Logger) *RedisPresenceStore {
	if ttl <= 0 {
		ttl = 120 * time.Second // Default 2 minutes
	}
	return &RedisPresenceStore{
		redis:  redisClient,
		logger: logger,
		clock:  clock,
		ttl:    ttl,
	}
}

func (ps *RedisPresenceStore) UpdatePresence(ctx context.Context, presence models.UserPresence, instanceID string) error {
	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence data: %w", err)
	}

	key := presenceKeyPrefix + presence.UserID
	instKey := instancesKeyPrefix + presence.UserID
	now := ps.clock.Now()

	// Use pipeline for atomic operations
	pipe := ps.redis.TxPipeline()
	pipe.Set(ctx, key, data, ps.ttl)
	pipe.ZAdd(ctx, instKey, redis.Z{Score: float64(now.UnixMilli()), Member: instanceID})
	pipe.Expire(ctx, instKey, ps.ttl*2)
	pipe.SAdd(ctx, onlineSetKey, presence.UserID)
	pipe.Expire(ctx, onlineSetKey, ps.ttl*2) // Keep online set alive longer

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}

func (ps *RedisPresenceStore) RemovePresence(ctx context.Context, userID, instanceID string) (bool, error) {
	key := presenceKeyPrefix + userID
	instKey := instancesKeyPrefix + userID
	staleBefore := ps.clock.Now().Add(-ps.ttl).UnixMilli()

	var elsewhere bool
	txf := func(tx *redis.Tx) error {
		// Instances that stopped refreshing are treated as gone.
		remaining, err := tx.ZCount(ctx, instKey, "("+strconv.FormatInt(staleBefore, 10), "+inf").Result()
		if err != nil {
			return err
		}
		self, err := tx.ZScore(ctx, instKey, instanceID).Result()
		if err == nil && int64(self) > staleBefore {
			remaining--
		} else if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		elsewhere = remaining > 0

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, instKey, instanceID)
			pipe.ZRemRangeByScore(ctx, instKey, "-inf", strconv.FormatInt(staleBefore, 10))
			if !elsewhere {
				pipe.Del(ctx, key, instKey)
				pipe.SRem(ctx, onlineSetKey, userID)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := ps.redis.Watch(ctx, txf, instKey)
		if err == nil {
			return elsewhere, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return false, fmt.Errorf("failed to remove presence: %w", err)
		}
	}
	return false, fmt.Errorf("failed to remove presence: %w", redis.TxFailedErr)
}

func (ps *RedisPresenceStore) GetPresence(ctx context.Context, userID string) (*models.UserPresence, error) {
	data, err := ps.redis.Get(ctx, presenceKeyPrefix+userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// User not found or expired, return offline status
			return &models.UserPresence{UserID: userID, Status: models.StatusOffline}, nil
		}
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.UserPresence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence data: %w", err)
	}

	// Check if the presence is still valid based on TTL
	if ps.clock.Now().Sub(presence.LastSeen) > ps.ttl {
		presence.Status = models.StatusOffline
	}
	return &presence, nil
}

func (ps *RedisPresenceStore) GetOnlineUsers(ctx context.Context) ([]models.UserPresence, error) {
	userIDs, err := ps.redis.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	if len(userIDs) == 0 {
		return []models.UserPresence{}, nil
	}

	// Get all presence data in one pipeline
	pipe := ps.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(userIDs))
	for i, userID := range userIDs {
		cmds[i] = pipe.Get(ctx, presenceKeyPrefix+userID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get presence data: %w", err)
	}

	now := ps.clock.Now()
	onlineUsers := make([]models.UserPresence, 0, len(userIDs))
	var expired []interface{}
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				ps.logger.Error("Error getting presence", "user_id", userIDs[i], "error", err)
				continue
			}
			expired = append(expired, userIDs[i])
			continue
		}

		var presence models.UserPresence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			ps.logger.Error("Error unmarshaling presence", "user_id", userIDs[i], "error", err)
			continue
		}
		if now.Sub(presence.LastSeen) > ps.ttl {
			expired = append(expired, userIDs[i])
			continue
		}
		onlineUsers = append(onlineUsers, presence)
	}

	// Clean up online set - remove expired users
	if len(expired) > 0 {
		if err := ps.redis.SRem(ctx, onlineSetKey, expired...).Err(); err != nil {
			ps.logger.Warn("Failed to prune online set", "error", err)
		}
	}
	return onlineUsers, nil
}
