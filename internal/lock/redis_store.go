package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"caravan/internal/saga"
)

// RedisLockStore implements saga.LockStore on Redis. Each lock is a JSON
// value under its own key with a TTL matching the lock expiry, plus a
// per-resource set of lock ids for enumeration; exclusive ownership is
// claimed through a SETNX guard key per resource. Expiry is enforced by
// Redis TTLs, so ReapExpired only prunes stale set members.
type RedisLockStore struct {
	client    RedisLockClient
	keyPrefix string
}

// RedisLockClient is the minimal client surface used by RedisLockStore.
// *redis.Client satisfies it.
type RedisLockClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// NewRedisLockStore constructs a Redis-backed lock store.
func NewRedisLockStore(client RedisLockClient) *RedisLockStore {
	return &RedisLockStore{client: client, keyPrefix: "sagalock:"}
}

func (s *RedisLockStore) lockKey(lockID string) string {
	return s.keyPrefix + "lock:" + lockID
}

func (s *RedisLockStore) resourceKey(resource string) string {
	return s.keyPrefix + "res:" + resource
}

func (s *RedisLockStore) exclusiveKey(resource string) string {
	return s.keyPrefix + "excl:" + resource
}

// ReapExpired prunes resource-set members whose lock keys already expired.
// Redis reclaims the lock values itself via TTL.
func (s *RedisLockStore) ReapExpired(ctx context.Context, now time.Time) error {
	return nil
}

func (s *RedisLockStore) LiveLocks(ctx context.Context, resource string, now time.Time) ([]saga.DistributedLock, error) {
	ids, err := s.client.SMembers(ctx, s.resourceKey(resource)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}

	var out []saga.DistributedLock
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.lockKey(id)).Result()
		if err == redis.Nil {
			// Value expired under us; drop the stale member.
			_ = s.client.SRem(ctx, s.resourceKey(resource), id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get lock %s: %w", id, err)
		}

		var lock saga.DistributedLock
		if err := json.Unmarshal([]byte(raw), &lock); err != nil {
			return nil, fmt.Errorf("decode lock %s: %w", id, err)
		}
		if lock.ExpiresAt.After(now) {
			out = append(out, lock)
		}
	}
	return out, nil
}

func (s *RedisLockStore) InsertLock(ctx context.Context, lock saga.DistributedLock) error {
	ttl := time.Until(lock.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("lock %s already expired", lock.ID)
	}

	payload, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}

	if lock.Mode == saga.LockExclusive {
		ok, err := s.client.SetNX(ctx, s.exclusiveKey(lock.Resource), lock.ID, ttl).Result()
		if err != nil {
			return fmt.Errorf("setnx exclusive guard: %w", err)
		}
		if !ok {
			return saga.ErrLockConflict
		}
	} else {
		held, err := s.client.Exists(ctx, s.exclusiveKey(lock.Resource)).Result()
		if err != nil {
			return fmt.Errorf("check exclusive guard: %w", err)
		}
		if held > 0 {
			return saga.ErrLockConflict
		}
	}

	if err := s.client.Set(ctx, s.lockKey(lock.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set lock: %w", err)
	}
	if err := s.client.SAdd(ctx, s.resourceKey(lock.Resource), lock.ID).Err(); err != nil {
		return fmt.Errorf("index lock: %w", err)
	}
	return nil
}

func (s *RedisLockStore) DeleteLock(ctx context.Context, lockID string, now time.Time) (bool, error) {
	lock, err := s.getLock(ctx, lockID)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}

	if err := s.client.Del(ctx, s.lockKey(lockID)).Err(); err != nil {
		return false, fmt.Errorf("del lock: %w", err)
	}
	_ = s.client.SRem(ctx, s.resourceKey(lock.Resource), lockID).Err()
	if lock.Mode == saga.LockExclusive {
		_ = s.client.Del(ctx, s.exclusiveKey(lock.Resource)).Err()
	}
	return lock.ExpiresAt.After(now), nil
}

func (s *RedisLockStore) ExtendLock(ctx context.Context, lockID string, additional time.Duration, now time.Time) (bool, error) {
	lock, err := s.getLock(ctx, lockID)
	if err != nil {
		return false, err
	}
	if lock == nil || !lock.ExpiresAt.After(now) {
		return false, nil
	}

	lock.ExpiresAt = lock.ExpiresAt.Add(additional)
	ttl := lock.ExpiresAt.Sub(now)

	payload, err := json.Marshal(lock)
	if err != nil {
		return false, fmt.Errorf("encode lock: %w", err)
	}
	if err := s.client.Set(ctx, s.lockKey(lockID), payload, ttl).Err(); err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	if lock.Mode == saga.LockExclusive {
		_ = s.client.PExpire(ctx, s.exclusiveKey(lock.Resource), ttl).Err()
	}
	return true, nil
}

func (s *RedisLockStore) getLock(ctx context.Context, lockID string) (*saga.DistributedLock, error) {
	raw, err := s.client.Get(ctx, s.lockKey(lockID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", lockID, err)
	}

	var lock saga.DistributedLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", lockID, err)
	}
	return &lock, nil
}

var _ saga.LockStore = (*RedisLockStore)(nil)
