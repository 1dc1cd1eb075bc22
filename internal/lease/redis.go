package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"datasync/internal/models"
)

// Redis keys expire on their own, so SET NX is the whole acquire: an absent key is either
// never taken or expired. Owner checks for refresh/release/reclaim run server side.
var (
	refreshScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local l = cjson.decode(raw)
if l.owner ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1`)

	releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local l = cjson.decode(raw)
if l.owner ~= ARGV[1] then return 0 end
return redis.call('DEL', KEYS[1])`)

	reclaimScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local l = cjson.decode(raw)
if tonumber(l.lastRefreshedAt) >= tonumber(ARGV[1]) then return 0 end
return redis.call('DEL', KEYS[1])`)
)

type redisLease struct {
	Owner           string `json:"owner"`
	AcquiredAt      int64  `json:"acquiredAt"`
	ExpiresAt       int64  `json:"expiresAt"`
	LastRefreshedAt int64  `json:"lastRefreshedAt"`
}

// RedisStore is an alternative lease backend for deployments that coordinate through Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "datasync:lease"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *RedisStore) encode(owner string, acquiredAt, now time.Time, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(redisLease{
		Owner:           owner,
		AcquiredAt:      acquiredAt.UnixMilli(),
		ExpiresAt:       now.Add(ttl).UnixMilli(),
		LastRefreshedAt: now.UnixMilli(),
	})
	return string(raw), err
}

func (s *RedisStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	val, err := s.encode(owner, now, now, ttl)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, s.key(name), val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

func (s *RedisStore) Refresh(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	current, err := s.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	val, err := s.encode(owner, current.AcquiredAt, s.now(), ttl)
	if err != nil {
		return false, err
	}
	n, err := refreshScript.Run(ctx, s.client, []string{s.key(name)}, owner, val, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lease %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(name)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) IsStale(ctx context.Context, name string, staleAfter time.Duration) (bool, error) {
	l, err := s.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return l.Stale(s.now(), staleAfter), nil
}

func (s *RedisStore) ReclaimStale(ctx context.Context, name string, staleAfter time.Duration) (bool, error) {
	cutoff := s.now().Add(-staleAfter).UnixMilli()
	n, err := reclaimScript.Run(ctx, s.client, []string{s.key(name)}, cutoff).Int()
	if err != nil {
		return false, fmt.Errorf("reclaim lease %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, name string) (*models.Lease, error) {
	raw, err := s.client.Get(ctx, s.key(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lease %s: %w", name, err)
	}
	var rl redisLease
	if err := json.Unmarshal([]byte(raw), &rl); err != nil {
		return nil, fmt.Errorf("decode lease %s: %w", name, err)
	}
	return &models.Lease{
		Name:            name,
		Owner:           rl.Owner,
		AcquiredAt:      time.UnixMilli(rl.AcquiredAt),
		ExpiresAt:       time.UnixMilli(rl.ExpiresAt),
		LastRefreshedAt: time.UnixMilli(rl.LastRefreshedAt),
	}, nil
}
