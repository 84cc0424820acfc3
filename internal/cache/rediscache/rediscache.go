package rediscache

import (
	"context"
	"time"

	"github.com/BearBump/ordertrack/internal/cache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var _ cache.BytesCache = (*RedisCache)(nil)

type RedisCache struct {
	c *redis.Client
}

func New(addr string) *RedisCache {
	return &RedisCache{
		c: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	if err := r.c.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.c.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.c.Close()
}

// SlotStore хранит снапшоты пользователей поверх BytesCache.
// ttl == 0 означает хранить без срока.
type SlotStore struct {
	c   cache.BytesCache
	ttl time.Duration
}

func NewSlotStore(c cache.BytesCache, ttl time.Duration) *SlotStore {
	return &SlotStore{c: c, ttl: ttl}
}

func (s *SlotStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	return s.c.Get(ctx, key)
}

func (s *SlotStore) Save(ctx context.Context, key string, value []byte) error {
	return s.c.Set(ctx, key, value, s.ttl)
}

func (s *SlotStore) Delete(ctx context.Context, key string) error {
	return s.c.Del(ctx, key)
}
