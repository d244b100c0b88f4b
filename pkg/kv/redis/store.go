package redis

import (
	"context"
	"time"

	"github.com/flowbridge/flowbridge-backend/pkg/kv"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed implementation of kv.Store.
type Store struct {
	client *redis.Client
}

// New creates a Redis-backed store from a redis:// URL or a bare host:port.
func New(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		fallback, parseErr := redis.ParseURL("redis://" + redisURL)
		if parseErr != nil {
			return nil, err
		}
		opt = fallback
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	return &Store{client: redis.NewClient(opt)}, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	var expiry time.Duration
	if len(ttl) > 0 {
		expiry = ttl[0]
	}
	return s.client.Set(ctx, key, value, expiry).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, kv.ErrNotFound
	}
	return value, err
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	return s.client.Del(ctx, keys...).Result()
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	return s.client.Exists(ctx, keys...).Result()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, key, ttl).Result()
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, key, n).Result()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
