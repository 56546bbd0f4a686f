package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/warden/pkg/autherr"
)

// DefaultOpTimeout bounds a single store round-trip.
const DefaultOpTimeout = 2 * time.Second

// incrWithTTLScript increments a counter and assigns its TTL only on the
// increment that creates it. A counter that somehow lost its TTL gets one
// back so counters never live forever.
var incrWithTTLScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
elseif redis.call('PTTL', KEYS[1]) == -1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

// compareAndSwapScript replaces a value only if it is unchanged.
var compareAndSwapScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
end
return 1
`)

// Config holds Redis connection settings.
type Config struct {
	URL        string        `yaml:"url"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	MaxRetries int           `yaml:"max_retries"`
	PoolSize   int           `yaml:"pool_size"`
	OpTimeout  time.Duration `yaml:"op_timeout"`
}

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.DB > 0 {
		opts.DB = config.DB
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, autherr.Wrap(autherr.ErrStoreUnavailable, "failed to connect to redis", err)
	}

	return NewRedisStoreFromClient(client, config.OpTimeout), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// Client returns the underlying client for health checks.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func unavailable(op, key string, err error) error {
	return autherr.Wrap(autherr.ErrStoreUnavailable, fmt.Sprintf("redis %s %s", op, key), err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	} else if err != nil {
		return "", unavailable("get", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("del", keys[0], err)
	}
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, prev, next, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable("cas", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("kv: counter %s needs a positive ttl", key)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := incrWithTTLScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("incr", key, err)
	}
	return n, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("pttl", key, err)
	}
	// go-redis reports -2 (missing) and -1 (no expiry) as raw durations.
	switch {
	case d == -2:
		return 0, ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return unavailable("pexpire", key, err)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return unavailable("sadd", key, err)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.SRem(ctx, key, args...).Result()
	if err != nil {
		return 0, unavailable("srem", key, err)
	}
	return n, nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers", key, err)
	}
	return members, nil
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, unavailable("sismember", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}
