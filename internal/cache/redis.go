package cache

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	TTL           time.Duration
	MaxJitter     time.Duration
	ScanCount     int64
	MaxIterations int
}

func DefaultOptions() Options {
	return Options{
		TTL:           time.Hour,
		MaxJitter:     5 * time.Minute,
		ScanCount:     100,
		MaxIterations: 50,
	}
}

func NewRedisCache(client *redis.Client, opts Options) *RedisCache {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MaxJitter < 0 {
		opts.MaxJitter = 0
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = def.ScanCount
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	return &RedisCache{
		client: client,
		opts:   opts,
	}
}

type RedisCache struct {
	client *redis.Client
	opts   Options
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, unavailable("redis get failed", err)
	}
	return data, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, r.ttl()).Err(); err != nil {
		return unavailable("redis set failed", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("redis delete failed", err)
	}
	return nil
}

func (r *RedisCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for i := 0; i < r.opts.MaxIterations; i++ {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.opts.ScanCount).Result()
		if err != nil {
			return deleted, unavailable("redis scan failed", err)
		}
		if len(keys) > 0 {
			if err := r.client.Unlink(ctx, keys...).Err(); err != nil {
				return deleted, unavailable("redis unlink failed", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// setIfGeneration compares KEYS[2] with ARGV[1] and only then writes
// KEYS[1] with a PX expiry of ARGV[3].
var setIfGeneration = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if current == false then current = '0' end
if current ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (r *RedisCache) Generation(ctx context.Context, genKey string) (int64, error) {
	gen, err := r.client.Get(ctx, genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("redis generation read failed", err)
	}
	return gen, nil
}

func (r *RedisCache) Invalidate(ctx context.Context, genKey string, keys ...string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, r.generationTTL())
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		return nil
	})
	if err != nil {
		return unavailable("redis invalidate failed", err)
	}
	return nil
}

func (r *RedisCache) SetIfGeneration(ctx context.Context, key, genKey string, gen int64, value []byte) (bool, error) {
	ttl := r.ttl().Milliseconds()
	n, err := setIfGeneration.Run(ctx, r.client, []string{key, genKey},
		strconv.FormatInt(gen, 10), value, ttl).Int()
	if err != nil {
		return false, unavailable("redis conditional set failed", err)
	}
	return n == 1, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// generationTTL keeps a counter alive well past any entry it guards, so it
// cannot expire and restart at a value a pending fill still holds.
func (r *RedisCache) generationTTL() time.Duration {
	return 2 * (r.opts.TTL + r.opts.MaxJitter)
}

func (r *RedisCache) ttl() time.Duration {
	if r.opts.MaxJitter <= 0 {
		return r.opts.TTL
	}
	jitter := time.Duration(rand.Int63n(int64(r.opts.MaxJitter)))
	return r.opts.TTL + jitter
}
