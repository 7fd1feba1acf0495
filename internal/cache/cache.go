package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_shop/internal/domain"
)

// Cache is the key-value store behind every look-aside read.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes keys matching a glob pattern and reports how many
	// were unlinked. The scan is bounded, so a huge keyspace may keep some.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Generation reads the invalidation counter stored at genKey; zero when
	// it has never been advanced.
	Generation(ctx context.Context, genKey string) (int64, error)
	// Invalidate advances genKey and deletes keys in one transaction.
	Invalidate(ctx context.Context, genKey string, keys ...string) error
	// SetIfGeneration stores value only while genKey still holds gen, so a
	// fill prepared before an invalidation is discarded.
	SetIfGeneration(ctx context.Context, key, genKey string, gen int64, value []byte) (bool, error)
}

var ErrCacheMiss = errors.New("cache miss")

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrCacheUnavailable, op, err)
}

// GetJSON decodes a cached JSON value into dst.
func GetJSON(ctx context.Context, c Cache, key string, dst any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s failed: %w", key, err)
	}
	return nil
}

func SetJSON(ctx context.Context, c Cache, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s failed: %w", key, err)
	}
	return c.Set(ctx, key, data)
}

// SetJSONIfGeneration is SetJSON guarded by an invalidation generation.
func SetJSONIfGeneration(ctx context.Context, c Cache, key, genKey string, gen int64, value any) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal %s failed: %w", key, err)
	}
	return c.SetIfGeneration(ctx, key, genKey, gen, data)
}

// detached gives background cache work its own deadline, independent of the
// request that triggered it.
func detached(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
