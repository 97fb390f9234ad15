// Package redis provides the Redis-backed cache store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/copyleftdev/oxide-ci-sub000/internal/backoff"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

const (
	dataPrefix = "oxide:cache:data:"
	metaPrefix = "oxide:cache:meta:"

	// DefaultTTL bounds cache entries that were saved without one.
	DefaultTTL = 7 * 24 * time.Hour
)

// CacheProvider is a core.CacheProvider over Redis. Blob and metadata live in
// separate keys sharing one TTL.
type CacheProvider struct {
	client *redis.Client
}

var _ core.CacheProvider = (*CacheProvider)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*CacheProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &CacheProvider{client: client}, nil
}

// NewWithClient wraps an existing client, for tests.
func NewWithClient(client *redis.Client) *CacheProvider {
	return &CacheProvider{client: client}
}

// retry wraps a command with the transport backoff policy. Key misses are
// definitive and never retried.
func (p *CacheProvider) retry(ctx context.Context, op backoff.Operation) error {
	return backoff.Retry(ctx, op, backoff.Transport(), func(err error) bool {
		return !errors.Is(err, redis.Nil)
	})
}

func (p *CacheProvider) Restore(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := p.retry(ctx, func(ctx context.Context) error {
		var err error
		data, err = p.client.Get(ctx, dataPrefix+key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("restore cache %q: %w", key, err)
	}
	return data, nil
}

func (p *CacheProvider) Save(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry := core.CacheEntry{
		ID:        core.NewCacheID(),
		Key:       key,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}

	err = p.retry(ctx, func(ctx context.Context) error {
		pipe := p.client.TxPipeline()
		pipe.Set(ctx, dataPrefix+key, data, ttl)
		pipe.Set(ctx, metaPrefix+key, meta, ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("save cache %q: %w", key, err)
	}
	return nil
}

func (p *CacheProvider) Delete(ctx context.Context, key string) error {
	err := p.retry(ctx, func(ctx context.Context) error {
		return p.client.Del(ctx, dataPrefix+key, metaPrefix+key).Err()
	})
	if err != nil {
		return fmt.Errorf("delete cache %q: %w", key, err)
	}
	return nil
}

// List returns metadata for entries whose key starts with prefix. The scan is
// idempotent, so the whole pass retries as one operation.
func (p *CacheProvider) List(ctx context.Context, prefix string) ([]core.CacheEntry, error) {
	var out []core.CacheEntry
	err := p.retry(ctx, func(ctx context.Context) error {
		out = out[:0]
		iter := p.client.Scan(ctx, 0, metaPrefix+prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			raw, err := p.client.Get(ctx, iter.Val()).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			var entry core.CacheEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("decode cache metadata: %w", err)
			}
			out = append(out, entry)
		}
		return iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("scan cache entries: %w", err)
	}
	return out, nil
}

// Close releases the client.
func (p *CacheProvider) Close() error {
	return p.client.Close()
}
