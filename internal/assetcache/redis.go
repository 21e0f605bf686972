package assetcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the storage writes.
const DefaultRedisPrefix = "assetcache"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix namespaces the storage keys (defaults to "assetcache")
	Prefix string
}

// RedisStorage keeps stores in Redis so several processes can share them.
//
// The store names live in the set <prefix>:stores and each store is the hash
// <prefix>:store:<name>, whose fields are xxhash digests of the request keys.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStorageFromClient(client, cfg.Prefix)
	slog.Info("redis cache storage connected", "prefix", s.prefix)
	return s, nil
}

// NewRedisStorageFromClient wraps an existing client. Close closes the client.
func NewRedisStorageFromClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) storesKey() string {
	return s.prefix + ":stores"
}

func (s *RedisStorage) storeKey(name string) string {
	return s.prefix + ":store:" + name
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := s.client.SAdd(ctx, s.storesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to open store %s in redis: %w", name, err)
	}
	return &redisStore{client: s.client, key: s.storeKey(name)}, nil
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.storesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stores in redis: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.storesKey(), name)
		pipe.Del(ctx, s.storeKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete store %s in redis: %w", name, err)
	}
	return removed.Val() > 0, nil
}

// Close closes the Redis connection.
func (s *RedisStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

type redisStore struct {
	client *redis.Client
	key    string
}

func (r *redisStore) Match(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.HGet(ctx, r.key, entryField(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entry from redis: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse entry from redis: %w", err)
	}
	// A digest collision must not serve another URL's response.
	if e.Key != key {
		return nil, nil
	}
	return &e, nil
}

func (r *redisStore) Put(ctx context.Context, key string, e *Entry) error {
	stored := *e
	stored.Key = key
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, entryField(key), data).Err(); err != nil {
		return fmt.Errorf("failed to set entry in redis: %w", err)
	}
	return nil
}
