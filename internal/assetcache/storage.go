// Package assetcache is a client-side cache policy engine for the calculator
// web app. It precaches a fixed asset list into a store named for the current
// version, drops every older generation on activation, and then answers
// same-origin GET fetches: navigations network-first with cached and offline
// fallbacks, everything else stale-while-revalidate.
package assetcache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatrelay/config"
)

// Storage backend types.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeSQLite = "sqlite"
	TypeRedis  = "redis"
)

// ErrStorageClosed is returned by operations on a closed storage.
var ErrStorageClosed = errors.New("assetcache: storage closed")

// Storage holds named stores.
type Storage interface {
	// Open returns the named store, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	// Keys lists store names in lexical order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named store and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Store maps request keys to responses.
type Store interface {
	// Match returns the entry stored under key, or nil if there is none.
	Match(ctx context.Context, key string) (*Entry, error)
	// Put stores e under key, replacing any previous entry.
	Put(ctx context.Context, key string, e *Entry) error
}

// NewStorage builds the storage backend selected by cfg.
func NewStorage(ctx context.Context, cfg config.CacheStorageConfig) (Storage, error) {
	switch strings.ToLower(cfg.Type) {
	case TypeMemory:
		return NewMemoryStorage(), nil
	case TypeFile:
		return NewFileStorage(cfg.FileDir), nil
	case TypeSQLite, "":
		return NewSQLiteStorage(ctx, cfg.SQLitePath)
	case TypeRedis:
		return NewRedisStorage(ctx, RedisConfig{URL: cfg.RedisURL, Prefix: cfg.RedisPrefix})
	default:
		return nil, fmt.Errorf("assetcache: unknown storage type %q", cfg.Type)
	}
}
