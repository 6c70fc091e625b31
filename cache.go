package goswcache

import (
	"context"
	"time"
)

// CacheItem is a stored response. Response holds the full wire dump of the
// response (status line, headers and body).
type CacheItem struct {
	Response []byte
	StoredAt time.Time
}

// Entry describes a stored item without its payload.
type Entry struct {
	Key      string
	StoredAt time.Time
}

// Cache is a single named partition. Implementations must be safe for
// concurrent use; concurrent writes to the same key are last-writer-wins.
// Get returns caches.ErrNoCacheItem on a miss.
type Cache interface {
	Get(ctx context.Context, k string) (*CacheItem, error)
	Set(ctx context.Context, k string, v *CacheItem) error
	Delete(ctx context.Context, k string) error
	Entries(ctx context.Context) ([]Entry, error)
}

// Storage holds the named partitions. Open creates a partition on first use.
type Storage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Names(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) error
}
