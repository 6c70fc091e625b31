package local

import (
	"context"
	"sort"
	"sync"

	goswcache "github.com/dgduncan/go-sw-cache"
	"github.com/dgduncan/go-sw-cache/caches"
)

// BasicCache is an in-memory partition.
type BasicCache struct {
	cache map[string]*goswcache.CacheItem

	lock sync.RWMutex
}

func (bc *BasicCache) Get(_ context.Context, key string) (*goswcache.CacheItem, error) {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	val, found := bc.cache[key]
	if !found {
		return nil, caches.ErrNoCacheItem
	}

	return val, nil
}

func (bc *BasicCache) Set(_ context.Context, key string, item *goswcache.CacheItem) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	bc.cache[key] = item

	return nil
}

func (bc *BasicCache) Delete(_ context.Context, key string) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	delete(bc.cache, key)

	return nil
}

func (bc *BasicCache) Entries(_ context.Context) ([]goswcache.Entry, error) {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	entries := make([]goswcache.Entry, 0, len(bc.cache))
	for k, v := range bc.cache {
		entries = append(entries, goswcache.Entry{Key: k, StoredAt: v.StoredAt})
	}

	return entries, nil
}

// Len returns the number of items in the partition.
func (bc *BasicCache) Len() int {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	return len(bc.cache)
}

func NewBasicCache() *BasicCache {
	return &BasicCache{
		cache: make(map[string]*goswcache.CacheItem),
	}
}

// Storage keeps every partition in memory. Nothing survives the process.
type Storage struct {
	partitions map[string]*BasicCache

	lock sync.Mutex
}

var _ goswcache.Storage = (*Storage)(nil)

func (s *Storage) Open(_ context.Context, name string) (goswcache.Cache, error) {
	return s.Partition(name), nil
}

// Partition returns the named partition, creating it if needed.
func (s *Storage) Partition(name string) *BasicCache {
	s.lock.Lock()
	defer s.lock.Unlock()

	p, ok := s.partitions[name]
	if !ok {
		p = NewBasicCache()
		s.partitions[name] = p
	}

	return p
}

func (s *Storage) Names(_ context.Context) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	names := make([]string, 0, len(s.partitions))
	for n := range s.partitions {
		names = append(names, n)
	}
	sort.Strings(names)

	return names, nil
}

func (s *Storage) Drop(_ context.Context, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.partitions, name)

	return nil
}

func NewStorage() *Storage {
	return &Storage{
		partitions: make(map[string]*BasicCache),
	}
}
