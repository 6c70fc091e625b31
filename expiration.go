package goswcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgduncan/go-sw-cache/caches"
)

const (
	evictReasonMaxAge     = "max_age"
	evictReasonMaxEntries = "max_entries"
)

// Expiration bounds a partition. A zero field is unbounded.
type Expiration struct {
	MaxEntries int
	MaxAge     time.Duration
}

func (e *Expiration) expired(item *CacheItem, now time.Time) bool {
	if e == nil || e.MaxAge <= 0 {
		return false
	}
	return now.Sub(item.StoredAt) > e.MaxAge
}

// partition pairs an opened cache with the expiration it was configured with.
type partition struct {
	name  string
	cache Cache
	exp   *Expiration

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// get returns the item stored under k. Items past MaxAge are removed and
// reported as caches.ErrNoCacheItem wrapping caches.ErrCacheItemExpired.
func (p *partition) get(ctx context.Context, k string) (*CacheItem, error) {
	item, err := p.cache.Get(ctx, k)
	if err != nil {
		return nil, err
	}

	if p.exp.expired(item, p.now()) {
		p.logger.DebugContext(ctx, "cache item expired",
			"partition", p.name,
			"key", k,
			"stored_at", item.StoredAt.Format(time.RFC3339))

		if delErr := p.cache.Delete(ctx, k); delErr != nil {
			p.logger.WarnContext(ctx, "error deleting expired cache item", "partition", p.name, "error", delErr)
		} else {
			p.metrics.eviction(p.name, evictReasonMaxAge)
		}

		return nil, fmt.Errorf("%w: %w", caches.ErrNoCacheItem, caches.ErrCacheItemExpired)
	}

	return item, nil
}

// put writes the item and then enforces the partition bounds.
func (p *partition) put(ctx context.Context, k string, item *CacheItem) error {
	if err := p.cache.Set(ctx, k, item); err != nil {
		return err
	}

	return p.enforce(ctx)
}

func (p *partition) enforce(ctx context.Context) error {
	if p.exp == nil || (p.exp.MaxEntries <= 0 && p.exp.MaxAge <= 0) {
		return nil
	}

	entries, err := p.cache.Entries(ctx)
	if err != nil {
		return err
	}

	now := p.now()
	live := entries[:0]
	var errs []error
	for _, e := range entries {
		if p.exp.MaxAge > 0 && now.Sub(e.StoredAt) > p.exp.MaxAge {
			if err := p.cache.Delete(ctx, e.Key); err != nil {
				errs = append(errs, err)
				continue
			}
			p.metrics.eviction(p.name, evictReasonMaxAge)
			continue
		}
		live = append(live, e)
	}

	if p.exp.MaxEntries > 0 && len(live) > p.exp.MaxEntries {
		// ties on StoredAt break by key so eviction is deterministic
		sort.Slice(live, func(i, j int) bool {
			if !live[i].StoredAt.Equal(live[j].StoredAt) {
				return live[i].StoredAt.Before(live[j].StoredAt)
			}
			return live[i].Key < live[j].Key
		})

		for _, e := range live[:len(live)-p.exp.MaxEntries] {
			p.logger.DebugContext(ctx, "evicting cache item", "partition", p.name, "key", e.Key)
			if err := p.cache.Delete(ctx, e.Key); err != nil {
				errs = append(errs, err)
				continue
			}
			p.metrics.eviction(p.name, evictReasonMaxEntries)
		}
	}

	return errors.Join(errs...)
}
