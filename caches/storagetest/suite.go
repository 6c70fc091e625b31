// Package storagetest is a conformance suite for goswcache.Storage
// implementations.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goswcache "github.com/dgduncan/go-sw-cache"
	"github.com/dgduncan/go-sw-cache/caches"
)

// TestStorage runs every check against s. Partition names are prefixed with
// the test name so a shared backend can be reused across runs.
func TestStorage(t *testing.T, s goswcache.Storage) {
	t.Run("GetMissing", func(t *testing.T) {
		testGetMissing(t, s)
	})
	t.Run("SetGetOverwrite", func(t *testing.T) {
		testSetGetOverwrite(t, s)
	})
	t.Run("DeleteAndEntries", func(t *testing.T) {
		testDeleteAndEntries(t, s)
	})
	t.Run("PartitionsIsolated", func(t *testing.T) {
		testPartitionsIsolated(t, s)
	})
	t.Run("NamesAndDrop", func(t *testing.T) {
		testNamesAndDrop(t, s)
	})
	t.Run("ConcurrentWriters", func(t *testing.T) {
		testConcurrentWriters(t, s)
	})
}

func item(body string, at time.Time) *goswcache.CacheItem {
	return &goswcache.CacheItem{Response: []byte(body), StoredAt: at}
}

func stamp() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func testGetMissing(t *testing.T, s goswcache.Storage) {
	ctx := context.Background()

	c, err := s.Open(ctx, "get-missing")
	require.NoError(t, err)

	_, err = c.Get(ctx, "GET#https://example.com/missing")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
}

func testSetGetOverwrite(t *testing.T, s goswcache.Storage) {
	ctx := context.Background()
	key := "GET#https://example.com/recipes/search?query=pasta"

	c, err := s.Open(ctx, "set-get")
	require.NoError(t, err)

	first := stamp()
	require.NoError(t, c.Set(ctx, key, item("first", first)))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got.Response))
	assert.True(t, got.StoredAt.Equal(first), "stored at %v, want %v", got.StoredAt, first)

	second := first.Add(time.Minute)
	require.NoError(t, c.Set(ctx, key, item("second", second)))

	got, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got.Response))
	assert.True(t, got.StoredAt.Equal(second))
}

func testDeleteAndEntries(t *testing.T, s goswcache.Storage) {
	ctx := context.Background()

	c, err := s.Open(ctx, "delete-entries")
	require.NoError(t, err)

	base := stamp()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), item("v", base.Add(time.Duration(i)*time.Second))))
	}

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	byKey := make(map[string]time.Time)
	for _, e := range entries {
		byKey[e.Key] = e.StoredAt
	}
	assert.True(t, byKey["k2"].Equal(base.Add(2*time.Second)))

	require.NoError(t, c.Delete(ctx, "k1"))
	require.NoError(t, c.Delete(ctx, "never-set"))

	_, err = c.Get(ctx, "k1")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)

	entries, err = c.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func testPartitionsIsolated(t *testing.T, s goswcache.Storage) {
	ctx := context.Background()

	a, err := s.Open(ctx, "isolated-a")
	require.NoError(t, err)
	b, err := s.Open(ctx, "isolated-b")
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "shared-key", item("a", stamp())))

	_, err = b.Get(ctx, "shared-key")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
}

func testNamesAndDrop(t *testing.T, s goswcache.Storage) {
	ctx := context.Background()

	c, err := s.Open(ctx, "names-drop")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "k", item("v", stamp())))

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "names-drop")

	require.NoError(t, s.Drop(ctx, "names-drop"))

	names, err = s.Names(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "names-drop")

	reopened, err := s.Open(ctx, "names-drop")
	require.NoError(t, err)
	_, err = reopened.Get(ctx, "k")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
}

func testConcurrentWriters(t *testing.T, s goswcache.Storage) {
	ctx := context.Background()

	c, err := s.Open(ctx, "concurrent")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Set(ctx, "same-key", item(fmt.Sprintf("writer-%d", i), stamp())))
		}()
	}
	wg.Wait()

	got, err := c.Get(ctx, "same-key")
	require.NoError(t, err)
	assert.Contains(t, string(got.Response), "writer-")
}
