package goswcache_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	goswcache "github.com/dgduncan/go-sw-cache"
	"github.com/dgduncan/go-sw-cache/caches/local"
)

const (
	apiBase   = "https://api.example.com/api/v1"
	appOrigin = "https://app.example.com/"
)

func testTime() time.Time {
	return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
}

// clock is a settable time source safe for background goroutines.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: testTime()}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newActiveTransport wires the recipe route table over network and activates
// an empty build so requests are intercepted.
func newActiveTransport(t *testing.T, storage goswcache.Storage, network http.RoundTripper, clk *clock, opts *goswcache.Config) *goswcache.CacheTransport {
	t.Helper()

	router, err := goswcache.NewRouter(goswcache.DefaultRoutes(mustURL(t, apiBase), mustURL(t, appOrigin))...)
	require.NoError(t, err)

	return newActiveTransportWithRouter(t, storage, router, network, clk, opts)
}

func newActiveTransportWithRouter(t *testing.T, storage goswcache.Storage, router *goswcache.Router, network http.RoundTripper, clk *clock, opts *goswcache.Config) *goswcache.CacheTransport {
	t.Helper()

	if opts == nil {
		c := goswcache.DefaultConfig()
		opts = &c
	}
	if opts.Scope == nil {
		opts.Scope = mustURL(t, appOrigin)
	}

	tr := goswcache.New(storage, router, opts, clk.Now, discardLogger())(network)
	_, err := tr.Controller().Install(context.Background(), goswcache.Manifest{})
	require.NoError(t, err)
	require.NotNil(t, tr.Controller().Active())

	return tr
}

func get(t *testing.T, client *http.Client, rawURL string, header map[string]string) (*http.Response, error) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	return client.Do(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// seed stores a 200 response with body under the GET key of rawURL.
func seed(t *testing.T, storage goswcache.Storage, partition, rawURL, body string, storedAt time.Time) {
	t.Helper()

	resp := &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	b, err := httputil.DumpResponse(resp, true)
	require.NoError(t, err)

	c, err := storage.Open(context.Background(), partition)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), "GET#"+rawURL, &goswcache.CacheItem{
		Response: bytes.Clone(b),
		StoredAt: storedAt,
	}))
}

func partitionLen(storage *local.Storage, name string) int {
	return storage.Partition(name).Len()
}
