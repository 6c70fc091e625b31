package goswcache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/dgduncan/go-sw-cache/caches"
)

// CacheTransport implements http.RoundTripper and sits between the
// application and the network the way a service worker does. Once a version
// is active, each request is answered from the precache, by the first
// matching route, or passed to the network untouched.
type CacheTransport struct {
	Wrapped http.RoundTripper

	storage    Storage
	router     *Router
	controller *Controller
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time

	c Config

	// background tracks detached revalidations and abandoned network
	// attempts.
	background sync.WaitGroup
}

// RoundTrip routes the request. Before the first activation every request
// goes straight to the network.
func (c *CacheTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	v := c.controller.Active()
	if v == nil {
		return c.Wrapped.RoundTrip(r)
	}

	if key, ok := c.controller.precachedKey(v, r); ok {
		if resp, hit := c.fromPrecache(ctx, v, key, r); hit {
			return resp, nil
		}
	}

	route, ok := c.router.Match(r)
	if !ok {
		c.metrics.request(NetworkOnly, "", OutcomeBypass)
		return c.Wrapped.RoundTrip(r)
	}

	c.logger.DebugContext(ctx, "route matched",
		"url", r.URL.String(),
		"route", route.Name,
		"strategy", route.Strategy.String(),
		"partition", route.Partition)

	if route.Strategy == NetworkOnly {
		return c.networkOnly(r, route)
	}

	p, err := c.open(ctx, route.Partition, route.Expiration)
	if err != nil {
		// storage is a cache, not a source of truth
		c.logger.WarnContext(ctx, "error opening partition, using network", "partition", route.Partition, "error", err)
		return c.networkOnly(r, route)
	}

	switch route.Strategy {
	case NetworkFirst:
		return c.networkFirst(r, route, p)
	case CacheFirst:
		return c.cacheFirst(r, route, p)
	case StaleWhileRevalidate:
		return c.staleWhileRevalidate(r, route, p)
	default:
		return c.networkOnly(r, route)
	}
}

// Controller returns the lifecycle controller of this transport.
func (c *CacheTransport) Controller() *Controller {
	return c.controller
}

// Wait blocks until detached background work has finished.
func (c *CacheTransport) Wait() {
	c.background.Wait()
}

func (c *CacheTransport) fromPrecache(ctx context.Context, v *Version, key string, r *http.Request) (*http.Response, bool) {
	p, err := c.open(ctx, v.Manifest.Partition(), nil)
	if err != nil {
		c.logger.WarnContext(ctx, "error opening precache", "error", err)
		return nil, false
	}

	resp, ok := c.lookup(ctx, p, key, r)
	if ok {
		c.logger.DebugContext(ctx, "served from precache", "url", r.URL.String(), "key", key)
		c.metrics.request(CacheFirst, p.name, OutcomeHit)
	}
	return resp, ok
}

func (c *CacheTransport) open(ctx context.Context, name string, exp *Expiration) (*partition, error) {
	cache, err := c.storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	return &partition{
		name:    name,
		cache:   cache,
		exp:     exp,
		logger:  c.logger,
		metrics: c.metrics,
		now:     c.now,
	}, nil
}

// lookup reads key from p and rebuilds the stored response for r.
func (c *CacheTransport) lookup(ctx context.Context, p *partition, key string, r *http.Request) (*http.Response, bool) {
	item, err := p.get(ctx, key)
	if err != nil {
		if !errors.Is(err, caches.ErrNoCacheItem) {
			c.logger.WarnContext(ctx, "error reading cache", "partition", p.name, "error", err)
		}
		return nil, false
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(item.Response)), r)
	if err != nil {
		c.logger.WarnContext(ctx, "unreadable cache item, discarding", "partition", p.name, "key", key, "error", err)
		if delErr := p.cache.Delete(ctx, key); delErr != nil {
			c.logger.WarnContext(ctx, "error deleting cache item", "partition", p.name, "error", delErr)
		}
		return nil, false
	}

	return resp, true
}

// store writes successful GET responses into p. Failures are logged and
// never surface to the caller.
func (c *CacheTransport) store(ctx context.Context, p *partition, r *http.Request, resp *http.Response) {
	if !cacheable(r, resp) {
		c.logger.DebugContext(ctx, "response not cacheable", "url", r.URL.String(), "status", resp.StatusCode)
		return
	}

	normalizeProto(resp)
	resBytes, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.WarnContext(ctx, "error reading response for cache", "url", r.URL.String(), "error", err)
		return
	}

	c.logger.DebugContext(ctx, "caching response", "url", r.URL.String(), "partition", p.name)
	if err := p.put(ctx, caches.Key(r), &CacheItem{
		Response: resBytes,
		StoredAt: c.now().UTC(),
	}); err != nil {
		c.logger.WarnContext(ctx, "error caching response", "partition", p.name, "error", err)
	}
}

func cacheable(r *http.Request, resp *http.Response) bool {
	return requestMethod(r) == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// normalizeProto fills in a protocol version for responses built by hand so
// the dump can be parsed back.
func normalizeProto(resp *http.Response) {
	if resp.ProtoMajor == 0 {
		resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
}

// detach copies r onto a context that outlives the caller.
func detach(r *http.Request) *http.Request {
	return r.Clone(context.WithoutCancel(r.Context()))
}

// drain discards whatever is left of a response nobody will read.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// New creates a transport middleware that applies the route table to every
// request once a version has been installed through Controller().Install.
//
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
// If the router is nil, only the precache is served.
func New(
	storage Storage,
	router *Router,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) func(http.RoundTripper) *CacheTransport {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = *opts
	}

	if router == nil {
		router = &Router{}
	}

	return func(rt http.RoundTripper) *CacheTransport {
		if rt == nil {
			rt = http.DefaultTransport
		}

		return &CacheTransport{
			Wrapped:    rt,
			storage:    storage,
			router:     router,
			controller: newController(storage, router, rt, c, nowFunc, logger),
			metrics:    c.Metrics,
			logger:     logger,
			now:        nowFunc,
			c:          c,
		}
	}
}
