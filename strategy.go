package goswcache

import (
	"net/http"
	"time"

	"github.com/dgduncan/go-sw-cache/caches"
)

func (c *CacheTransport) networkOnly(r *http.Request, route Route) (*http.Response, error) {
	resp, err := c.Wrapped.RoundTrip(r)
	if err != nil {
		c.metrics.request(route.Strategy, route.Partition, OutcomeError)
		return nil, err
	}

	c.metrics.request(route.Strategy, route.Partition, OutcomeNetwork)
	return resp, nil
}

// cacheFirst answers from p when it can and only then asks the network.
func (c *CacheTransport) cacheFirst(r *http.Request, route Route, p *partition) (*http.Response, error) {
	ctx := r.Context()

	if resp, ok := c.lookup(ctx, p, caches.Key(r), r); ok {
		c.logger.DebugContext(ctx, "cache item found", "url", r.URL.String(), "partition", p.name)
		c.metrics.request(route.Strategy, p.name, OutcomeHit)
		return resp, nil
	}

	c.logger.DebugContext(ctx, "cache item not found", "url", r.URL.String(), "partition", p.name)

	resp, err := c.Wrapped.RoundTrip(r)
	if err != nil {
		c.metrics.request(route.Strategy, p.name, OutcomeError)
		return nil, err
	}

	c.store(ctx, p, r, resp)
	c.metrics.request(route.Strategy, p.name, OutcomeMiss)
	return resp, nil
}

// staleWhileRevalidate answers from p at once when it can and refreshes the
// entry in the background. Without an entry it waits on the network.
func (c *CacheTransport) staleWhileRevalidate(r *http.Request, route Route, p *partition) (*http.Response, error) {
	ctx := r.Context()

	if resp, ok := c.lookup(ctx, p, caches.Key(r), r); ok {
		c.logger.DebugContext(ctx, "serving stale, revalidating", "url", r.URL.String(), "partition", p.name)
		c.metrics.request(route.Strategy, p.name, OutcomeHit)

		br := detach(r)
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.revalidate(br, route, p)
		}()

		return resp, nil
	}

	resp, err := c.Wrapped.RoundTrip(r)
	if err != nil {
		c.metrics.request(route.Strategy, p.name, OutcomeError)
		return nil, err
	}

	c.store(ctx, p, r, resp)
	c.metrics.request(route.Strategy, p.name, OutcomeMiss)
	return resp, nil
}

func (c *CacheTransport) revalidate(r *http.Request, route Route, p *partition) {
	ctx := r.Context()

	resp, err := c.Wrapped.RoundTrip(r)
	if err != nil {
		c.logger.WarnContext(ctx, "revalidation failed", "url", r.URL.String(), "error", err)
		return
	}
	defer drain(resp)

	c.store(ctx, p, r, resp)
	c.metrics.request(route.Strategy, p.name, OutcomeRevalidated)
}

type fetchResult struct {
	resp *http.Response
	err  error
}

// networkFirst asks the network and falls back to p when the network fails
// or, with a NetworkTimeout, takes too long.
func (c *CacheTransport) networkFirst(r *http.Request, route Route, p *partition) (*http.Response, error) {
	ctx := r.Context()

	if c.c.NetworkTimeout <= 0 {
		resp, err := c.Wrapped.RoundTrip(r)
		if err != nil {
			return c.fallback(r, route, p, err)
		}

		c.store(ctx, p, r, resp)
		c.metrics.request(route.Strategy, p.name, OutcomeNetwork)
		return resp, nil
	}

	// the attempt outlives a timeout so it can still refresh the entry
	br := detach(r)
	done := make(chan fetchResult, 1)
	c.background.Add(1)
	go func() {
		defer c.background.Done()

		resp, err := c.Wrapped.RoundTrip(br)
		if err == nil {
			c.store(br.Context(), p, br, resp)
		}
		done <- fetchResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(c.c.NetworkTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return c.networkResult(r, route, p, res)
	case <-ctx.Done():
		c.abandon(done)
		return nil, ctx.Err()
	case <-timer.C:
	}

	c.logger.DebugContext(ctx, "network timed out, trying cache", "url", r.URL.String(), "timeout", c.c.NetworkTimeout)

	if resp, ok := c.lookup(ctx, p, caches.Key(r), r); ok {
		c.metrics.request(route.Strategy, p.name, OutcomeFallback)
		c.abandon(done)
		return resp, nil
	}

	select {
	case res := <-done:
		return c.networkResult(r, route, p, res)
	case <-ctx.Done():
		c.abandon(done)
		return nil, ctx.Err()
	}
}

func (c *CacheTransport) networkResult(r *http.Request, route Route, p *partition, res fetchResult) (*http.Response, error) {
	if res.err != nil {
		return c.fallback(r, route, p, res.err)
	}

	res.resp.Request = r
	c.metrics.request(route.Strategy, p.name, OutcomeNetwork)
	return res.resp, nil
}

// abandon releases a network attempt whose result will not be delivered.
func (c *CacheTransport) abandon(done <-chan fetchResult) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if res := <-done; res.err == nil {
			drain(res.resp)
		}
	}()
}

func (c *CacheTransport) fallback(r *http.Request, route Route, p *partition, netErr error) (*http.Response, error) {
	ctx := r.Context()

	if resp, ok := c.lookup(ctx, p, caches.Key(r), r); ok {
		c.logger.DebugContext(ctx, "network failed, serving cache", "url", r.URL.String(), "partition", p.name, "error", netErr)
		c.metrics.request(route.Strategy, p.name, OutcomeFallback)
		return resp, nil
	}

	c.metrics.request(route.Strategy, p.name, OutcomeError)
	return nil, netErr
}
