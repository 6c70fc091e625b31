package goswcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dgduncan/go-sw-cache/caches"
)

const headerCacheControl = "Cache-Control"

// plan resolves every manifest asset and returns the precache key of each
// absolute URL along with the requests that fetch them.
func (c *Controller) plan(ctx context.Context, m Manifest) (map[string]string, []*http.Request, error) {
	keys := make(map[string]string, len(m))
	reqs := make([]*http.Request, 0, len(m))
	for _, e := range m {
		u, err := c.resolve(e.URL)
		if err != nil {
			return nil, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set(headerCacheControl, "no-cache")

		keys[u.String()] = caches.Key(req)
		reqs = append(reqs, req)
	}

	return keys, reqs, nil
}

// precache fills the version's partition from the network. A partition that
// already holds every asset of the build is reused without fetching. On
// failure the partition is dropped unless another version still owns it.
func (c *Controller) precache(ctx context.Context, v *Version) error {
	name := v.Manifest.Partition()

	keys, reqs, err := c.plan(ctx, v.Manifest)
	if err != nil {
		return err
	}

	cache, err := c.storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("open precache partition: %w", err)
	}

	if complete(ctx, cache, keys) {
		c.logger.DebugContext(ctx, "reusing stored precache", "version", v.ID, "partition", name)
		v.precached = keys
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if c.c.PrecacheConcurrency > 0 {
		eg.SetLimit(c.c.PrecacheConcurrency)
	}

	for _, req := range reqs {
		eg.Go(func() error {
			return c.fetchAsset(egCtx, cache, req.WithContext(egCtx))
		})
	}

	if err := eg.Wait(); err != nil {
		c.discardFailed(context.WithoutCancel(ctx), name)
		return err
	}

	v.precached = keys
	return nil
}

// complete reports whether cache holds an item for every key.
func complete(ctx context.Context, cache Cache, keys map[string]string) bool {
	entries, err := cache.Entries(ctx)
	if err != nil {
		return false
	}

	stored := make(map[string]bool, len(entries))
	for _, e := range entries {
		stored[e.Key] = true
	}

	for _, k := range keys {
		if !stored[k] {
			return false
		}
	}
	return true
}

// discardFailed drops the partition of a failed install. A partition served
// by the active or waiting version, or still being filled by another
// install, is kept.
func (c *Controller) discardFailed(ctx context.Context, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.installing[name] > 1 || c.ownsLocked(name) {
		c.logger.DebugContext(ctx, "keeping precache after failed install", "partition", name)
		return
	}

	if err := c.storage.Drop(ctx, name); err != nil {
		c.logger.WarnContext(ctx, "error dropping partial precache", "partition", name, "error", err)
	}
}

func (c *Controller) fetchAsset(ctx context.Context, cache Cache, req *http.Request) error {
	resp, err := c.network.RoundTrip(req)
	if err != nil {
		return fmt.Errorf("precache %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("precache %s: unexpected status %d", req.URL, resp.StatusCode)
	}

	normalizeProto(resp)
	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return fmt.Errorf("precache %s: %w", req.URL, err)
	}

	c.logger.DebugContext(ctx, "precached asset", "url", req.URL.String())

	return cache.Set(ctx, caches.Key(req), &CacheItem{
		Response: b,
		StoredAt: c.now().UTC(),
	})
}

// resolve turns a manifest URL into an absolute URL under the scope.
func (c *Controller) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest url %s: %w", raw, err)
	}

	if u.IsAbs() {
		return u, nil
	}

	if c.c.Scope == nil {
		return nil, caches.ValidationError{Reason: fmt.Sprintf("relative manifest url %s without a scope", raw)}
	}

	return c.c.Scope.ResolveReference(u), nil
}

// precachedKey returns the precache key answering r, if r asks for a
// precached asset or is a same-origin navigation and the app shell is
// precached.
func (c *Controller) precachedKey(v *Version, r *http.Request) (string, bool) {
	if c.c.Scope == nil || requestMethod(r) != http.MethodGet || originOf(r.URL) != originOf(c.c.Scope) {
		return "", false
	}

	for _, u := range precacheCandidates(r.URL) {
		if key, ok := v.precached[u]; ok {
			return key, true
		}
	}

	if isNavigation(r) && c.c.AppShell != "" {
		shell, err := c.resolve(c.c.AppShell)
		if err != nil {
			return "", false
		}
		key, ok := v.precached[shell.String()]
		return key, ok
	}

	return "", false
}

// precacheCandidates lists the URLs tried against the precache, in order:
// the URL without fragment and tracking parameters, its directory index, and
// its .html variant.
func precacheCandidates(src *url.URL) []string {
	u := *src
	u.Fragment, u.RawFragment = "", ""
	u.RawQuery = stripTrackingParams(u.RawQuery)

	out := []string{u.String()}

	switch {
	case strings.HasSuffix(u.Path, "/"):
		u.Path += "index.html"
		u.RawPath = ""
		out = append(out, u.String())
	case path.Ext(u.Path) == "":
		u.Path += ".html"
		u.RawPath = ""
		out = append(out, u.String())
	}

	return out
}

// stripTrackingParams removes utm_* and fbclid parameters and keeps the rest
// in their original order.
func stripTrackingParams(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		name, _, _ := strings.Cut(p, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if strings.HasPrefix(name, "utm_") || name == "fbclid" {
			continue
		}
		kept = append(kept, p)
	}

	return strings.Join(kept, "&")
}
