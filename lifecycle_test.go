package goswcache_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goswcache "github.com/dgduncan/go-sw-cache"
	"github.com/dgduncan/go-sw-cache/caches/local"
	"github.com/dgduncan/go-sw-cache/caches/sqlite"
)

// assetServer serves the static build. Paths not in assets are 404s.
type assetServer struct {
	*httptest.Server

	mu      sync.Mutex
	assets  map[string]string
	hits    atomic.Int32
	noCache atomic.Int32
}

func newAssetServer(t *testing.T, assets map[string]string) *assetServer {
	t.Helper()

	s := &assetServer{assets: assets}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if r.Header.Get("Cache-Control") == "no-cache" {
			s.noCache.Add(1)
		}

		s.mu.Lock()
		body, ok := s.assets[r.URL.Path]
		s.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *assetServer) set(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[path] = body
}

// newAppTransport builds a transport scoped to the asset server, without
// installing anything.
func newAppTransport(t *testing.T, storage goswcache.Storage, srv *assetServer) *goswcache.CacheTransport {
	t.Helper()

	network := &http.Transport{}
	t.Cleanup(network.CloseIdleConnections)

	router, err := goswcache.NewRouter(goswcache.DefaultRoutes(mustURL(t, apiBase), mustURL(t, srv.URL))...)
	require.NoError(t, err)

	opts := goswcache.DefaultConfig()
	opts.Scope = mustURL(t, srv.URL+"/")

	return goswcache.New(storage, router, &opts, newClock().Now, discardLogger())(network)
}

func buildManifest(rev string) goswcache.Manifest {
	return goswcache.Manifest{
		{URL: "/index.html", Revision: rev},
		{URL: "/assets/app.js", Revision: rev},
	}
}

func TestInstallServesAppShellOffline(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell v1</html>",
		"/assets/app.js": "app v1",
	})

	storage := local.NewStorage()
	tr := newAppTransport(t, storage, srv)

	v, err := tr.Controller().Install(context.Background(), buildManifest("1"))
	require.NoError(t, err)
	assert.Equal(t, goswcache.StateActivated, v.State())
	assert.Equal(t, int32(2), srv.noCache.Load(), "precache fetches must bypass HTTP caches")

	srv.Close()
	client := &http.Client{Transport: tr}

	tests := []struct {
		name   string
		path   string
		header map[string]string
		body   string
	}{
		{name: "navigation to a client route", path: "/recipes/42", header: map[string]string{"Sec-Fetch-Mode": "navigate"}, body: "<html>shell v1</html>"},
		{name: "document destination", path: "/settings", header: map[string]string{"Sec-Fetch-Dest": "document"}, body: "<html>shell v1</html>"},
		{name: "directory index", path: "/", body: "<html>shell v1</html>"},
		{name: "precached asset", path: "/assets/app.js", body: "app v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := get(t, client, srv.URL+tt.path, tt.header)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.body, readBody(t, resp))
		})
	}

	_, err = get(t, client, srv.URL+"/assets/missing.js", nil)
	assert.Error(t, err, "non-navigation requests outside the precache go to the network")
}

func TestFailedInstallKeepsActiveVersion(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell v1</html>",
		"/assets/app.js": "app v1",
	})

	storage := local.NewStorage()
	tr := newAppTransport(t, storage, srv)
	ctx := context.Background()

	v1, err := tr.Controller().Install(ctx, buildManifest("1"))
	require.NoError(t, err)

	broken := append(buildManifest("2"), goswcache.ManifestEntry{URL: "/assets/gone.js", Revision: "2"})
	v2, err := tr.Controller().Install(ctx, broken)
	require.ErrorIs(t, err, goswcache.ErrInstallFailed)
	require.NotNil(t, v2)

	assert.Equal(t, goswcache.StateRedundant, v2.State())
	assert.Same(t, v1, tr.Controller().Active())
	assert.Nil(t, tr.Controller().Waiting())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, broken.Partition())
	assert.Contains(t, names, v1.Manifest.Partition())

	srv.Close()
	resp, err := get(t, &http.Client{Transport: tr}, srv.URL+"/", map[string]string{"Sec-Fetch-Mode": "navigate"})
	require.NoError(t, err)
	assert.Equal(t, "<html>shell v1</html>", readBody(t, resp))
}

func TestUpdateWaitsForSkipWaiting(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell v1</html>",
		"/assets/app.js": "app v1",
	})

	storage := local.NewStorage()
	tr := newAppTransport(t, storage, srv)
	ctrl := tr.Controller()
	ctx := context.Background()
	client := &http.Client{Transport: tr}

	v1, err := ctrl.Install(ctx, buildManifest("1"))
	require.NoError(t, err)
	ctrl.ClientAttached()

	srv.set("/index.html", "<html>shell v2</html>")
	srv.set("/assets/app.js", "app v2")

	v2, err := ctrl.Install(ctx, buildManifest("2"))
	require.NoError(t, err)
	assert.Equal(t, goswcache.StateInstalled, v2.State())
	assert.Same(t, v1, ctrl.Active())
	assert.Same(t, v2, ctrl.Waiting())

	resp, err := get(t, client, srv.URL+"/assets/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "app v1", readBody(t, resp), "the waiting version must not serve")

	require.NoError(t, ctrl.HandleMessage(ctx, goswcache.Message{Type: "UNKNOWN"}))
	assert.Same(t, v1, ctrl.Active())

	require.NoError(t, ctrl.HandleMessage(ctx, goswcache.Message{Type: goswcache.MessageSkipWaiting}))
	assert.Same(t, v2, ctrl.Active())
	assert.Nil(t, ctrl.Waiting())
	assert.Equal(t, goswcache.StateActivated, v2.State())
	assert.Equal(t, goswcache.StateRedundant, v1.State())

	resp, err = get(t, client, srv.URL+"/assets/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "app v2", readBody(t, resp))

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, v1.Manifest.Partition())
	assert.Contains(t, names, v2.Manifest.Partition())

	// nothing left to activate
	require.NoError(t, ctrl.SkipWaiting(ctx))
	assert.Same(t, v2, ctrl.Active())
}

func TestLastClientDetachedActivates(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell</html>",
		"/assets/app.js": "app",
	})

	tr := newAppTransport(t, local.NewStorage(), srv)
	ctrl := tr.Controller()
	ctx := context.Background()

	_, err := ctrl.Install(ctx, buildManifest("1"))
	require.NoError(t, err)

	ctrl.ClientAttached()
	ctrl.ClientAttached()

	v2, err := ctrl.Install(ctx, buildManifest("2"))
	require.NoError(t, err)
	require.Same(t, v2, ctrl.Waiting())

	require.NoError(t, ctrl.ClientDetached(ctx))
	assert.Same(t, v2, ctrl.Waiting(), "one client is still attached")

	require.NoError(t, ctrl.ClientDetached(ctx))
	assert.Same(t, v2, ctrl.Active())
	assert.Nil(t, ctrl.Waiting())
}

func TestNewerInstallReplacesWaitingVersion(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell</html>",
		"/assets/app.js": "app",
	})

	storage := local.NewStorage()
	tr := newAppTransport(t, storage, srv)
	ctrl := tr.Controller()
	ctx := context.Background()

	_, err := ctrl.Install(ctx, buildManifest("1"))
	require.NoError(t, err)
	ctrl.ClientAttached()

	v2, err := ctrl.Install(ctx, buildManifest("2"))
	require.NoError(t, err)
	v3, err := ctrl.Install(ctx, buildManifest("3"))
	require.NoError(t, err)

	assert.Equal(t, goswcache.StateRedundant, v2.State())
	assert.Same(t, v3, ctrl.Waiting())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, v2.Manifest.Partition())
}

func TestActivationCleansOutdatedPartitions(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell</html>",
		"/assets/app.js": "app",
	})

	storage := local.NewStorage()
	ctx := context.Background()

	seed(t, storage, "api-recipes-cache-v0", apiBase+"/recipes/search", "old", testTime())
	seed(t, storage, "precache-deadbeef", srv.URL+"/index.html", "old shell", testTime())
	seed(t, storage, goswcache.PartitionRecipes, apiBase+"/recipes/search", "current", testTime())

	tr := newAppTransport(t, storage, srv)
	v, err := tr.Controller().Install(ctx, buildManifest("1"))
	require.NoError(t, err)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{goswcache.PartitionRecipes, goswcache.MetaPartition, v.Manifest.Partition()}, names)
}

func TestUnchangedManifestIsNoop(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell</html>",
		"/assets/app.js": "app",
	})

	tr := newAppTransport(t, local.NewStorage(), srv)
	ctx := context.Background()

	v1, err := tr.Controller().Install(ctx, buildManifest("1"))
	require.NoError(t, err)
	hits := srv.hits.Load()

	reordered := buildManifest("1")
	reordered[0], reordered[1] = reordered[1], reordered[0]

	again, err := tr.Controller().Install(ctx, reordered)
	require.NoError(t, err)
	assert.Same(t, v1, again)
	assert.Equal(t, hits, srv.hits.Load())
	assert.Equal(t, goswcache.StateActivated, v1.State())
}

func TestInstallRejectsInvalidManifest(t *testing.T) {
	t.Parallel()

	tr := goswcache.New(local.NewStorage(), nil, nil, nil, nil)(http.DefaultTransport)

	_, err := tr.Controller().Install(context.Background(), goswcache.Manifest{{URL: "/index.html"}, {URL: "/index.html"}})
	assert.Error(t, err)
	assert.Nil(t, tr.Controller().Active())

	// relative urls need a scope
	_, err = tr.Controller().Install(context.Background(), goswcache.Manifest{{URL: "/index.html"}})
	assert.ErrorIs(t, err, goswcache.ErrInstallFailed)
	assert.Nil(t, tr.Controller().Active())
}

func TestPrecacheMatchesNormalizedURLs(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell</html>",
		"/about.html":    "<html>about</html>",
		"/assets/app.js": "app",
	})

	tr := newAppTransport(t, local.NewStorage(), srv)
	_, err := tr.Controller().Install(context.Background(), goswcache.Manifest{
		{URL: "/index.html", Revision: "1"},
		{URL: "/about.html", Revision: "1"},
		{URL: "/assets/app.js", Revision: "1"},
	})
	require.NoError(t, err)

	srv.Close()
	client := &http.Client{Transport: tr}

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "tracking params on the root", path: "/?utm_source=news&fbclid=abc", body: "<html>shell</html>"},
		{name: "clean url", path: "/about", body: "<html>about</html>"},
		{name: "clean url with tracking params", path: "/about?utm_medium=email#team", body: "<html>about</html>"},
		{name: "tracking params on an asset", path: "/assets/app.js?utm_campaign=spring", body: "app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := get(t, client, srv.URL+tt.path, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.body, readBody(t, resp))
		})
	}

	_, err = get(t, client, srv.URL+"/assets/app.js?v=2", nil)
	assert.Error(t, err, "other query params keep the url distinct")

	_, err = get(t, client, srv.URL+"/contact", nil)
	assert.Error(t, err, "clean urls only match precached pages")
}

// openSQLite opens the database at path and closes it when the test ends,
// unless the returned close func ran first.
func openSQLite(t *testing.T, path string) (*sqlite.Storage, func()) {
	t.Helper()

	storage, db, err := sqlite.OpenFile(context.Background(), path, nil)
	require.NoError(t, err)

	var once sync.Once
	closeDB := func() { once.Do(func() { require.NoError(t, db.Close()) }) }
	t.Cleanup(closeDB)

	return storage, closeDB
}

func TestRestartServesOfflineFromPersistentStorage(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell v1</html>",
		"/assets/app.js": "app v1",
	})
	path := filepath.Join(t.TempDir(), "sw.db")
	ctx := context.Background()

	storage, closeDB := openSQLite(t, path)
	v1, err := newAppTransport(t, storage, srv).Controller().Install(ctx, buildManifest("1"))
	require.NoError(t, err)
	closeDB()

	// the same url, now unreachable
	srv.Close()

	t.Run("install of the same build adopts the stored precache", func(t *testing.T) {
		storage, _ := openSQLite(t, path)
		tr := newAppTransport(t, storage, srv)

		v, err := tr.Controller().Install(ctx, buildManifest("1"))
		require.NoError(t, err)
		assert.Equal(t, goswcache.StateActivated, v.State())

		resp, err := get(t, &http.Client{Transport: tr}, srv.URL+"/recipes/42", map[string]string{"Sec-Fetch-Mode": "navigate"})
		require.NoError(t, err)
		assert.Equal(t, "<html>shell v1</html>", readBody(t, resp))

		names, err := storage.Names(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, v1.Manifest.Partition())
	})

	t.Run("restore resumes the recorded version", func(t *testing.T) {
		storage, _ := openSQLite(t, path)
		tr := newAppTransport(t, storage, srv)
		ctrl := tr.Controller()

		v, err := ctrl.Restore(ctx)
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, v1.Manifest.Version(), v.Manifest.Version())
		assert.Same(t, v, ctrl.Active())
		assert.Equal(t, goswcache.StateActivated, v.State())

		client := &http.Client{Transport: tr}
		resp, err := get(t, client, srv.URL+"/recipes/42", map[string]string{"Sec-Fetch-Mode": "navigate"})
		require.NoError(t, err)
		assert.Equal(t, "<html>shell v1</html>", readBody(t, resp))

		again, err := ctrl.Restore(ctx)
		require.NoError(t, err)
		assert.Same(t, v, again)

		// a new build cannot be fetched offline and must not disturb the old one
		v2, err := ctrl.Install(ctx, buildManifest("2"))
		require.ErrorIs(t, err, goswcache.ErrInstallFailed)
		assert.Equal(t, goswcache.StateRedundant, v2.State())
		assert.Same(t, v, ctrl.Active())

		same, err := ctrl.Install(ctx, buildManifest("1"))
		require.NoError(t, err)
		assert.Same(t, v, same)

		resp, err = get(t, client, srv.URL+"/assets/app.js", nil)
		require.NoError(t, err)
		assert.Equal(t, "app v1", readBody(t, resp))

		names, err := storage.Names(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, v1.Manifest.Partition())
		assert.NotContains(t, names, buildManifest("2").Partition())
	})
}

func TestRestoreWithoutRecordedVersion(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{})
	tr := newAppTransport(t, local.NewStorage(), srv)

	v, err := tr.Controller().Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Nil(t, tr.Controller().Active())
}

func TestRestoreSkipsIncompletePrecache(t *testing.T) {
	t.Parallel()

	srv := newAssetServer(t, map[string]string{
		"/index.html":    "<html>shell</html>",
		"/assets/app.js": "app",
	})

	storage := local.NewStorage()
	ctx := context.Background()

	v1, err := newAppTransport(t, storage, srv).Controller().Install(ctx, buildManifest("1"))
	require.NoError(t, err)

	c, err := storage.Open(ctx, v1.Manifest.Partition())
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "GET#"+srv.URL+"/assets/app.js"))

	tr := newAppTransport(t, storage, srv)
	v, err := tr.Controller().Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Nil(t, tr.Controller().Active())
}

// gatedTransport holds requests made under the held context until release
// is closed and fails every other request.
type gatedTransport struct {
	assets  map[string]string
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

type heldKey struct{}

func (g *gatedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Context().Value(heldKey{}) == nil {
		return nil, errOffline
	}

	g.once.Do(func() { close(g.arrived) })
	select {
	case <-g.release:
	case <-r.Context().Done():
		return nil, r.Context().Err()
	}

	body, ok := g.assets[r.URL.Path]
	if !ok {
		return nil, errors.New("no asset " + r.URL.Path)
	}

	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/plain")
	_, _ = rec.WriteString(body)
	resp := rec.Result()
	resp.Request = r
	return resp, nil
}

func TestFailedConcurrentInstallKeepsSharedPrecache(t *testing.T) {
	t.Parallel()

	network := &gatedTransport{
		assets:  map[string]string{"/index.html": "<html>shell</html>", "/assets/app.js": "app"},
		arrived: make(chan struct{}),
		release: make(chan struct{}),
	}

	router, err := goswcache.NewRouter(goswcache.DefaultRoutes(mustURL(t, apiBase), mustURL(t, appOrigin))...)
	require.NoError(t, err)
	opts := goswcache.DefaultConfig()
	opts.Scope = mustURL(t, appOrigin)

	storage := local.NewStorage()
	tr := goswcache.New(storage, router, &opts, newClock().Now, discardLogger())(network)
	ctrl := tr.Controller()
	ctx := context.Background()

	type result struct {
		v   *goswcache.Version
		err error
	}
	first := make(chan result, 1)
	go func() {
		v, err := ctrl.Install(context.WithValue(ctx, heldKey{}, true), buildManifest("1"))
		first <- result{v, err}
	}()
	<-network.arrived

	second, err := ctrl.Install(ctx, buildManifest("1"))
	require.ErrorIs(t, err, goswcache.ErrInstallFailed)
	assert.Equal(t, goswcache.StateRedundant, second.State())

	close(network.release)
	res := <-first
	require.NoError(t, res.err)
	assert.Same(t, res.v, ctrl.Active())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, res.v.Manifest.Partition())

	resp, err := get(t, &http.Client{Transport: tr}, strings.TrimSuffix(appOrigin, "/")+"/recipes/9", map[string]string{"Sec-Fetch-Mode": "navigate"})
	require.NoError(t, err)
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
}
