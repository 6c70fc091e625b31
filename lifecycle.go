package goswcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dgduncan/go-sw-cache/caches"
)

// State is the lifecycle state of a Version.
type State int32

const (
	StateInstalling State = iota
	StateInstalled        // waiting
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MessageSkipWaiting asks the controller to activate a waiting version now.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a signal sent by the foreground application.
type Message struct {
	Type string `json:"type"`
}

var ErrInstallFailed = errors.New("install failed")

// MetaPartition holds the manifest of the active version so a restarted
// process can resume serving it. Activation never drops it.
const MetaPartition = "sw-meta"

const metaActiveKey = "active-manifest"

// Version is one deployed build and its precached assets.
type Version struct {
	ID       string
	Manifest Manifest

	state atomic.Int32
	// precached maps absolute asset URLs to their partition keys.
	precached map[string]string
}

func (v *Version) State() State {
	return State(v.state.Load())
}

// Controller runs the install, waiting and activate lifecycle. Only the
// active version intercepts requests.
type Controller struct {
	storage Storage
	router  *Router
	network http.RoundTripper

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	c       Config

	mu      sync.Mutex
	active  *Version
	waiting *Version
	clients int
	// installing counts in-progress installs per precache partition so
	// activation never drops a partition that is being filled.
	installing map[string]int
}

func newController(storage Storage, router *Router, network http.RoundTripper, c Config, now func() time.Time, logger *slog.Logger) *Controller {
	return &Controller{
		storage: storage,
		router:  router,
		network: network,
		logger:  logger,
		metrics: c.Metrics,
		now:     now,
		c:       c,

		installing: make(map[string]int),
	}
}

// Active returns the version serving requests, or nil before the first
// activation.
func (c *Controller) Active() *Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Waiting returns the installed version waiting to activate, if any.
func (c *Controller) Waiting() *Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Restore resumes the version that was active when storage was last used.
// It returns nil when nothing was recorded or the recorded precache is no
// longer complete. A version that is already active is left in place.
func (c *Controller) Restore(ctx context.Context) (*Version, error) {
	meta, err := c.storage.Open(ctx, MetaPartition)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", MetaPartition, err)
	}

	item, err := meta.Get(ctx, metaActiveKey)
	if errors.Is(err, caches.ErrNoCacheItem) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m, err := LoadManifest(bytes.NewReader(item.Response))
	if err != nil {
		return nil, fmt.Errorf("recorded manifest: %w", err)
	}

	keys, _, err := c.plan(ctx, m)
	if err != nil {
		return nil, err
	}

	cache, err := c.storage.Open(ctx, m.Partition())
	if err != nil {
		return nil, err
	}
	if !complete(ctx, cache, keys) {
		c.logger.WarnContext(ctx, "recorded precache incomplete, not restoring", "partition", m.Partition())
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return c.active, nil
	}

	v := &Version{ID: uuid.NewString(), Manifest: m, precached: keys}
	c.active = v
	c.setState(v, StateActivated)

	c.logger.DebugContext(ctx, "version restored", "version", v.ID, "partition", m.Partition())
	return v, nil
}

// Install precaches the manifest as a new version. On failure the version is
// redundant and the active version keeps serving. On success the version
// waits, unless nothing is active or no clients are attached, in which case
// it activates right away.
func (c *Controller) Install(ctx context.Context, m Manifest) (*Version, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, cur := range []*Version{c.active, c.waiting} {
		if cur != nil && cur.Manifest.Version() == m.Version() {
			c.mu.Unlock()
			c.logger.DebugContext(ctx, "manifest unchanged, skipping install", "version", cur.ID)
			return cur, nil
		}
	}
	c.installing[m.Partition()]++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.installing[m.Partition()]--
		if c.installing[m.Partition()] <= 0 {
			delete(c.installing, m.Partition())
		}
		c.mu.Unlock()
	}()

	v := &Version{ID: uuid.NewString(), Manifest: m}
	c.setState(v, StateInstalling)

	c.logger.DebugContext(ctx, "installing version", "version", v.ID, "assets", len(m), "partition", m.Partition())

	if err := c.precache(ctx, v); err != nil {
		c.setState(v, StateRedundant)
		c.logger.WarnContext(ctx, "install failed, keeping current version", "version", v.ID, "error", err)
		return v, errors.Join(ErrInstallFailed, err)
	}

	c.setState(v, StateInstalled)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.waiting != nil {
		c.setState(c.waiting, StateRedundant)
		c.dropPrecache(ctx, c.waiting, v)
	}
	c.waiting = v

	if c.active == nil || c.clients == 0 {
		return v, c.activate(ctx)
	}

	c.logger.DebugContext(ctx, "version waiting", "version", v.ID, "clients", c.clients)
	return v, nil
}

// SkipWaiting activates the waiting version regardless of attached clients.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.waiting == nil {
		c.logger.DebugContext(ctx, "skip waiting requested with no waiting version")
		return nil
	}

	return c.activate(ctx)
}

// HandleMessage applies a foreground message. Unknown types are ignored.
func (c *Controller) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		return c.SkipWaiting(ctx)
	default:
		c.logger.DebugContext(ctx, "ignoring unknown message", "type", msg.Type)
		return nil
	}
}

// ClientAttached records a foreground page using the active version.
func (c *Controller) ClientAttached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients++
}

// ClientDetached records a closed page. Once no page is left, a waiting
// version activates.
func (c *Controller) ClientDetached(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clients > 0 {
		c.clients--
	}

	if c.clients == 0 && c.waiting != nil {
		return c.activate(ctx)
	}
	return nil
}

// activate must be called with c.mu held. Holding the lock defers new
// requests until the switch is complete.
func (c *Controller) activate(ctx context.Context) error {
	v := c.waiting
	if v == nil {
		return nil
	}

	c.setState(v, StateActivating)

	if err := c.cleanup(ctx, v); err != nil {
		c.logger.WarnContext(ctx, "error removing outdated partitions", "version", v.ID, "error", err)
	}

	old := c.active
	c.active = v
	c.waiting = nil

	if old != nil {
		c.setState(old, StateRedundant)
	}
	c.setState(v, StateActivated)

	c.record(ctx, v)

	c.logger.DebugContext(ctx, "version activated", "version", v.ID, "partition", v.Manifest.Partition())
	return nil
}

// record stores the active manifest for Restore. Errors are logged.
func (c *Controller) record(ctx context.Context, v *Version) {
	b, err := json.Marshal(v.Manifest)
	if err != nil {
		c.logger.WarnContext(ctx, "error encoding active manifest", "error", err)
		return
	}

	meta, err := c.storage.Open(ctx, MetaPartition)
	if err == nil {
		err = meta.Set(ctx, metaActiveKey, &CacheItem{Response: b, StoredAt: c.now().UTC()})
	}
	if err != nil {
		c.logger.WarnContext(ctx, "error recording active manifest", "error", err)
	}
}

// ownsLocked reports whether the active or waiting version serves from
// partition name. Must be called with c.mu held.
func (c *Controller) ownsLocked(name string) bool {
	for _, v := range []*Version{c.active, c.waiting} {
		if v != nil && v.Manifest.Partition() == name {
			return true
		}
	}
	return false
}

// cleanup drops every partition the new version does not reference.
func (c *Controller) cleanup(ctx context.Context, v *Version) error {
	names, err := c.storage.Names(ctx)
	if err != nil {
		return err
	}

	keep := map[string]bool{v.Manifest.Partition(): true, MetaPartition: true}
	for _, n := range c.router.Partitions() {
		keep[n] = true
	}
	for n := range c.installing {
		keep[n] = true
	}

	var errs []error
	for _, n := range names {
		if keep[n] {
			continue
		}

		c.logger.DebugContext(ctx, "dropping outdated partition", "partition", n)
		if err := c.storage.Drop(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", n, err))
		}
	}

	return errors.Join(errs...)
}

// dropPrecache removes a superseded waiting version's precache partition
// unless another live version shares it. Must be called with c.mu held.
func (c *Controller) dropPrecache(ctx context.Context, stale *Version, next *Version) {
	name := stale.Manifest.Partition()
	if name == next.Manifest.Partition() || (c.active != nil && name == c.active.Manifest.Partition()) {
		return
	}

	if err := c.storage.Drop(ctx, name); err != nil {
		c.logger.WarnContext(ctx, "error dropping superseded precache", "partition", name, "error", err)
	}
}

func (c *Controller) setState(v *Version, s State) {
	v.state.Store(int32(s))
	c.metrics.lifecycle(s)
}
