package goswcache

import (
	"net/url"
	"time"
)

type Config struct {
	// Scope is the application origin (and base path) precache entries are
	// resolved against. Navigations and precache lookups only apply to
	// requests on this origin. A nil Scope disables both.
	Scope *url.URL

	// AppShell is the precached document served for navigations, eg. /index.html
	AppShell string

	// NetworkTimeout bounds how long NetworkFirst waits on the network before
	// falling back to a cached entry. Zero waits for the network indefinitely.
	NetworkTimeout time.Duration

	// PrecacheConcurrency limits parallel asset fetches during install.
	PrecacheConcurrency int

	// Metrics receives request and eviction counts. May be nil.
	Metrics *Metrics
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		AppShell:            "/index.html",
		NetworkTimeout:      0,
		PrecacheConcurrency: 4,
	}
}
