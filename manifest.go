package goswcache

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/dgduncan/go-sw-cache/caches"
)

const precachePrefix = "precache-"

// ManifestEntry is one static asset of a build.
type ManifestEntry struct {
	URL      string `json:"url"`
	Revision string `json:"revision"`
}

// Manifest lists every static asset a version must store before it can
// activate.
type Manifest []ManifestEntry

// LoadManifest decodes the JSON array emitted by the build.
func LoadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate rejects empty or duplicate URLs.
func (m Manifest) Validate() error {
	seen := make(map[string]bool, len(m))
	for i, e := range m {
		if e.URL == "" {
			return caches.ValidationError{Reason: fmt.Sprintf("manifest entry %d has no url", i)}
		}
		if seen[e.URL] {
			return caches.ValidationError{Reason: fmt.Sprintf("manifest url %s listed twice", e.URL)}
		}
		seen[e.URL] = true
	}
	return nil
}

// Version identifies the build. It only depends on the set of url and
// revision pairs, not their order.
func (m Manifest) Version() string {
	pairs := make([]string, len(m))
	for i, e := range m {
		pairs[i] = e.URL + "@" + e.Revision
	}
	sort.Strings(pairs)

	h := xxhash.New()
	for _, p := range pairs {
		_, _ = h.WriteString(p)
		_, _ = h.Write([]byte{0})
	}

	return strconv.FormatUint(h.Sum64(), 16)
}

// Partition is the precache partition owned by this build.
func (m Manifest) Partition() string {
	return precachePrefix + m.Version()
}
