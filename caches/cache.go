package caches

import (
	"net/http"
	"time"
)

var (
	// DefaultExpiredDuration is the longest a backend keeps a row, independent
	// of any partition expiration
	DefaultExpiredDuration = 30 * 24 * time.Hour

	// DefaultExpiredTaskTimer is the default duration of the expired task timer
	DefaultExpiredTaskTimer = 10 * time.Minute
)

// Key returns the partition key for a request: the method and the URL
// without its fragment.
func Key(r *http.Request) string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	return method + "#" + u.String()
}
