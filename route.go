package goswcache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dgduncan/go-sw-cache/caches"
)

// Strategy selects how a matched request is answered.
type Strategy int

const (
	NetworkOnly Strategy = iota
	NetworkFirst
	CacheFirst
	StaleWhileRevalidate
)

var strategyNames = map[Strategy]string{
	NetworkOnly:          "NetworkOnly",
	NetworkFirst:         "NetworkFirst",
	CacheFirst:           "CacheFirst",
	StaleWhileRevalidate: "StaleWhileRevalidate",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy accepts the strategy names case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, caches.ValidationError{Reason: fmt.Sprintf("unknown strategy %q", name)}
}

const (
	headerFetchDest = "Sec-Fetch-Dest"
	headerFetchMode = "Sec-Fetch-Mode"
)

// Predicate decides whether a route applies to a request.
type Predicate func(r *http.Request) bool

func Always() Predicate {
	return func(*http.Request) bool { return true }
}

// All matches when every predicate matches.
func All(ps ...Predicate) Predicate {
	return func(r *http.Request) bool {
		for _, p := range ps {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one predicate matches.
func Any(ps ...Predicate) Predicate {
	return func(r *http.Request) bool {
		for _, p := range ps {
			if p(r) {
				return true
			}
		}
		return false
	}
}

func Not(p Predicate) Predicate {
	return func(r *http.Request) bool { return !p(r) }
}

func Method(m string) Predicate {
	return func(r *http.Request) bool { return requestMethod(r) == m }
}

// Origin matches requests whose scheme and host equal those of u.
func Origin(u *url.URL) Predicate {
	origin := originOf(u)
	return func(r *http.Request) bool { return originOf(r.URL) == origin }
}

// CrossOrigin matches requests to any origin other than self.
func CrossOrigin(self *url.URL) Predicate {
	return Not(Origin(self))
}

func PathEquals(p string) Predicate {
	return func(r *http.Request) bool { return r.URL.Path == p }
}

func PathPrefix(p string) Predicate {
	return func(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, p) }
}

// Destination matches the request destination reported in Sec-Fetch-Dest,
// e.g. "image" or "document".
func Destination(d string) Predicate {
	return func(r *http.Request) bool { return destinationOf(r) == d }
}

// Navigation matches top level document loads.
func Navigation() Predicate {
	return isNavigation
}

func isNavigation(r *http.Request) bool {
	if requestMethod(r) != http.MethodGet {
		return false
	}
	return r.Header.Get(headerFetchMode) == "navigate" || destinationOf(r) == "document"
}

func destinationOf(r *http.Request) string {
	return strings.ToLower(r.Header.Get(headerFetchDest))
}

func requestMethod(r *http.Request) string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// originOf returns scheme://host with the scheme's default port removed.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	return scheme + "://" + host
}

// Route binds a predicate to a strategy and the partition it stores into.
type Route struct {
	Name       string
	Match      Predicate
	Strategy   Strategy
	Partition  string
	Expiration *Expiration
}

// Router holds an ordered route table. Routes are evaluated in declaration
// order and the first match wins, so specific routes must come before any
// catch-all that would also match them.
type Router struct {
	routes []Route
}

// NewRouter validates the table and returns a router over it.
func NewRouter(routes ...Route) (*Router, error) {
	exps := make(map[string]*Expiration)

	for i, rt := range routes {
		if rt.Match == nil {
			return nil, caches.ValidationError{Reason: fmt.Sprintf("route %d (%s) has no predicate", i, rt.Name)}
		}

		if rt.Strategy == NetworkOnly {
			continue
		}

		if rt.Partition == "" {
			return nil, caches.ValidationError{Reason: fmt.Sprintf("route %d (%s) uses %s without a partition", i, rt.Name, rt.Strategy)}
		}

		if prev, ok := exps[rt.Partition]; ok && !sameExpiration(prev, rt.Expiration) {
			return nil, caches.ValidationError{Reason: fmt.Sprintf("partition %s configured with conflicting expirations", rt.Partition)}
		}
		exps[rt.Partition] = rt.Expiration
	}

	return &Router{routes: append([]Route(nil), routes...)}, nil
}

func sameExpiration(a, b *Expiration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Match returns the first route whose predicate accepts r.
func (rt *Router) Match(r *http.Request) (Route, bool) {
	for _, route := range rt.routes {
		if route.Match(r) {
			return route, true
		}
	}
	return Route{}, false
}

// Partitions lists the partitions referenced by the table, in first use order.
func (rt *Router) Partitions() []string {
	seen := make(map[string]bool)
	var names []string
	for _, route := range rt.routes {
		if route.Partition == "" || seen[route.Partition] {
			continue
		}
		seen[route.Partition] = true
		names = append(names, route.Partition)
	}
	return names
}

// Expiration returns the bounds configured for partition name, or nil.
func (rt *Router) Expiration(name string) *Expiration {
	for _, route := range rt.routes {
		if route.Partition == name {
			return route.Expiration
		}
	}
	return nil
}
