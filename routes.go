package goswcache

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Partition names used by DefaultRoutes. Other tooling may inspect these.
const (
	PartitionUserData     = "user-data-cache"
	PartitionRecipes      = "api-recipes-cache"
	PartitionSubdivisions = "api-subdivisions-cache"
	PartitionTasks        = "api-tasks-cache"
	PartitionGeneral      = "api-general-cache"
	PartitionImages       = "cross-origin-images"
)

const day = 24 * time.Hour

// DefaultRoutes returns the recipe application's route table. api is the REST
// API base URL (its path is the API prefix) and self is the application
// origin.
//
// The API catch-all is declared after every specific API GET route; moving it
// up would shadow them.
func DefaultRoutes(api, self *url.URL) []Route {
	base := strings.TrimSuffix(api.Path, "/")
	apiGet := func(p Predicate) Predicate {
		return All(Method(http.MethodGet), Origin(api), p)
	}

	return []Route{
		{
			Name:       "user-profile",
			Match:      apiGet(PathEquals(base + "/users/me")),
			Strategy:   NetworkFirst,
			Partition:  PartitionUserData,
			Expiration: &Expiration{MaxEntries: 10, MaxAge: 7 * day},
		},
		{
			Name: "recipes",
			Match: apiGet(Any(
				PathEquals(base+"/recipes/search"),
				PathPrefix(base+"/recipes/details"),
			)),
			Strategy:   CacheFirst,
			Partition:  PartitionRecipes,
			Expiration: &Expiration{MaxEntries: 100, MaxAge: 30 * day},
		},
		{
			Name:       "subdivisions",
			Match:      apiGet(PathEquals(base + "/locations/subdivisions")),
			Strategy:   NetworkFirst,
			Partition:  PartitionSubdivisions,
			Expiration: &Expiration{MaxEntries: 20, MaxAge: 30 * day},
		},
		{
			Name:       "tasks",
			Match:      apiGet(PathPrefix(base + "/tasks/")),
			Strategy:   NetworkFirst,
			Partition:  PartitionTasks,
			Expiration: &Expiration{MaxEntries: 50, MaxAge: 1 * day},
		},
		{
			Name:       "api-general",
			Match:      apiGet(Always()),
			Strategy:   CacheFirst,
			Partition:  PartitionGeneral,
			Expiration: &Expiration{MaxEntries: 200, MaxAge: 7 * day},
		},
		{
			Name: "api-mutations",
			Match: All(Method(http.MethodPost), Origin(api), Any(
				PathPrefix(base+"/users"),
				PathEquals(base+"/recipes/scrape"),
				PathEquals(base+"/recipes/adapt"),
				PathEquals(base+"/recipes/analyze"),
			)),
			Strategy: NetworkOnly,
		},
		{
			Name:       "cross-origin-images",
			Match:      All(Destination("image"), CrossOrigin(self)),
			Strategy:   StaleWhileRevalidate,
			Partition:  PartitionImages,
			Expiration: &Expiration{MaxEntries: 60, MaxAge: 30 * day},
		},
	}
}
