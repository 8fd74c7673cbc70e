package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached TVMaze resource.
type Key struct {
	// Path is the API path, e.g. "/shows/82/seasons"
	Path string

	// Query holds the query parameters, e.g. {"page": ["3"]}
	Query url.Values
}

// String generates a deterministic Redis key.
// Format: tvmaze:path:query1=val1:query2=val2
//
// Example:
//
//	tvmaze:updates/shows:since=day
func (k Key) String() string {
	parts := []string{"tvmaze"}

	if path := strings.Trim(k.Path, "/"); path != "" {
		parts = append(parts, path)
	}

	if len(k.Query) > 0 {
		names := make([]string, 0, len(k.Query))
		for name := range k.Query {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, k.Query.Get(name)))
		}
	}

	return strings.Join(parts, ":")
}
