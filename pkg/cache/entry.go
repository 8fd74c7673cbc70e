// Package cache keeps TVMaze responses in Redis. Fresh entries are served without a
// request; stale entries are kept around so the client can revalidate them with
// If-None-Match and reuse the stored body on 304 Not Modified.
package cache

import (
	"time"
)

// Entry is a cached TVMaze response.
type Entry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag"`

	// Expires is when the entry stops being fresh
	Expires time.Time `json:"expires"`

	// LastModified from the Last-Modified header, if any
	LastModified time.Time `json:"last_modified"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// CachedAt is when the response was stored
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true once the entry is no longer fresh.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until the entry goes stale, or 0 if it already has.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
