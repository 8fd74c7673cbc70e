package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is the freshness lifetime when the response carries no caching headers
	DefaultTTL = 5 * time.Minute
)

// ResponseToEntry converts an HTTP response to an Entry.
// The response body is restored after reading.
func ResponseToEntry(resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := time.Now()
	entry := &Entry{
		Data:       body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
		CachedAt:   now,
		Expires:    ExpiresFromHeaders(resp.Header, now),
	}

	if lastModStr := resp.Header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry, nil
}

// ExpiresFromHeaders derives the freshness deadline of a response. Cache-Control
// max-age wins over Expires; no-store and no-cache make the response stale at once.
// Without either header the response is fresh for DefaultTTL.
func ExpiresFromHeaders(headers http.Header, now time.Time) time.Time {
	if cc := headers.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.TrimSpace(strings.ToLower(directive))
			switch {
			case directive == "no-store" || directive == "no-cache":
				return now
			case strings.HasPrefix(directive, "max-age="):
				secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
				if err == nil && secs >= 0 {
					return now.Add(time.Duration(secs) * time.Second)
				}
			}
		}
	}

	if expiresStr := headers.Get("Expires"); expiresStr != "" {
		expires, err := http.ParseTime(expiresStr)
		if err != nil {
			return now.Add(DefaultTTL)
		}
		if expires.Before(now) {
			return now
		}
		return expires
	}

	return now.Add(DefaultTTL)
}

// ShouldMakeConditionalRequest reports whether entry carries a validator.
func ShouldMakeConditionalRequest(entry *Entry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders sets If-None-Match, or If-Modified-Since when the entry has
// no ETag.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if entry == nil || req == nil {
		return
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.Format(http.TimeFormat))
	}
}
