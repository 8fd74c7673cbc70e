// Package ratelimit shares TVMaze throttling state between processes through Redis.
// TVMaze answers 429 Too Many Requests once a client exceeds its allowance. Whichever
// process sees the 429 publishes a cooldown; every other client instance waits it out
// before sending its next request.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyCooldownUntil = "tvmaze:rate_limit:cooldown_until"
	RedisKeyThrottles     = "tvmaze:rate_limit:throttles"
	RedisKeyLastUpdate    = "tvmaze:rate_limit:last_update"
)

const (
	// DefaultCooldown applies when a 429 carries no usable Retry-After header.
	// TVMaze counts requests over a 10 second window.
	DefaultCooldown = 10 * time.Second

	// MaxCooldown caps the cooldown taken from a Retry-After header.
	MaxCooldown = 2 * time.Minute

	// ThrottleWindow is how long the throttle counter survives without a new 429.
	ThrottleWindow = 5 * time.Minute
)

// State is the shared TVMaze rate limit state.
type State struct {
	// CooldownUntil is when requests may resume. Zero when no cooldown is active.
	CooldownUntil time.Time `json:"cooldown_until"`

	// Throttles counts 429 responses seen within the last ThrottleWindow.
	Throttles int `json:"throttles"`

	// LastUpdate is when a 429 was last recorded.
	LastUpdate time.Time `json:"last_update"`
}

// Active reports whether a cooldown is in effect.
func (s *State) Active() bool {
	return time.Now().Before(s.CooldownUntil)
}

// Remaining returns the time left in the cooldown, or 0 if none is active.
func (s *State) Remaining() time.Duration {
	d := time.Until(s.CooldownUntil)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state was last updated longer than maxAge ago.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}
