package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	cooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seasonsync_tvmaze_cooldown_seconds",
		Help: "Length of the most recent TVMaze cooldown",
	})

	throttlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seasonsync_tvmaze_throttles_total",
		Help: "Total number of 429 responses received from TVMaze",
	})

	blockedRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seasonsync_tvmaze_blocked_requests_total",
		Help: "Total number of requests delayed by an active cooldown",
	})
)

// Tracker records TVMaze throttling in Redis and gates requests on it.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState retrieves the current rate limit state from Redis.
// Missing keys yield the zero State, which allows requests.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	vals, err := t.redis.MGet(ctx, RedisKeyCooldownUntil, RedisKeyThrottles, RedisKeyLastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	state := &State{}
	if ms, ok, err := int64Value(vals[0]); err != nil {
		return nil, fmt.Errorf("parse cooldown: %w", err)
	} else if ok {
		state.CooldownUntil = time.UnixMilli(ms)
	}
	if n, ok, err := int64Value(vals[1]); err != nil {
		return nil, fmt.Errorf("parse throttles: %w", err)
	} else if ok {
		state.Throttles = int(n)
	}
	if ms, ok, err := int64Value(vals[2]); err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	} else if ok {
		state.LastUpdate = time.UnixMilli(ms)
	}

	return state, nil
}

func int64Value(v any) (int64, bool, error) {
	s, ok := v.(string)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// UpdateFromResponse publishes a cooldown when resp is a 429. Other responses are ignored.
func (t *Tracker) UpdateFromResponse(ctx context.Context, resp *http.Response) error {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return nil
	}
	return t.RecordThrottle(ctx, ParseRetryAfter(resp.Header, time.Now()))
}

// RecordThrottle stores a cooldown of length d. A cooldown never shortens one already
// in effect.
func (t *Tracker) RecordThrottle(ctx context.Context, d time.Duration) error {
	now := time.Now()
	until := now.Add(d)

	current, err := t.GetState(ctx)
	if err != nil {
		return err
	}

	pipe := t.redis.TxPipeline()
	if d > 0 && until.After(current.CooldownUntil) {
		pipe.Set(ctx, RedisKeyCooldownUntil, until.UnixMilli(), d)
	}
	throttles := pipe.Incr(ctx, RedisKeyThrottles)
	pipe.Expire(ctx, RedisKeyThrottles, ThrottleWindow)
	pipe.Set(ctx, RedisKeyLastUpdate, now.UnixMilli(), ThrottleWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	throttlesTotal.Inc()
	cooldownSeconds.Set(d.Seconds())

	t.logger.Warn().
		Dur("cooldown", d).
		Time("cooldown_until", until).
		Int64("throttles", throttles.Val()).
		Msg("TVMaze rate limit hit - pausing requests")

	return nil
}

// ShouldAllowRequest reports whether no cooldown is active. It never blocks.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}
	return !state.Active(), nil
}

// Wait blocks until any active cooldown has passed or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}
	if !state.Active() {
		return nil
	}

	wait := state.Remaining()
	blockedRequestsTotal.Inc()
	t.logger.Debug().Dur("wait", wait).Msg("Waiting for TVMaze cooldown")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter returns the cooldown requested by a Retry-After header, given either
// as delay seconds or as an HTTP date. A missing or unparsable header yields
// DefaultCooldown; values are capped at MaxCooldown.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return DefaultCooldown
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	} else {
		return DefaultCooldown
	}

	if d < 0 {
		return 0
	}
	if d > MaxCooldown {
		return MaxCooldown
	}
	return d
}
