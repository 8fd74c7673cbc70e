// Package tvmaze is the TVMaze catalog API client. Requests are paced with a token
// bucket, pause while a 429 cooldown shared through Redis is active, revalidate cached
// responses with ETags and retry server and network failures with backoff.
package tvmaze

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/season-sync/pkg/cache"
	"github.com/Sternrassler/season-sync/pkg/ratelimit"
)

// Prometheus metrics for TVMaze client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_tvmaze_requests_total",
		Help: "Total TVMaze requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seasonsync_tvmaze_request_duration_seconds",
		Help:    "TVMaze request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_tvmaze_errors_total",
		Help: "Total TVMaze errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API, e.g. "https://api.tvmaze.com"
	BaseURL string

	// UserAgent sent with every request
	UserAgent string

	// Redis enables the response cache and the shared 429 cooldown. Optional.
	Redis *redis.Client

	// RateLimit is the request rate per second of this client; Burst the bucket size.
	RateLimit float64
	Burst     int

	// Timeout per HTTP request
	Timeout time.Duration

	// CacheRetention is how long stale responses are kept for revalidation.
	CacheRetention time.Duration
}

// DefaultConfig returns a configuration that stays well inside TVMaze's allowance.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:        baseURL,
		UserAgent:      userAgent,
		RateLimit:      2,
		Burst:          1,
		Timeout:        30 * time.Second,
		CacheRetention: cache.DefaultRetention,
	}
}

// Client is the TVMaze API client.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	userAgent   string
	limiter     *rate.Limiter
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	retryConfig func(ErrorClass) RetryConfig
	logger      zerolog.Logger
}

// New creates a TVMaze client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.RateLimit <= 0 {
		return nil, fmt.Errorf("rate_limit must be > 0 (got %v)", cfg.RateLimit)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:   cfg.UserAgent,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		retryConfig: RetryConfigForErrorClass,
		logger:      logger,
	}
	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		c.cache = cache.NewManager(cfg.Redis, cfg.CacheRetention)
	}
	return c, nil
}

// Get fetches path with the given query and returns the response body of a 200.
// 404 yields an *APIError matching ErrNotFound.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := endpointLabel(path)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	cacheKey := cache.Key{Path: path, Query: query}
	var cached *cache.Entry
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil && !entry.IsExpired():
			requestsTotal.WithLabelValues(endpoint, "cached").Inc()
			return entry.Data, nil
		case err == nil:
			cached = entry
		case err != cache.ErrCacheMiss:
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var result *cache.Entry
	err := retryWithBackoff(ctx, c.retryConfig, func() error {
		var reqErr error
		result, reqErr = c.attempt(ctx, target, endpoint, cached)
		return reqErr
	})
	if err != nil {
		return nil, err
	}

	if result.StatusCode == http.StatusNotModified {
		cache.NotModifiedResponses.Inc()
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		if err := c.cache.Refresh(ctx, cacheKey, cached, result.Expires); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		return cached.Data, nil
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, result); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		}
	}

	return result.Data, nil
}

// attempt performs one request. It waits for the local limiter and any shared
// cooldown first, and publishes a cooldown itself when TVMaze answers 429.
func (c *Client) attempt(ctx context.Context, target, endpoint string, cached *cache.Entry) (*cache.Entry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			c.logger.Warn().Err(err).Msg("Rate limit state unavailable, continuing")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &APIError{ErrorClass: ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if cache.ShouldMakeConditionalRequest(cached) {
		cache.AddConditionalHeaders(req, cached)
		cache.ConditionalRequests.Inc()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("TVMaze request failed")
		return nil, err
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests && c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromResponse(ctx, resp); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record rate limit")
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		return &cache.Entry{
			StatusCode: resp.StatusCode,
			Expires:    cache.ExpiresFromHeaders(resp.Header, time.Now()),
		}, nil
	case resp.StatusCode == http.StatusOK:
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return nil, err
		}
		return entry, nil
	}

	errorClass := classifyStatus(resp.StatusCode)
	errorsTotal.WithLabelValues(string(errorClass)).Inc()
	if errorClass != ErrorClassNotFound {
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errorClass)).
			Msg("TVMaze request error")
	}
	return nil, &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: errorClass,
		Message:    resp.Status,
	}
}

// classifyStatus maps a non-success status to its error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusNotFound:
		return ErrorClassNotFound
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// endpointLabel collapses numeric path segments so metric cardinality stays bounded.
func endpointLabel(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if _, err := strconv.Atoi(s); err == nil && s != "" {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetRetryConfig overrides the per-class retry configuration (for testing).
func (c *Client) SetRetryConfig(fn func(ErrorClass) RetryConfig) {
	c.retryConfig = fn
}
