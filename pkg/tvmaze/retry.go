package tvmaze

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_tvmaze_retries_total",
		Help: "Total number of TVMaze request retries by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seasonsync_tvmaze_retry_backoff_seconds",
		Help:    "Backoff duration for TVMaze retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_tvmaze_retry_exhausted_total",
		Help: "Total number of TVMaze requests that exhausted their retries by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the wait after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the retry configuration for an error class.
func RetryConfigForErrorClass(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassServer:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassRateLimit:
		// The shared cooldown does most of the waiting; the backoff only spaces attempts.
		return RetryConfig{
			MaxAttempts:       4,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        20 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// backoffFor returns the un-jittered wait after the given failed attempt.
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		return c.MaxBackoff
	}
	return backoff
}

// retryWithBackoff calls fn until it succeeds, fails with a class that is not retried,
// or exhausts the attempts configured for the class of its latest error. It respects
// context cancellation and adds jitter to prevent thundering herd.
func retryWithBackoff(ctx context.Context, configFor func(ErrorClass) RetryConfig, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("TVMaze request succeeded after retry")
			}
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		errorClass := classOf(err)
		if !shouldRetry(errorClass) {
			return err
		}

		config := configFor(errorClass)
		if attempt >= config.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
			log.Warn().
				Str("error_class", string(errorClass)).
				Int("max_attempts", config.MaxAttempts).
				Msg("TVMaze retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		retriesTotal.WithLabelValues(string(errorClass)).Inc()

		// ±20% jitter
		backoff := config.backoffFor(attempt)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(jitter.Seconds())

		log.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying TVMaze request after backoff")

		select {
		case <-ctx.Done():
			log.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}
	}
}
