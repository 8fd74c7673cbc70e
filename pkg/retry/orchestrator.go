// Package retry implements bounded retries with exponential backoff at two levels.
//
// Execute retries a single call in-process (for example one database write).
// HandleMessage applies the message-level policy on top of the queue's redelivery
// counter: early redeliveries are delayed and recorded, and a message that keeps
// failing is moved to the dead-letter store instead of being redelivered forever.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/season-sync/pkg/deadletter"
	"github.com/Sternrassler/season-sync/pkg/progress"
	"github.com/Sternrassler/season-sync/pkg/queue"
)

// Prometheus metrics for retry operations.
var (
	retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_retry_attempts_total",
		Help: "Total number of failed attempts by operation type",
	}, []string{"operation_type"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seasonsync_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by operation type",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
	}, []string{"operation_type"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_retry_exhausted_total",
		Help: "Total number of operations that failed every attempt by operation type",
	}, []string{"operation_type"})

	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_messages_dead_lettered_total",
		Help: "Total number of queue messages given up on by operation type",
	}, []string{"operation_type"})
)

// Config holds the retry configuration.
type Config struct {
	// BaseDelay is the backoff before the first retry. It doubles for every further retry.
	BaseDelay time.Duration

	// MaxDeliveries is how many deliveries a queue message gets before it is dead-lettered.
	MaxDeliveries int
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     2 * time.Second,
		MaxDeliveries: 3,
	}
}

// BackoffDelay returns BaseDelay·2^(attempt-1). Attempts below 1 count as 1.
func (c Config) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.BaseDelay << uint(attempt-1)
}

// Policy bounds the attempts of one kind of operation.
type Policy struct {
	OperationType string
	MaxAttempts   int
}

// Recorder persists retry records.
type Recorder interface {
	TrackRetryAttempt(ctx context.Context, rec progress.RetryRecord)
}

// DeadLetterSender stores messages that will not be retried again.
type DeadLetterSender interface {
	Send(ctx context.Context, env deadletter.Envelope) error
}

// Handler processes one queue message.
type Handler func(ctx context.Context, msg queue.Message) error

// Orchestrator runs operations under a retry policy.
type Orchestrator struct {
	config      Config
	recorder    Recorder
	deadLetters DeadLetterSender
	logger      zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewOrchestrator creates a retry orchestrator.
func NewOrchestrator(config Config, recorder Recorder, deadLetters DeadLetterSender, logger zerolog.Logger) *Orchestrator {
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultConfig().BaseDelay
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = DefaultConfig().MaxDeliveries
	}
	return &Orchestrator{
		config:      config,
		recorder:    recorder,
		deadLetters: deadLetters,
		logger:      logger,
		sleep:       sleepContext,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute calls fn up to policy.MaxAttempts times, sleeping BackoffDelay(k-1) before
// attempt k. Every failed attempt is recorded. Errors marked with Permanent are returned
// at once without a record. When all attempts fail the last error is returned wrapped
// in ErrRetryExhausted.
func (o *Orchestrator) Execute(ctx context.Context, policy Policy, identifier string, fn func(ctx context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := o.config.BackoffDelay(attempt - 1)
			retryBackoffSeconds.WithLabelValues(policy.OperationType).Observe(delay.Seconds())

			o.logger.Debug().
				Str("operation_type", policy.OperationType).
				Str("identifier", identifier).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying operation after backoff")

			if err := o.sleep(ctx, delay); err != nil {
				return fmt.Errorf("backoff before attempt %d of %s: %w", attempt, policy.OperationType, err)
			}
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				o.logger.Info().
					Str("operation_type", policy.OperationType).
					Str("identifier", identifier).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		if IsPermanent(err) {
			return err
		}

		lastErr = err
		retryAttemptsTotal.WithLabelValues(policy.OperationType).Inc()
		o.logger.Warn().Err(err).
			Str("operation_type", policy.OperationType).
			Str("identifier", identifier).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("Operation attempt failed")

		o.recorder.TrackRetryAttempt(ctx, progress.RetryRecord{
			OperationType: policy.OperationType,
			Identifier:    identifier,
			AttemptNumber: attempt,
			MaxAttempts:   maxAttempts,
			ErrorMessage:  err.Error(),
		})
	}

	retryExhaustedTotal.WithLabelValues(policy.OperationType).Inc()
	o.logger.Error().Err(lastErr).
		Str("operation_type", policy.OperationType).
		Str("identifier", identifier).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w: %s %s after %d attempts: %w",
		ErrRetryExhausted, policy.OperationType, identifier, maxAttempts, lastErr)
}

// HandleMessage runs handler under the message-level policy and reports whether the
// message was processed. A nil error with false means the message was dead-lettered
// and must not be redelivered. A non-nil error asks the queue to redeliver.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg queue.Message, operationType string, handler Handler) (bool, error) {
	count := msg.DequeueCount
	maxDeliveries := o.config.MaxDeliveries

	logger := o.logger.With().
		Str("operation_type", operationType).
		Str("message_id", msg.ID).
		Int("dequeue_count", count).
		Logger()

	if count > maxDeliveries {
		logger.Error().Int("max_attempts", maxDeliveries).Msg("Message exceeded max delivery attempts")
		o.sendToDeadLetter(ctx, msg, operationType, fmt.Sprintf("Max retry attempts (%d) exceeded", maxDeliveries))
		return false, nil
	}

	if count > 1 {
		delay := o.config.BackoffDelay(count - 1)
		retryBackoffSeconds.WithLabelValues(operationType).Observe(delay.Seconds())
		logger.Info().Dur("backoff", delay).Msg("Applying backoff before redelivered message")

		if err := o.sleep(ctx, delay); err != nil {
			return false, fmt.Errorf("backoff for message %s: %w", msg.ID, err)
		}

		o.recorder.TrackRetryAttempt(ctx, progress.RetryRecord{
			OperationType: operationType,
			Identifier:    msg.ID,
			AttemptNumber: count,
			MaxAttempts:   maxDeliveries,
			ErrorMessage:  fmt.Sprintf("Retry attempt %d", count),
		})
	}

	if err := handler(ctx, msg); err != nil {
		retryAttemptsTotal.WithLabelValues(operationType).Inc()

		if count >= maxDeliveries {
			logger.Error().Err(err).Msg("Message failed on final delivery attempt")
			o.sendToDeadLetter(ctx, msg, operationType, fmt.Sprintf("Final attempt failed: %v", err))
			return false, nil
		}

		logger.Warn().Err(err).Msg("Message handler failed, leaving message for redelivery")
		return false, err
	}

	return true, nil
}

// sendToDeadLetter stores msg in the dead-letter store. Failures are logged only.
func (o *Orchestrator) sendToDeadLetter(ctx context.Context, msg queue.Message, operationType, reason string) {
	original := json.RawMessage("{}")
	if json.Valid(msg.Body) {
		original = msg.Body
	} else {
		reason = fmt.Sprintf("%s (original body is not valid JSON: %q)", reason, string(msg.Body))
	}

	env := deadletter.Envelope{
		OriginalMessage:     original,
		OperationType:       operationType,
		FailureReason:       reason,
		OriginalEnqueueTime: msg.InsertionTime,
		FinalFailureTime:    o.now(),
		MessageID:           msg.ID,
	}

	deadLetteredTotal.WithLabelValues(operationType).Inc()
	if err := o.deadLetters.Send(ctx, env); err != nil {
		o.logger.Error().Err(err).
			Str("operation_type", operationType).
			Str("message_id", msg.ID).
			Msg("Failed to send message to dead letter store")
	}
}
